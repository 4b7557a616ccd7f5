package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFileIncludesStartTime(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "nested", "self.pid")
	require.NoError(t, WritePIDFile(path, os.Getpid()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	first, rest, _ := strings.Cut(string(b), "\n")
	assert.Equal(t, strconv.Itoa(os.Getpid()), first)
	assert.Contains(t, rest, "start_unix")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWritePIDFileNoopCases(t *testing.T) {
	require.NoError(t, WritePIDFile("", 123))
	path := filepath.Join(t.TempDir(), "x.pid")
	require.NoError(t, WritePIDFile(path, 0))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.pid")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o600))
	pid, meta, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
	assert.Zero(t, meta.StartUnix)
}

func TestReadPIDFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	_, _, err := ReadPIDFile(path)
	assert.Error(t, err)
}
