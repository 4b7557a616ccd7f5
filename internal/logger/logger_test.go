package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("collector")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"collector.stdout.log", "collector.stderr.log"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}
}

func TestWriters_WithExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	cfg := Config{StdoutPath: sp}
	outW, errW, err := cfg.Writers("ignored-name")
	require.NoError(t, err)
	require.NotNil(t, outW)
	assert.Nil(t, errW, "stderr has no destination")
	_, _ = outW.Write([]byte("x"))
	closeIf(outW)
	_, err = os.Stat(sp)
	assert.NoError(t, err)
}

func TestWriters_NoDestination(t *testing.T) {
	outW, errW, err := Config{}.Writers("x")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestColorTextHandler_PrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil)).With("agent", "collector")
	l.Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR")
	assert.Contains(t, out, "agent=collector")
}

func TestSinkFrom_Nil(t *testing.T) {
	s := SinkFrom(nil)
	s.Info("ignored")
	s.Error("ignored")
}

func TestSinkFrom_RoutesLevels(t *testing.T) {
	var buf bytes.Buffer
	s := SinkFrom(slog.New(slog.NewTextHandler(&buf, nil)))
	s.Info("hello", "k", 1)
	s.Error("bad")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[1], "level=ERROR")
}

func TestNew_WithFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "metricwatch.log")
	l, closer, err := New(Config{File: p, Format: "json"})
	require.NoError(t, err)
	l.Info("started")
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"started"`)
}
