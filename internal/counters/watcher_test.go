package counters

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestPoll_States(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metricCounters.json")
	w := NewWatcher(path)

	s, err := w.Poll()
	require.NoError(t, err, "missing file is not an error")
	assert.Equal(t, Absent, s.State)
	assert.Empty(t, s.Fingerprint)

	writeFile(t, path, "")
	s, err = w.Poll()
	require.NoError(t, err)
	assert.Equal(t, Cleared, s.State)
	assert.Equal(t, Fingerprint(nil), s.Fingerprint)

	writeFile(t, path, "{}")
	s, err = w.Poll()
	require.NoError(t, err)
	assert.Equal(t, Cleared, s.State)

	writeFile(t, path, `{"cpu":{"interval":"60s"},"mem":{}}`)
	s, err = w.Poll()
	require.NoError(t, err)
	assert.Equal(t, Active, s.State)
	assert.Len(t, s.Counters, 2)
}

func TestPoll_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	w := NewWatcher(path)
	for _, content := range []string{"{not json", "[1,2]", "null", "42"} {
		writeFile(t, path, content)
		_, err := w.Poll()
		require.Error(t, err, content)
		assert.True(t, errors.Is(err, ErrInvalidConfig), content)
	}
}

func TestPoll_ReadErrorIsNotAbsent(t *testing.T) {
	dir := t.TempDir()
	// a directory at the path cannot be read as a file
	path := filepath.Join(dir, "c.json")
	require.NoError(t, os.Mkdir(path, 0o750))
	_, err := NewWatcher(path).Poll()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}

func TestFingerprint_RawBytesNotSemantics(t *testing.T) {
	a, err := Classify([]byte(`{"cpu":{}}`))
	require.NoError(t, err)
	b, err := Classify([]byte("{ \"cpu\": {} }\n"))
	require.NoError(t, err)
	assert.Equal(t, a.Counters["cpu"], b.Counters["cpu"])
	assert.True(t, Changed(a.Fingerprint, b.Fingerprint), "whitespace changes the fingerprint")

	c, _ := Classify([]byte(`{"cpu":{}}`))
	assert.False(t, Changed(a.Fingerprint, c.Fingerprint))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "cleared", Cleared.String())
	assert.Equal(t, "active", Active.String())
}

func TestNewWatcher_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultPath, NewWatcher("").Path())
}
