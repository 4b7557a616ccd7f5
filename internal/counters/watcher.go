package counters

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath is where the host agent drops the metric counter configuration.
const DefaultPath = "/etc/opt/microsoft/azuremonitoragent/config-cache/metricCounters.json"

// ErrInvalidConfig wraps content that exists but cannot be classified.
var ErrInvalidConfig = errors.New("invalid counter configuration")

// State classifies the counter file.
type State int

const (
	// Absent means the file does not exist.
	Absent State = iota
	// Cleared means the file is empty or holds a JSON object without counters.
	Cleared
	// Active means at least one counter is configured.
	Active
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Cleared:
		return "cleared"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is one poll result. It is never persisted.
type Snapshot struct {
	State       State
	Raw         []byte
	Fingerprint string
	Counters    map[string]json.RawMessage
}

// Watcher reads and classifies the counter file.
type Watcher struct {
	path string
}

func NewWatcher(path string) *Watcher {
	if path == "" {
		path = DefaultPath
	}
	return &Watcher{path: path}
}

func (w *Watcher) Path() string { return w.path }

// Poll reads the file once. A missing file is not an error.
func (w *Watcher) Poll() (Snapshot, error) {
	b, err := os.ReadFile(filepath.Clean(w.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{State: Absent}, nil
		}
		return Snapshot{}, fmt.Errorf("read %s: %w", w.path, err)
	}
	return Classify(b)
}

// Classify fingerprints raw and decides its state.
func Classify(raw []byte) (Snapshot, error) {
	s := Snapshot{Raw: raw, Fingerprint: Fingerprint(raw)}
	if len(raw) == 0 {
		s.State = Cleared
		return s, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if m == nil {
		// literal null
		return Snapshot{}, fmt.Errorf("%w: not a JSON object", ErrInvalidConfig)
	}
	s.Counters = m
	if len(m) == 0 {
		s.State = Cleared
	} else {
		s.State = Active
	}
	return s, nil
}

// Fingerprint is the hex SHA-256 of the raw bytes.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Changed reports whether two fingerprints differ.
func Changed(prev, cur string) bool { return prev != cur }
