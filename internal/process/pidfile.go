package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loykin/metricwatch/internal/detector"
)

// WritePIDFile records pid followed by its start time so a recycled pid is
// not mistaken for the original process. The file is replaced atomically.
func WritePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	meta, _ := json.Marshal(detector.PIDMeta{StartUnix: detector.StartUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads a file written by WritePIDFile. Legacy files holding only
// the pid are accepted.
func ReadPIDFile(path string) (int, detector.PIDMeta, error) {
	return detector.ReadPIDFile(path)
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
