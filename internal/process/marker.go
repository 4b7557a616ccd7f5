package process

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/metricwatch/internal/detector"
)

// MatchFunc reports whether a command line belongs to a process we may
// terminate.
type MatchFunc func(cmdline []string) bool

// TerminatePrevious stops the instance recorded in the marker file at path,
// but only when its command line satisfies match. It returns the pid that was
// terminated, or 0 when there was nothing to do.
func TerminatePrevious(ctx context.Context, path string, match MatchFunc, wait time.Duration) (int, error) {
	pid, _, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read marker: %w", err)
	}
	if pid == os.Getpid() || !detector.PIDAlive(pid) {
		return 0, nil
	}
	cmdline, err := Cmdline(ctx, pid)
	if err != nil || match == nil || !match(cmdline) {
		return 0, nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("terminate previous instance %d: %w", pid, err)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !detector.PIDAlive(pid) {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return pid, nil
}

// WriteMarker records the current process in the marker file.
func WriteMarker(path string) error { return WritePIDFile(path, os.Getpid()) }

// Cmdline returns the argv of pid (from /proc/<pid>/cmdline on Linux).
func Cmdline(ctx context.Context, pid int) ([]string, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	return p.CmdlineSliceWithContext(ctx)
}
