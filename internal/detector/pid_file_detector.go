//go:build !windows

package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// PIDAlive returns true if a process with given pid exists (or EPERM).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// PIDMeta is the optional JSON line written after the PID so a recycled PID
// is not mistaken for the original process.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ReadPIDFile parses "<pid>\n[<meta json>]".
func ReadPIDFile(path string) (int, PIDMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDMeta{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta PIDMeta
	for _, l := range lines[1:] {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if json.Unmarshal([]byte(l), &meta) == nil && meta.StartUnix > 0 {
			break
		}
	}
	return pid, meta, nil
}

func (d PIDFileDetector) Alive(_ context.Context) (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !SameProcess(pid, meta) {
		return false, nil
	}
	return PIDAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(_ context.Context) (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string                      { return fmt.Sprintf("pid:%d", d.PID) }

// SameProcess reports whether pid still belongs to the process described by
// meta. A pid without a recorded or readable start time is trusted.
func SameProcess(pid int, meta PIDMeta) bool {
	if meta.StartUnix <= 0 {
		return true
	}
	cur := StartUnix(pid)
	return cur <= 0 || cur == meta.StartUnix
}

// StartUnix returns the start time of pid in Unix seconds, or 0 if unknown.
// WritePIDFile and SameProcess must agree on the value, so both go through
// here.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if sec := linuxStartUnix(pid); sec > 0 {
			return sec
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// linuxStartUnix combines the starttime ticks of /proc/<pid>/stat with the
// boot time.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	ticks, ok := statStartTicks(string(b))
	if !ok {
		return 0
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(boot) + ticks/hz
}

// statStartTicks extracts starttime (field 22) from a /proc/<pid>/stat line.
// The comm field may itself contain spaces and parentheses, so fields are
// counted from the last ')'.
func statStartTicks(line string) (int64, bool) {
	i := strings.LastIndexByte(line, ')')
	if i < 0 {
		return 0, false
	}
	// After comm: state is field 3, starttime is field 22.
	fields := strings.Fields(line[i+1:])
	const idx = 22 - 3
	if len(fields) <= idx {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[idx], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
