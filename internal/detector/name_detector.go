package detector

import (
	"context"
	"path/filepath"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// NameDetector looks for any live process whose executable base name matches
// Name, the way `pgrep -x` would.
type NameDetector struct{ Name string }

func (d NameDetector) Alive(ctx context.Context) (bool, error) {
	pids, err := FindByName(ctx, d.Name)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (d NameDetector) Describe() string { return "name:" + d.Name }

// FindByName lists PIDs whose process name or executable base name equals name.
func FindByName(ctx context.Context, name string) ([]int, error) {
	if name == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n != name {
			exe, err := p.ExeWithContext(ctx)
			if err != nil || filepath.Base(exe) != name {
				continue
			}
		}
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			out = append(out, int(p.Pid))
		}
	}
	return out, nil
}
