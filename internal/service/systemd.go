package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/retry"
)

const DefaultUnitDir = "/etc/systemd/system"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network-online.target

[Service]
ExecStart={{.ExecStart}}
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .WorkDir}}
WorkingDirectory={{.WorkDir}}
{{- end}}
{{- range .Env}}
Environment="{{.}}"
{{- end}}
Restart=on-failure

[Install]
WantedBy=multi-user.target
`))

type unitData struct {
	Description string
	ExecStart   string
	User        string
	WorkDir     string
	Env         []string
}

// Systemd drives a sub-agent through systemctl. When Command is set the unit
// file is rendered on Install and deleted on Remove; otherwise the unit is
// assumed to be shipped by the sub-agent's package.
type Systemd struct {
	kind  Kind
	cfg   Config
	exec  *retry.Executor
	hooks hooks
	log   logger.Sink
}

func NewSystemd(kind Kind, cfg Config, deps Deps) (*Systemd, error) {
	if cfg.Unit == "" {
		cfg.Unit = "metricwatch-" + string(kind)
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = DefaultUnitDir
	}
	if cfg.Description == "" {
		cfg.Description = "metricwatch " + string(kind)
	}
	return &Systemd{
		kind:  kind,
		cfg:   cfg,
		exec:  deps.Exec,
		hooks: newHooks(kind, cfg, deps.Exec),
		log:   deps.Log.OrDiscard(),
	}, nil
}

func (s *Systemd) Kind() Kind { return s.kind }

func (s *Systemd) unit(alt bool) string {
	name := s.cfg.Unit
	if alt && s.cfg.AltUnit != "" {
		name = s.cfg.AltUnit
	}
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	return name
}

func (s *Systemd) unitPath(alt bool) string { return filepath.Join(s.cfg.UnitDir, s.unit(alt)) }

func (s *Systemd) execStart(alt bool) string {
	if alt && s.cfg.AltCommand != "" {
		return s.cfg.AltCommand
	}
	return s.cfg.Command
}

// RenderUnit returns the unit file content for the selected mode.
func (s *Systemd) RenderUnit(alt bool) (string, error) {
	var b bytes.Buffer
	err := unitTemplate.Execute(&b, unitData{
		Description: s.cfg.Description,
		ExecStart:   s.execStart(alt),
		User:        s.cfg.User,
		WorkDir:     s.cfg.WorkDir,
		Env:         s.cfg.Env,
	})
	return b.String(), err
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) (int, string) {
	return s.exec.Run(ctx, "systemctl "+strings.Join(args, " "))
}

func (s *Systemd) Install(ctx context.Context, alt bool) Result {
	if r := s.hooks.run(ctx, "install", s.cfg.InstallCommand); !r.OK {
		return r
	}
	if s.execStart(alt) != "" {
		content, err := s.RenderUnit(alt)
		if err != nil {
			return fail("%s: render unit: %v", s.kind, err)
		}
		if err := writeFileAtomic(s.unitPath(alt), []byte(content), 0o644); err != nil {
			return fail("%s: write unit: %v", s.kind, err)
		}
		if code, out := s.systemctl(ctx, "daemon-reload"); code != 0 {
			return fail("%s: daemon-reload failed (%d): %s", s.kind, code, out)
		}
	}
	if code, out := s.systemctl(ctx, "enable", s.unit(alt)); code != 0 {
		return fail("%s: enable %s failed (%d): %s", s.kind, s.unit(alt), code, out)
	}
	return ok("%s: installed %s", s.kind, s.unit(alt))
}

func (s *Systemd) Remove(ctx context.Context, alt bool) Result {
	unit := s.unit(alt)
	// disable fails for units that are already gone; that is still a removal
	if code, out := s.systemctl(ctx, "disable", unit); code != 0 {
		s.log.Info("disable unit failed, continuing", "kind", s.kind, "unit", unit, "exit_code", code, "output", out)
	}
	if s.execStart(alt) != "" {
		if err := os.Remove(s.unitPath(alt)); err != nil && !os.IsNotExist(err) {
			return fail("%s: remove unit file: %v", s.kind, err)
		}
		s.systemctl(ctx, "daemon-reload")
	}
	if r := s.hooks.run(ctx, "remove", s.cfg.RemoveCommand); !r.OK {
		return r
	}
	return ok("%s: removed %s", s.kind, unit)
}

func (s *Systemd) Start(ctx context.Context, alt bool) Result {
	unit := s.unit(alt)
	if code, out := s.systemctl(ctx, "start", unit); code != 0 {
		return fail("%s: start %s failed (%d): %s", s.kind, unit, code, out)
	}
	return ok("%s: started %s", s.kind, unit)
}

func (s *Systemd) Stop(ctx context.Context, alt bool) Result {
	unit := s.unit(alt)
	if code, out := s.systemctl(ctx, "stop", unit); code != 0 {
		return fail("%s: stop %s failed (%d): %s", s.kind, unit, code, out)
	}
	return ok("%s: stopped %s", s.kind, unit)
}

func (s *Systemd) IsRunning(ctx context.Context, alt bool) bool {
	code, _ := s.systemctl(ctx, "is-active", "--quiet", s.unit(alt))
	return code == 0
}

// MainPID asks systemd for the unit's main process, 0 when not running.
func (s *Systemd) MainPID(ctx context.Context, alt bool) int {
	code, out := s.systemctl(ctx, "show", "--property=MainPID", "--value", s.unit(alt))
	if code != 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0
	}
	return pid
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
