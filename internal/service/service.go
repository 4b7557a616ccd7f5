// Package service is the lifecycle surface over the two supervised
// sub-agents. Every operation reports failure through Result and never
// panics or returns an error the caller has to unwind.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/metricwatch/internal/env"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/retry"
)

// Kind names a supervised sub-agent.
type Kind string

const (
	Collector Kind = "collector"
	Exporter  Kind = "exporter"
)

// Kinds lists the sub-agents in reconciliation order.
func Kinds() []Kind { return []Kind{Collector, Exporter} }

// Backend tags.
const (
	BackendSystemd = "systemd"
	BackendProcess = "process"
)

var ErrUnknownBackend = errors.New("unknown service backend")

// Result is the outcome of one lifecycle operation.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func ok(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Service controls one sub-agent. alt selects the alternate operating mode
// and is passed through unchanged.
type Service interface {
	Kind() Kind
	Install(ctx context.Context, alt bool) Result
	Remove(ctx context.Context, alt bool) Result
	Start(ctx context.Context, alt bool) Result
	Stop(ctx context.Context, alt bool) Result
	IsRunning(ctx context.Context, alt bool) bool
}

// PIDer is implemented by backends that can report the sub-agent's main pid.
type PIDer interface {
	MainPID(ctx context.Context, alt bool) int
}

// DetectorConfig describes an extra liveness check for the process backend.
type DetectorConfig struct {
	Type    string `mapstructure:"type"` // pidfile, pid, command, name
	Path    string `mapstructure:"path"`
	PID     int    `mapstructure:"pid"`
	Command string `mapstructure:"command"`
	Name    string `mapstructure:"name"`
}

// Config is the per-sub-agent backend configuration.
type Config struct {
	Backend string `mapstructure:"backend"`

	// hooks run with package manager lock retries during Install/Remove
	InstallCommand string        `mapstructure:"install_command"`
	RemoveCommand  string        `mapstructure:"remove_command"`
	HookRetries    int           `mapstructure:"hook_retries"`
	HookBackoff    time.Duration `mapstructure:"hook_backoff"`

	// systemd
	Unit        string `mapstructure:"unit"`
	AltUnit     string `mapstructure:"alt_unit"`
	UnitDir     string `mapstructure:"unit_dir"`
	Description string `mapstructure:"description"`
	User        string `mapstructure:"user"`

	// process
	Command     string           `mapstructure:"command"`
	AltCommand  string           `mapstructure:"alt_command"`
	WorkDir     string           `mapstructure:"work_dir"`
	Env         []string         `mapstructure:"env"`
	PIDFile     string           `mapstructure:"pid_file"`
	StopTimeout time.Duration    `mapstructure:"stop_timeout"`
	Detectors   []DetectorConfig `mapstructure:"detectors"`
	Log         logger.Config    `mapstructure:"log"`
}

// Deps carries the shared collaborators of the backends.
type Deps struct {
	Exec *retry.Executor
	Env  *env.Env
	Log  logger.Sink
}

// New builds the backend selected by cfg.Backend.
func New(kind Kind, cfg Config, deps Deps) (Service, error) {
	if deps.Exec == nil {
		deps.Exec = retry.NewExecutor(nil, nil, deps.Log)
	}
	if deps.Env == nil {
		deps.Env = env.New(nil)
	}
	deps.Log = deps.Log.OrDiscard()

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSystemd:
		return NewSystemd(kind, cfg, deps)
	case BackendProcess:
		return NewProcess(kind, cfg, deps)
	default:
		return nil, fmt.Errorf("%s: %w %q", kind, ErrUnknownBackend, cfg.Backend)
	}
}

// hooks runs the optional install/remove commands shared by every backend.
type hooks struct {
	kind    Kind
	cfg     Config
	exec    *retry.Executor
	retries int
	backoff time.Duration
}

func newHooks(kind Kind, cfg Config, exec *retry.Executor) hooks {
	h := hooks{kind: kind, cfg: cfg, exec: exec, retries: cfg.HookRetries, backoff: cfg.HookBackoff}
	if h.retries <= 0 {
		h.retries = 10
	}
	if h.backoff <= 0 {
		h.backoff = retry.DefaultInitialBackoff
	}
	return h
}

func (h hooks) run(ctx context.Context, what, cmd string) Result {
	if strings.TrimSpace(cmd) == "" {
		return ok("%s: no %s command", h.kind, what)
	}
	code, out := h.exec.RunWithRetries(ctx, cmd, retry.Policy{
		MaxRetries:     h.retries,
		Check:          retry.RetryIfDpkgLocked,
		Final:          retry.FinalCheckDpkgLocked,
		InitialBackoff: h.backoff,
	})
	if code != 0 {
		return fail("%s: %s command failed with exit code %d: %s", h.kind, what, code, out)
	}
	return ok("%s: %s command succeeded", h.kind, what)
}
