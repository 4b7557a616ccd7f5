// Package health runs the per-cycle liveness pass over the sub-agents and
// restarts them within a bounded budget.
package health

import (
	"context"
	"time"

	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/service"
)

const DefaultMaxRestartAttempts = 10

// Process is the supervision record of one sub-agent.
type Process struct {
	Kind               service.Kind `json:"kind"`
	Running            bool         `json:"running"`
	RestartAttempts    int          `json:"restart_attempts"`
	MaxRestartAttempts int          `json:"max_restart_attempts"`
	LastCheck          time.Time    `json:"last_check"`
	LastMessage        string       `json:"last_message,omitempty"`
}

// Exhausted reports whether the restart budget is used up.
func (p Process) Exhausted() bool { return p.RestartAttempts >= p.MaxRestartAttempts }

type EventType string

const (
	EventRestart          EventType = "restart"
	EventRestartFailed    EventType = "restart_failed"
	EventRestartExhausted EventType = "restart_exhausted"
	EventRecovered        EventType = "recovered"
)

type Event struct {
	Kind    service.Kind `json:"kind"`
	Type    EventType    `json:"type"`
	Attempt int          `json:"attempt"`
	Message string       `json:"message"`
	At      time.Time    `json:"at"`
}

type Options struct {
	MaxRestartAttempts int
	Alt                bool          // passed to every service call
	CallTimeout        time.Duration // per service call; 0 means none
	Clock              clock.Clock
	Log                logger.Sink
	OnEvent            func(Event)
}

// Monitor is owned by the supervisor loop and is not safe for concurrent use.
type Monitor struct {
	svcs  []service.Service
	procs map[service.Kind]*Process
	opts  Options
}

func NewMonitor(svcs []service.Service, opts Options) *Monitor {
	if opts.MaxRestartAttempts <= 0 {
		opts.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	opts.Log = opts.Log.OrDiscard()
	m := &Monitor{svcs: svcs, procs: make(map[service.Kind]*Process, len(svcs)), opts: opts}
	for _, s := range svcs {
		m.procs[s.Kind()] = &Process{Kind: s.Kind(), MaxRestartAttempts: opts.MaxRestartAttempts}
	}
	return m
}

// Check runs one liveness pass over every sub-agent in order.
func (m *Monitor) Check(ctx context.Context) {
	for _, s := range m.svcs {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, s)
	}
}

func (m *Monitor) check(ctx context.Context, s service.Service) {
	p := m.procs[s.Kind()]
	p.LastCheck = m.opts.Clock.Now()

	running := m.isRunning(ctx, s)
	p.Running = running
	if running {
		if p.RestartAttempts > 0 {
			m.emit(p, EventRecovered, "running again")
			m.opts.Log.Info("sub-agent running again", "kind", p.Kind, "after_attempts", p.RestartAttempts)
		}
		p.RestartAttempts = 0
		return
	}

	if p.Exhausted() {
		msg := "restart budget exhausted; waiting until it is observed running"
		p.LastMessage = msg
		m.opts.Log.Error("sub-agent not running and restart budget exhausted",
			"kind", p.Kind, "attempts", p.RestartAttempts, "max", p.MaxRestartAttempts)
		m.emit(p, EventRestartExhausted, msg)
		return
	}

	p.RestartAttempts++
	m.opts.Log.Info("sub-agent not running, restarting",
		"kind", p.Kind, "attempt", p.RestartAttempts, "max", p.MaxRestartAttempts)
	// best effort; a failed stop must not prevent the start
	if r := m.call(ctx, s.Stop); !r.OK {
		m.opts.Log.Info("stop before restart failed", "kind", p.Kind, "message", r.Message)
	}
	r := m.call(ctx, s.Start)
	p.LastMessage = r.Message
	if r.OK {
		m.opts.Log.Info("sub-agent restarted", "kind", p.Kind, "attempt", p.RestartAttempts, "message", r.Message)
		m.emit(p, EventRestart, r.Message)
		return
	}
	m.opts.Log.Error("sub-agent restart failed", "kind", p.Kind, "attempt", p.RestartAttempts, "message", r.Message)
	m.emit(p, EventRestartFailed, r.Message)
}

func (m *Monitor) isRunning(ctx context.Context, s service.Service) bool {
	cctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return s.IsRunning(cctx, m.opts.Alt)
}

func (m *Monitor) call(ctx context.Context, op func(context.Context, bool) service.Result) service.Result {
	cctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return op(cctx, m.opts.Alt)
}

func (m *Monitor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.CallTimeout)
}

func (m *Monitor) emit(p *Process, t EventType, msg string) {
	if m.opts.OnEvent == nil {
		return
	}
	m.opts.OnEvent(Event{Kind: p.Kind, Type: t, Attempt: p.RestartAttempts, Message: msg, At: m.opts.Clock.Now()})
}

// Processes returns copies of the records in service order.
func (m *Monitor) Processes() []Process {
	out := make([]Process, 0, len(m.svcs))
	for _, s := range m.svcs {
		out = append(out, *m.procs[s.Kind()])
	}
	return out
}

// Process returns a copy of one record.
func (m *Monitor) Process(kind service.Kind) (Process, bool) {
	p, ok := m.procs[kind]
	if !ok {
		return Process{}, false
	}
	return *p, true
}
