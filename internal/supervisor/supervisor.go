// Package supervisor runs the control loop that keeps the collector and
// exporter in line with the counter configuration.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/counters"
	"github.com/loykin/metricwatch/internal/credential"
	"github.com/loykin/metricwatch/internal/health"
	"github.com/loykin/metricwatch/internal/history"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/metrics"
	"github.com/loykin/metricwatch/internal/service"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultCallTimeout = 2 * time.Minute
)

// Credentials is the part of credential.Scheduler the loop needs.
type Credentials interface {
	Identity() credential.Identity
	Token() credential.Token
	Reset()
	Ensure(ctx context.Context) credential.Check
}

type Options struct {
	Interval           time.Duration
	InitialDelay       time.Duration // wait before the first cycle
	CallTimeout        time.Duration // bound for every service or token call
	MaxRestartAttempts int
	Alt                bool
	Clock              clock.Clock
	Log                logger.Sink
	// Wake shortens the wait before the next cycle, typically fed by a
	// counters.Notifier.
	Wake    <-chan struct{}
	History *history.Recorder
}

// Supervisor is constructed once at start-up and driven by Run.
type Supervisor struct {
	watcher  *counters.Watcher
	services []service.Service
	creds    Credentials
	monitor  *health.Monitor
	opts     Options
	log      logger.Sink
	ctx      context.Context // current cycle context, for health events

	// owned by the loop goroutine
	lastFingerprint string
	configState     counters.State
	counters        int
	cycles          uint64
	failed          uint64
	lastErr         string
	startedAt       time.Time

	mu   sync.RWMutex
	snap State
}

// New wires the supervisor. creds may be nil when no credential is managed.
func New(w *counters.Watcher, svcs []service.Service, creds Credentials, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	opts.Log = opts.Log.OrDiscard()
	s := &Supervisor{
		watcher:   w,
		services:  svcs,
		creds:     creds,
		opts:      opts,
		log:       opts.Log,
		startedAt: opts.Clock.Now(),
	}
	s.monitor = health.NewMonitor(svcs, health.Options{
		MaxRestartAttempts: opts.MaxRestartAttempts,
		Alt:                opts.Alt,
		CallTimeout:        opts.CallTimeout,
		Clock:              opts.Clock,
		Log:                opts.Log,
		OnEvent:            s.onHealthEvent,
	})
	s.publish()
	return s
}

// Run executes cycles until ctx is cancelled. It returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started", "config", s.watcher.Path(), "interval", s.opts.Interval,
		"identity", s.identity())
	if err := s.wait(ctx, s.opts.InitialDelay); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			s.log.Info("supervisor stopping")
			return err
		}
		_ = s.RunCycle(ctx)
		if err := s.wait(ctx, s.opts.Interval); err != nil {
			s.log.Info("supervisor stopping")
			return err
		}
	}
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.opts.Clock.After(d):
		return nil
	case <-s.opts.Wake:
		s.log.Info("counter configuration event, running cycle early")
		return nil
	}
}

// RunCycle executes one cycle under a recover boundary. Any failure is
// logged, counted and returned; it never escapes as a panic. Cycles are not
// reentrant: callers must not invoke RunCycle concurrently with Run.
func (s *Supervisor) RunCycle(ctx context.Context) (err error) {
	start := s.opts.Clock.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			result = "panic"
			s.log.Error("recovered from panic in supervisor cycle", "panic", r, "stack", string(debug.Stack()))
			s.record(ctx, history.Event{Type: history.EventCyclePanic, Message: err.Error()})
		}
		s.cycles++
		if err != nil {
			s.failed++
			s.lastErr = err.Error()
			if result == "ok" {
				result = "failed"
			}
		} else {
			s.lastErr = ""
		}
		metrics.ObserveCycle(result, s.opts.Clock.Now().Sub(start).Seconds())
		s.publish()
	}()
	s.ctx = ctx
	return s.cycle(ctx)
}

func (s *Supervisor) cycle(ctx context.Context) error {
	snap, err := s.watcher.Poll()
	if err != nil {
		s.log.Error("failed to read counter configuration, skipping cycle", "path", s.watcher.Path(), "err", err)
		s.record(ctx, history.Event{Type: history.EventCycleFailed, Message: err.Error()})
		return fmt.Errorf("poll counter configuration: %w", err)
	}
	s.configState = snap.State
	s.counters = len(snap.Counters)
	metrics.SetConfigState(snap.State.String(), counters.Absent.String(), counters.Cleared.String(), counters.Active.String())

	if counters.Changed(s.lastFingerprint, snap.Fingerprint) {
		s.log.Info("counter configuration changed", "state", snap.State.String(), "counters", len(snap.Counters))
		metrics.IncConfigChange()
		s.record(ctx, history.Event{Type: history.EventConfigChanged, OK: true, Fingerprint: snap.Fingerprint,
			Message: snap.State.String()})
		s.reconcile(ctx, snap)
		s.lastFingerprint = snap.Fingerprint
	}

	if snap.State != counters.Active {
		return nil
	}
	s.checkCredential(ctx)
	s.monitor.Check(ctx)
	for _, p := range s.monitor.Processes() {
		metrics.SetSubagent(string(p.Kind), p.Running, p.RestartAttempts)
	}
	return nil
}

func (s *Supervisor) reconcile(ctx context.Context, snap counters.Snapshot) {
	switch snap.State {
	case counters.Active:
		if s.creds != nil {
			s.creds.Reset()
		}
		for _, svc := range s.services {
			if r := s.call(ctx, svc, history.EventInstall, svc.Install); !r.OK {
				continue
			}
			s.call(ctx, svc, history.EventStart, svc.Start)
		}
	case counters.Cleared:
		for _, svc := range s.services {
			if !s.isRunning(ctx, svc) {
				continue
			}
			s.call(ctx, svc, history.EventStop, svc.Stop)
			s.call(ctx, svc, history.EventRemove, svc.Remove)
		}
	case counters.Absent:
		// nothing to do until the file appears
	}
}

func (s *Supervisor) call(ctx context.Context, svc service.Service, op history.EventType,
	fn func(context.Context, bool) service.Result) service.Result {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	r := fn(cctx, s.opts.Alt)
	if r.OK {
		s.log.Info(r.Message, "kind", svc.Kind(), "op", op)
	} else {
		s.log.Error(r.Message, "kind", svc.Kind(), "op", op)
	}
	metrics.IncOperation(string(svc.Kind()), string(op), r.OK)
	s.record(ctx, history.Event{Type: op, Kind: string(svc.Kind()), OK: r.OK, Message: r.Message})
	return r
}

func (s *Supervisor) isRunning(ctx context.Context, svc service.Service) bool {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return svc.IsRunning(cctx, s.opts.Alt)
}

func (s *Supervisor) checkCredential(ctx context.Context) {
	if s.creds == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	c := s.creds.Ensure(cctx)
	if c.Valid {
		metrics.SetTokenExpiry(c.Token.ExpiresOn.Unix())
	}
	if !c.Attempted {
		return
	}
	metrics.IncTokenRefresh(c.Err == nil)
	if c.Err != nil {
		s.record(ctx, history.Event{Type: history.EventTokenFailed, Message: c.Err.Error()})
		return
	}
	s.record(ctx, history.Event{Type: history.EventTokenRefreshed, OK: true,
		Message: "expires " + c.Token.ExpiresOn.UTC().Format(time.RFC3339)})
}

func (s *Supervisor) onHealthEvent(e health.Event) {
	ok := e.Type == health.EventRestart || e.Type == health.EventRecovered
	s.record(s.ctx, history.Event{
		Type:       history.EventType(e.Type),
		OccurredAt: e.At,
		Kind:       string(e.Kind),
		OK:         ok,
		Attempt:    e.Attempt,
		Message:    e.Message,
	})
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.opts.Clock.Now()
	}
	s.opts.History.Record(context.WithoutCancel(ctx), e)
}

func (s *Supervisor) identity() string {
	if s.creds == nil {
		return "none"
	}
	return s.creds.Identity().String()
}

func (s *Supervisor) publish() {
	st := State{
		ConfigPath:      s.watcher.Path(),
		ConfigState:     s.configState.String(),
		LastFingerprint: s.lastFingerprint,
		Counters:        s.counters,
		Processes:       s.monitor.Processes(),
		Identity:        s.identity(),
		Cycles:          s.cycles,
		FailedCycles:    s.failed,
		LastError:       s.lastErr,
		StartedAt:       s.startedAt,
	}
	if s.cycles > 0 {
		st.LastCycleAt = s.opts.Clock.Now()
	}
	if s.creds != nil {
		if tok := s.creds.Token(); tok.Known() {
			exp := tok.ExpiresOn
			st.TokenExpiresOn = &exp
		}
	}
	s.mu.Lock()
	s.snap = st
	s.mu.Unlock()
}

// Snapshot returns a copy of the last published state. Safe for concurrent
// use.
func (s *Supervisor) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}
