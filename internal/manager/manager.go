// Package manager assembles the runtime components described by a
// config.Config and drives them for the lifetime of the daemon.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/metricwatch/internal/auth"
	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/config"
	"github.com/loykin/metricwatch/internal/counters"
	"github.com/loykin/metricwatch/internal/credential"
	"github.com/loykin/metricwatch/internal/env"
	"github.com/loykin/metricwatch/internal/history"
	"github.com/loykin/metricwatch/internal/history/factory"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/metrics"
	"github.com/loykin/metricwatch/internal/retry"
	"github.com/loykin/metricwatch/internal/server"
	"github.com/loykin/metricwatch/internal/service"
	"github.com/loykin/metricwatch/internal/supervisor"
	mwtls "github.com/loykin/metricwatch/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 5 * time.Second

// ErrRunning is returned by Run and RunOnce while another of them is active.
var ErrRunning = errors.New("supervisor already running")

// Options override collaborators, mostly for tests.
type Options struct {
	Clock      clock.Clock
	Runner     retry.Runner
	Issuer     credential.Issuer
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Services replaces the configured backends.
	Services []service.Service
}

// Manager owns every component of one supervisor instance.
type Manager struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer

	services []service.Service
	creds    *credential.Scheduler
	recorder *history.Recorder
	reader   server.HistoryReader
	procs    *metrics.ProcessMetricsCollector
	notifier *counters.Notifier
	wake     chan struct{}
	sup      *supervisor.Supervisor
	handler  http.Handler
	httpSrv  *http.Server

	// running serializes Run and RunOnce; cycles are not reentrant.
	running atomic.Bool
}

// New builds the components. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	m := &Manager{cfg: cfg, wake: make(chan struct{}, 1)}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	if opts.Logger != nil {
		m.log = opts.Logger
	} else {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		m.log, m.logCloser = l, closer
	}
	sink := logger.SinkFrom(m.log)

	if err := m.buildServices(cfg, opts, sink); err != nil {
		m.Close()
		return nil, err
	}
	m.buildCredentials(cfg, opts, sink)

	sinks, err := factory.NewSinks(ctx, cfg.History.DSNs)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	for _, s := range sinks {
		if r, ok := s.(server.HistoryReader); ok && m.reader == nil {
			m.reader = r
		}
	}
	m.recorder = history.NewRecorder(sink, cfg.History.Timeout, sinks...)

	reg, gat := opts.Registerer, opts.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gat == nil {
		gat = prometheus.DefaultGatherer
	}
	m.procs = metrics.NewProcessMetricsCollector(cfg.Metrics.Process, sink)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(reg); err != nil {
			m.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := m.procs.RegisterMetrics(reg); err != nil {
			m.Close()
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
	}

	if cfg.Watch {
		m.notifier = counters.NewNotifier(cfg.CountersPath, cfg.WatchDebounce, sink)
	}

	m.sup = supervisor.New(counters.NewWatcher(cfg.CountersPath), m.services, m.credentials(), supervisor.Options{
		Interval:           cfg.Interval,
		InitialDelay:       cfg.InitialDelay,
		CallTimeout:        cfg.CallTimeout,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		Alt:                cfg.Alt,
		Clock:              opts.Clock,
		Log:                sink,
		Wake:               m.wake,
		History:            m.recorder,
	})

	if err := m.buildServer(cfg, gat); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) buildServices(cfg *config.Config, opts Options, sink logger.Sink) error {
	if opts.Services != nil {
		m.services = opts.Services
		return nil
	}
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	deps := service.Deps{
		Exec: retry.NewExecutor(opts.Runner, opts.Clock, sink),
		Env:  env.New(nil).WithBase(globalEnv),
		Log:  sink,
	}
	for _, kind := range service.Kinds() {
		svc, err := service.New(kind, cfg.Service(kind), deps)
		if err != nil {
			return err
		}
		m.services = append(m.services, svc)
	}
	return nil
}

func (m *Manager) buildCredentials(cfg *config.Config, opts Options, sink logger.Sink) {
	if !cfg.Credential.Enabled {
		return
	}
	id, err := cfg.Identity()
	if err != nil {
		m.log.Error("invalid managed identity settings, using the default identity", "err", err)
		id = credential.Identity{}
	}
	issuer := opts.Issuer
	if issuer == nil {
		issuer = &credential.IMDSIssuer{
			Endpoint:   cfg.Credential.Endpoint,
			APIVersion: cfg.Credential.APIVersion,
			Resource:   cfg.Credential.Resource,
			CachePath:  cfg.Credential.CachePath,
		}
	}
	m.creds = credential.NewScheduler(credential.Options{
		Identity:      id,
		Issuer:        issuer,
		CachePath:     cfg.Credential.CachePath,
		RefreshMargin: cfg.Credential.RefreshMargin,
		Timeout:       cfg.Credential.Timeout,
		Clock:         opts.Clock,
		Log:           sink,
	})
}

// credentials avoids handing a typed nil to the supervisor.
func (m *Manager) credentials() supervisor.Credentials {
	if m.creds == nil {
		return nil
	}
	return m.creds
}

func (m *Manager) buildServer(cfg *config.Config, gat prometheus.Gatherer) error {
	authn, err := auth.New(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("server auth: %w", err)
	}
	opts := server.Options{
		BasePath:   cfg.Server.BasePath,
		History:    m.reader,
		Resources:  m.procs,
		Trigger:    m.Trigger,
		Auth:       authn,
		StaleAfter: 3*cfg.Interval + cfg.InitialDelay + cfg.CallTimeout,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.HandlerFor(gat)
	}
	m.handler = server.NewRouter(m.sup, opts).Handler()
	if !cfg.Server.Enabled {
		return nil
	}
	tlsCfg, err := mwtls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	m.httpSrv = server.NewServer(cfg.Server.Addr, m.handler, tlsCfg)
	return nil
}

// Trigger schedules an early cycle. It reports false if one is already
// pending.
func (m *Manager) Trigger() bool {
	select {
	case m.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) Supervisor() *supervisor.Supervisor { return m.sup }
func (m *Manager) Handler() http.Handler              { return m.handler }
func (m *Manager) Logger() *slog.Logger               { return m.log }

// RunOnce executes a single cycle without the initial delay. It returns
// ErrRunning instead of racing a cycle while Run or another RunOnce is active.
func (m *Manager) RunOnce(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)
	return m.sup.RunCycle(ctx)
}

// pids maps each sub-agent to its main pid for resource sampling.
func (m *Manager) pids(ctx context.Context) map[string]int32 {
	out := make(map[string]int32, len(m.services))
	for _, s := range m.services {
		p, ok := s.(service.PIDer)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		out[string(s.Kind())] = int32(p.MainPID(cctx, m.cfg.Alt))
		cancel()
	}
	return out
}

// Run starts the notifier, the status server and resource sampling, then
// blocks in the supervisor loop until ctx is cancelled. Auxiliary
// components are shut down after the loop returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if m.notifier != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.notifier.Run(ctx); err != nil {
				m.log.Error("counter file notifier stopped; falling back to polling", "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.notifier.C():
					m.Trigger()
				}
			}
		}()
	}

	m.procs.Start(ctx, m.pids)

	if m.httpSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.log.Info("status server listening", "addr", m.httpSrv.Addr, "tls", m.httpSrv.TLSConfig != nil)
			if err := server.Serve(m.httpSrv); err != nil {
				m.log.Error("status server failed", "err", err)
			}
		}()
	}

	err := m.sup.Run(ctx)

	if m.httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := m.httpSrv.Shutdown(sctx); serr != nil {
			m.log.Error("status server shutdown", "err", serr)
		}
		scancel()
	}
	m.procs.Stop()
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases history sinks and the log file.
func (m *Manager) Close() error {
	var errs []error
	if m.recorder != nil {
		errs = append(errs, m.recorder.Close())
	}
	if m.logCloser != nil {
		errs = append(errs, m.logCloser.Close())
	}
	return errors.Join(errs...)
}
