package metricwatch

import (
	"context"
	"net/http"

	"github.com/loykin/metricwatch/internal/config"
	"github.com/loykin/metricwatch/internal/counters"
	"github.com/loykin/metricwatch/internal/credential"
	"github.com/loykin/metricwatch/internal/history"
	"github.com/loykin/metricwatch/internal/manager"
	"github.com/loykin/metricwatch/internal/metrics"
	"github.com/loykin/metricwatch/internal/service"
	"github.com/loykin/metricwatch/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type State = supervisor.State

type Service = service.Service

type ServiceResult = service.Result

type ServiceKind = service.Kind

type Identity = credential.Identity

type Issuer = credential.Issuer

type HistoryEvent = history.Event

type ConfigState = counters.State

const (
	Collector = service.Collector
	Exporter  = service.Exporter
)

var (
	ErrInvalidConfig   = counters.ErrInvalidConfig
	ErrInvalidIdentity = credential.ErrInvalidIdentity
	ErrUnknownBackend  = service.ErrUnknownBackend
	// ErrRunning is returned by Run or RunOnce while the other is active.
	ErrRunning = manager.ErrRunning
)

// Options customise an embedded supervisor. Zero values use the configured
// backends, the IMDS issuer and the default prometheus registry.
type Options struct {
	Services   []Service
	Issuer     Issuer
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Supervisor is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *manager.Manager }

// LoadConfig reads and validates a TOML configuration. path may be empty.
func LoadConfig(path string) (*Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func New(ctx context.Context, c *Config, opts Options) (*Supervisor, error) {
	m, err := manager.New(ctx, c, manager.Options{
		Services:   opts.Services,
		Issuer:     opts.Issuer,
		Registerer: opts.Registerer,
		Gatherer:   opts.Gatherer,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: m}, nil
}

func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }

// RunOnce executes one cycle. It fails with ErrRunning while Run is active.
func (s *Supervisor) RunOnce(ctx context.Context) error { return s.inner.RunOnce(ctx) }

func (s *Supervisor) Snapshot() State { return s.inner.Supervisor().Snapshot() }
func (s *Supervisor) Trigger() bool   { return s.inner.Trigger() }
func (s *Supervisor) Close() error    { return s.inner.Close() }

// Handler exposes the status API for mounting in an existing server.
func (s *Supervisor) Handler() http.Handler { return s.inner.Handler() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
