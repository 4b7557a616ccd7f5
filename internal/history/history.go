package history

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/metricwatch/internal/logger"
)

// EventType defines the kind of supervisor event.
type EventType string

const (
	EventConfigChanged    EventType = "config_changed"
	EventInstall          EventType = "install"
	EventStart            EventType = "start"
	EventStop             EventType = "stop"
	EventRemove           EventType = "remove"
	EventRestart          EventType = "restart"
	EventRestartFailed    EventType = "restart_failed"
	EventRestartExhausted EventType = "restart_exhausted"
	EventRecovered        EventType = "recovered"
	EventTokenRefreshed   EventType = "token_refreshed"
	EventTokenFailed      EventType = "token_refresh_failed"
	EventCyclePanic       EventType = "cycle_panic"
	EventCycleFailed      EventType = "cycle_failed"
)

const (
	DefaultTable       = "supervisor_history"
	DefaultIndex       = "supervisor-history"
	DefaultSendTimeout = 5 * time.Second
)

// Event is one row of supervisor history.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Kind        string    `json:"kind,omitempty"` // collector, exporter or empty for supervisor-wide events
	OK          bool      `json:"ok"`
	Attempt     int       `json:"attempt,omitempty"`
	Message     string    `json:"message,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to every sink under a per-send timeout. A failing
// sink is logged and never blocks the others.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     logger.Sink
}

func NewRecorder(log logger.Sink, timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Recorder{sinks: sinks, timeout: timeout, log: log.OrDiscard()}
}

// Record sends e to every sink. A nil Recorder drops the event.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Error("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
