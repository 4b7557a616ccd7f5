package metrics

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loykin/metricwatch/internal/logger"
)

func TestCollectSamplesOwnProcess(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true}, logger.Discard())
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Collect(context.Background(), map[string]int32{"collector": int32(os.Getpid()), "exporter": 0})
	latest := c.Latest()
	m, ok := latest["collector"]
	if !ok {
		t.Fatalf("no sample for collector: %+v", latest)
	}
	if m.PID != int32(os.Getpid()) || m.MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", m)
	}
	if _, ok := latest["exporter"]; ok {
		t.Fatalf("non-running exporter must not be sampled")
	}
	if got := testutil.ToFloat64(c.memoryRSS.WithLabelValues("collector")); got <= 0 {
		t.Fatalf("rss gauge = %v", got)
	}
	if runtime.GOOS != "windows" && m.NumFDs == 0 {
		t.Fatalf("expected open fds")
	}

	// dropping the sub-agent removes its series
	c.Collect(context.Background(), map[string]int32{})
	if len(c.Latest()) != 0 {
		t.Fatalf("latest not cleared")
	}
	if n := testutil.CollectAndCount(c.memoryRSS); n != 0 {
		t.Fatalf("expected no rss series, got %d", n)
	}
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{}, logger.Discard())
	if c.IsEnabled() {
		t.Fatal("should be disabled")
	}
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	called := false
	c.Start(context.Background(), func(context.Context) map[string]int32 { called = true; return nil })
	c.Stop()
	if called {
		t.Fatal("disabled collector must not sample")
	}
}

func TestStartStop(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true, Interval: 10 * time.Millisecond}, logger.Discard())
	done := make(chan struct{}, 1)
	c.Start(context.Background(), func(context.Context) map[string]int32 {
		select {
		case done <- struct{}{}:
		default:
		}
		return map[string]int32{"collector": int32(os.Getpid())}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sampler never ran")
	}
	c.Stop()
}
