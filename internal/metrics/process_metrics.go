package metrics

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/metricwatch/internal/logger"
)

// ProcessMetrics holds CPU and memory metrics for a single sub-agent.
type ProcessMetrics struct {
	Kind       string    `json:"kind"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for sub-agent resource sampling.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// PIDSource returns the current main pid per sub-agent kind; 0 means not
// running.
type PIDSource func(ctx context.Context) map[string]int32

// ProcessMetricsCollector samples CPU and memory of the supervised
// sub-agents with gopsutil and exports them as gauges.
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration
	log      logger.Sink

	mu     sync.RWMutex
	latest map[string]ProcessMetrics
	procs  map[int32]*process.Process // kept so CPUPercent has a previous sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessMetricsCollector(config ProcessMetricsConfig, log logger.Sink) *ProcessMetricsCollector {
	interval := config.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      name,
			Help:      help,
		}, []string{"kind"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		log:        log.OrDiscard(),
		latest:     make(map[string]ProcessMetrics),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the sub-agent."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the sub-agent."),
		numThreads: gauge("num_threads", "Number of threads of the sub-agent."),
		numFDs:     gauge("num_fds", "Open file descriptors of the sub-agent (Unix only)."),
	}
}

// RegisterMetrics registers the gauges with the provided registerer.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }

// Start samples every interval until ctx is done or Stop is called.
func (c *ProcessMetricsCollector) Start(ctx context.Context, pids PIDSource) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, pids(ctx))
			}
		}
	}()
}

// Stop stops the sampling goroutine.
func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every listed pid once and drops series of sub-agents that
// are no longer running.
func (c *ProcessMetricsCollector) Collect(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	results := make(map[string]ProcessMetrics, len(pids))
	for kind, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := c.sample(ctx, kind, pid, now)
		if err != nil {
			c.log.Info("sub-agent resource sample failed", "kind", kind, "pid", pid, "error", err)
			continue
		}
		results[kind] = m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for kind := range c.latest {
		if _, ok := results[kind]; !ok {
			c.cpuPercent.DeleteLabelValues(kind)
			c.memoryRSS.DeleteLabelValues(kind)
			c.numThreads.DeleteLabelValues(kind)
			c.numFDs.DeleteLabelValues(kind)
		}
	}
	live := make(map[int32]*process.Process, len(results))
	for _, m := range results {
		live[m.PID] = c.procs[m.PID]
	}
	c.procs = live
	c.latest = results
	for kind, m := range results {
		c.cpuPercent.WithLabelValues(kind).Set(m.CPUPercent)
		c.memoryRSS.WithLabelValues(kind).Set(float64(m.MemoryRSS))
		c.numThreads.WithLabelValues(kind).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" {
			c.numFDs.WithLabelValues(kind).Set(float64(m.NumFDs))
		}
	}
}

func (c *ProcessMetricsCollector) handle(ctx context.Context, pid int32) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procs[pid]; ok && p != nil {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	c.procs[pid] = p
	return p, nil
}

func (c *ProcessMetricsCollector) sample(ctx context.Context, kind string, pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := c.handle(ctx, pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m := ProcessMetrics{
		Kind:      kind,
		PID:       pid,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: ts,
	}
	if cpu, err := proc.PercentWithContext(ctx, 0); err == nil {
		m.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// Latest returns the most recent sample of every running sub-agent.
func (c *ProcessMetricsCollector) Latest() map[string]ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProcessMetrics, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
