// Package metrics exports Prometheus metrics for demultiplexing runs. A
// Collector can serve them over HTTP while a run is in progress and push a
// final snapshot to a push gateway when the run ends.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/objectfs/demuxer/internal/monitor"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// Collector records run metrics.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	remoteAttempts   *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	groupedFiles     *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	cgroupMemory     prometheus.Gauge
	toolRSS          prometheus.Gauge
	diskUsed         prometheus.Gauge
	diskFree         prometheus.Gauge

	// Internal tracking
	phases map[string]*PhaseMetrics

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Port        int               `yaml:"port"`
	Path        string            `yaml:"path"`
	Labels      map[string]string `yaml:"labels"`
	Namespace   string            `yaml:"namespace"`
	Subsystem   string            `yaml:"subsystem"`
	PushGateway string            `yaml:"push_gateway"`
	JobName     string            `yaml:"job_name"`
}

// DefaultConfig returns a disabled configuration with the standard endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Port:      9108,
		Path:      "/metrics",
		Namespace: "demuxer",
		JobName:   "demuxer",
		Labels:    make(map[string]string),
	}
}

// PhaseMetrics summarises the time spent in one run phase.
type PhaseMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastFinished  time.Time     `json:"last_finished"`
}

// NewCollector creates a collector. A disabled collector accepts every
// Record call and does nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
		config.Enabled = true
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config: config,
		logger: logger.WithComponent("metrics"),
		phases: make(map[string]*PhaseMetrics),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry exposes the underlying registry; nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to listen for metrics").
			WithComponent("metrics").
			WithDetail("port", c.config.Port)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.logger.Info("serving metrics", map[string]interface{}{"addr": ln.Addr().String(), "path": c.config.Path})
	return nil
}

// Addr is the address the endpoint listens on, empty before Start.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Push sends the current values to the configured push gateway, grouped by
// the given run id. Nothing happens when no gateway is configured.
func (c *Collector) Push(ctx context.Context, runID string) error {
	if !c.config.Enabled || c.config.PushGateway == "" {
		return nil
	}

	pusher := push.New(c.config.PushGateway, c.config.JobName).Gatherer(c.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	for k, v := range c.config.Labels {
		pusher = pusher.Grouping(k, v)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeRemoteOperation, "failed to push metrics").
			WithComponent("metrics").
			WithContext("gateway", c.config.PushGateway)
	}
	return nil
}

// RecordRemoteAttempt counts one attempt of a remote storage command.
func (c *Collector) RecordRemoteAttempt(operation, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.remoteAttempts.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.remoteDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordTransfer records a single object moved by a storage backend.
func (c *Collector) RecordTransfer(scheme, direction string, bytes int64, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		c.RecordError(scheme, err)
	}
	c.transfers.With(prometheus.Labels{"scheme": scheme, "direction": direction, "status": status}).Inc()
	if bytes > 0 {
		c.transferBytes.With(prometheus.Labels{"scheme": scheme, "direction": direction}).Add(float64(bytes))
	}
	c.transferDuration.With(prometheus.Labels{"scheme": scheme, "direction": direction}).Observe(duration.Seconds())
}

// RecordGrouping counts one file handled while grouping outputs.
func (c *Collector) RecordGrouping(action string) {
	if !c.config.Enabled {
		return
	}
	c.groupedFiles.With(prometheus.Labels{"action": action}).Inc()
}

// RecordPhase records the time a run spent in phase.
func (c *Collector) RecordPhase(phase string, duration time.Duration, err error) {
	c.mu.Lock()
	m, ok := c.phases[phase]
	if !ok {
		m = &PhaseMetrics{}
		c.phases[phase] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.LastFinished = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	if !c.config.Enabled {
		return
	}
	c.phaseDuration.With(prometheus.Labels{"phase": phase}).Observe(duration.Seconds())
	if err != nil {
		c.RecordError(phase, err)
	}
}

// RecordError counts err under its error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	code := string(errors.CodeOf(err))
	if code == "" {
		code = "unknown"
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
}

// ObserveResources updates the resource gauges from a monitor sample.
func (c *Collector) ObserveResources(s monitor.Sample) {
	if !c.config.Enabled {
		return
	}
	if s.HasCgroupMemory {
		c.cgroupMemory.Set(float64(s.CgroupMemory))
	}
	if s.HasProcess {
		c.toolRSS.Set(float64(s.ProcessRSS))
	} else {
		c.toolRSS.Set(0)
	}
	if s.HasDisk {
		c.diskUsed.Set(float64(s.DiskUsed()))
		c.diskFree.Set(float64(s.DiskFree))
	}
}

// Phases returns a copy of the per-phase summary.
func (c *Collector) Phases() map[string]PhaseMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]PhaseMetrics, len(c.phases))
	for k, v := range c.phases {
		out[k] = *v
	}
	return out
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	constLabels := prometheus.Labels(c.config.Labels)

	c.remoteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: "remote_attempts_total",
			Help: "Attempts of remote storage commands by outcome",
		},
		[]string{"operation", "status"},
	)
	c.remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name:    "remote_attempt_duration_seconds",
			Help:    "Duration of remote storage command attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10ms to ~22min
		},
		[]string{"operation"},
	)
	c.transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: "transfers_total",
			Help: "Objects transferred by storage backends",
		},
		[]string{"scheme", "direction", "status"},
	)
	c.transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: "transfer_bytes_total",
			Help: "Bytes transferred by storage backends",
		},
		[]string{"scheme", "direction"},
	)
	c.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name:    "transfer_duration_seconds",
			Help:    "Duration of single object transfers",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 20), // 1ms to ~9min
		},
		[]string{"scheme", "direction"},
	)
	c.groupedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: "grouped_files_total",
			Help: "Output files handled while grouping by sample",
		},
		[]string{"action"},
	)
	c.phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name:    "phase_duration_seconds",
			Help:    "Time spent in each run phase",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 12), // 100ms to ~5h
		},
		[]string{"phase"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: "errors_total",
			Help: "Errors by operation and code",
		},
		[]string{"operation", "code"},
	)

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
			Name: name, Help: help,
		})
	}
	c.cgroupMemory = gauge("cgroup_memory_bytes", "Memory charged to the container cgroup")
	c.toolRSS = gauge("tool_rss_bytes", "Resident memory of the demultiplexer process")
	c.diskUsed = gauge("disk_used_bytes", "Used space on the working filesystem")
	c.diskFree = gauge("disk_free_bytes", "Free space on the working filesystem")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.remoteAttempts,
		c.remoteDuration,
		c.transfers,
		c.transferBytes,
		c.transferDuration,
		c.groupedFiles,
		c.phaseDuration,
		c.errorCounter,
		c.cgroupMemory,
		c.toolRSS,
		c.diskUsed,
		c.diskFree,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"demuxer-metrics"}`))
}
