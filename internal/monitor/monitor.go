// Package monitor logs a periodic resource trace while the demultiplexer runs.
// It observes only; sampling failures never reach the caller.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// DefaultInterval is the time between samples.
const DefaultInterval = 90 * time.Second

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	// DiskPath is the filesystem whose usage is reported, normally the staging root.
	DiskPath string
	// MaxSamples bounds the retained history.
	MaxSamples int
}

// DefaultConfig samples the root filesystem every 90 seconds.
func DefaultConfig() Config {
	return Config{
		Interval:   DefaultInterval,
		DiskPath:   "/",
		MaxSamples: 100,
	}
}

// Gauges receives every sample, typically to publish it as metrics.
type Gauges interface {
	ObserveResources(s Sample)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the system sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithGauges attaches a sample observer.
func WithGauges(g Gauges) Option {
	return func(m *Monitor) { m.gauges = g }
}

// Monitor samples resources on a ticker between Start and Stop.
type Monitor struct {
	config  Config
	sampler Sampler
	gauges  Gauges
	logger  *utils.StructuredLogger

	mu      sync.RWMutex
	samples []Sample

	pid    atomic.Int64
	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// New creates a stopped Monitor.
func New(config Config, logger *utils.StructuredLogger, opts ...Option) *Monitor {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = d.MaxSamples
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	m := &Monitor{
		config: config,
		logger: logger.WithComponent("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewSystemSampler(config.DiskPath)
	}
	return m
}

// AttachPID adds the process's resident memory to subsequent samples.
// Zero detaches.
func (m *Monitor) AttachPID(pid int) {
	m.pid.Store(int64(pid))
}

// Start begins sampling. The first sample is taken immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "resource monitor already running").
			WithComponent("monitor")
	}

	m.logger.Info("starting resource monitor", map[string]interface{}{
		"interval":  m.config.Interval.String(),
		"disk_path": m.config.DiskPath,
	})

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)
	return nil
}

// Stop ends sampling and waits for the sampling goroutine. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("stopped resource monitor", map[string]interface{}{
		"samples": len(m.Samples()),
	})
	return nil
}

// Running reports whether the sampling goroutine is active.
func (m *Monitor) Running() bool {
	return atomic.LoadInt32(&m.active) == 1
}

// Samples returns a copy of the retained history, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.takeSample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.takeSample()
		}
	}
}

func (m *Monitor) takeSample() {
	sample, err := m.sampler.Sample(int(m.pid.Load()))
	if err != nil {
		m.logger.Debug("partial resource sample", map[string]interface{}{"error": err.Error()})
	}

	m.logger.Info(sample.String(), map[string]interface{}{
		"goroutines": sample.NumGoroutine,
	})
	if m.gauges != nil {
		m.gauges.ObserveResources(sample)
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}
	m.mu.Unlock()
}
