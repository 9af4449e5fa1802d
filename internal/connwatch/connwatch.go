// Package connwatch tracks whether Quill's external dependencies, the
// inference provider and any bridged MCP servers, are reachable.
//
// Each watched dependency is probed on its own goroutine. Until the
// first success, failed probes are retried with doubling delays; after
// that the dependency is polled at a steady interval. Up and down
// transitions are logged and published on the event bus, and the
// current picture is exposed through [Manager.Status] for the health
// endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/quill-agent/internal/events"
)

// Probe checks whether a dependency is reachable. It returns nil when
// healthy and must be safe for concurrent use.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// RetryDelay is the wait after the first failed startup probe. It
	// doubles on each further failure up to MaxDelay.
	RetryDelay time.Duration
	MaxDelay   time.Duration
	// PollInterval is the wait between probes once the dependency has
	// been reached at least once.
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s ... capped at 60s, then polls
// every 60s with a 10s probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		RetryDelay:   2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the health of one dependency as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

type dependency struct {
	name    string
	probe   Probe
	reached bool // succeeded at least once

	mu     sync.Mutex
	status Status
}

// record stores a probe outcome and reports whether readiness changed.
func (d *dependency) record(err error, at time.Time) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	was := d.status.Ready
	d.status.LastCheck = at
	if err != nil {
		d.status.Ready = false
		d.status.LastError = err.Error()
		d.status.Failures++
	} else {
		d.status.Ready = true
		d.status.LastError = ""
		d.status.Failures = 0
	}
	return was != d.status.Ready
}

func (d *dependency) snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Manager watches a set of dependencies.
type Manager struct {
	schedule Schedule
	bus      *events.Bus
	logger   *slog.Logger

	mu   sync.RWMutex
	deps map[string]*dependency
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithSchedule overrides the probe timing. Zero fields keep their defaults.
func WithSchedule(s Schedule) Option {
	return func(m *Manager) { m.schedule = s.withDefaults() }
}

// WithEventBus publishes service_up and service_down events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a Manager with no dependencies.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		schedule: DefaultSchedule(),
		logger:   logger.With("component", "connwatch"),
		deps:     make(map[string]*dependency),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts probing a dependency in the background until ctx is
// cancelled. Watching a name twice replaces the earlier status entry.
func (m *Manager) Watch(ctx context.Context, name string, probe Probe) {
	d := &dependency{
		name:   name,
		probe:  probe,
		status: Status{Name: name},
	}

	m.mu.Lock()
	m.deps[name] = d
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ctx, d)
}

// Status returns the health of every watched dependency, keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.deps))
	for name, d := range m.deps {
		out[name] = d.snapshot()
	}
	return out
}

// Ready reports whether every watched dependency is reachable. A Manager
// with nothing to watch is ready.
func (m *Manager) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until every watcher goroutine has exited. Cancel the
// context passed to Watch first.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) watch(ctx context.Context, d *dependency) {
	defer m.wg.Done()

	delay := m.schedule.RetryDelay
	for {
		err := m.check(ctx, d)
		if ctx.Err() != nil {
			return
		}

		wait := m.schedule.PollInterval
		if err == nil {
			d.reached = true
		} else if !d.reached {
			wait = delay
			delay = min(delay*2, m.schedule.MaxDelay)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe and handles a readiness transition. Probes cut
// short by cancellation are not recorded.
func (m *Manager) check(ctx context.Context, d *dependency) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.schedule.ProbeTimeout)
	err := d.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !d.record(err, time.Now()) {
		if err != nil {
			m.logger.Debug("service unreachable", "service", d.name, "error", err)
		}
		return err
	}

	if err == nil {
		m.logger.Info("service reachable", "service", d.name)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{
			"service": d.name,
		})
	} else {
		m.logger.Warn("service became unreachable", "service", d.name, "error", err)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": d.name,
			"error":   err.Error(),
		})
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. It reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
