// Package connwatch tracks the reachability of foreman's dependencies
// (the model provider and the database) for the health endpoint.
//
// httpkit retries sub-second dial failures inside a single request;
// connwatch covers outages that last seconds to minutes. Each Watcher
// probes one service: while the service is down it retries with
// exponential backoff, and once it is up it polls at a steady interval.
// Transitions are logged and published to the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/foreman/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps retry growth (default 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure (default 2).
	Multiplier float64
	// PollInterval is the check interval while the service is up
	// (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe (default 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... capped at 60s and
// polls healthy services every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and health output.
	Name string
	// Probe checks service health. Must be safe for concurrent use.
	Probe   ProbeFunc
	Backoff BackoffConfig
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.config.Backoff
	delay := b.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := b.PollInterval
		if err != nil {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores a probe result and announces state transitions. The
// first result always counts as a transition.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	first := !w.checked
	wasReady := w.ready
	w.checked = true
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	name := w.config.Name
	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("service ready", "service", name)
		w.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{"service": name})
	case err != nil && (first || wasReady):
		w.logger.Warn("service unreachable", "service", name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": name, "error": err.Error()})
	case err != nil:
		w.logger.Debug("service still unreachable", "service", name, "failures", failures, "error", err)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
		bus:      bus,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Watching a name twice replaces the earlier watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: m.logger,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service's status, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready. A nil
// manager is healthy.
func (m *Manager) Healthy() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
