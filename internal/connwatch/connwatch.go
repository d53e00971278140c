// Package connwatch tracks the reachability of the services beacond
// pushes presence to (the MQTT broker and the Home Assistant REST API)
// and reports it on the /health endpoint.
//
// A Watcher probes one service. While the service is down it retries
// with exponential backoff; once it is up it polls at a steady interval.
// Every up/down transition is logged once and may trigger a callback.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the delay between probes while the service is up.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... up to 60s while a
// service is down and polls every 60s while it is up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero fields with [DefaultBackoffConfig] values.
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

// next returns the retry delay after failures consecutive failed probes.
func (b BackoffConfig) next(failures int) time.Duration {
	d := b.InitialDelay
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return min(d, b.MaxDelay)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output.
	Name string
	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc
	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig
	// OnReady runs in its own goroutine when the service comes up.
	OnReady func()
	// OnDown runs in its own goroutine when a ready service fails.
	OnDown func(err error)
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service as rendered by
// the /health endpoint.
type ServiceStatus struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	failures  int
	lastErr   error
	lastCheck time.Time
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
		Name:                w.cfg.Name,
		Ready:               w.ready,
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
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

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
		err := w.cfg.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		timer.Reset(w.record(err))
	}
}

// record stores a probe result, fires transition callbacks, and returns
// the delay until the next probe.
func (w *Watcher) record(err error) time.Duration {
	w.mu.Lock()
	wasReady := w.ready
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

	logger := w.cfg.Logger
	switch {
	case err == nil && !wasReady:
		logger.Info("service connected", "service", w.cfg.Name)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		logger.Debug("service still unreachable",
			"service", w.cfg.Name,
			"failures", failures,
			"error", err,
		)
	}

	if err == nil {
		return w.cfg.Backoff.PollInterval
	}
	return w.cfg.Backoff.next(failures)
}

// Manager owns the watchers for all configured services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg. It runs until ctx is cancelled or
// [Manager.Stop] is called. Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		defer old.Stop()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service keyed by name.
// It implements the API's health reporter.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
