package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestBackoffConfig_Next(t *testing.T) {
	t.Parallel()
	b := DefaultBackoffConfig()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := b.next(tt.failures); got != tt.want {
			t.Errorf("next(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{PollInterval: time.Second}.withDefaults()
	want := DefaultBackoffConfig()
	want.PollInterval = time.Second
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var readyCalled atomic.Int32

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	// Steady polling must not fire OnReady again.
	time.Sleep(30 * time.Millisecond)
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "homeassistant",
		Probe: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	waitFor(t, "ready", w.IsReady)
	st := w.Status()
	if st.LastError != "" || st.ConsecutiveFailures != 0 {
		t.Errorf("status after recovery = %+v", st)
	}
	if attempts.Load() < 3 {
		t.Errorf("attempts = %d, want >= 3", attempts.Load())
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	var downCalled, readyCalled atomic.Int32

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker gone")
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)

	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	waitFor(t, "OnDown", func() bool { return downCalled.Load() == 1 })
	if st := w.Status(); st.LastError != "broker gone" || st.ConsecutiveFailures == 0 {
		t.Errorf("status while down = %+v", st)
	}

	healthy.Store(true)
	waitFor(t, "recovered", w.IsReady)
	waitFor(t, "second OnReady", func() bool { return readyCalled.Load() == 2 })
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	cfg := testBackoff()
	cfg.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: cfg,
	})

	waitFor(t, "probe error", func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("slow service should not be ready")
	}
}

func TestWatcher_StopOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after context cancel")
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	defer m.Stop()

	up := m.Watch(context.Background(), WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	down := m.Watch(context.Background(), WatcherConfig{
		Name:    "homeassistant",
		Probe:   func(context.Context) error { return errors.New("401 unauthorized") },
		Backoff: testBackoff(),
	})

	waitFor(t, "mqtt ready", up.IsReady)
	waitFor(t, "homeassistant probed", func() bool { return down.Status().LastError != "" })

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["mqtt"].Ready {
		t.Errorf("mqtt = %+v, want ready", status["mqtt"])
	}
	if s := status["homeassistant"]; s.Ready || s.LastError != "401 unauthorized" {
		t.Errorf("homeassistant = %+v", s)
	}
}

func TestManager_WatchReplacesSameName(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	defer m.Stop()

	first := m.Watch(context.Background(), WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("Status() has %d entries, want 1", n)
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			m.Watch(context.Background(), tt.cfg)
		})
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	var ws []*Watcher
	for _, name := range []string{"a", "b", "c"} {
		ws = append(ws, m.Watch(context.Background(), WatcherConfig{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		}))
	}

	m.Stop()
	for _, w := range ws {
		select {
		case <-w.done:
		default:
			t.Errorf("watcher %s still running after Stop", w.cfg.Name)
		}
	}
}
