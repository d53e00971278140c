package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives committed presence changes. Implementations deliver
// them to whatever tracks the beacon outside this package: an MQTT
// entity, a Home Assistant state, a log. Errors are reported back to
// the registry for logging only; the beacon's state is never reverted.
type Sink interface {
	OnPresenceChanged(ctx context.Context, id, displayName string, state State) error
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(ctx context.Context, id, displayName string, state State) error

// OnPresenceChanged calls f.
func (f SinkFunc) OnPresenceChanged(ctx context.Context, id, displayName string, state State) error {
	return f(ctx, id, displayName, state)
}

// MultiSink fans a change out to every non-nil sink. The sinks run
// concurrently so a slow one does not delay the others; the call returns
// once all have finished. Errors are joined in sink order.
type MultiSink []Sink

// OnPresenceChanged delivers to each sink and returns the joined errors.
func (m MultiSink) OnPresenceChanged(ctx context.Context, id, displayName string, state State) error {
	errs := make([]error, len(m))
	c := Change{ID: id, DisplayName: displayName, State: state}

	var wg sync.WaitGroup
	for i, s := range m {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := safeDeliver(ctx, s, c); err != nil {
				errs[i] = fmt.Errorf("sink %d: %w", i, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// safeDeliver calls s, converting a panic into an error.
func safeDeliver(ctx context.Context, s Sink, c Change) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return s.OnPresenceChanged(ctx, c.ID, c.DisplayName, c.State)
}

// LogSink logs every change at info level.
type LogSink struct {
	Logger *slog.Logger
}

// OnPresenceChanged logs the change. It never fails.
func (l LogSink) OnPresenceChanged(_ context.Context, id, displayName string, state State) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("beacon presence changed",
		"beacon_id", id,
		"name", displayName,
		"state", state.String(),
	)
	return nil
}
