package homeassistant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/beacond/internal/presence"
)

// StateSetter is the part of [Client] used by [StateSink].
type StateSetter interface {
	SetState(ctx context.Context, entityID string, update StateUpdate) (*State, error)
}

// StateSink writes each presence change to a binary_sensor entity. It
// implements [presence.Sink].
type StateSink struct {
	client StateSetter
	logger *slog.Logger
}

// NewStateSink creates a sink that writes through client.
func NewStateSink(client StateSetter, logger *slog.Logger) *StateSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateSink{client: client, logger: logger}
}

// EntityID returns the binary_sensor entity written for a beacon.
func EntityID(beaconID string) string {
	return "binary_sensor." + presence.EntityKey(beaconID)
}

// OnPresenceChanged posts "on" or "off" with presence attributes.
func (s *StateSink) OnPresenceChanged(ctx context.Context, id, displayName string, state presence.State) error {
	value := "off"
	if state == presence.Present {
		value = "on"
	}

	entityID := EntityID(id)
	update := StateUpdate{
		State: value,
		Attributes: map[string]any{
			"friendly_name": displayName,
			"device_class":  "presence",
			"beacon_id":     id,
		},
	}
	if _, err := s.client.SetState(ctx, entityID, update); err != nil {
		return fmt.Errorf("set %s: %w", entityID, err)
	}

	s.logger.Debug("home assistant state updated", "entity_id", entityID, "beacon_id", id, "state", value)
	return nil
}
