// Package platform owns the accessory lifecycle around the beacon
// registry: restoring persisted and configured beacons at startup,
// persisting beacons discovered at runtime, and removing them on
// request.
//
// Startup is two-phase. [New] wires the collaborators; [Platform.Start]
// restores state into the registry and only then installs the
// discovery hook, so restored beacons are never re-persisted as new.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/beacond/internal/accessory"
	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/presence"
)

// persistTimeout bounds the store write made from the discovery hook,
// which runs on the reporting goroutine.
const persistTimeout = 5 * time.Second

// Store is the accessory persistence the platform needs.
// *accessory.Store satisfies it.
type Store interface {
	Upsert(ctx context.Context, a *accessory.Accessory) error
	List(ctx context.Context) ([]*accessory.Accessory, error)
	Delete(ctx context.Context, id string) (bool, error)
	Ignore(ctx context.Context, id string) error
	IgnoredIDs(ctx context.Context) ([]string, error)
}

// ErrIgnored is returned when registering a beacon that was
// permanently removed.
var ErrIgnored = errors.New("beacon was permanently removed")

// RemoveFunc is notified after a beacon has been removed.
type RemoveFunc func(ctx context.Context, id string, permanent bool)

// Platform restores, creates, and removes beacon accessories.
type Platform struct {
	beacons  []config.BeaconConfig
	ignore   []string
	registry *presence.Registry
	store    Store
	bus      *events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	onRemove []RemoveFunc
}

// New creates a platform. store may be nil, in which case nothing is
// persisted and only configured beacons are restored.
func New(cfg *config.Config, registry *presence.Registry, store Store, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{
		beacons:  cfg.Beacons,
		ignore:   cfg.Ignore,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// SetEventBus publishes accessory lifecycle events to bus.
func (p *Platform) SetEventBus(bus *events.Bus) {
	p.bus = bus
}

// OnRemove registers fn to be called after every removal.
func (p *Platform) OnRemove(fn RemoveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemove = append(p.onRemove, fn)
}

// Start restores ignored ids, configured beacons, and persisted
// accessories into the registry, then begins persisting beacons that
// hits auto-register. Configured beacons are restored first so their
// names and thresholds take precedence over stored ones.
//
// Reports that reached the registry before Start do not shadow restored
// state: an ignored id is removed again, a restored beacon gets its
// configured or stored settings, and any other beacon they created is
// persisted as newly discovered.
func (p *Platform) Start(ctx context.Context) error {
	ignored := append([]string(nil), p.ignore...)
	if p.store != nil {
		stored, err := p.store.IgnoredIDs(ctx)
		if err != nil {
			return fmt.Errorf("load ignored beacons: %w", err)
		}
		ignored = append(ignored, stored...)
	}
	for _, id := range ignored {
		p.registry.Ignore(id)
		if p.registry.Remove(id) {
			p.logger.Info("dropped ignored beacon reported before startup", "beacon_id", id)
		}
	}

	known := make(map[string]bool)
	configured := 0
	for _, b := range p.beacons {
		if err := p.restore(b.ID, b.Name, presence.Thresholds{
			Trigger:  b.TriggerThreshold,
			Maintain: b.MaintainThreshold,
		}); err != nil {
			return fmt.Errorf("configured beacon %q: %w", b.ID, err)
		}
		known[b.ID] = true
		configured++
	}

	restored := 0
	if p.store != nil {
		accessories, err := p.store.List(ctx)
		if err != nil {
			return fmt.Errorf("load accessories: %w", err)
		}
		for _, a := range accessories {
			if known[a.ID] || p.registry.Ignored(a.ID) {
				continue
			}
			if err := p.restore(a.ID, a.DisplayName, presence.Thresholds{
				Trigger:  a.TriggerThreshold,
				Maintain: a.MaintainThreshold,
			}); err != nil {
				p.logger.Warn("skipping stored accessory", "beacon_id", a.ID, "error", err)
				continue
			}
			p.logger.Debug("accessory restored", "beacon_id", a.ID, "name", a.DisplayName)
			known[a.ID] = true
			restored++
		}
	}

	p.registry.SetDiscoverHook(p.persistDiscovered)

	early := 0
	for _, snap := range p.registry.List() {
		if !known[snap.ID] {
			p.persistDiscovered(snap)
			early++
		}
	}

	p.logger.Info("platform started",
		"configured", configured,
		"restored", restored,
		"ignored", len(ignored),
		"discovered_early", early,
	)
	return nil
}

// restore registers a beacon, or applies the given name and thresholds
// when a report already registered it with defaults.
func (p *Platform) restore(id, displayName string, t presence.Thresholds) error {
	_, added, err := p.registry.Add(id, displayName, t)
	if err != nil || added {
		return err
	}
	p.registry.Update(id, displayName, t)
	return nil
}

// persistDiscovered is the registry discover hook. The new accessory is
// stored with the registry's default thresholds.
func (p *Platform) persistDiscovered(snap presence.Snapshot) {
	p.logger.Info("adding new accessory", "beacon_id", snap.ID, "name", snap.DisplayName)

	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.store.Upsert(ctx, accessoryFromSnapshot(snap)); err != nil {
			p.logger.Error("failed to persist new accessory", "beacon_id", snap.ID, "error", err)
		}
	}

	p.emitAdded(snap)
}

// RegisterBeacon adds a beacon with an explicit name and thresholds and
// persists it. An already registered beacon is left untouched and
// created is false.
func (p *Platform) RegisterBeacon(ctx context.Context, id, displayName string, t presence.Thresholds) (snap presence.Snapshot, created bool, err error) {
	if p.registry.Ignored(id) {
		return presence.Snapshot{}, false, fmt.Errorf("register %q: %w", id, ErrIgnored)
	}
	snap, created, err = p.registry.Add(id, displayName, t)
	if err != nil || !created {
		return snap, created, err
	}

	if p.store != nil {
		if err := p.store.Upsert(ctx, accessoryFromSnapshot(snap)); err != nil {
			return snap, true, fmt.Errorf("persist accessory: %w", err)
		}
	}
	p.emitAdded(snap)
	return snap, true, nil
}

// RemoveAccessory forgets a beacon in the store and registry. With
// permanent set, future reports for id are dropped, including across
// restarts. It reports whether the beacon was known.
func (p *Platform) RemoveAccessory(ctx context.Context, id string, permanent bool) (bool, error) {
	if err := presence.ValidateID(id); err != nil {
		return false, err
	}

	var errs []error
	stored := false
	if p.store != nil {
		var err error
		if stored, err = p.store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if permanent {
		p.registry.Ignore(id)
		if p.store != nil {
			if err := p.store.Ignore(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	live := p.registry.Remove(id)
	removed := stored || live

	p.mu.Lock()
	hooks := append([]RemoveFunc(nil), p.onRemove...)
	p.mu.Unlock()
	if removed || permanent {
		for _, fn := range hooks {
			fn(ctx, id, permanent)
		}
	}

	p.logger.Info("accessory removed",
		"beacon_id", id,
		"known", removed,
		"permanent", permanent,
	)
	p.bus.Emit(events.SourcePlatform, events.KindAccessoryRemoved, map[string]any{
		"beacon_id": id,
		"permanent": permanent,
	})

	return removed, errors.Join(errs...)
}

func (p *Platform) emitAdded(snap presence.Snapshot) {
	p.bus.Emit(events.SourcePlatform, events.KindAccessoryAdded, map[string]any{
		"beacon_id":          snap.ID,
		"name":               snap.DisplayName,
		"trigger_threshold":  snap.TriggerThreshold,
		"maintain_threshold": snap.MaintainThreshold,
	})
}

func accessoryFromSnapshot(s presence.Snapshot) *accessory.Accessory {
	return &accessory.Accessory{
		ID:                s.ID,
		DisplayName:       s.DisplayName,
		TriggerThreshold:  s.TriggerThreshold,
		MaintainThreshold: s.MaintainThreshold,
	}
}
