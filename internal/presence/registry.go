package presence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// DefaultMaxDeliveries is the number of beacons whose notifications may
// be in flight at once when [Config.MaxDeliveries] is zero.
const DefaultMaxDeliveries = 16

// Config configures a [Registry].
type Config struct {
	// Defaults are applied to auto-registered beacons and to any
	// non-positive threshold passed to Add.
	Defaults Thresholds

	// IdleTimeout is the window after the last hit at which a miss is
	// synthesized. Zero disables derived misses.
	IdleTimeout time.Duration

	// MaxDeliveries bounds how many beacons may have a sink call in
	// flight at the same time. Each beacon delivers its own changes in
	// commit order.
	MaxDeliveries int

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Now overrides the clock. Uses time.Now if nil.
	Now func() time.Time
}

// Result is the outcome of routing one event to the registry.
type Result struct {
	// Snapshot is the beacon state right after the event was applied.
	// It is the zero value when the event was dropped.
	Snapshot Snapshot
	// Changed is true when the event flipped the beacon's presence.
	Changed bool
	// Registered is true when a hit created the beacon.
	Registered bool
	// Dropped is true when the event was discarded: a miss for an
	// unknown beacon, or any report for an ignored beacon.
	Dropped bool
}

// Registry maps beacon identifiers to their presence filters. Its own
// lock covers only insert, lookup and removal; state-machine evaluation
// happens under the per-beacon lock so events for different beacons
// never wait on each other.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	beacons map[string]*Beacon
	order   []string // insertion order for List
	ignored map[string]struct{}

	hookMu   sync.RWMutex
	sink     Sink
	discover func(Snapshot)

	// Undelivered changes, at most one per beacon. A newer change
	// replaces an older one still waiting, so the sink always ends up
	// with the latest state.
	dispatchMu sync.Mutex
	pending    map[string]Change
	inflight   map[string]bool
	deliverCtx context.Context // nil until Start
	slots      chan struct{}

	closed atomic.Bool
}

// NewRegistry creates an empty registry. Changes are held from the start
// but only delivered once [Registry.Start] is called.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	cfg.Defaults = cfg.Defaults.orDefault(DefaultThresholds())

	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		beacons:  make(map[string]*Beacon),
		ignored:  make(map[string]struct{}),
		pending:  make(map[string]Change),
		inflight: make(map[string]bool),
		slots:    make(chan struct{}, cfg.MaxDeliveries),
	}
}

// Defaults returns the thresholds applied to auto-registered beacons.
func (r *Registry) Defaults() Thresholds {
	return r.cfg.Defaults
}

// SetSink installs the notification sink. It may be called before or
// after Start; changes are delivered to whichever sink is current at
// delivery time.
func (r *Registry) SetSink(s Sink) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.sink = s
}

// SetDiscoverHook installs a callback invoked after a hit auto-registers
// an unknown beacon. It runs on the reporting goroutine with no locks
// held.
func (r *Registry) SetDiscoverHook(fn func(Snapshot)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.discover = fn
}

// Start begins delivering held changes to the sink. It returns
// immediately; delivery stops when ctx is cancelled. Calling Start more
// than once has no effect.
func (r *Registry) Start(ctx context.Context) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	if r.deliverCtx != nil {
		return
	}
	r.deliverCtx = ctx
	for id := range r.pending {
		r.spawnLocked(id)
	}
}

// Close cancels every idle timer. Events routed after Close are still
// applied but no further derived misses are generated.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.RLock()
	beacons := make([]*Beacon, 0, len(r.beacons))
	for _, b := range r.beacons {
		beacons = append(beacons, b)
	}
	r.mu.RUnlock()

	for _, b := range beacons {
		b.mu.Lock()
		b.stopIdleLocked()
		b.mu.Unlock()
	}
}

// Add registers a beacon if it is not already known. Re-adding a known
// id is a no-op: its thresholds, presence and counters are preserved
// and the existing snapshot is returned with added == false.
// Non-positive thresholds are replaced by the registry defaults.
func (r *Registry) Add(id, displayName string, t Thresholds) (snap Snapshot, added bool, err error) {
	if err := ValidateID(id); err != nil {
		return Snapshot{}, false, err
	}
	b, added := r.getOrCreate(id, displayName, t.orDefault(r.cfg.Defaults))
	snap = b.Snapshot()
	if added {
		r.logger.Debug("beacon registered",
			"beacon_id", id,
			"name", snap.DisplayName,
			"trigger_threshold", snap.TriggerThreshold,
			"maintain_threshold", snap.MaintainThreshold,
		)
	}
	return snap, added, nil
}

// Update replaces the display name and thresholds of a registered
// beacon, keeping its presence and counters. An empty displayName keeps
// the current one; non-positive thresholds are replaced by the registry
// defaults. It reports false when id is unknown.
func (r *Registry) Update(id, displayName string, t Thresholds) (Snapshot, bool) {
	b := r.lookup(id)
	if b == nil {
		return Snapshot{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return Snapshot{}, false
	}
	if displayName != "" {
		b.displayName = displayName
	}
	b.thresholds = t.orDefault(r.cfg.Defaults)
	return b.snapshotLocked(), true
}

// Get returns a snapshot of the beacon, or false if it is unknown.
func (r *Registry) Get(id string) (Snapshot, bool) {
	b := r.lookup(id)
	if b == nil {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// Remove forgets a beacon and cancels its idle timer. A later hit for
// the same id registers it afresh with default thresholds unless the id
// has been passed to [Registry.Ignore].
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	b, ok := r.beacons[id]
	if ok {
		delete(r.beacons, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	b.mu.Lock()
	b.removed = true
	b.stopIdleLocked()
	b.mu.Unlock()

	r.logger.Debug("beacon removed", "beacon_id", id)
	return true
}

// List returns snapshots of every beacon in insertion order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	beacons := make([]*Beacon, 0, len(r.order))
	for _, id := range r.order {
		beacons = append(beacons, r.beacons[id])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(beacons))
	for _, b := range beacons {
		out = append(out, b.Snapshot())
	}
	return out
}

// Len returns the number of registered beacons.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.beacons)
}

// Ignore makes the registry drop every future report for id. It does
// not remove an existing entry; callers that want both call Remove too.
func (r *Registry) Ignore(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignored[id] = struct{}{}
}

// Unignore reverses Ignore.
func (r *Registry) Unignore(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ignored, id)
}

// Ignored reports whether reports for id are being dropped.
func (r *Registry) Ignored(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ignored[id]
	return ok
}

// Hit routes a detection event. Unknown beacons are registered with the
// default thresholds before the hit is applied. signal is optional.
func (r *Registry) Hit(id string, signal *float64) (Result, error) {
	if err := ValidateID(id); err != nil {
		return Result{}, err
	}
	for {
		if r.Ignored(id) {
			return Result{Dropped: true}, nil
		}
		b, registered := r.getOrCreate(id, "", r.cfg.Defaults)
		res, ok := r.applyHit(b, signal)
		if !ok {
			// Removed between lookup and lock; route to the
			// replacement, if any.
			continue
		}
		res.Registered = registered
		if registered {
			r.logger.Info("beacon auto-registered",
				"beacon_id", id,
				"trigger_threshold", res.Snapshot.TriggerThreshold,
				"maintain_threshold", res.Snapshot.MaintainThreshold,
			)
			if fn := r.discoverHook(); fn != nil {
				fn(res.Snapshot)
			}
		}
		return res, nil
	}
}

// applyHit applies a hit to b under its lock. ok is false when b has
// already been removed from the registry.
func (r *Registry) applyHit(b *Beacon, signal *float64) (res Result, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return Result{}, false
	}
	change, changed := b.hit(r.cfg.Now(), signal)
	b.armIdleLocked(r.idleTimeout(), func(gen uint64) { r.idleMiss(b, gen) })
	if changed {
		r.enqueue(change)
	}
	return Result{Snapshot: b.snapshotLocked(), Changed: changed}, true
}

// Miss routes an explicit non-detection event. Misses for unknown
// beacons are dropped: a beacon known only to be absent carries no
// information worth registering.
func (r *Registry) Miss(id string) (Result, error) {
	if err := ValidateID(id); err != nil {
		return Result{}, err
	}
	if r.Ignored(id) {
		return Result{Dropped: true}, nil
	}

	b := r.lookup(id)
	if b == nil {
		r.logger.Debug("miss for unknown beacon dropped", "beacon_id", id)
		return Result{Dropped: true}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return Result{Dropped: true}, nil
	}
	change, changed := b.miss(r.cfg.Now())
	if changed {
		r.enqueue(change)
	}
	return Result{Snapshot: b.snapshotLocked(), Changed: changed}, nil
}

// idleMiss is the idle timer callback. It synthesizes one miss and
// re-arms the timer while the beacon is still present, so each further
// idle window counts as another miss.
func (r *Registry) idleMiss(b *Beacon, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed || gen != b.idleGen {
		return
	}
	b.idle = nil

	change, changed := b.miss(r.cfg.Now())
	r.logger.Log(context.Background(), levelTrace, "idle miss synthesized",
		"beacon_id", b.id,
		"presence", b.presence.String(),
		"consecutive_misses", b.misses,
	)
	if changed {
		r.enqueue(change)
	}
	if b.presence == Present && !r.closed.Load() {
		b.armIdleLocked(r.idleTimeout(), func(g uint64) { r.idleMiss(b, g) })
	}
}

func (r *Registry) idleTimeout() time.Duration {
	if r.closed.Load() {
		return 0
	}
	return r.cfg.IdleTimeout
}

func (r *Registry) lookup(id string) *Beacon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.beacons[id]
}

// getOrCreate returns the beacon for id, creating it when missing.
func (r *Registry) getOrCreate(id, displayName string, t Thresholds) (*Beacon, bool) {
	if b := r.lookup(id); b != nil {
		return b, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another reporter may have created it between the two locks.
	if b, ok := r.beacons[id]; ok {
		return b, false
	}
	b := newBeacon(id, displayName, t)
	r.beacons[id] = b
	r.order = append(r.order, id)
	return b, true
}

func (r *Registry) discoverHook() func(Snapshot) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.discover
}

func (r *Registry) currentSink() Sink {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.sink
}

// enqueue records c as the beacon's pending change and makes sure a
// delivery goroutine is draining it. It is called with the beacon lock
// held, so a beacon's changes are recorded in commit order.
func (r *Registry) enqueue(c Change) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	if prev, ok := r.pending[c.ID]; ok {
		r.logger.Debug("undelivered presence change superseded",
			"beacon_id", c.ID,
			"state", prev.State.String(),
			"seq", prev.Seq,
			"superseded_by", c.Seq,
		)
	}
	r.pending[c.ID] = c
	r.spawnLocked(c.ID)
}

// spawnLocked starts a delivery goroutine for id unless one is already
// running or the registry has not been started. Requires dispatchMu.
func (r *Registry) spawnLocked(id string) {
	if r.deliverCtx == nil || r.inflight[id] {
		return
	}
	r.inflight[id] = true
	go r.drain(r.deliverCtx, id)
}

// drain delivers id's pending changes one at a time until none remain.
// A slow sink call holds up only this beacon; newer changes for it
// coalesce while it waits.
func (r *Registry) drain(ctx context.Context, id string) {
	for {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			r.dispatchMu.Lock()
			delete(r.inflight, id)
			r.dispatchMu.Unlock()
			return
		}

		r.dispatchMu.Lock()
		c, ok := r.pending[id]
		if !ok {
			delete(r.inflight, id)
			r.dispatchMu.Unlock()
			<-r.slots
			return
		}
		delete(r.pending, id)
		r.dispatchMu.Unlock()

		r.deliver(ctx, c)
		<-r.slots
	}
}

// deliver hands one change to the sink, containing any panic so a
// misbehaving sink cannot stop delivery for the beacon.
func (r *Registry) deliver(ctx context.Context, c Change) {
	sink := r.currentSink()
	if sink == nil {
		r.logger.Debug("no presence sink configured, change not delivered",
			"beacon_id", c.ID, "state", c.State.String())
		return
	}

	if err := safeDeliver(ctx, sink, c); err != nil {
		r.logger.Warn("presence notification failed",
			"beacon_id", c.ID,
			"state", c.State.String(),
			"seq", c.Seq,
			"error", err,
		)
	}
}
