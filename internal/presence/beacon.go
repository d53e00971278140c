package presence

import (
	"sync"
	"time"
)

// Beacon is the debounced presence filter for a single physical beacon.
// All fields below mu are guarded by it; the registry never holds its
// own lock while a beacon's lock is held.
type Beacon struct {
	id string

	mu          sync.Mutex
	displayName string
	presence    State
	hits        int // consecutive hits while Absent
	misses      int // consecutive misses while Present
	thresholds  Thresholds
	lastSeen    time.Time
	lastSignal  *float64
	changedAt   time.Time
	seq         uint64
	removed     bool

	idle    *time.Timer
	idleGen uint64
}

// Snapshot is a copy of a beacon's state, safe to use after the
// beacon's lock has been released.
type Snapshot struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name"`
	Presence          State     `json:"presence"`
	ConsecutiveHits   int       `json:"consecutive_hits"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	TriggerThreshold  int       `json:"trigger_threshold"`
	MaintainThreshold int       `json:"maintain_threshold"`
	LastSeen          time.Time `json:"last_seen,omitzero"`
	LastSignal        *float64  `json:"last_signal,omitempty"`
	ChangedAt         time.Time `json:"changed_at,omitzero"`
	Seq               uint64    `json:"seq"`
}

// Change describes a committed presence transition.
type Change struct {
	ID          string
	DisplayName string
	State       State
	At          time.Time
	// Seq increases by one on every transition of the same beacon.
	Seq uint64
}

func newBeacon(id, displayName string, t Thresholds) *Beacon {
	if displayName == "" {
		displayName = id
	}
	return &Beacon{
		id:          id,
		displayName: displayName,
		thresholds:  t,
	}
}

// ID returns the beacon identifier.
func (b *Beacon) ID() string { return b.id }

// DisplayName returns the human label.
func (b *Beacon) DisplayName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.displayName
}

// Snapshot returns a copy of the current state.
func (b *Beacon) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Beacon) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:                b.id,
		DisplayName:       b.displayName,
		Presence:          b.presence,
		ConsecutiveHits:   b.hits,
		ConsecutiveMisses: b.misses,
		TriggerThreshold:  b.thresholds.Trigger,
		MaintainThreshold: b.thresholds.Maintain,
		LastSeen:          b.lastSeen,
		ChangedAt:         b.changedAt,
		Seq:               b.seq,
	}
	if b.lastSignal != nil {
		v := *b.lastSignal
		s.LastSignal = &v
	}
	return s
}

// hit applies a detection event. Must be called with b.mu held.
func (b *Beacon) hit(now time.Time, signal *float64) (Change, bool) {
	b.lastSeen = now
	if signal != nil {
		v := *signal
		b.lastSignal = &v
	}

	if b.presence == Present {
		b.misses = 0
		return Change{}, false
	}

	b.hits++
	if b.hits < b.thresholds.Trigger {
		return Change{}, false
	}
	return b.flipLocked(Present, now), true
}

// miss applies a non-detection event. Must be called with b.mu held.
func (b *Beacon) miss(now time.Time) (Change, bool) {
	if b.presence == Absent {
		b.hits = 0
		return Change{}, false
	}

	b.misses++
	if b.misses < b.thresholds.Maintain {
		return Change{}, false
	}
	return b.flipLocked(Absent, now), true
}

// flipLocked commits a transition and clears both counters.
func (b *Beacon) flipLocked(to State, now time.Time) Change {
	b.presence = to
	b.hits = 0
	b.misses = 0
	b.changedAt = now
	b.seq++
	return Change{
		ID:          b.id,
		DisplayName: b.displayName,
		State:       to,
		At:          now,
		Seq:         b.seq,
	}
}

// armIdleLocked replaces any pending idle timer with a fresh one. The
// generation counter lets a timer that already fired, but lost the race
// for b.mu to a hit, recognize that it is stale.
func (b *Beacon) armIdleLocked(d time.Duration, fire func(gen uint64)) {
	if d <= 0 || b.removed {
		return
	}
	if b.idle != nil {
		b.idle.Stop()
	}
	b.idleGen++
	gen := b.idleGen
	b.idle = time.AfterFunc(d, func() { fire(gen) })
}

// stopIdleLocked cancels the idle timer, if any.
func (b *Beacon) stopIdleLocked() {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	b.idleGen++
}
