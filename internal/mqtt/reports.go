package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/beacond/internal/events"
)

// DailyReports counts ingestion reports and presence changes since
// local midnight. It is safe for concurrent use.
type DailyReports struct {
	mu       sync.Mutex
	hits     int64
	misses   int64
	changes  int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyReports creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyReports(loc *time.Location) *DailyReports {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyReports{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe records one event. Events other than hits, misses and
// presence changes are ignored, as are reports that were dropped.
func (d *DailyReports) Observe(e events.Event) {
	if dropped, _ := e.Data["dropped"].(bool); dropped {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindHit:
		d.hits++
	case events.KindMiss:
		d.misses++
	case events.KindPresenceChanged:
		d.changes++
	}
}

// Run observes events from ch until ctx is cancelled or ch closes.
func (d *DailyReports) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.Observe(e)
		}
	}
}

// Snapshot returns today's hits, misses and presence changes.
func (d *DailyReports) Snapshot() (hits, misses, changes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.hits, d.misses, d.changes
}

// maybeReset zeroes the counters if the local day has changed. Must be
// called with d.mu held.
func (d *DailyReports) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.hits = 0
		d.misses = 0
		d.changes = 0
		d.resetDay = today
	}
}
