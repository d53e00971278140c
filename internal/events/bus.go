// Package events broadcasts operational events (reports received,
// beacons registered, presence changes) to live observers such as the
// /v1/events websocket stream and the MQTT report counters. Publishing
// on a nil *Bus is a no-op so reporters never need a guard.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/beacond/internal/presence"
)

// Source constants identify where an event originated.
const (
	// SourceHTTP identifies reports from the HTTP ingestion endpoint.
	SourceHTTP = "http"
	// SourceMQTT identifies reports from the ESPresense subscriber.
	SourceMQTT = "mqtt"
	// SourceScanner identifies reports from the local BLE scanner.
	SourceScanner = "scanner"
	// SourcePresence identifies committed state changes.
	SourcePresence = "presence"
	// SourcePlatform identifies accessory lifecycle events.
	SourcePlatform = "platform"
)

// Kind constants describe the event within its source.
const (
	// KindHit is a detection report.
	// Data: beacon_id, signal (optional), registered.
	KindHit = "hit"
	// KindMiss is an explicit non-detection report.
	// Data: beacon_id, dropped.
	KindMiss = "miss"
	// KindPresenceChanged is a debounced transition.
	// Data: beacon_id, name, state.
	KindPresenceChanged = "presence_changed"
	// KindAccessoryAdded is a newly persisted accessory.
	// Data: beacon_id, name, trigger_threshold, maintain_threshold.
	KindAccessoryAdded = "accessory_added"
	// KindAccessoryRemoved is a removed accessory.
	// Data: beacon_id, permanent.
	KindAccessoryRemoved = "accessory_removed"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a broadcast bus with per-subscriber buffered channels. A
// subscriber whose buffer is full misses the event; publishers never
// block.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has buffer space.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel receiving future events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PresenceSink returns a [presence.Sink] that republishes every change
// as a [KindPresenceChanged] event.
func PresenceSink(b *Bus) presence.Sink {
	return presence.SinkFunc(func(_ context.Context, id, displayName string, state presence.State) error {
		b.Emit(SourcePresence, KindPresenceChanged, map[string]any{
			"beacon_id": id,
			"name":      displayName,
			"state":     state.String(),
		})
		return nil
	})
}
