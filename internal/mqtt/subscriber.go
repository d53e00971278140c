package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/presence"
)

// DefaultSubscribeFilter matches ESPresense device reports:
// espresense/devices/<device id>/<room>.
const DefaultSubscribeFilter = "espresense/devices/+/+"

// HitReporter receives detections decoded from broker messages.
// *presence.Registry satisfies it.
type HitReporter interface {
	Hit(id string, signal *float64) (presence.Result, error)
	Miss(id string) (presence.Result, error)
}

// Ping is one ESPresense room report for a device.
type Ping struct {
	ID       string  `json:"id"`
	IDType   int     `json:"idType"`
	Rssi1M   int     `json:"rssi@1m"`
	Rssi     int     `json:"rssi"`
	Raw      float64 `json:"raw"`
	Distance float64 `json:"distance"`
	Mac      string  `json:"mac"`
	Interval int     `json:"interval"`
}

// Subscriber turns ESPresense reports into registry hits.
type Subscriber struct {
	filter      string
	maxDistance float64
	reporter    HitReporter
	limiter     *messageRateLimiter
	bus         *events.Bus
	logger      *slog.Logger
}

// NewSubscriber creates a subscriber for cfg.SubscribeFilter (or
// [DefaultSubscribeFilter] when empty).
func NewSubscriber(cfg config.MQTTConfig, reporter HitReporter, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	filter := cfg.SubscribeFilter
	if filter == "" {
		filter = DefaultSubscribeFilter
	}
	var limiter *messageRateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = newMessageRateLimiter(int64(cfg.RateLimitPerMinute), time.Minute, logger)
	}
	return &Subscriber{
		filter:      filter,
		maxDistance: cfg.MaxDistance,
		reporter:    reporter,
		limiter:     limiter,
		logger:      logger,
	}
}

// SetEventBus publishes every routed report to bus.
func (s *Subscriber) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Filter returns the topic filter to subscribe to.
func (s *Subscriber) Filter() string {
	return s.filter
}

// Start runs the rate limiter reset loop until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) {
	if s.limiter == nil {
		<-ctx.Done()
		return
	}
	s.limiter.start(ctx)
}

// Handle routes one message. It returns false when the topic does not
// match the subscriber's filter so the caller can try other handlers.
func (s *Subscriber) Handle(topic string, payload []byte) bool {
	if !topicMatches(s.filter, topic) {
		return false
	}
	if s.limiter != nil && !s.limiter.allow() {
		return true
	}

	ping, room, err := s.parse(topic, payload)
	if err != nil {
		s.logger.Debug("espresense report ignored", "topic", topic, "error", err)
		return true
	}

	signal := float64(ping.Rssi)
	if s.maxDistance > 0 && ping.Distance > s.maxDistance {
		res, err := s.reporter.Miss(ping.ID)
		s.record(events.KindMiss, ping, room, res, err)
		return true
	}
	res, err := s.reporter.Hit(ping.ID, &signal)
	s.record(events.KindHit, ping, room, res, err)
	return true
}

func (s *Subscriber) record(kind string, ping Ping, room string, res presence.Result, err error) {
	if err != nil {
		s.logger.Debug("espresense report rejected", "beacon_id", ping.ID, "room", room, "error", err)
		return
	}
	s.logger.Log(context.Background(), config.LevelTrace, "espresense report routed",
		"beacon_id", ping.ID,
		"room", room,
		"kind", kind,
		"rssi", ping.Rssi,
		"distance", ping.Distance,
		"dropped", res.Dropped,
	)
	s.bus.Emit(events.SourceMQTT, kind, map[string]any{
		"beacon_id": ping.ID,
		"room":      room,
		"signal":    float64(ping.Rssi),
		"distance":  ping.Distance,
		"dropped":   res.Dropped,
	})
}

// parse decodes a report. A payload without an id takes the device
// segment of the topic (the first wildcard position in the filter);
// the room is the last topic segment.
func (s *Subscriber) parse(topic string, payload []byte) (Ping, string, error) {
	var ping Ping
	if err := json.Unmarshal(payload, &ping); err != nil {
		return Ping{}, "", fmt.Errorf("decode payload: %w", err)
	}

	segments := strings.Split(topic, "/")
	if ping.ID == "" {
		for i, f := range strings.Split(s.filter, "/") {
			if f == "+" && i < len(segments) {
				ping.ID = segments[i]
				break
			}
		}
	}
	if ping.ID == "" {
		return Ping{}, "", errors.New("no device id in payload or topic")
	}
	return ping, segments[len(segments)-1], nil
}

// topicMatches reports whether topic matches an MQTT filter with the
// standard + and # wildcards.
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns when messages were dropped in the window just ended.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("espresense reports dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow counts a message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
