package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/beacond/internal/buildinfo"
	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/presence"
)

// BeaconSource provides the beacons to announce. *presence.Registry
// satisfies it.
type BeaconSource interface {
	List() []presence.Snapshot
	Get(id string) (presence.Snapshot, bool)
}

// Publisher manages the MQTT connection, announces every beacon via HA
// discovery, publishes presence transitions, and runs a periodic loop
// for the diagnostic sensors.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	beacons    BeaconSource
	reports    *DailyReports
	subscriber *Subscriber
	logger     *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	announced map[string]bool // beacon ids with discovery published on this connection
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. reports may be nil.
func New(cfg config.MQTTConfig, instanceID string, beacons BeaconSource, reports *DailyReports, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		beacons:    beacons,
		reports:    reports,
		logger:     logger,
		announced:  make(map[string]bool),
	}
}

// SetSubscriber routes inbound messages on the subscriber's filter to
// it. Must be called before Start.
func (p *Publisher) SetSubscriber(s *Subscriber) {
	p.subscriber = s
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "beacond-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.route,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects. ctx bounds
// how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// onConnect runs on every (re-)connect. Retained messages may have been
// lost if the broker restarted, so everything is republished.
func (p *Publisher) onConnect(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	clear(p.announced)
	p.mu.Unlock()

	p.publishDiscovery(ctx, cm)
	p.publishAvailability(ctx, cm, "online")
	for _, snap := range p.beacons.List() {
		p.announceBeacon(ctx, cm, snap)
		p.publishBeaconState(ctx, cm, snap)
	}

	if p.subscriber != nil {
		filter := p.subscriber.Filter()
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
		}); err != nil {
			p.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		} else {
			p.logger.Info("mqtt subscribed", "filter", filter)
		}
	}
}

// route hands inbound messages to the subscriber.
func (p *Publisher) route(pr paho.PublishReceived) (bool, error) {
	if p.subscriber == nil || pr.Packet == nil {
		return false, nil
	}
	return p.subscriber.Handle(pr.Packet.Topic, pr.Packet.Payload), nil
}

// OnPresenceChanged publishes a beacon's debounced state. It implements
// [presence.Sink].
func (p *Publisher) OnPresenceChanged(ctx context.Context, id, displayName string, state presence.State) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	snap, ok := p.beacons.Get(id)
	if !ok {
		// Removed between the transition and delivery.
		snap = presence.Snapshot{ID: id, DisplayName: displayName}
	}
	snap.Presence = state

	p.announceBeacon(ctx, cm, snap)
	return p.publishBeaconState(ctx, cm, snap)
}

// Forget clears the retained discovery and state messages for a
// removed beacon so HA drops the entity. Its signature matches
// platform.RemoveFunc.
func (p *Publisher) Forget(ctx context.Context, id string, _ bool) {
	cm := p.conn()
	if cm == nil {
		return
	}

	p.mu.Lock()
	delete(p.announced, id)
	p.mu.Unlock()

	key := presence.EntityKey(id)
	for _, topic := range []string{
		p.discoveryTopic("binary_sensor", key),
		p.beaconStateTopic(key),
		p.beaconAttributesTopic(key),
	} {
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt retained clear failed", "beacon_id", id, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt beacon entity removed", "beacon_id", id)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "beacond/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) beaconStateTopic(key string) string {
	return p.baseTopic() + "/beacon/" + key + "/state"
}

func (p *Publisher) beaconAttributesTopic(key string) string {
	return p.baseTopic() + "/beacon/" + key + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	def := func(suffix, name, icon string) SensorConfig {
		// Names are relative to the device; HA prefixes the device name.
		return SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            p.device,
			Icon:              icon,
		}
	}

	uptime := def("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	version := def("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	tracked := def("beacons_tracked", "Beacons Tracked", "mdi:bluetooth")
	tracked.StateClass = "measurement"
	present := def("beacons_present", "Beacons Present", "mdi:home-account")
	present.StateClass = "measurement"
	reports := def("reports_today", "Reports Today", "mdi:counter")
	reports.StateClass = "total_increasing"
	reports.UnitOfMeasurement = "reports"
	changes := def("changes_today", "Presence Changes Today", "mdi:swap-horizontal")
	changes.StateClass = "total_increasing"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"beacons_tracked", tracked},
		{"beacons_present", present},
		{"reports_today", reports},
		{"changes_today", changes},
	}
}

func (p *Publisher) beaconDiscovery(snap presence.Snapshot) BinarySensorConfig {
	key := presence.EntityKey(snap.ID)
	return BinarySensorConfig{
		Name:                snap.DisplayName,
		HasEntityName:       true,
		UniqueID:            p.instanceID + "_beacon_" + key,
		ObjectID:            key,
		StateTopic:          p.beaconStateTopic(key),
		JSONAttributesTopic: p.beaconAttributesTopic(key),
		AvailabilityTopic:   p.availabilityTopic(),
		DeviceClass:         "presence",
		PayloadOn:           payloadOn,
		PayloadOff:          payloadOff,
		Device:              p.device,
		Icon:                "mdi:bluetooth-connect",
	}
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return err
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		if err := p.publishRetained(ctx, cm, topic, s.config); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

// announceBeacon publishes the beacon's discovery config once per
// connection.
func (p *Publisher) announceBeacon(ctx context.Context, cm *autopaho.ConnectionManager, snap presence.Snapshot) {
	p.mu.Lock()
	done := p.announced[snap.ID]
	p.announced[snap.ID] = true
	p.mu.Unlock()
	if done {
		return
	}

	topic := p.discoveryTopic("binary_sensor", presence.EntityKey(snap.ID))
	if err := p.publishRetained(ctx, cm, topic, p.beaconDiscovery(snap)); err != nil {
		p.mu.Lock()
		delete(p.announced, snap.ID)
		p.mu.Unlock()
		p.logger.Warn("mqtt beacon discovery publish failed",
			"beacon_id", snap.ID, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt beacon discovery published", "beacon_id", snap.ID, "topic", topic)
}

// beaconAttributes is the JSON attributes payload shown on the entity.
type beaconAttributes struct {
	BeaconID    string    `json:"beacon_id"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	LastSignal  *float64  `json:"last_signal,omitempty"`
	ChangedAt   time.Time `json:"changed_at,omitzero"`
	Transitions uint64    `json:"transitions"`
}

func (p *Publisher) publishBeaconState(ctx context.Context, cm *autopaho.ConnectionManager, snap presence.Snapshot) error {
	key := presence.EntityKey(snap.ID)
	payload := payloadOff
	if snap.Presence == presence.Present {
		payload = payloadOn
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.beaconStateTopic(key),
		Payload: []byte(payload),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish state for %s: %w", snap.ID, err)
	}

	attrs := beaconAttributes{
		BeaconID:    snap.ID,
		LastSeen:    snap.LastSeen,
		LastSignal:  snap.LastSignal,
		ChangedAt:   snap.ChangedAt,
		Transitions: snap.Seq,
	}
	if err := p.publishRetained(ctx, cm, p.beaconAttributesTopic(key), attrs); err != nil {
		p.logger.Debug("mqtt attributes publish failed", "beacon_id", snap.ID, "error", err)
	}
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// sensorStates computes the diagnostic sensor values.
func (p *Publisher) sensorStates() map[string]string {
	beacons := p.beacons.List()
	present := 0
	for _, b := range beacons {
		if b.Presence == presence.Present {
			present++
		}
	}

	states := map[string]string{
		"uptime":          buildinfo.Uptime().String(),
		"version":         buildinfo.Version,
		"beacons_tracked": strconv.Itoa(len(beacons)),
		"beacons_present": strconv.Itoa(present),
		"reports_today":   "0",
		"changes_today":   "0",
	}
	if p.reports != nil {
		hits, misses, changes := p.reports.Snapshot()
		states["reports_today"] = strconv.FormatInt(hits+misses, 10)
		states["changes_today"] = strconv.FormatInt(changes, 10)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.sensorStates()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
