// Package mqtt bridges beacon presence to an MQTT broker.
//
// The [Publisher] makes beacond appear as a native Home Assistant
// device: every tracked beacon becomes a binary_sensor with device
// class presence, alongside a few diagnostic sensors. It implements
// [presence.Sink] so debounced transitions are published as retained
// ON/OFF states.
//
// The [Subscriber] is an additional source of detections. It decodes
// ESPresense room reports and routes each one to the registry as a
// hit, subject to an inbound rate limit.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher republishes retained discovery
// configs, a birth message on the availability topic, the current
// state of every beacon, and re-subscribes to the ESPresense filter.
// A will message flips availability to "offline" on unexpected
// disconnects.
package mqtt
