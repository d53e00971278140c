package mqtt

import "github.com/nugget/beacond/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads. Every entity published by this
// instance references the same device block so HA groups the beacons
// under one bridge device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the discovery payload for a diagnostic sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// BinarySensorConfig is the discovery payload for one beacon. HA shows
// it as an occupancy-style presence entity.
type BinarySensorConfig struct {
	Name                string     `json:"name"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id,omitempty"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	DeviceClass         string     `json:"device_class"`
	PayloadOn           string     `json:"payload_on"`
	PayloadOff          string     `json:"payload_off"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
}

// Payloads for binary sensor state topics.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the primary
// identifier so renaming the device keeps HA entity history.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "beacond",
		Model:        "BLE Beacon Presence Bridge",
		SWVersion:    buildinfo.Version,
	}
}
