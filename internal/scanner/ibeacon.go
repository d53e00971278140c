// Package scanner reports iBeacon advertisements heard by a local
// Bluetooth adapter as registry hits.
package scanner

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nugget/beacond/internal/config"
)

// iBeaconPrefix is Apple's company id (0x004c, little endian) followed
// by the iBeacon type (0x02) and payload length (0x15).
const iBeaconPrefix = 0x4c000215

// iBeaconLen is the manufacturer data length of an iBeacon frame.
const iBeaconLen = 25

// IBeacon is a decoded iBeacon advertisement.
type IBeacon struct {
	UUID    string // upper-case, dashed
	Major   uint16
	Minor   uint16
	TxPower int8 // calibrated RSSI at 1m
}

// ID is the identifier reported for an iBeacon that matches no
// configured beacon.
func (b IBeacon) ID() string {
	return fmt.Sprintf("%s-%d-%d", b.UUID, b.Major, b.Minor)
}

// ParseIBeacon decodes manufacturer data. ok is false for anything that
// is not an iBeacon frame.
func ParseIBeacon(data []byte) (b IBeacon, ok bool) {
	if len(data) < iBeaconLen || binary.BigEndian.Uint32(data) != iBeaconPrefix {
		return IBeacon{}, false
	}
	u := hex.EncodeToString(data[4:20])
	return IBeacon{
		UUID:    strings.ToUpper(u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]),
		Major:   binary.BigEndian.Uint16(data[20:22]),
		Minor:   binary.BigEndian.Uint16(data[22:24]),
		TxPower: int8(data[24]),
	}, true
}

type target struct {
	id      string
	uuid    string
	major   uint16
	minor   uint16
	minRSSI int
}

// Matcher maps iBeacons to configured beacon ids.
type Matcher struct {
	targets       []target
	reportUnknown bool
}

// NewMatcher builds a matcher from the configured beacons that carry a
// UUID. Beacons without one are never matched by the scanner.
func NewMatcher(beacons []config.BeaconConfig, reportUnknown bool) *Matcher {
	m := &Matcher{reportUnknown: reportUnknown}
	for _, b := range beacons {
		if b.UUID == "" {
			continue
		}
		m.targets = append(m.targets, target{
			id:      b.ID,
			uuid:    strings.ToUpper(b.UUID),
			major:   uint16(b.Major),
			minor:   uint16(b.Minor),
			minRSSI: b.MinRSSI,
		})
	}
	return m
}

// Len returns the number of configured targets.
func (m *Matcher) Len() int { return len(m.targets) }

// Match returns the id to report for b heard at rssi. A configured
// beacon heard weaker than its min_rssi is not reported at all.
func (m *Matcher) Match(b IBeacon, rssi int) (string, bool) {
	for _, t := range m.targets {
		if t.uuid != b.UUID || t.major != b.Major || t.minor != b.Minor {
			continue
		}
		if t.minRSSI != 0 && rssi < t.minRSSI {
			return "", false
		}
		return t.id, true
	}
	if m.reportUnknown {
		return b.ID(), true
	}
	return "", false
}
