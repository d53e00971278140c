// Package presence turns noisy beacon detection reports into a debounced
// present/absent state per beacon.
//
// Each [Beacon] is a two-state hysteresis filter. A run of consecutive
// hits at least as long as the trigger threshold moves it from
// [Absent] to [Present]; a run of consecutive misses at least as long
// as the maintain threshold moves it back. The two counters are never
// shared between directions, so an operator can make arrival quick and
// departure slow.
//
// The [Registry] owns every beacon, serializes events per beacon, and
// delivers state changes to a [Sink] after all locks are released.
package presence

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default thresholds used for beacons that are registered without
// explicit settings, including beacons auto-registered on first hit.
const (
	DefaultTriggerThreshold  = 2
	DefaultMaintainThreshold = 5
)

// MaxIDLength bounds the size of a beacon identifier in bytes.
const MaxIDLength = 128

// ErrInvalidID is returned when a beacon identifier is empty, too long,
// or contains control characters.
var ErrInvalidID = errors.New("invalid beacon id")

// State is the debounced presence of a beacon.
type State int

const (
	// Absent is the initial state of every beacon.
	Absent State = iota
	// Present means the trigger threshold was met and the maintain
	// threshold has not yet been exhausted.
	Present
)

// String returns "absent" or "present".
func (s State) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// MarshalText renders the state as its string form for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "absent" or "present".
func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "present":
		*s = Present
	case "absent":
		*s = Absent
	default:
		return fmt.Errorf("unknown presence state %q", b)
	}
	return nil
}

// Thresholds holds the two debounce thresholds for a beacon.
type Thresholds struct {
	// Trigger is the number of consecutive hits required to declare
	// presence. A value of 1 disables debouncing on the rising edge.
	Trigger int `json:"trigger_threshold" yaml:"trigger_threshold"`
	// Maintain is the number of consecutive misses tolerated before
	// declaring absence.
	Maintain int `json:"maintain_threshold" yaml:"maintain_threshold"`
}

// DefaultThresholds returns the package defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Trigger:  DefaultTriggerThreshold,
		Maintain: DefaultMaintainThreshold,
	}
}

// orDefault replaces each non-positive threshold with the matching
// value from def.
func (t Thresholds) orDefault(def Thresholds) Thresholds {
	if t.Trigger < 1 {
		t.Trigger = def.Trigger
	}
	if t.Maintain < 1 {
		t.Maintain = def.Maintain
	}
	return t
}

// ValidateID reports whether id is usable as a beacon identifier.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidID)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidID)
		}
	}
	return nil
}

// ObjectID converts a beacon identifier into a lowercase slug safe for
// Home Assistant entity and MQTT topic names. Runs of characters outside
// [a-z0-9] collapse into a single underscore.
func ObjectID(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	underscore := false
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && sb.Len() > 0 {
			sb.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}

// EntityKey is the object id used for a beacon's Home Assistant entity
// and MQTT topics. Ids that slug to nothing fall back to a stable hash.
func EntityKey(id string) string {
	if key := ObjectID(id); key != "" {
		return key
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("beacon_%08x", h.Sum32())
}
