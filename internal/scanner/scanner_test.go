package scanner

import (
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/presence"
)

// frame builds iBeacon manufacturer data.
func frame(t *testing.T, uuid string, major, minor uint16, tx int8) []byte {
	t.Helper()
	u, err := hex.DecodeString(uuid)
	if err != nil || len(u) != 16 {
		t.Fatalf("bad uuid %q", uuid)
	}
	data := []byte{0x4c, 0x00, 0x02, 0x15}
	data = append(data, u...)
	data = append(data, byte(major>>8), byte(major), byte(minor>>8), byte(minor), byte(tx))
	return data
}

const testUUID = "2f234454cf6d4a0fadf2f4911ba9ffa6"
const testUUIDDashed = "2F234454-CF6D-4A0F-ADF2-F4911BA9FFA6"

func TestParseIBeacon(t *testing.T) {
	b, ok := ParseIBeacon(frame(t, testUUID, 1, 513, -59))
	if !ok {
		t.Fatal("ParseIBeacon() rejected a valid frame")
	}
	want := IBeacon{UUID: testUUIDDashed, Major: 1, Minor: 513, TxPower: -59}
	if b != want {
		t.Errorf("ParseIBeacon() = %+v, want %+v", b, want)
	}
	if b.ID() != testUUIDDashed+"-1-513" {
		t.Errorf("ID() = %q", b.ID())
	}
}

func TestParseIBeacon_Rejects(t *testing.T) {
	valid := frame(t, testUUID, 1, 2, -59)
	foreign := append([]byte(nil), valid...)
	foreign[0] = 0x06 // Microsoft

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", valid[:24]},
		{"foreign company", foreign},
		{"eddystone-ish", []byte{0xaa, 0xfe, 0x10, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ParseIBeacon(tt.data); ok {
				t.Error("ParseIBeacon() accepted invalid frame")
			}
		})
	}
}

func TestMatcher(t *testing.T) {
	beacons := []config.BeaconConfig{
		{ID: "keys", UUID: testUUIDDashed, Major: 1, Minor: 2, MinRSSI: -80},
		{ID: "bag", UUID: "2f234454-cf6d-4a0f-adf2-f4911ba9ffa6", Major: 1, Minor: 3},
		{ID: "phone"}, // http-only beacon
	}
	keys := IBeacon{UUID: testUUIDDashed, Major: 1, Minor: 2}
	bag := IBeacon{UUID: testUUIDDashed, Major: 1, Minor: 3}
	stranger := IBeacon{UUID: testUUIDDashed, Major: 9, Minor: 9}

	tests := []struct {
		name          string
		reportUnknown bool
		b             IBeacon
		rssi          int
		wantID        string
		wantOK        bool
	}{
		{"configured", false, keys, -70, "keys", true},
		{"at min rssi", false, keys, -80, "keys", true},
		{"below min rssi", false, keys, -81, "", false},
		{"below min rssi not reported as unknown", true, keys, -95, "", false},
		{"lower-case uuid in config", false, bag, -99, "bag", true},
		{"unknown dropped", false, stranger, -60, "", false},
		{"unknown reported", true, stranger, -60, testUUIDDashed + "-9-9", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(beacons, tt.reportUnknown)
			if m.Len() != 2 {
				t.Fatalf("Len() = %d, want 2", m.Len())
			}
			id, ok := m.Match(tt.b, tt.rssi)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("Match() = %q, %v; want %q, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

type hit struct {
	id     string
	signal float64
}

type fakeReporter struct{ hits []hit }

func (f *fakeReporter) Hit(id string, signal *float64) (presence.Result, error) {
	f.hits = append(f.hits, hit{id, *signal})
	return presence.Result{}, nil
}

func TestScanner_Observe(t *testing.T) {
	rep := &fakeReporter{}
	cfg := config.ScannerConfig{ReportInterval: 2 * time.Second}
	beacons := []config.BeaconConfig{{ID: "keys", UUID: testUUIDDashed, Major: 1, Minor: 2}}
	s := New(cfg, beacons, rep, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)
	s.SetEventBus(bus)

	data := frame(t, testUUID, 1, 2, -59)
	s.observe(data, -70, "aa:bb:cc:dd:ee:ff")
	s.observe(data, -71, "aa:bb:cc:dd:ee:ff") // within report interval

	now = now.Add(2 * time.Second)
	s.observe(data, -72, "aa:bb:cc:dd:ee:ff")
	// Neither an unconfigured iBeacon nor a non-iBeacon frame is reported.
	s.observe(frame(t, testUUID, 5, 5, -59), -60, "11:22:33:44:55:66")
	s.observe([]byte{0x01, 0x02}, -60, "11:22:33:44:55:66")

	want := []hit{{"keys", -70}, {"keys", -72}}
	if len(rep.hits) != len(want) {
		t.Fatalf("hits = %+v, want %+v", rep.hits, want)
	}
	for i := range want {
		if rep.hits[i] != want[i] {
			t.Errorf("hit[%d] = %+v, want %+v", i, rep.hits[i], want[i])
		}
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceScanner || e.Kind != events.KindHit || e.Data["beacon_id"] != "keys" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no scanner event emitted")
	}
}
