package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"
	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/presence"
)

// HitReporter receives scanner detections. *presence.Registry
// satisfies it.
type HitReporter interface {
	Hit(id string, signal *float64) (presence.Result, error)
}

// Scanner runs a passive BLE scan and reports matched iBeacons.
type Scanner struct {
	cfg      config.ScannerConfig
	matcher  *Matcher
	reporter HitReporter
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastReport map[string]time.Time
}

// New creates a scanner for the configured beacons.
func New(cfg config.ScannerConfig, beacons []config.BeaconConfig, reporter HitReporter, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:        cfg,
		matcher:    NewMatcher(beacons, cfg.ReportUnknown),
		reporter:   reporter,
		logger:     logger,
		now:        time.Now,
		lastReport: make(map[string]time.Time),
	}
}

// SetEventBus publishes every reported hit to bus.
func (s *Scanner) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Start opens the HCI device and scans until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	id, err := s.cfg.DeviceID()
	if err != nil {
		return err
	}
	d, err := dev.NewDevice("default", ble.OptDeviceID(id))
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Device, err)
	}
	ble.SetDefaultDevice(d)
	defer func() {
		if err := ble.Stop(); err != nil {
			s.logger.Debug("ble device stop failed", "error", err)
		}
	}()

	s.logger.Info("ble scanner started",
		"device", s.cfg.Device,
		"targets", s.matcher.Len(),
		"report_unknown", s.cfg.ReportUnknown,
	)

	err = ble.Scan(ctx, s.cfg.AllowDuplicates, s.handle, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ble scan: %w", err)
	}
	return nil
}

func (s *Scanner) handle(a ble.Advertisement) {
	s.observe(a.ManufacturerData(), a.RSSI(), a.Addr().String())
}

// observe reports one advertisement. Hits for the same id closer
// together than ReportInterval are suppressed.
func (s *Scanner) observe(data []byte, rssi int, addr string) {
	b, ok := ParseIBeacon(data)
	if !ok {
		return
	}
	id, ok := s.matcher.Match(b, rssi)
	if !ok {
		return
	}

	now := s.now()
	s.mu.Lock()
	if last, seen := s.lastReport[id]; seen && now.Sub(last) < s.cfg.ReportInterval {
		s.mu.Unlock()
		return
	}
	s.lastReport[id] = now
	s.mu.Unlock()

	signal := float64(rssi)
	res, err := s.reporter.Hit(id, &signal)
	if err != nil {
		s.logger.Debug("ble report rejected", "beacon_id", id, "error", err)
		return
	}

	s.logger.Log(context.Background(), config.LevelTrace, "ble report routed",
		"beacon_id", id,
		"addr", addr,
		"rssi", rssi,
		"tx_power", b.TxPower,
		"dropped", res.Dropped,
	)
	s.bus.Emit(events.SourceScanner, events.KindHit, map[string]any{
		"beacon_id": id,
		"addr":      addr,
		"signal":    signal,
		"dropped":   res.Dropped,
	})
}
