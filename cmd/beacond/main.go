// Beacond debounces BLE beacon presence reports into stable
// present/absent states.
//
// ESP32 scanners POST detections to its HTTP endpoint, ESPresense nodes
// publish them over MQTT, and an optional local Bluetooth adapter scans
// for iBeacons. State changes are published to Home Assistant through
// MQTT discovery and the REST API.
//
// Usage:
//
//	beacond serve            Start the ingestion server
//	beacond init [dir]       Write an example config.yaml
//	beacond version          Print version and build information
//	beacond -o json version  Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/beacond/internal/accessory"
	"github.com/nugget/beacond/internal/api"
	"github.com/nugget/beacond/internal/buildinfo"
	"github.com/nugget/beacond/internal/config"
	"github.com/nugget/beacond/internal/connwatch"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/homeassistant"
	"github.com/nugget/beacond/internal/mqtt"
	"github.com/nugget/beacond/internal/platform"
	"github.com/nugget/beacond/internal/presence"
	"github.com/nugget/beacond/internal/scanner"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main builds the OS environment and hands off to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; args is os.Args[1:].
// Arguments are parsed by hand so run has no package-level flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "beacond - BLE beacon presence debouncer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: beacond [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the ingestion server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. Accessories are restored
// before any hit source starts. It blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives, then shuts down in order: MQTT offline, HTTP
// drain, registry timers.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting beacond", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"trigger_threshold", cfg.Presence.TriggerThreshold,
		"maintain_threshold", cfg.Presence.MaintainThreshold,
		"idle_timeout", cfg.Presence.IdleTimeout,
		"beacons", len(cfg.Beacons),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory and accessory store ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "beacond.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open accessory database %s: %w", dbPath, err)
	}
	defer db.Close()
	store, err := accessory.NewStore(db)
	if err != nil {
		return fmt.Errorf("open accessory store %s: %w", dbPath, err)
	}
	logger.Info("accessory database opened", "path", dbPath)

	// --- Registry and sinks ---
	bus := events.New()
	registry := presence.NewRegistry(presence.Config{
		Defaults: presence.Thresholds{
			Trigger:  cfg.Presence.TriggerThreshold,
			Maintain: cfg.Presence.MaintainThreshold,
		},
		IdleTimeout:   cfg.Presence.IdleTimeout,
		MaxDeliveries: cfg.Presence.MaxDeliveries,
		Logger:        logger,
	})
	defer registry.Close()

	sinks := presence.MultiSink{
		presence.LogSink{Logger: logger},
		events.PresenceSink(bus),
	}

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// Restore before any hit source is connected, so no report can
	// register a beacon ahead of its stored settings or ignore entry.
	plat := platform.New(cfg, registry, store, logger)
	plat.SetEventBus(bus)
	if err := plat.Start(ctx); err != nil {
		return err
	}

	// --- MQTT: Home Assistant discovery and ESPresense ingestion ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub, err = startMQTT(ctx, cfg, registry, bus, connMgr, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, mqttPub)
		plat.OnRemove(mqttPub.Forget)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	// --- Home Assistant REST ---
	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		sinks = append(sinks, homeassistant.NewStateSink(ha, logger))
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "homeassistant",
			Probe: ha.Ping,
		})
		logger.Info("home assistant state sink enabled", "url", cfg.HomeAssistant.URL)
	}

	registry.SetSink(sinks)
	registry.Start(ctx)

	// --- Local BLE scanner ---
	if cfg.Scanner.Enabled {
		sc := scanner.New(cfg.Scanner, cfg.Beacons, registry, logger)
		sc.SetEventBus(bus)
		go func() {
			if err := sc.Start(ctx); err != nil {
				logger.Error("ble scanner failed", "error", err)
			}
		}()
	}

	// --- HTTP ingestion server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, registry, logger)
	server.SetAccessoryManager(plat)
	server.SetHealthReporter(connMgr)
	server.SetEventBus(bus)
	server.SetMinSignal(cfg.Presence.MinSignal)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("beacond stopped")
	return nil
}

// startMQTT connects the discovery publisher and, through it, the
// ESPresense subscriber.
func startMQTT(ctx context.Context, cfg *config.Config, registry *presence.Registry, bus *events.Bus, connMgr *connwatch.Manager, logger *slog.Logger) (*mqtt.Publisher, error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	reports := mqtt.NewDailyReports(nil)
	reportEvents := bus.Subscribe(256)
	go func() {
		defer bus.Unsubscribe(reportEvents)
		reports.Run(ctx, reportEvents)
	}()

	pub := mqtt.New(cfg.MQTT, instanceID, registry, reports, logger)

	sub := mqtt.NewSubscriber(cfg.MQTT, registry, logger)
	sub.SetEventBus(bus)
	pub.SetSubscriber(sub)
	go sub.Start(ctx)

	go func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
	})

	logger.Info("mqtt enabled",
		"broker", cfg.MQTT.Broker,
		"device_name", cfg.MQTT.DeviceName,
		"subscribe_filter", sub.Filter(),
	)
	return pub, nil
}

// newLogger creates the process logger. Format "json" selects the JSON
// handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file, returning the
// path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
