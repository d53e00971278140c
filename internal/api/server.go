// Package api implements the beacon ingestion HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/nugget/beacond/internal/buildinfo"
	"github.com/nugget/beacond/internal/connwatch"
	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/platform"
	"github.com/nugget/beacond/internal/presence"
)

// maxBodyBytes caps ingestion request bodies. A report is a short id
// and an optional number.
const maxBodyBytes = 4 << 10

// Reporter routes detection reports into the beacon registry.
// *presence.Registry satisfies it.
type Reporter interface {
	Hit(id string, signal *float64) (presence.Result, error)
	Miss(id string) (presence.Result, error)
	Get(id string) (presence.Snapshot, bool)
	List() []presence.Snapshot
}

// AccessoryManager creates and removes persisted beacons.
// *platform.Platform satisfies it.
type AccessoryManager interface {
	RegisterBeacon(ctx context.Context, id, displayName string, t presence.Thresholds) (presence.Snapshot, bool, error)
	RemoveAccessory(ctx context.Context, id string, permanent bool) (bool, error)
}

// HealthReporter exposes the status of external dependencies.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP ingestion server.
type Server struct {
	address   string
	port      int
	reporter  Reporter
	accessory AccessoryManager
	health    HealthReporter
	bus       *events.Bus
	minSignal float64
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new ingestion server routing reports to reporter.
func NewServer(address string, port int, reporter Reporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		reporter: reporter,
		logger:   logger,
	}
}

// SetAccessoryManager enables PUT and DELETE on /v1/beacons/{id}.
func (s *Server) SetAccessoryManager(m AccessoryManager) {
	s.accessory = m
}

// SetHealthReporter adds dependency status to /health.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// SetEventBus publishes every accepted report to bus and enables the
// /v1/events websocket stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetMinSignal treats detections reporting a signal below floor as
// misses. Zero disables the gate.
func (s *Server) SetMinSignal(floor float64) {
	s.minSignal = floor
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /v1/beacons/detected", s.handleDetected)
	mux.HandleFunc("POST /v1/beacons/lost", s.handleLost)

	// Registry introspection
	mux.HandleFunc("GET /v1/beacons", s.handleBeaconList)
	mux.HandleFunc("GET /v1/beacons/{id}", s.handleBeaconGet)
	mux.HandleFunc("PUT /v1/beacons/{id}", s.handleBeaconPut)
	mux.HandleFunc("DELETE /v1/beacons/{id}", s.handleBeaconDelete)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(s.withRecover(mux))
}

// Start begins serving HTTP requests. It blocks until the server stops
// and returns listener errors such as the port being in use.
// [http.ErrServerClosed] is returned after a graceful Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting ingestion server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports the websocket upgrade on /v1/events.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// withRecover converts a handler panic into a 500 so one bad request
// never takes the listener down.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			s.logger.Error("request handler panicked",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rv,
				"stack", string(debug.Stack()),
			)
			s.errorResponse(w, http.StatusInternalServerError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		services := s.health.Status()
		for _, st := range services {
			if !st.Ready {
				resp["status"] = "degraded"
				break
			}
		}
		resp["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// ack writes the success body for an ingestion report.
func (s *Server) ack(w http.ResponseWriter, res presence.Result) {
	status := "ok"
	if res.Dropped {
		status = "ignored"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": status}, s.logger)
}

func (s *Server) handleBeaconList(w http.ResponseWriter, r *http.Request) {
	beacons := s.reporter.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"beacons": beacons,
		"count":   len(beacons),
	}, s.logger)
}

func (s *Server) handleBeaconGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.reporter.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "beacon not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// RegisterRequest is the body of PUT /v1/beacons/{id}. Zero thresholds
// take the registry defaults.
type RegisterRequest struct {
	Name              string `json:"name"`
	TriggerThreshold  int    `json:"trigger_threshold"`
	MaintainThreshold int    `json:"maintain_threshold"`
}

func (s *Server) handleBeaconPut(w http.ResponseWriter, r *http.Request) {
	if s.accessory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "accessory management not configured")
		return
	}

	id := r.PathValue("id")
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TriggerThreshold < 0 || req.MaintainThreshold < 0 {
		s.errorResponse(w, http.StatusBadRequest, "thresholds must not be negative")
		return
	}

	snap, created, err := s.accessory.RegisterBeacon(r.Context(), id, req.Name, presence.Thresholds{
		Trigger:  req.TriggerThreshold,
		Maintain: req.MaintainThreshold,
	})
	switch {
	case errors.Is(err, presence.ErrInvalidID):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, platform.ErrIgnored):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// The beacon is live even if persisting it failed.
		s.logger.Error("accessory registration failed", "beacon_id", id, "error", err)
		if !created {
			s.errorResponse(w, http.StatusInternalServerError, "registration failed")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleBeaconDelete(w http.ResponseWriter, r *http.Request) {
	if s.accessory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "accessory management not configured")
		return
	}

	id := r.PathValue("id")
	permanent := false
	if v := r.URL.Query().Get("permanent"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "permanent must be a boolean")
			return
		}
		permanent = p
	}

	removed, err := s.accessory.RemoveAccessory(r.Context(), id, permanent)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidID) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("accessory removal failed", "beacon_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "removal failed")
		return
	}
	if !removed && !permanent {
		s.errorResponse(w, http.StatusNotFound, "beacon not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":    "removed",
		"beacon_id": id,
		"permanent": permanent,
	}, s.logger)
}
