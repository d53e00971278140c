package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/beacond/internal/events"
	"github.com/nugget/beacond/internal/presence"
)

// ReportRequest is the body of POST /v1/beacons/detected and
// POST /v1/beacons/lost. Signal is only meaningful for detections.
type ReportRequest struct {
	BeaconID *string  `json:"beaconId"`
	Signal   *float64 `json:"signal,omitempty"`
}

// decodeReport reads and validates a report body. The returned error
// message is safe to show to the client.
func decodeReport(w http.ResponseWriter, r *http.Request) (string, *float64, int, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)

	var req ReportRequest
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return "", nil, http.StatusBadRequest, fmt.Errorf("invalid type for field %q", typeErr.Field)
		}
		return "", nil, http.StatusBadRequest, fmt.Errorf("invalid JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", nil, http.StatusBadRequest, errors.New("unexpected data after JSON object")
	}

	if req.BeaconID == nil {
		return "", nil, http.StatusBadRequest, errors.New("beaconId is required")
	}
	id := *req.BeaconID
	if err := presence.ValidateID(id); err != nil {
		return "", nil, http.StatusBadRequest, err
	}
	return id, req.Signal, 0, nil
}

func (s *Server) handleDetected(w http.ResponseWriter, r *http.Request) {
	id, signal, code, err := decodeReport(w, r)
	if err != nil {
		s.logger.Debug("detection report rejected", "error", err, "remote", r.RemoteAddr)
		s.errorResponse(w, code, err.Error())
		return
	}

	if s.minSignal != 0 && signal != nil && *signal < s.minSignal {
		s.logger.Debug("weak detection treated as miss",
			"beacon_id", id,
			"signal", *signal,
			"min_signal", s.minSignal,
		)
		s.reportMiss(w, id, true)
		return
	}

	res, err := s.reporter.Hit(id, signal)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	data := map[string]any{
		"beacon_id":  id,
		"registered": res.Registered,
		"dropped":    res.Dropped,
	}
	if signal != nil {
		data["signal"] = *signal
	}
	s.bus.Emit(events.SourceHTTP, events.KindHit, data)

	s.ack(w, res)
}

func (s *Server) handleLost(w http.ResponseWriter, r *http.Request) {
	id, _, code, err := decodeReport(w, r)
	if err != nil {
		s.logger.Debug("loss report rejected", "error", err, "remote", r.RemoteAddr)
		s.errorResponse(w, code, err.Error())
		return
	}
	s.reportMiss(w, id, false)
}

func (s *Server) reportMiss(w http.ResponseWriter, id string, weak bool) {
	res, err := s.reporter.Miss(id)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	data := map[string]any{
		"beacon_id": id,
		"dropped":   res.Dropped,
	}
	if weak {
		data["weak_signal"] = true
	}
	s.bus.Emit(events.SourceHTTP, events.KindMiss, data)

	s.ack(w, res)
}
