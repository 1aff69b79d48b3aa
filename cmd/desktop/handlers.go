// Package main provides the localhost REST handlers for the desktop server.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/outbox"
	"github.com/crismedel/dogland-core/internal/report"
	syncpkg "github.com/crismedel/dogland-core/internal/sync"
	"github.com/crismedel/dogland-core/internal/telemetry"
)

type apiServer struct {
	store     *outbox.Store
	scheduler *syncpkg.Scheduler
	capture   *report.CaptureService
	monitor   *connectivity.Monitor
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "dogland-desktop",
	})
}

// handleReports runs the capture flow for a posted report.
func (s *apiServer) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Payload      json.RawMessage `json:"payload"`
		QueueConsent bool            `json:"queue_consent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest,
			errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	result, err := s.capture.Submit(r.Context(), body.Payload, body.QueueConsent)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handlePending(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.store.ListPending)
}

func (s *apiServer) handlePoisoned(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.store.ListPoisoned)
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request, list func() ([]*models.QueuedReport, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reports, err := list()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"total":   len(reports),
	})
}

// handleRetry re-arms poisoned reports. A body with an id retries that one
// report; an empty body retries all of them.
func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest,
			errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	if body.ID != "" {
		if err := s.store.Retry(body.ID); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, errors.ErrInvalid):
				status = http.StatusBadRequest
			case errors.Is(err, errors.ErrNotFound):
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": 1})
		return
	}

	count, err := s.store.RetryPoisoned()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"retried": count})
}

// handleSync triggers a background drain.
func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.scheduler.TriggerDrain(context.Background()) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "drain already in progress",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "drain started"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.scheduler.GetStatus())
}

// handleTelemetry exposes the local opt-in metrics. GET returns the current
// snapshot; POST flips collection on or off. Nothing here ever leaves the
// machine.
func (s *apiServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		timings := make(map[string]int64)
		for name, duration := range telemetry.Timings() {
			timings[name] = duration.Milliseconds()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled":    telemetry.IsEnabled(),
			"counters":   telemetry.Counters(),
			"timings_ms": timings,
		})

	case http.MethodPost:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest,
				errors.Wrap(errors.ErrValidation, "invalid request body", err))
			return
		}

		if body.Enabled {
			telemetry.Enable()
		} else {
			telemetry.Disable()
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": telemetry.IsEnabled()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleNetwork feeds link state reported by the desktop shell.
func (s *apiServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		LinkUp bool `json:"link_up"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest,
			errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	s.monitor.ReportStatus(body.LinkUp)
	writeJSON(w, http.StatusOK, map[string]bool{
		"link_up": body.LinkUp,
		"online":  s.monitor.Online(),
	})
}
