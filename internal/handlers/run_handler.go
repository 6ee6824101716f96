package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/models"
	"github.com/ternarybob/portalbatch/internal/services/runs"
)

// RunController is the run lifecycle the operator surface drives
type RunController interface {
	Start(req runs.StartRequest) (string, error)
	Stop() error
	Running() bool
	Progress() models.Progress
	Runs(ctx context.Context, limit int) ([]*models.RunReport, error)
	Run(ctx context.Context, id string) (*models.RunReport, error)
}

// RunHandler serves the batch run API
type RunHandler struct {
	controller RunController
	logger     arbor.ILogger
}

func NewRunHandler(controller RunController, logger arbor.ILogger) *RunHandler {
	return &RunHandler{controller: controller, logger: logger}
}

// StartHandler starts a batch in the background.
// POST /api/runs {"input": "...", "session_mode": "shared", "step_timeout": "60s", "item_pause": "3s", "limit": 3}
func (h *RunHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req runs.StartRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	runID, err := h.controller.Start(req)
	switch {
	case errors.Is(err, runs.ErrRunInProgress):
		WriteError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, models.ErrInputError):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("Failed to start run")
		WriteError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	h.logger.Info().Str("run_id", runID).Msg("Run started from API")
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"run_id": runID,
	})
}

// StopHandler requests a cooperative stop
// POST /api/runs/stop
func (h *RunHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if err := h.controller.Stop(); err != nil {
		if errors.Is(err, runs.ErrNoActiveRun) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, "Stop requested; the run ends after the current step")
}

// ProgressHandler returns the live progress snapshot
// GET /api/runs/progress
func (h *RunHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.controller.Progress())
}

// ListHandler returns persisted run reports, newest first
// GET /api/runs?limit=20
func (h *RunHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	reports, err := h.controller.Runs(r.Context(), GetLimitParam(r, 20, 200))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  reports,
		"count": len(reports),
	})
}

// GetHandler returns one persisted run report
// GET /api/runs/{id}
func (h *RunHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	report, err := h.controller.Run(r.Context(), id)
	if errors.Is(err, models.ErrRunNotFound) {
		WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id).Msg("Failed to load run")
		WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
