package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/portalbatch/internal/services/scheduler"
)

// JobScheduler is the part of the scheduler the API exposes
type JobScheduler interface {
	GetAllJobStatuses() []*scheduler.JobStatus
	TriggerJob(name string) error
}

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	scheduler JobScheduler
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(scheduler JobScheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// JobsHandler lists scheduled jobs
// GET /api/scheduler/jobs
func (h *SchedulerHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.scheduler.GetAllJobStatuses(),
	})
}

// TriggerHandler runs a scheduled job now
// POST /api/scheduler/jobs/{name}/trigger
func (h *SchedulerHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/scheduler/jobs/"), "/trigger")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusBadRequest, "Job name is required")
		return
	}
	if err := h.scheduler.TriggerJob(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "Job triggered",
		"job":     name,
	})
}
