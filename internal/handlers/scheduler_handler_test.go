package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/portalbatch/internal/services/scheduler"
)

type fakeScheduler struct {
	triggered []string
}

func (f *fakeScheduler) GetAllJobStatuses() []*scheduler.JobStatus {
	return []*scheduler.JobStatus{{Name: "scheduled-run", Schedule: "0 6 * * 1-5"}}
}

func (f *fakeScheduler) TriggerJob(name string) error {
	if name != "scheduled-run" {
		return fmt.Errorf("job %s not found", name)
	}
	f.triggered = append(f.triggered, name)
	return nil
}

func TestSchedulerHandler(t *testing.T) {
	fake := &fakeScheduler{}
	h := NewSchedulerHandler(fake)

	rec := httptest.NewRecorder()
	h.JobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/scheduler/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduled-run")

	tests := []struct {
		path string
		want int
	}{
		{"/api/scheduler/jobs/scheduled-run/trigger", http.StatusAccepted},
		{"/api/scheduler/jobs/other/trigger", http.StatusNotFound},
		{"/api/scheduler/jobs//trigger", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.TriggerHandler(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
	assert.Equal(t, []string{"scheduled-run"}, fake.triggered)
}
