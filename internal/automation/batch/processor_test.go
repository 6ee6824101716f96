package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/fakedom"
	"github.com/ternarybob/portalbatch/internal/automation/frames"
	"github.com/ternarybob/portalbatch/internal/automation/session"
	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

type staticSource struct {
	identifiers []models.Identifier
	err         error
	reads       int
}

func (s *staticSource) Read(ctx context.Context, path string) ([]models.Identifier, error) {
	s.reads++
	return s.identifiers, s.err
}

type recordingEvents struct {
	mu     sync.Mutex
	events []interfaces.EventType
}

func (r *recordingEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error   { return nil }
func (r *recordingEvents) Unsubscribe(interfaces.EventType, interfaces.EventHandler) error { return nil }
func (r *recordingEvents) Publish(ctx context.Context, event interfaces.Event) error {
	return r.PublishSync(ctx, event)
}
func (r *recordingEvents) PublishSync(ctx context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Type)
	return nil
}
func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) count(eventType interfaces.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func ids(values ...string) []models.Identifier {
	out := make([]models.Identifier, len(values))
	for i, v := range values {
		out[i] = models.Identifier{Value: v, Row: i + 1}
	}
	return out
}

type harness struct {
	portal    *fakedom.Portal
	factory   *fakedom.Factory
	events    *recordingEvents
	source    *staticSource
	processor *Processor
	password  string
}

func newHarness(t *testing.T, opts fakedom.PortalOptions) *harness {
	t.Helper()
	plan, err := workflow.LoadPlan("")
	require.NoError(t, err)

	h := &harness{
		portal: fakedom.NewPortal(opts),
		events: &recordingEvents{},
		source: &staticSource{},
	}
	h.factory = h.portal.Factory()
	h.password = h.portal.Options.Password

	logger := arbor.NewLogger()
	sessions := func(policy models.RunPolicy) Session {
		settings := workflow.Settings{
			Limits:          frames.Limits{MaxDepth: 2, MaxBranching: 16},
			DefaultAttempts: 3,
			DefaultDelay:    time.Millisecond,
			VerifyWindow:    20 * time.Millisecond,
			PollInterval:    2 * time.Millisecond,
			StepTimeout:     policy.StepTimeout,
		}
		return session.NewManager(h.factory, plan, session.Config{
			PortalURL:    h.portal.Options.URL,
			Username:     h.portal.Options.Username,
			Password:     h.password,
			Role:         h.portal.Options.Role,
			LoginRetries: 1,
		}, settings, nil, logger)
	}
	h.processor = NewProcessor(h.source, sessions, plan, h.events, logger)
	return h
}

func policy(mode models.SessionMode) models.RunPolicy {
	return models.RunPolicy{SessionMode: mode, StepTimeout: 5 * time.Second}
}

func TestProcessor_OneFailingIdentifierDoesNotStopTheBatch(t *testing.T) {
	for _, mode := range []models.SessionMode{models.SessionModeFresh, models.SessionModeShared} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, fakedom.PortalOptions{MangleIdentifiers: []string{"1002"}})

			report := h.processor.Run(context.Background(), ids("1001", "1002", "1003"), policy(mode))

			require.True(t, report.Finalized)
			assert.Equal(t, 3, report.Total)
			assert.Len(t, report.Items, 3)
			assert.Equal(t, []string{"1001", "1003"}, report.SucceededIdentifiers())
			assert.Equal(t, []models.FailedStep{{Identifier: "1002", Step: "fill-identifier"}}, report.FailedSteps())
			assert.Equal(t, models.FailureVerification, report.Items[1].FailureKind)
			assert.Equal(t, []string{"1001", "1003"}, h.portal.Reports)
			assert.Equal(t, 0, h.factory.OpenBrowsers(), "every session released")
			assert.Empty(t, report.ErrorKind)

			if mode == models.SessionModeShared {
				assert.Equal(t, 1, h.factory.Launches())
				assert.Equal(t, 1, h.portal.Logins)
				assert.Equal(t, 1, h.portal.ConsolidatedReports)
				assert.Equal(t, "generate-consolidated-report", report.FinalStep)
				assert.Equal(t, models.ItemSucceeded, report.FinalStatus)
			} else {
				assert.Equal(t, 3, h.factory.Launches())
				assert.Equal(t, 3, h.portal.Logins)
				assert.Equal(t, 0, h.portal.ConsolidatedReports)
				assert.Empty(t, report.FinalStep)
			}
		})
	}
}

func TestProcessor_InputErrorsLaunchNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		req   Request
	}{
		{
			name:  "unreadable file",
			setup: func(h *harness) { h.source.err = errors.New("open fichas.xlsx: no such file") },
			req:   Request{Input: "fichas.xlsx", Policy: policy(models.SessionModeFresh)},
		},
		{
			name:  "empty file",
			setup: func(h *harness) {},
			req:   Request{Input: "empty.csv", Policy: policy(models.SessionModeFresh)},
		},
		{
			name:  "no input",
			setup: func(h *harness) {},
			req:   Request{Policy: policy(models.SessionModeFresh)},
		},
		{
			name:  "invalid policy",
			setup: func(h *harness) {},
			req:   Request{Identifiers: ids("1"), Policy: models.RunPolicy{SessionMode: "pooled"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakedom.PortalOptions{})
			tt.setup(h)

			report := h.processor.Execute(context.Background(), tt.req)

			assert.True(t, report.Finalized)
			assert.Equal(t, models.FailureInput, report.ErrorKind)
			assert.Empty(t, report.Items)
			assert.Equal(t, 0, h.factory.Launches())
			assert.Equal(t, 0, h.portal.Logins)
			assert.False(t, h.processor.Progress().Running)
		})
	}
}

func TestProcessor_RunFileReadsSource(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{})
	h.source.identifiers = ids("2001", "2002")

	report := h.processor.RunFile(context.Background(), "fichas.xlsx", policy(models.SessionModeShared))

	assert.Equal(t, 1, h.source.reads)
	assert.Equal(t, "fichas.xlsx", report.Input)
	assert.Equal(t, []string{"2001", "2002"}, report.SucceededIdentifiers())
	assert.NotEmpty(t, report.ID)
}

func TestProcessor_StopSkipsRemainingIdentifiers(t *testing.T) {
	var h *harness
	h = newHarness(t, fakedom.PortalOptions{OnReport: func(string) { h.processor.Stop() }})

	p := policy(models.SessionModeFresh)
	p.ItemPause = 10 * time.Second
	started := time.Now()
	report := h.processor.Run(context.Background(), ids("1", "2", "3"), p)

	assert.Less(t, time.Since(started), 5*time.Second, "stop interrupts the pause")
	assert.True(t, report.Stopped)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, report.Items, 3)
	assert.Equal(t, models.FailureStopped, report.Items[2].FailureKind)
	assert.Equal(t, 1, h.factory.Launches())
	assert.Equal(t, 0, h.factory.OpenBrowsers())
}

func TestProcessor_StopInSharedModeSkipsFinalWorkflow(t *testing.T) {
	var h *harness
	h = newHarness(t, fakedom.PortalOptions{OnReport: func(string) { h.processor.Stop() }})

	report := h.processor.Run(context.Background(), ids("1", "2"), policy(models.SessionModeShared))

	assert.True(t, report.Stopped)
	assert.Equal(t, 0, h.portal.ConsolidatedReports)
	assert.Equal(t, models.ItemSkipped, report.FinalStatus)
}

func TestProcessor_StopHoldsUntilReset(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{})
	h.processor.Stop()

	report := h.processor.Run(context.Background(), ids("1", "2"), policy(models.SessionModeFresh))
	assert.True(t, report.Stopped)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, h.factory.Launches())

	h.processor.Reset()
	report = h.processor.Run(context.Background(), ids("1", "2"), policy(models.SessionModeFresh))
	assert.False(t, report.Stopped)
	assert.Equal(t, []string{"1", "2"}, report.SucceededIdentifiers())
}

func TestProcessor_CancelledContext(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.processor.Run(ctx, ids("1", "2"), policy(models.SessionModeFresh))

	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, h.factory.Launches())
}

func TestProcessor_SharedSessionRecoversFromDrift(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{DriftAfterReport: true})

	report := h.processor.Run(context.Background(), ids("1", "2", "3"), policy(models.SessionModeShared))

	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, h.factory.Launches())
	assert.Equal(t, 1, h.portal.Logins, "drift is repaired by positioning, not login")
}

func TestProcessor_SessionFailures(t *testing.T) {
	tests := []struct {
		name         string
		policy       models.RunPolicy
		wantLaunches int
		wantRunError bool
	}{
		{"fresh fails per item", policy(models.SessionModeFresh), 3, false},
		{"shared fails remaining", policy(models.SessionModeShared), 1, true},
		{"shared recreates", models.RunPolicy{SessionMode: models.SessionModeShared, RecreateOnSessionFailure: true}, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakedom.PortalOptions{})
			h.password = "wrong"

			report := h.processor.Run(context.Background(), ids("1", "2", "3"), tt.policy)

			assert.Equal(t, 3, report.Failed)
			assert.Len(t, report.Items, 3)
			for _, item := range report.Items {
				assert.Equal(t, models.FailureSession, item.FailureKind)
				assert.Equal(t, "establish-session", item.TerminalStep)
				assert.NotContains(t, item.Reason, "wrong")
			}
			assert.Equal(t, tt.wantLaunches, h.factory.Launches())
			assert.Equal(t, 0, h.factory.OpenBrowsers())
			if tt.wantRunError {
				assert.Equal(t, models.FailureSession, report.ErrorKind)
			} else {
				assert.Empty(t, report.ErrorKind)
			}
		})
	}
}

func TestProcessor_Limit(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{})
	p := policy(models.SessionModeShared)
	p.Limit = 2

	report := h.processor.Run(context.Background(), ids("1", "2", "3"), p)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, []string{"1", "2"}, h.portal.Reports)
}

func TestProcessor_ProgressAndEvents(t *testing.T) {
	h := newHarness(t, fakedom.PortalOptions{NoResults: []string{"2"}})

	report := h.processor.Run(context.Background(), ids("1", "2"), policy(models.SessionModeShared))

	assert.Equal(t, []models.FailedStep{{Identifier: "2", Step: "submit-search"}}, report.FailedSteps())
	assert.Equal(t, models.FailureNotFound, report.Items[1].FailureKind)

	progress := h.processor.Progress()
	assert.Equal(t, report.ID, progress.RunID)
	assert.False(t, progress.Running)
	assert.Equal(t, 2, progress.Index)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Succeeded)
	assert.Equal(t, 1, progress.Failed)

	assert.Equal(t, 1, h.events.count(interfaces.EventRunStarted))
	assert.Equal(t, 2, h.events.count(interfaces.EventItemStarted))
	assert.Equal(t, 2, h.events.count(interfaces.EventItemCompleted))
	assert.Equal(t, 1, h.events.count(interfaces.EventRunCompleted))
	assert.Equal(t, 6+4, h.events.count(interfaces.EventStepCompleted))
}
