package runs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/batch"
	"github.com/ternarybob/portalbatch/internal/automation/fakedom"
	"github.com/ternarybob/portalbatch/internal/automation/frames"
	"github.com/ternarybob/portalbatch/internal/automation/session"
	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/models"
	"github.com/ternarybob/portalbatch/internal/services/report"
	"github.com/ternarybob/portalbatch/internal/services/source"
	"github.com/ternarybob/portalbatch/internal/storage/badger"
)

type mockProcessor struct {
	mock.Mock
	resets int
}

func (m *mockProcessor) Execute(ctx context.Context, req batch.Request) *models.RunReport {
	args := m.Called(ctx, req)
	return args.Get(0).(*models.RunReport)
}

func (m *mockProcessor) Reset() {
	m.resets++
}

func (m *mockProcessor) Stop() {
	m.Called()
}

func (m *mockProcessor) Progress() models.Progress {
	return m.Called().Get(0).(models.Progress)
}

func finished(id string) *models.RunReport {
	r := models.NewRunReport(id, "fichas.xlsx", models.RunPolicy{}, 0, time.Now())
	r.Finalize(time.Now())
	return r
}

func defaults() Defaults {
	return Defaults{
		Input: "fichas.xlsx",
		Policy: models.RunPolicy{
			SessionMode: models.SessionModeFresh,
			StepTimeout: time.Minute,
			ItemPause:   3 * time.Second,
		},
	}
}

func TestResolve(t *testing.T) {
	c := NewController(&mockProcessor{}, nil, nil, defaults(), arbor.NewLogger())
	limit := 3
	recreate := true

	req, err := c.Resolve(StartRequest{SessionMode: "shared", StepTimeout: "30s", Limit: &limit, RecreateOnSessionFailure: &recreate})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "fichas.xlsx", req.Input)
	assert.Equal(t, models.RunPolicy{
		SessionMode:              models.SessionModeShared,
		StepTimeout:              30 * time.Second,
		ItemPause:                3 * time.Second,
		Limit:                    3,
		RecreateOnSessionFailure: true,
	}, req.Policy)

	negative := -1
	for name, bad := range map[string]StartRequest{
		"mode":    {SessionMode: "pooled"},
		"timeout": {StepTimeout: "soon"},
		"pause":   {ItemPause: "-1s"},
		"limit":   {Limit: &negative},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Resolve(bad)
			assert.ErrorIs(t, err, models.ErrInputError)
		})
	}

	noInput := NewController(&mockProcessor{}, nil, nil, Defaults{}, arbor.NewLogger())
	_, err = noInput.Resolve(StartRequest{})
	assert.ErrorIs(t, err, models.ErrInputError)
}

func TestStart_RejectsSecondRun(t *testing.T) {
	processor := &mockProcessor{}
	release := make(chan struct{})
	processor.On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-release }).
		Return(finished("r1")).Once()
	processor.On("Stop").Return().Once()

	c := NewController(processor, nil, nil, defaults(), arbor.NewLogger())

	id, err := c.Start(StartRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Eventually(t, c.Running, time.Second, 5*time.Millisecond)

	_, err = c.Start(StartRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = c.RunSync(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, c.Stop())
	close(release)
	require.NoError(t, c.Wait(context.Background()))

	assert.False(t, c.Running())
	assert.ErrorIs(t, c.Stop(), ErrNoActiveRun)
	assert.Equal(t, "r1", c.LastReport().ID)
	processor.AssertExpectations(t)
}

func TestShutdown_CancelsWhenStopIsIgnored(t *testing.T) {
	processor := &mockProcessor{}
	processor.On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(finished("r2"))
	processor.On("Stop").Return()

	c := NewController(processor, nil, nil, defaults(), arbor.NewLogger())
	_, err := c.Start(StartRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Running())

	assert.NoError(t, c.Shutdown(context.Background()), "nothing to shut down")
}

func TestHistoryRequiresStorage(t *testing.T) {
	c := NewController(&mockProcessor{}, nil, nil, defaults(), arbor.NewLogger())
	_, err := c.Runs(context.Background(), 10)
	assert.Error(t, err)
	_, err = c.Run(context.Background(), "x")
	assert.Error(t, err)
}

// newPortalProcessor builds a processor whose sessions drive portal with fast timings
func newPortalProcessor(t *testing.T, portal *fakedom.Portal, logger arbor.ILogger) (*batch.Processor, *fakedom.Factory) {
	t.Helper()
	plan, err := workflow.LoadPlan("")
	require.NoError(t, err)
	factory := portal.Factory()
	sessions := func(policy models.RunPolicy) batch.Session {
		settings := workflow.DefaultSettings()
		settings.Limits = frames.Limits{MaxDepth: 2, MaxBranching: 16}
		settings.DefaultDelay = time.Millisecond
		settings.VerifyWindow = 20 * time.Millisecond
		settings.PollInterval = 2 * time.Millisecond
		settings.StepTimeout = policy.StepTimeout
		return session.NewManager(factory, plan, session.Config{
			PortalURL:    portal.Options.URL,
			Username:     portal.Options.Username,
			Password:     portal.Options.Password,
			Role:         portal.Options.Role,
			LoginRetries: 1,
		}, settings, nil, logger)
	}
	return batch.NewProcessor(source.NewService(source.Options{}, logger), sessions, plan, nil, logger), factory
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	input := filepath.Join(dir, "fichas.csv")
	require.NoError(t, os.WriteFile(input, []byte("ficha\n1001\n1002\n1003\n"), 0644))
	return input
}

func TestStart_StopBeforeFirstIdentifierHolds(t *testing.T) {
	logger := arbor.NewLogger()
	input := writeInput(t, t.TempDir())
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	processor, factory := newPortalProcessor(t, portal, logger)

	c := NewController(processor, nil, nil, Defaults{
		Input:  input,
		Policy: models.RunPolicy{SessionMode: models.SessionModeFresh, StepTimeout: 5 * time.Second},
	}, logger)

	_, err := c.Start(StartRequest{})
	require.NoError(t, err)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Wait(context.Background()))

	stopped := c.LastReport()
	require.NotNil(t, stopped)
	assert.True(t, stopped.Stopped)
	assert.Equal(t, 3, stopped.Skipped)
	assert.Zero(t, stopped.Succeeded)
	assert.Zero(t, factory.Launches())

	// the next accepted run starts with a clear stop flag
	again, err := c.RunSync(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.False(t, again.Stopped)
	assert.Equal(t, []string{"1001", "1002", "1003"}, again.SucceededIdentifiers())
}

func TestBegin_ResetsProcessorUnderLock(t *testing.T) {
	processor := &mockProcessor{}
	processor.On("Execute", mock.Anything, mock.Anything).Return(finished("r3"))

	c := NewController(processor, nil, nil, defaults(), arbor.NewLogger())
	_, err := c.RunSync(context.Background(), StartRequest{})
	require.NoError(t, err)
	_, err = c.RunSync(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, processor.resets)
}

// TestRunSync_EndToEnd reads a CSV, drives the fake portal, then persists and exports the report
func TestRunSync_EndToEnd(t *testing.T) {
	logger := arbor.NewLogger()
	dir := t.TempDir()
	input := writeInput(t, dir)

	portal := fakedom.NewPortal(fakedom.PortalOptions{MangleIdentifiers: []string{"1002"}})
	processor, _ := newPortalProcessor(t, portal, logger)

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(dir, "data")})
	require.NoError(t, err)
	defer db.Close()
	storage := badger.NewRunStorage(db, logger)
	exporter, err := report.NewService(filepath.Join(dir, "reports"), []string{report.FormatJSON, report.FormatMarkdown}, logger)
	require.NoError(t, err)

	c := NewController(processor, storage, exporter, Defaults{
		Policy: models.RunPolicy{SessionMode: models.SessionModeShared, StepTimeout: 5 * time.Second},
	}, logger)

	result, err := c.RunSync(context.Background(), StartRequest{Input: input})
	require.NoError(t, err)
	assert.Equal(t, []string{"1001", "1003"}, result.SucceededIdentifiers())
	assert.Equal(t, []models.FailedStep{{Identifier: "1002", Step: "fill-identifier"}}, result.FailedSteps())

	stored, err := c.Run(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.SucceededIdentifiers(), stored.SucceededIdentifiers())

	listed, err := c.Runs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	exported, err := filepath.Glob(filepath.Join(dir, "reports", "run_*"))
	require.NoError(t, err)
	assert.Len(t, exported, 2)

	progress := c.Progress()
	assert.Equal(t, result.ID, progress.RunID)
	assert.Equal(t, 3, progress.Index)
	assert.False(t, progress.Running)
}
