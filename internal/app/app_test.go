package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/fakedom"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/models"
	"github.com/ternarybob/portalbatch/internal/services/runs"
)

func testConfig(t *testing.T, portal *fakedom.Portal) *common.Config {
	t.Helper()
	dir := t.TempDir()

	input := filepath.Join(dir, "fichas.csv")
	require.NoError(t, os.WriteFile(input, []byte("ficha\n1001\n1002\n"), 0644))

	cfg := common.NewDefaultConfig()
	cfg.Portal.URL = portal.Options.URL
	cfg.Portal.Username = portal.Options.Username
	cfg.Portal.Password = portal.Options.Password
	cfg.Portal.Role = portal.Options.Role
	cfg.Input.Path = input
	cfg.Storage.Badger.Path = filepath.Join(dir, "data")
	cfg.Artifacts.Dir = filepath.Join(dir, "artifacts")
	cfg.Artifacts.DownloadDir = filepath.Join(dir, "reportes")
	cfg.Artifacts.ReportsDir = filepath.Join(dir, "reports")
	cfg.Automation.StepDelay = "1ms"
	cfg.Automation.VerifyWindow = "20ms"
	cfg.Automation.PollInterval = "2ms"
	cfg.Batch.StepTimeout = "5s"
	cfg.Batch.ItemPause = "0s"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, portal *fakedom.Portal, cfg *common.Config) *App {
	t.Helper()
	application, err := NewWithOptions(cfg, arbor.NewLogger(), Options{BrowserFactory: portal.Factory()})
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })
	return application
}

func TestApp_RunsConfiguredInput(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	cfg := testConfig(t, portal)
	application := newTestApp(t, portal, cfg)
	require.NotEmpty(t, application.Plan.Item.Steps, "embedded workflow loaded")

	report, err := application.Runs.RunSync(context.Background(), runs.StartRequest{})
	require.NoError(t, err)

	assert.Empty(t, report.Error)
	assert.Equal(t, []string{"1001", "1002"}, report.SucceededIdentifiers())
	assert.Equal(t, []string{"1001", "1002"}, portal.Reports)
	assert.Equal(t, 2, portal.Logins, "fresh mode logs in once per identifier")

	stored, err := application.RunStorage.GetRun(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Total, stored.Total)

	exported, err := filepath.Glob(filepath.Join(cfg.Artifacts.ReportsDir, "run_*"))
	require.NoError(t, err)
	assert.Len(t, exported, 3)
}

func TestApp_SharedSessionFromConfig(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	cfg := testConfig(t, portal)
	cfg.Batch.SessionMode = string(models.SessionModeShared)
	application := newTestApp(t, portal, cfg)

	report, err := application.Runs.RunSync(context.Background(), runs.StartRequest{})
	require.NoError(t, err)
	assert.Len(t, report.SucceededIdentifiers(), 2)
	assert.Equal(t, 1, portal.Logins)
}

func TestApp_ScheduledRun(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	cfg := testConfig(t, portal)
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Schedule = "0 6 * * 1-5"
	application := newTestApp(t, portal, cfg)

	require.True(t, application.SchedulerService.IsRunning())
	status, err := application.SchedulerService.GetJobStatus(scheduledRunJob)
	require.NoError(t, err)
	assert.NotNil(t, status.NextRun)

	require.NoError(t, application.scheduledRun())
	assert.Len(t, portal.Reports, 2)
	require.NotNil(t, application.Runs.LastReport())
}

func TestApp_ScheduledRunReportsInputErrors(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	cfg := testConfig(t, portal)
	cfg.Scheduler.Input = filepath.Join(t.TempDir(), "missing.xlsx")
	application := newTestApp(t, portal, cfg)

	err := application.scheduledRun()
	require.Error(t, err)
	assert.Equal(t, 0, portal.Logins, "no browser is launched for a bad input file")
}

func TestApp_RejectsUnknownWorkflowFile(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	cfg := testConfig(t, portal)
	cfg.Automation.WorkflowFile = filepath.Join(t.TempDir(), "missing.toml")

	_, err := NewWithOptions(cfg, arbor.NewLogger(), Options{BrowserFactory: portal.Factory()})
	assert.Error(t, err)
}
