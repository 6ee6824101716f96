package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/fakedom"
	"github.com/ternarybob/portalbatch/internal/automation/frames"
	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/models"
)

func testSettings() workflow.Settings {
	return workflow.Settings{
		Limits:          frames.Limits{MaxDepth: 2, MaxBranching: 16},
		DefaultAttempts: 2,
		DefaultDelay:    time.Millisecond,
		VerifyWindow:    20 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		StepTimeout:     2 * time.Second,
	}
}

func newManager(t *testing.T, portal *fakedom.Portal, factory *fakedom.Factory) *Manager {
	t.Helper()
	plan, err := workflow.LoadPlan("")
	require.NoError(t, err)

	config := Config{
		PortalURL:    portal.Options.URL,
		Username:     portal.Options.Username,
		Password:     portal.Options.Password,
		Role:         portal.Options.Role,
		LoginRetries: 1,
		DownloadDir:  "reportes",
	}
	return NewManager(factory, plan, config, testSettings(), nil, arbor.NewLogger())
}

func TestManager_EstablishReachesBatchPage(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{CertificateWarning: true})
	factory := portal.Factory()
	m := newManager(t, portal, factory)

	require.NoError(t, m.Establish(context.Background()))

	assert.Equal(t, StatePositioned, m.State())
	assert.Equal(t, 1, portal.Logins)
	require.Equal(t, 1, factory.Launches())
	browser := factory.Browsers[0]
	assert.Equal(t, "reportes", browser.DownloadDir)
	assert.Contains(t, browser.Page.URL, "inscripcion/reporte.faces")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, browser.CloseCalls)
}

func TestManager_LoginRetriedExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		rejects   int
		wantErr   bool
		wantLogin int
	}{
		{"first attempt", 0, false, 1},
		{"one rejection", 1, false, 2},
		{"two rejections", 2, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal := fakedom.NewPortal(fakedom.PortalOptions{RejectLogins: tt.rejects})
			m := newManager(t, portal, portal.Factory())

			require.NoError(t, m.Open(context.Background()))
			err := m.Authenticate(context.Background())

			assert.Equal(t, tt.wantLogin, portal.Logins)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrSessionFailure)
				assert.Equal(t, StateFailed, m.State())
			} else {
				assert.NoError(t, err)
				assert.Equal(t, StateAuthenticated, m.State())
			}
		})
	}
}

func TestManager_WrongCredentialsNeverLeakIntoErrors(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	m := newManager(t, portal, portal.Factory())
	m.config.Password = "not-the-password"

	err := m.Establish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionFailure)
	assert.NotContains(t, err.Error(), "not-the-password")
	assert.Equal(t, StateFailed, m.State())

	// a failed session still releases its browser
	require.NoError(t, m.Close())
	assert.True(t, m.Browser().(*fakedom.Browser).Closed)
}

func TestManager_LaunchFailure(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	factory := portal.Factory()
	factory.LaunchErr = errors.New("chrome not found")
	m := newManager(t, portal, factory)

	err := m.Establish(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionFailure)
	assert.Equal(t, StateFailed, m.State())
	assert.NoError(t, m.Close())
}

func TestManager_EnsurePositionedIsNoopWhenInPlace(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	factory := portal.Factory()
	m := newManager(t, portal, factory)
	require.NoError(t, m.Establish(context.Background()))

	page := factory.Browsers[0].Page
	navigations := page.Navigations
	require.NoError(t, m.EnsurePositioned(context.Background()))
	assert.Equal(t, 1, portal.Logins)
	assert.Equal(t, navigations, page.Navigations)

	assert.Error(t, m.Establish(context.Background()), "an open session cannot be established twice")
}

func TestManager_EnsurePositionedAfterDrift(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{DriftAfterReport: true})
	factory := portal.Factory()
	m := newManager(t, portal, factory)
	require.NoError(t, m.Establish(context.Background()))

	// run one identifier so the portal drifts home
	exec := m.Executor()
	result := exec.RunWorkflow(context.Background(), mustPlan(t).Item, workflow.NewItem("1001"), workflow.Hooks{})
	require.True(t, result.Success, result.Reason)
	page := factory.Browsers[0].Page
	assert.Contains(t, page.URL, "inicio.faces")

	require.NoError(t, m.EnsurePositioned(context.Background()))
	assert.Equal(t, StatePositioned, m.State())
	assert.Equal(t, 1, portal.Logins, "repositioning never logs in again")
	assert.Contains(t, page.URL, "inscripcion/reporte.faces")
}

func TestManager_StateGuards(t *testing.T) {
	portal := fakedom.NewPortal(fakedom.PortalOptions{})
	m := newManager(t, portal, portal.Factory())

	assert.ErrorIs(t, m.Authenticate(context.Background()), models.ErrSessionFailure)
	assert.ErrorIs(t, m.Position(context.Background()), models.ErrSessionFailure)
	assert.ErrorIs(t, m.EnsurePositioned(context.Background()), models.ErrSessionFailure)
	assert.Nil(t, m.Executor())
}

func mustPlan(t *testing.T) *workflow.Plan {
	t.Helper()
	plan, err := workflow.LoadPlan("")
	require.NoError(t, err)
	return plan
}
