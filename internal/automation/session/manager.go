// Package session owns one browser for the portal: it logs in, positions the browser
// on the batch page and keeps it there between identifiers.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// State is the lifecycle position of a session
type State string

const (
	StateNew           State = "new"
	StateCreated       State = "created"
	StateAuthenticated State = "authenticated"
	StatePositioned    State = "positioned"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// Config carries what a session needs to reach the batch page.
// Username and Password are opaque and never logged.
type Config struct {
	PortalURL    string
	Username     string
	Password     string
	Role         string
	LoginRetries int    // whole-login retries after the first attempt
	DownloadDir  string // empty leaves the browser default
	VerifyWindow time.Duration
	PollInterval time.Duration
}

// Manager drives one browser through login and positioning
type Manager struct {
	factory   interfaces.BrowserFactory
	plan      *workflow.Plan
	config    Config
	settings  workflow.Settings
	artifacts interfaces.ArtifactStore
	logger    arbor.ILogger

	state    State
	browser  interfaces.Browser
	executor *workflow.Executor
}

// NewManager creates a session that has not launched a browser yet
func NewManager(factory interfaces.BrowserFactory, plan *workflow.Plan, config Config, settings workflow.Settings, artifacts interfaces.ArtifactStore, logger arbor.ILogger) *Manager {
	if config.VerifyWindow <= 0 {
		config.VerifyWindow = settings.VerifyWindow
	}
	if config.PollInterval <= 0 {
		config.PollInterval = settings.PollInterval
	}
	return &Manager{
		factory:   factory,
		plan:      plan,
		config:    config,
		settings:  settings,
		artifacts: artifacts,
		logger:    logger,
		state:     StateNew,
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	return m.state
}

// Executor returns the step executor bound to this session's browser, nil before Open
func (m *Manager) Executor() *workflow.Executor {
	return m.executor
}

// Browser returns the owned browser, nil before Open
func (m *Manager) Browser() interfaces.Browser {
	return m.browser
}

// Open launches the browser
func (m *Manager) Open(ctx context.Context) error {
	if m.state != StateNew {
		return fmt.Errorf("open in state %s: %w", m.state, models.ErrSessionFailure)
	}

	browser, err := m.factory.Launch(ctx)
	if err != nil {
		m.state = StateFailed
		return fmt.Errorf("failed to launch browser: %v: %w", err, models.ErrSessionFailure)
	}
	m.browser = browser

	if m.config.DownloadDir != "" {
		if err := browser.SetDownloadDir(ctx, m.config.DownloadDir); err != nil {
			m.logger.Warn().Err(err).Str("dir", m.config.DownloadDir).Msg("Failed to set download directory")
		}
	}

	m.executor = workflow.NewExecutor(browser, m.artifacts, m.settings, m.logger)
	m.state = StateCreated
	m.logger.Debug().Msg("Browser session opened")
	return nil
}

// Authenticate loads the portal and runs the login steps, retrying the whole login
// LoginRetries times before the session fails
func (m *Manager) Authenticate(ctx context.Context) error {
	if m.state != StateCreated {
		return fmt.Errorf("authenticate in state %s: %w", m.state, models.ErrSessionFailure)
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.LoginRetries; attempt++ {
		if attempt > 0 {
			m.logger.Warn().Int("attempt", attempt+1).Str("reason", lastErr.Error()).Msg("Retrying login")
		}
		lastErr = m.login(ctx)
		if lastErr == nil {
			m.state = StateAuthenticated
			m.logger.Info().Int("attempts", attempt+1).Msg("Authenticated")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.state = StateFailed
	return fmt.Errorf("login failed: %v: %w", lastErr, models.ErrSessionFailure)
}

func (m *Manager) login(ctx context.Context) error {
	if err := m.browser.Navigate(ctx, m.config.PortalURL); err != nil {
		return fmt.Errorf("navigate to portal: %w", err)
	}

	item := m.credentials()
	result := m.executor.RunWorkflow(ctx, m.plan.Login, item, workflow.Hooks{})
	if !result.Success {
		return fmt.Errorf("%s: %s", result.TerminalStep, result.Reason)
	}

	ok, err := common.PollUntil(ctx, m.config.PollInterval, m.config.VerifyWindow, m.loggedIn)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("login form still present after submit")
	}
	return nil
}

// loggedIn holds when the post-login marker is present or the login form is gone
func (m *Manager) loggedIn(ctx context.Context) (bool, error) {
	if marker := m.plan.PostLoginMarker; marker != nil {
		_, err := m.executor.Locate(ctx, *marker)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
	}
	if marker := m.plan.LoginMarker; marker != nil {
		_, err := m.executor.Locate(ctx, *marker)
		if errors.Is(err, models.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// Position runs the role selection and menu steps that lead to the batch page
func (m *Manager) Position(ctx context.Context) error {
	if m.state != StateAuthenticated && m.state != StatePositioned {
		return fmt.Errorf("position in state %s: %w", m.state, models.ErrSessionFailure)
	}
	if err := m.position(ctx); err != nil {
		m.state = StateFailed
		return err
	}
	m.state = StatePositioned
	return nil
}

func (m *Manager) position(ctx context.Context) error {
	result := m.executor.RunWorkflow(ctx, m.plan.Position, m.credentials(), workflow.Hooks{})
	if !result.Success {
		return fmt.Errorf("positioning failed at %s: %s: %w", result.TerminalStep, result.Reason, models.ErrSessionFailure)
	}

	ok, err := m.positioned(ctx)
	if err != nil {
		return fmt.Errorf("positioning check: %v: %w", err, models.ErrSessionFailure)
	}
	if !ok {
		return fmt.Errorf("positioned marker %s not found: %w", m.plan.PositionedMarker.Name, models.ErrSessionFailure)
	}
	m.logger.Info().Str("marker", m.plan.PositionedMarker.Name).Msg("Positioned on batch page")
	return nil
}

func (m *Manager) positioned(ctx context.Context) (bool, error) {
	if m.plan.PositionedMarker == nil {
		return true, nil
	}
	_, err := m.executor.Locate(ctx, *m.plan.PositionedMarker)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Establish opens, authenticates and positions the session
func (m *Manager) Establish(ctx context.Context) error {
	if err := m.Open(ctx); err != nil {
		return err
	}
	if err := m.Authenticate(ctx); err != nil {
		return err
	}
	return m.Position(ctx)
}

// EnsurePositioned re-checks the positioned marker and re-runs positioning, never
// login, when the browser drifted away from the batch page
func (m *Manager) EnsurePositioned(ctx context.Context) error {
	if m.state != StatePositioned {
		return fmt.Errorf("ensure positioned in state %s: %w", m.state, models.ErrSessionFailure)
	}

	ok, err := m.positioned(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.logger.Warn().Err(err).Msg("Positioned check failed, repositioning")
	}
	if ok {
		return nil
	}

	m.logger.Info().Msg("Browser left the batch page, repositioning")
	if err := m.position(ctx); err != nil {
		m.state = StateFailed
		return err
	}
	return nil
}

// Close releases the browser. It is safe to call in any state and more than once.
func (m *Manager) Close() error {
	if m.state == StateClosed {
		return nil
	}
	m.state = StateClosed
	if m.browser == nil {
		return nil
	}
	if err := m.browser.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close browser")
		return err
	}
	m.logger.Debug().Msg("Browser session closed")
	return nil
}

// credentials builds the variables the login and positioning steps expand
func (m *Manager) credentials() *workflow.Item {
	return workflow.NewItem("").
		WithSecret("username", m.config.Username).
		WithSecret("password", m.config.Password).
		WithVar("role", m.config.Role)
}
