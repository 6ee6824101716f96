// Package runs owns the single active batch run: it starts runs in the background or
// inline, relays stop requests and persists each finished report.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/batch"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

var (
	// ErrRunInProgress rejects a second run while one is active
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrNoActiveRun is returned by Stop when nothing is running
	ErrNoActiveRun = errors.New("no run in progress")
)

// Processor executes one batch at a time
type Processor interface {
	Execute(ctx context.Context, req batch.Request) *models.RunReport
	Reset()
	Stop()
	Progress() models.Progress
}

// StartRequest carries operator overrides. Empty fields keep the configured defaults.
type StartRequest struct {
	Input                    string `json:"input"`
	SessionMode              string `json:"session_mode"`
	StepTimeout              string `json:"step_timeout"`
	ItemPause                string `json:"item_pause"`
	Limit                    *int   `json:"limit,omitempty"`
	RecreateOnSessionFailure *bool  `json:"recreate_on_session_failure,omitempty"`
}

// Defaults are applied beneath every StartRequest
type Defaults struct {
	Input  string
	Policy models.RunPolicy
}

// Controller serializes runs over one processor
type Controller struct {
	processor Processor
	storage   interfaces.RunStorage
	exporter  interfaces.ReportExporter
	defaults  Defaults
	logger    arbor.ILogger

	mu      sync.Mutex
	running bool
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}
	last    *models.RunReport
}

// NewController creates a controller. storage and exporter may be nil.
func NewController(processor Processor, storage interfaces.RunStorage, exporter interfaces.ReportExporter, defaults Defaults, logger arbor.ILogger) *Controller {
	return &Controller{
		processor: processor,
		storage:   storage,
		exporter:  exporter,
		defaults:  defaults,
		logger:    logger,
	}
}

// Resolve merges req over the defaults
func (c *Controller) Resolve(req StartRequest) (batch.Request, error) {
	policy := c.defaults.Policy

	if req.SessionMode != "" {
		mode, err := models.ParseSessionMode(req.SessionMode)
		if err != nil {
			return batch.Request{}, fmt.Errorf("%v: %w", err, models.ErrInputError)
		}
		policy.SessionMode = mode
	}
	var err error
	if policy.StepTimeout, err = common.ParseDuration(req.StepTimeout, policy.StepTimeout); err != nil {
		return batch.Request{}, fmt.Errorf("step_timeout: %v: %w", err, models.ErrInputError)
	}
	if policy.ItemPause, err = common.ParseDuration(req.ItemPause, policy.ItemPause); err != nil {
		return batch.Request{}, fmt.Errorf("item_pause: %v: %w", err, models.ErrInputError)
	}
	if req.Limit != nil {
		policy.Limit = *req.Limit
	}
	if req.RecreateOnSessionFailure != nil {
		policy.RecreateOnSessionFailure = *req.RecreateOnSessionFailure
	}
	if err := policy.Validate(); err != nil {
		return batch.Request{}, fmt.Errorf("%v: %w", err, models.ErrInputError)
	}

	input := req.Input
	if input == "" {
		input = c.defaults.Input
	}
	if input == "" {
		return batch.Request{}, fmt.Errorf("no input file given: %w", models.ErrInputError)
	}

	return batch.Request{ID: common.NewRunID(), Input: input, Policy: policy}, nil
}

// Start launches a run in the background and returns its id
func (c *Controller) Start(req StartRequest) (string, error) {
	request, err := c.Resolve(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.begin(request.ID, cancel); err != nil {
		cancel()
		return "", err
	}

	common.SafeGo(c.logger, "run-"+request.ID, func() {
		defer cancel()
		c.execute(ctx, request)
	})
	return request.ID, nil
}

// RunSync runs inline and returns the finalized report. Cancelling ctx abandons the
// run at the next checkpoint.
func (c *Controller) RunSync(ctx context.Context, req StartRequest) (*models.RunReport, error) {
	request, err := c.Resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.begin(request.ID, cancel); err != nil {
		return nil, err
	}
	return c.execute(ctx, request), nil
}

func (c *Controller) begin(runID string, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%w: %s", ErrRunInProgress, c.runID)
	}
	c.processor.Reset()
	c.running = true
	c.runID = runID
	c.cancel = cancel
	c.done = make(chan struct{})
	return nil
}

func (c *Controller) execute(ctx context.Context, request batch.Request) *models.RunReport {
	report := c.processor.Execute(ctx, request)
	c.persist(ctx, report)

	c.mu.Lock()
	c.last = report
	c.running = false
	c.cancel = nil
	close(c.done)
	c.mu.Unlock()
	return report
}

// persist stores and exports the report even when the run was cancelled
func (c *Controller) persist(ctx context.Context, report *models.RunReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if c.storage != nil {
		if err := c.storage.SaveRun(ctx, report); err != nil {
			c.logger.Error().Err(err).Str("run_id", report.ID).Msg("Failed to save run report")
		}
	}
	if c.exporter != nil {
		if _, err := c.exporter.Export(ctx, report); err != nil {
			c.logger.Error().Err(err).Str("run_id", report.ID).Msg("Failed to export run report")
		}
	}
}

// Stop asks the active run to stop at its next checkpoint
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNoActiveRun
	}
	c.logger.Info().Str("run_id", c.runID).Msg("Stop requested")
	c.processor.Stop()
	return nil
}

// Cancel aborts the active run without waiting for a checkpoint
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until no run is active or ctx ends
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the active run and waits for it, cancelling it once ctx expires
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.Stop(); errors.Is(err, ErrNoActiveRun) {
		return nil
	}
	if err := c.Wait(ctx); err != nil {
		c.Cancel()
		return c.Wait(context.Background())
	}
	return nil
}

// Running reports whether a run is active
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Progress returns the live progress snapshot
func (c *Controller) Progress() models.Progress {
	return c.processor.Progress()
}

// LastReport returns the most recent finished report, nil before the first run
func (c *Controller) LastReport() *models.RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Runs lists persisted reports newest first
func (c *Controller) Runs(ctx context.Context, limit int) ([]*models.RunReport, error) {
	if c.storage == nil {
		return nil, fmt.Errorf("run history is not configured")
	}
	return c.storage.ListRuns(ctx, limit)
}

// Run returns one persisted report
func (c *Controller) Run(ctx context.Context, id string) (*models.RunReport, error) {
	if c.storage == nil {
		return nil, fmt.Errorf("run history is not configured")
	}
	return c.storage.GetRun(ctx, id)
}
