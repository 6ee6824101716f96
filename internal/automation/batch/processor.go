// Package batch drives the per-identifier workflow over an ordered list of identifiers,
// one at a time, and aggregates the outcomes into a run report.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/workflow"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// sessionStep is the terminal step recorded when no session could be established
const sessionStep = "establish-session"

// stopPoll is how often the stop flag is checked during the inter-item pause
const stopPoll = 100 * time.Millisecond

// Session is a browser positioned on the batch page
type Session interface {
	Establish(ctx context.Context) error
	EnsurePositioned(ctx context.Context) error
	Executor() *workflow.Executor
	Close() error
}

// SessionFactory creates an unopened session configured for policy
type SessionFactory func(policy models.RunPolicy) Session

// Request describes one run. Identifiers, when set, are used instead of reading Input.
type Request struct {
	ID          string
	Input       string
	Identifiers []models.Identifier
	Policy      models.RunPolicy
}

// Processor runs batches. One processor runs one batch at a time.
type Processor struct {
	source   interfaces.IdentifierSource
	sessions SessionFactory
	plan     *workflow.Plan
	events   interfaces.EventService
	logger   arbor.ILogger

	stop StopFlag

	mu       sync.RWMutex
	progress models.Progress
}

// NewProcessor creates a processor. events may be nil.
func NewProcessor(source interfaces.IdentifierSource, sessions SessionFactory, plan *workflow.Plan, events interfaces.EventService, logger arbor.ILogger) *Processor {
	return &Processor{
		source:   source,
		sessions: sessions,
		plan:     plan,
		events:   events,
		logger:   logger,
	}
}

// Reset clears a stop left over from an earlier run. Execute never clears it, so
// callers reset when a run is accepted.
func (p *Processor) Reset() {
	p.stop.Reset()
}

// Stop requests a cooperative stop of the current run
func (p *Processor) Stop() {
	p.stop.Stop()
	p.mu.Lock()
	if p.progress.Running {
		p.progress.Stopping = true
		p.progress.UpdatedAt = time.Now()
	}
	p.mu.Unlock()
}

// Progress returns a snapshot of the current or last run
func (p *Processor) Progress() models.Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progress
}

// Run processes identifiers under policy
func (p *Processor) Run(ctx context.Context, identifiers []models.Identifier, policy models.RunPolicy) *models.RunReport {
	return p.Execute(ctx, Request{Identifiers: identifiers, Policy: policy})
}

// RunFile reads identifiers from path and processes them under policy
func (p *Processor) RunFile(ctx context.Context, path string, policy models.RunPolicy) *models.RunReport {
	return p.Execute(ctx, Request{Input: path, Policy: policy})
}

// Execute runs a request to completion and returns the finalized report. Input
// problems end the run before any browser is launched. A stop requested since the
// last Reset skips every identifier.
func (p *Processor) Execute(ctx context.Context, req Request) *models.RunReport {
	if req.ID == "" {
		req.ID = common.NewRunID()
	}
	started := time.Now()

	identifiers, err := p.identifiers(ctx, req)
	if err != nil {
		report := models.NewRunReport(req.ID, req.Input, req.Policy, 0, started)
		_ = report.SetError(err)
		report.Finalize(time.Now())
		p.setProgress(func(pr *models.Progress) { *pr = models.Progress{RunID: req.ID} })
		p.logger.Error().Err(err).Str("run_id", req.ID).Str("input", req.Input).Msg("Run rejected")
		p.publish(ctx, interfaces.EventRunCompleted, map[string]interface{}{"run_id": req.ID, "report": report})
		return report
	}

	report := models.NewRunReport(req.ID, req.Input, req.Policy, len(identifiers), started)
	p.setProgress(func(pr *models.Progress) {
		*pr = models.Progress{RunID: req.ID, Running: true, Stopping: p.stop.Stopped(), Total: len(identifiers)}
	})

	p.logger.Info().
		Str("run_id", req.ID).
		Str("input", req.Input).
		Int("total", len(identifiers)).
		Str("session_mode", string(req.Policy.SessionMode)).
		Dur("step_timeout", req.Policy.StepTimeout).
		Dur("item_pause", req.Policy.ItemPause).
		Msg("Run started")
	p.publish(ctx, interfaces.EventRunStarted, map[string]interface{}{
		"run_id": req.ID,
		"input":  req.Input,
		"total":  len(identifiers),
	})

	if req.Policy.Shared() {
		p.runShared(ctx, report, identifiers, req.Policy)
	} else {
		p.runFresh(ctx, report, identifiers, req.Policy)
	}

	report.Finalize(time.Now())
	p.setProgress(func(pr *models.Progress) {
		pr.Running = false
		pr.Stopping = false
		pr.Current = ""
		pr.CurrentStep = ""
	})

	p.logger.Info().
		Str("run_id", report.ID).
		Int("total", report.Total).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Bool("stopped", report.Stopped).
		Dur("duration", report.Duration()).
		Msg("Run completed")
	p.publish(ctx, interfaces.EventRunCompleted, map[string]interface{}{"run_id": report.ID, "report": report})

	return report
}

func (p *Processor) identifiers(ctx context.Context, req Request) ([]models.Identifier, error) {
	if err := req.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run policy: %v: %w", err, models.ErrInputError)
	}

	identifiers := req.Identifiers
	if identifiers == nil {
		if req.Input == "" {
			return nil, fmt.Errorf("no input file given: %w", models.ErrInputError)
		}
		if p.source == nil {
			return nil, fmt.Errorf("no identifier source configured: %w", models.ErrInputError)
		}
		var err error
		if identifiers, err = p.source.Read(ctx, req.Input); err != nil {
			if !errors.Is(err, models.ErrInputError) {
				err = fmt.Errorf("%v: %w", err, models.ErrInputError)
			}
			return nil, err
		}
	}
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("input %s holds no identifiers: %w", req.Input, models.ErrInputError)
	}

	if limit := req.Policy.Limit; limit > 0 && limit < len(identifiers) {
		p.logger.Info().Int("limit", limit).Int("available", len(identifiers)).Msg("Processing only the first identifiers")
		identifiers = identifiers[:limit]
	}
	return identifiers, nil
}

// runFresh gives every identifier its own session
func (p *Processor) runFresh(ctx context.Context, report *models.RunReport, identifiers []models.Identifier, policy models.RunPolicy) {
	for i, id := range identifiers {
		if !p.proceed(ctx, report, identifiers, i, policy) {
			return
		}

		outcome := p.freshItem(ctx, i, id, policy)
		p.record(ctx, report, outcome)
	}
}

func (p *Processor) freshItem(ctx context.Context, index int, id models.Identifier, policy models.RunPolicy) models.ItemOutcome {
	started := time.Now()
	p.itemStarted(ctx, index, id)

	s := p.sessions(policy)
	defer p.closeSession(s)

	if err := s.Establish(ctx); err != nil {
		return sessionFailure(index, id, started, err)
	}
	return p.runItem(ctx, s.Executor(), index, id, started)
}

// runShared reuses one session across identifiers and runs the final workflow at the end
func (p *Processor) runShared(ctx context.Context, report *models.RunReport, identifiers []models.Identifier, policy models.RunPolicy) {
	var s Session
	defer func() {
		if s != nil {
			p.closeSession(s)
		}
	}()

	for i, id := range identifiers {
		if !p.proceed(ctx, report, identifiers, i, policy) {
			break
		}

		started := time.Now()
		p.itemStarted(ctx, i, id)

		var err error
		if s == nil {
			s = p.sessions(policy)
			err = s.Establish(ctx)
		} else {
			err = s.EnsurePositioned(ctx)
		}
		if err != nil {
			p.closeSession(s)
			s = nil
			p.record(ctx, report, sessionFailure(i, id, started, err))

			if !policy.RecreateOnSessionFailure {
				p.logger.Error().Err(err).Str("run_id", report.ID).Msg("Shared session lost, failing remaining identifiers")
				_ = report.SetError(err)
				for j := i + 1; j < len(identifiers); j++ {
					p.record(ctx, report, sessionFailure(j, identifiers[j], time.Now(), err))
				}
				return
			}
			p.logger.Warn().Err(err).Str("identifier", id.Value).Msg("Shared session lost, next identifier starts a new one")
			continue
		}

		p.record(ctx, report, p.runItem(ctx, s.Executor(), i, id, started))
	}

	if s == nil || report.Succeeded == 0 || len(p.plan.Final.Steps) == 0 {
		return
	}
	if p.stop.Stopped() || ctx.Err() != nil {
		_ = report.SetFinal(p.plan.Final.Steps[0].Name, models.ItemSkipped, "run stopped")
		return
	}

	p.setProgress(func(pr *models.Progress) { pr.Current = ""; pr.CurrentStep = p.plan.Final.Steps[0].Name })
	result := s.Executor().RunWorkflow(ctx, p.plan.Final, workflow.NewItem(""), workflow.Hooks{ShouldStop: p.stop.Stopped})
	status := models.ItemSucceeded
	if !result.Success {
		status = models.ItemFailed
		if result.Stopped {
			status = models.ItemSkipped
		}
	}
	step := result.TerminalStep
	if step == "" {
		step = p.plan.Final.Steps[0].Name
	}
	_ = report.SetFinal(step, status, result.Reason)
	p.logger.Info().Str("step", step).Str("status", string(status)).Msg("Final report workflow finished")
}

// proceed runs the checkpoint before identifier i: stop and cancellation, then the
// inter-item pause. When it returns false the remaining identifiers are already recorded.
func (p *Processor) proceed(ctx context.Context, report *models.RunReport, identifiers []models.Identifier, i int, policy models.RunPolicy) bool {
	if i > 0 && policy.ItemPause > 0 && !p.stopping(ctx) {
		_, _ = common.PollUntil(ctx, stopPoll, policy.ItemPause, func(context.Context) (bool, error) {
			return p.stop.Stopped(), nil
		})
	}
	if !p.stopping(ctx) {
		return true
	}

	reason := "run stopped before this identifier"
	if ctx.Err() != nil {
		reason = "run cancelled before this identifier"
	}
	p.logger.Info().Int("remaining", len(identifiers)-i).Msg("Stop requested, skipping remaining identifiers")
	_ = report.MarkStopped()
	for j := i; j < len(identifiers); j++ {
		p.record(ctx, report, models.ItemOutcome{
			Index:       j,
			Identifier:  identifiers[j].Value,
			Status:      models.ItemSkipped,
			FailureKind: models.FailureStopped,
			Reason:      reason,
		})
	}
	return false
}

func (p *Processor) stopping(ctx context.Context) bool {
	return p.stop.Stopped() || ctx.Err() != nil
}

func (p *Processor) runItem(ctx context.Context, exec *workflow.Executor, index int, id models.Identifier, started time.Time) models.ItemOutcome {
	item := workflow.NewItem(id.Value)
	result := exec.RunWorkflow(ctx, p.plan.Item, item, workflow.Hooks{
		ShouldStop: p.stop.Stopped,
		OnStep: func(sr workflow.StepResult) {
			p.setProgress(func(pr *models.Progress) { pr.CurrentStep = sr.Step })
			p.publish(ctx, interfaces.EventStepCompleted, map[string]interface{}{
				"run_id":     p.Progress().RunID,
				"identifier": id.Value,
				"step":       sr.Step,
				"success":    sr.Success,
				"skipped":    sr.Skipped,
				"attempts":   sr.Attempts,
				"kind":       string(sr.Kind),
			})
		},
	})

	outcome := models.ItemOutcome{
		Index:        index,
		Identifier:   id.Value,
		TerminalStep: result.TerminalStep,
		Attempts:     result.Attempts,
		StartedAt:    started,
		Duration:     time.Since(started),
		Artifacts:    result.Artifacts,
	}
	switch {
	case result.Success:
		outcome.Status = models.ItemSucceeded
	case result.Stopped:
		outcome.Status = models.ItemSkipped
		outcome.FailureKind = models.FailureStopped
		outcome.Reason = result.Reason
	default:
		outcome.Status = models.ItemFailed
		outcome.FailureKind = result.Kind
		outcome.Reason = result.Reason
	}
	return outcome
}

func sessionFailure(index int, id models.Identifier, started time.Time, err error) models.ItemOutcome {
	return models.ItemOutcome{
		Index:        index,
		Identifier:   id.Value,
		Status:       models.ItemFailed,
		TerminalStep: sessionStep,
		FailureKind:  models.Classify(err),
		Reason:       err.Error(),
		StartedAt:    started,
		Duration:     time.Since(started),
	}
}

func (p *Processor) itemStarted(ctx context.Context, index int, id models.Identifier) {
	p.setProgress(func(pr *models.Progress) {
		pr.Current = id.Value
		pr.CurrentStep = ""
	})
	p.logger.Info().Int("index", index+1).Str("identifier", id.Value).Msg("Processing identifier")
	p.publish(ctx, interfaces.EventItemStarted, map[string]interface{}{
		"run_id":     p.Progress().RunID,
		"index":      index,
		"identifier": id.Value,
	})
}

func (p *Processor) record(ctx context.Context, report *models.RunReport, outcome models.ItemOutcome) {
	if err := report.Record(outcome); err != nil {
		p.logger.Error().Err(err).Str("identifier", outcome.Identifier).Msg("Failed to record outcome")
		return
	}

	p.setProgress(func(pr *models.Progress) {
		pr.Index = len(report.Items)
		pr.Succeeded = report.Succeeded
		pr.Failed = report.Failed
		pr.Skipped = report.Skipped
	})

	event := p.logger.Info()
	if outcome.Status == models.ItemFailed {
		event = p.logger.Warn().Str("kind", string(outcome.FailureKind)).Str("reason", outcome.Reason)
	}
	event.Str("identifier", outcome.Identifier).
		Str("status", string(outcome.Status)).
		Str("terminal_step", outcome.TerminalStep).
		Int("attempts", outcome.Attempts).
		Msg("Identifier finished")

	p.publish(ctx, interfaces.EventItemCompleted, map[string]interface{}{
		"run_id":   report.ID,
		"outcome":  outcome,
		"progress": p.Progress(),
	})
}

func (p *Processor) closeSession(s Session) {
	if err := s.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to close session")
	}
}

func (p *Processor) setProgress(update func(pr *models.Progress)) {
	p.mu.Lock()
	update(&p.progress)
	p.progress.UpdatedAt = time.Now()
	p.mu.Unlock()
}

// publish delivers synchronously so subscribers see events in run order
func (p *Processor) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishSync(context.WithoutCancel(ctx), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		p.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Event subscriber failed")
	}
}
