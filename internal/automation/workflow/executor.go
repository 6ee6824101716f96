package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/automation/frames"
	"github.com/ternarybob/portalbatch/internal/automation/selector"
	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// artifactTimeout bounds failure screenshots, which run after the step context expired
const artifactTimeout = 15 * time.Second

// Settings tune every step run by an executor
type Settings struct {
	Limits          frames.Limits
	DefaultAttempts int
	DefaultDelay    time.Duration
	VerifyWindow    time.Duration // how long a predicate or click effect is polled for
	PollInterval    time.Duration
	StepTimeout     time.Duration // ceiling per step including retries, 0 = none
	SnapshotSteps   bool
}

// DefaultSettings mirror the config defaults
func DefaultSettings() Settings {
	return Settings{
		Limits:          frames.Limits{MaxDepth: frames.DefaultMaxDepth, MaxBranching: frames.DefaultMaxBranching},
		DefaultAttempts: 3,
		DefaultDelay:    2 * time.Second,
		VerifyWindow:    3 * time.Second,
		PollInterval:    250 * time.Millisecond,
		StepTimeout:     60 * time.Second,
		SnapshotSteps:   true,
	}
}

// StepResult is the outcome of one step
type StepResult struct {
	Step      string
	Success   bool
	Skipped   bool // best-effort step whose target was absent
	Attempts  int
	Kind      models.FailureKind
	Reason    string
	Err       error
	Path      models.FramePath
	Strategy  string
	Duration  time.Duration
	Artifacts []string
}

// Executor runs steps against one browser
type Executor struct {
	browser   interfaces.Browser
	navigator *frames.Navigator
	locator   *frames.Locator
	artifacts interfaces.ArtifactStore
	settings  Settings
	logger    arbor.ILogger
}

// NewExecutor creates an executor. artifacts may be nil.
func NewExecutor(browser interfaces.Browser, artifacts interfaces.ArtifactStore, settings Settings, logger arbor.ILogger) *Executor {
	navigator := frames.NewNavigator(browser)
	return &Executor{
		browser:   browser,
		navigator: navigator,
		locator:   frames.NewLocator(navigator, settings.Limits, logger),
		artifacts: artifacts,
		settings:  settings,
		logger:    logger,
	}
}

// Browser returns the browser the executor drives
func (e *Executor) Browser() interfaces.Browser {
	return e.browser
}

// Locate searches for target outside of any step
func (e *Executor) Locate(ctx context.Context, target selector.Target) (frames.Result, error) {
	return e.locator.Locate(ctx, target)
}

type observation struct {
	url         string
	fingerprint string
}

type attemptOutcome struct {
	path     models.FramePath
	strategy string
	acted    bool
}

// Run executes one step with retries. It never returns an error; failures are
// described by the result.
func (e *Executor) Run(ctx context.Context, step Step, item *Item) StepResult {
	started := time.Now()
	result := StepResult{Step: step.Name}
	if item == nil {
		item = NewItem("")
	}

	stepCtx := ctx
	if e.settings.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.settings.StepTimeout)
		defer cancel()
	}

	attempts := step.MaxAttempts
	if attempts <= 0 {
		attempts = e.settings.DefaultAttempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	delay := step.Delay
	if delay <= 0 {
		delay = e.settings.DefaultDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		outcome, err := e.attempt(stepCtx, step, item)
		if err == nil {
			result.Success = true
			result.Path = outcome.path
			result.Strategy = outcome.strategy
			break
		}
		lastErr = err

		if step.BestEffort && !outcome.acted && errors.Is(err, models.ErrNotFound) {
			result.Success = true
			result.Skipped = true
			break
		}
		if !models.IsRetryable(err) || stepCtx.Err() != nil {
			break
		}
		if attempt < attempts {
			e.logger.Debug().
				Str("step", step.Name).
				Str("identifier", item.Identifier).
				Int("attempt", attempt).
				Str("reason", item.Redact(err.Error())).
				Msg("Step attempt failed, retrying")
			if err := common.Sleep(stepCtx, delay); err != nil {
				break
			}
		}
	}

	if !result.Success {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			lastErr = fmt.Errorf("%s exceeded %s (last error: %v): %w", step.Name, e.settings.StepTimeout, lastErr, models.ErrTimeout)
		}
		result.Err = lastErr
		result.Kind = models.Classify(lastErr)
		result.Reason = item.Redact(lastErr.Error())
		result.Artifacts = e.recordFailure(ctx, step, item)
	}
	result.Duration = time.Since(started)

	switch {
	case result.Skipped:
		e.logger.Info().Str("step", step.Name).Msg("Optional step skipped, target absent")
	case result.Success:
		e.logger.Debug().
			Str("step", step.Name).
			Str("identifier", item.Identifier).
			Str("path", result.Path.String()).
			Int("attempts", result.Attempts).
			Dur("duration", result.Duration).
			Msg("Step succeeded")
	default:
		e.logger.Warn().
			Str("step", step.Name).
			Str("identifier", item.Identifier).
			Str("kind", string(result.Kind)).
			Int("attempts", result.Attempts).
			Str("reason", result.Reason).
			Msg("Step failed")
	}

	return result
}

func (e *Executor) attempt(ctx context.Context, step Step, item *Item) (attemptOutcome, error) {
	var outcome attemptOutcome

	before, err := e.observe(ctx)
	if err != nil {
		return outcome, err
	}

	switch step.Operation {
	case OpWait:
	case OpNavigate:
		if err := e.browser.Navigate(ctx, item.Expand(step.Value)); err != nil {
			return outcome, fmt.Errorf("navigate: %w", err)
		}
		outcome.acted = true
	case OpClick, OpFill, OpSelect:
		if step.Target == nil {
			return outcome, fmt.Errorf("step %s: %s needs a target", step.Name, step.Operation)
		}
		el, path, strategy, err := e.resolve(ctx, *step.Target, item)
		if err != nil {
			return outcome, err
		}
		outcome.path = path
		outcome.strategy = strategy

		switch step.Operation {
		case OpClick:
			err = e.click(ctx, el, before.fingerprint)
		case OpFill:
			err = e.fill(ctx, el, item.Expand(step.Value))
		case OpSelect:
			err = e.choose(ctx, el, item.Expand(step.Value))
		}
		outcome.acted = true
		if err != nil {
			return outcome, err
		}
	default:
		return outcome, fmt.Errorf("step %s: unknown operation %q", step.Name, step.Operation)
	}

	if err := e.verify(ctx, step.Success, item, before); err != nil {
		return outcome, err
	}

	if step.Snapshot && e.settings.SnapshotSteps {
		e.snapshot(ctx, step, item)
	}
	return outcome, nil
}

// resolve uses the item's cached frame path when it still leads to the target and
// falls back to a fresh search otherwise
func (e *Executor) resolve(ctx context.Context, target selector.Target, item *Item) (interfaces.Element, models.FramePath, string, error) {
	if path, ok := item.Frames[target.Name]; ok {
		doc, err := e.navigator.Enter(ctx, path)
		if err == nil {
			var match selector.Match
			if match, err = target.Resolve(ctx, doc); err == nil {
				return match.Element, path, match.Strategy.String(), nil
			}
		}
		if ctx.Err() != nil {
			return nil, nil, "", ctx.Err()
		}
		e.logger.Debug().
			Str("target", target.Name).
			Str("path", path.String()).
			Err(err).
			Msg("Cached frame path no longer leads to target, searching again")
		delete(item.Frames, target.Name)
	}

	result, err := e.locator.Locate(ctx, target)
	if err != nil {
		return nil, nil, "", err
	}
	item.Frames[target.Name] = result.Path
	return result.Match.Element, result.Path, result.Match.Strategy.String(), nil
}

// click prefers a native click and falls back to element.click() when the page
// fingerprint does not move within the verify window
func (e *Executor) click(ctx context.Context, el interfaces.Element, before string) error {
	if err := el.ScrollIntoView(ctx); err != nil {
		if isGone(err) {
			return err
		}
		e.logger.Debug().Err(err).Str("element", el.Describe()).Msg("Scroll into view failed")
	}

	if err := el.Click(ctx); err != nil {
		if isGone(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Debug().Err(err).Str("element", el.Describe()).Msg("Native click failed, using programmatic click")
		return el.ClickScript(ctx)
	}

	changed, err := common.PollUntil(ctx, e.settings.PollInterval, e.settings.VerifyWindow, func(ctx context.Context) (bool, error) {
		current, err := e.browser.Fingerprint(ctx)
		if errors.Is(err, models.ErrStaleFramePath) {
			// the click replaced an execution context
			return true, nil
		}
		return current != before, err
	})
	if err != nil || changed {
		return err
	}

	e.logger.Debug().Str("element", el.Describe()).Msg("Native click left page unchanged, using programmatic click")
	return el.ClickScript(ctx)
}

// fill clicks the field to focus it, types value and requires an exact read-back
func (e *Executor) fill(ctx context.Context, el interfaces.Element, value string) error {
	if err := el.ScrollIntoView(ctx); err != nil && isGone(err) {
		return err
	}
	if err := el.Click(ctx); err != nil {
		if isGone(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Debug().Err(err).Str("element", el.Describe()).Msg("Focus click failed, typing anyway")
	}
	if err := el.Fill(ctx, value); err != nil {
		return err
	}
	got, err := el.Value(ctx)
	if err != nil {
		return err
	}
	if got != value {
		return fmt.Errorf("%s: expected %q, observed %q: %w", el.Describe(), value, got, models.ErrVerificationMismatch)
	}
	return nil
}

// choose selects an option by value and reads it back
func (e *Executor) choose(ctx context.Context, el interfaces.Element, value string) error {
	if err := el.Select(ctx, value); err != nil {
		return err
	}
	got, err := el.Value(ctx)
	if err != nil {
		return err
	}
	if got != value {
		return fmt.Errorf("%s: expected option %q, observed %q: %w", el.Describe(), value, got, models.ErrVerificationMismatch)
	}
	return nil
}

func (e *Executor) observe(ctx context.Context) (observation, error) {
	url, err := e.browser.URL(ctx)
	if err != nil {
		return observation{}, err
	}
	fingerprint, err := e.browser.Fingerprint(ctx)
	if err != nil {
		return observation{}, err
	}
	return observation{url: url, fingerprint: fingerprint}, nil
}

// verify polls the predicate inside the verify window
func (e *Executor) verify(ctx context.Context, predicate Predicate, item *Item, before observation) error {
	switch predicate.Kind {
	case "", PredicateNone, ValueConfirmed:
		return nil
	}

	reason := string(predicate.Kind) + " not satisfied"
	ok, err := common.PollUntil(ctx, e.settings.PollInterval, e.settings.VerifyWindow, func(ctx context.Context) (bool, error) {
		satisfied, why, err := e.check(ctx, predicate, item, before)
		if why != "" {
			reason = why
		}
		return satisfied, err
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if predicate.Kind == ElementAppears {
		return fmt.Errorf("%s: %w", reason, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", reason, models.ErrVerificationMismatch)
}

func (e *Executor) check(ctx context.Context, predicate Predicate, item *Item, before observation) (bool, string, error) {
	switch predicate.Kind {
	case ElementAppears, ElementAbsent:
		if predicate.Target == nil {
			return false, "", fmt.Errorf("%s predicate needs a target", predicate.Kind)
		}
		name := predicate.Target.Name
		result, err := e.locator.Locate(ctx, *predicate.Target)
		switch {
		case err == nil:
			if predicate.Kind == ElementAppears {
				item.Frames[name] = result.Path
				return true, "", nil
			}
			return false, fmt.Sprintf("%s still present in %s", name, result.Path), nil
		case isGone(err):
			if predicate.Kind == ElementAbsent {
				delete(item.Frames, name)
				return true, "", nil
			}
			return false, fmt.Sprintf("%s did not appear", name), nil
		default:
			return false, "", err
		}

	case URLContains:
		url, err := e.browser.URL(ctx)
		if errors.Is(err, models.ErrStaleFramePath) {
			return false, "page still navigating", nil
		}
		if err != nil {
			return false, "", err
		}
		want := item.Expand(predicate.Value)
		return strings.Contains(url, want), fmt.Sprintf("url %s does not contain %q", url, want), nil

	case URLChanged:
		url, err := e.browser.URL(ctx)
		if errors.Is(err, models.ErrStaleFramePath) {
			return false, "page still navigating", nil
		}
		if err != nil {
			return false, "", err
		}
		return url != before.url, "url did not change from " + before.url, nil

	case StateChanged:
		fingerprint, err := e.browser.Fingerprint(ctx)
		if errors.Is(err, models.ErrStaleFramePath) {
			return false, "page still navigating", nil
		}
		if err != nil {
			return false, "", err
		}
		return fingerprint != before.fingerprint, "page state did not change", nil

	default:
		return false, "", fmt.Errorf("unknown predicate %q", predicate.Kind)
	}
}

func (e *Executor) snapshot(ctx context.Context, step Step, item *Item) {
	if e.artifacts == nil {
		return
	}
	html, err := e.browser.HTML(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Str("step", step.Name).Msg("Snapshot skipped")
		return
	}
	if _, err := e.artifacts.SaveSnapshot(ctx, item.Identifier, step.Name, item.Redact(html)); err != nil {
		e.logger.Warn().Err(err).Str("step", step.Name).Msg("Failed to save snapshot")
	}
}

// recordFailure saves a screenshot and an HTML snapshot. It runs detached from the
// step deadline, which has usually expired by now.
func (e *Executor) recordFailure(ctx context.Context, step Step, item *Item) []string {
	if e.artifacts == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), artifactTimeout)
	defer cancel()

	var paths []string
	if png, err := e.browser.Screenshot(ctx); err == nil {
		if path, err := e.artifacts.SaveScreenshot(ctx, item.Identifier, step.Name, png); err == nil {
			paths = append(paths, path)
		} else {
			e.logger.Warn().Err(err).Str("step", step.Name).Msg("Failed to save failure screenshot")
		}
	} else {
		e.logger.Debug().Err(err).Str("step", step.Name).Msg("Failure screenshot unavailable")
	}

	if html, err := e.browser.HTML(ctx); err == nil {
		if path, err := e.artifacts.SaveSnapshot(ctx, item.Identifier, step.Name+"-failed", item.Redact(html)); err == nil {
			paths = append(paths, path)
		}
	}
	return paths
}

func isGone(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrStaleFramePath)
}
