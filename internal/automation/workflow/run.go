package workflow

import (
	"context"
	"fmt"

	"github.com/ternarybob/portalbatch/internal/models"
)

// Hooks observe a workflow run. Both are optional.
type Hooks struct {
	// ShouldStop is checked before every step; in-flight steps are never interrupted
	ShouldStop func() bool
	OnStep     func(StepResult)
}

// WorkflowResult is the outcome of one workflow for one item
type WorkflowResult struct {
	Workflow     string
	Success      bool
	Stopped      bool
	TerminalStep string // last step attempted
	Kind         models.FailureKind
	Reason       string
	Err          error
	Steps        []StepResult
	Attempts     int // summed over steps
	Artifacts    []string
}

// RunWorkflow runs the steps in order and stops at the first failure
func (e *Executor) RunWorkflow(ctx context.Context, wf Workflow, item *Item, hooks Hooks) WorkflowResult {
	result := WorkflowResult{Workflow: wf.Name}
	if item == nil {
		item = NewItem("")
	}

	for _, step := range wf.Steps {
		if hooks.ShouldStop != nil && hooks.ShouldStop() {
			result.Stopped = true
			result.Kind = models.FailureStopped
			result.Err = fmt.Errorf("%s stopped before %s: %w", wf.Name, step.Name, models.ErrStopped)
			result.Reason = result.Err.Error()
			return result
		}
		if err := ctx.Err(); err != nil {
			result.Err = err
			result.Kind = models.Classify(err)
			result.Reason = err.Error()
			return result
		}

		sr := e.Run(ctx, step, item)
		result.Steps = append(result.Steps, sr)
		result.TerminalStep = step.Name
		result.Attempts += sr.Attempts
		result.Artifacts = append(result.Artifacts, sr.Artifacts...)
		if hooks.OnStep != nil {
			hooks.OnStep(sr)
		}

		if !sr.Success {
			result.Kind = sr.Kind
			result.Reason = sr.Reason
			result.Err = sr.Err
			return result
		}
	}

	result.Success = true
	return result
}
