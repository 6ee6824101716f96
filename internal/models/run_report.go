package models

import (
	"fmt"
	"time"
)

// Identifier is one batch entry taken from the first column of the input sheet
type Identifier struct {
	Value string `json:"value"`
	Row   int    `json:"row"` // zero-based row in the source, header included
}

// ItemStatus is the terminal status of one identifier
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemOutcome records how far one identifier got
type ItemOutcome struct {
	Index        int           `json:"index"`
	Identifier   string        `json:"identifier"`
	Status       ItemStatus    `json:"status"`
	TerminalStep string        `json:"terminal_step"`
	FailureKind  FailureKind   `json:"failure_kind,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Attempts     int           `json:"attempts"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Artifacts    []string      `json:"artifacts,omitempty"`
}

// FailedStep pairs a failed identifier with the step it stopped at
type FailedStep struct {
	Identifier string `json:"identifier"`
	Step       string `json:"step"`
}

// RunReport aggregates a batch run. Only the batch processor mutates it and it is
// frozen by Finalize.
type RunReport struct {
	ID          string        `json:"id"`
	Input       string        `json:"input"`
	Policy      RunPolicy     `json:"policy"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Items       []ItemOutcome `json:"items"`
	ErrorKind   FailureKind   `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	FinalStep   string        `json:"final_step,omitempty"`
	FinalStatus ItemStatus    `json:"final_status,omitempty"`
	FinalReason string        `json:"final_reason,omitempty"`
	Stopped     bool          `json:"stopped"`
	Finalized   bool          `json:"finalized"`
}

// NewRunReport starts an empty report for total identifiers
func NewRunReport(id, input string, policy RunPolicy, total int, startedAt time.Time) *RunReport {
	return &RunReport{
		ID:        id,
		Input:     input,
		Policy:    policy,
		StartedAt: startedAt,
		Total:     total,
		Items:     make([]ItemOutcome, 0, total),
	}
}

// Record appends one item outcome and updates the counters
func (r *RunReport) Record(outcome ItemOutcome) error {
	if r.Finalized {
		return ErrReportFinalized
	}
	switch outcome.Status {
	case ItemSucceeded:
		r.Succeeded++
	case ItemFailed:
		r.Failed++
	case ItemSkipped:
		r.Skipped++
	default:
		return fmt.Errorf("unknown item status %q", outcome.Status)
	}
	r.Items = append(r.Items, outcome)
	return nil
}

// SetError records a run-level failure
func (r *RunReport) SetError(err error) error {
	if r.Finalized {
		return ErrReportFinalized
	}
	if err == nil {
		return nil
	}
	r.ErrorKind = Classify(err)
	r.Error = err.Error()
	return nil
}

// SetFinal records the outcome of the post-batch report step
func (r *RunReport) SetFinal(step string, status ItemStatus, reason string) error {
	if r.Finalized {
		return ErrReportFinalized
	}
	r.FinalStep = step
	r.FinalStatus = status
	r.FinalReason = reason
	return nil
}

// MarkStopped flags the run as ended by an operator stop
func (r *RunReport) MarkStopped() error {
	if r.Finalized {
		return ErrReportFinalized
	}
	r.Stopped = true
	return nil
}

// Finalize freezes the report. Calling it twice keeps the first end time.
func (r *RunReport) Finalize(endedAt time.Time) {
	if r.Finalized {
		return
	}
	r.EndedAt = endedAt
	r.Finalized = true
}

// Duration of the run, zero until finalized
func (r *RunReport) Duration() time.Duration {
	if !r.Finalized {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SucceededIdentifiers lists succeeded identifiers in processing order
func (r *RunReport) SucceededIdentifiers() []string {
	out := []string{}
	for _, item := range r.Items {
		if item.Status == ItemSucceeded {
			out = append(out, item.Identifier)
		}
	}
	return out
}

// FailedSteps lists failed identifiers with their terminal step in processing order
func (r *RunReport) FailedSteps() []FailedStep {
	out := []FailedStep{}
	for _, item := range r.Items {
		if item.Status == ItemFailed {
			out = append(out, FailedStep{Identifier: item.Identifier, Step: item.TerminalStep})
		}
	}
	return out
}

// Progress is the live snapshot exposed to the operator surface
type Progress struct {
	RunID       string    `json:"run_id"`
	Running     bool      `json:"running"`
	Stopping    bool      `json:"stopping"`
	Index       int       `json:"index"` // number of identifiers already processed
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Current     string    `json:"current,omitempty"`
	CurrentStep string    `json:"current_step,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
