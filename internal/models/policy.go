package models

import (
	"fmt"
	"time"
)

// SessionMode controls whether each identifier gets its own browser session
type SessionMode string

const (
	SessionModeFresh  SessionMode = "fresh"
	SessionModeShared SessionMode = "shared"
)

// ParseSessionMode accepts "fresh" or "shared" (case sensitive, empty means fresh)
func ParseSessionMode(s string) (SessionMode, error) {
	switch SessionMode(s) {
	case "", SessionModeFresh:
		return SessionModeFresh, nil
	case SessionModeShared:
		return SessionModeShared, nil
	default:
		return "", fmt.Errorf("unknown session mode %q (expected fresh or shared)", s)
	}
}

// RunPolicy carries the operator tunables for one batch run
type RunPolicy struct {
	SessionMode              SessionMode   `json:"session_mode"`
	StepTimeout              time.Duration `json:"step_timeout"`
	ItemPause                time.Duration `json:"item_pause"`
	RecreateOnSessionFailure bool          `json:"recreate_on_session_failure"`
	Limit                    int           `json:"limit"` // 0 processes every identifier
}

// Validate rejects negative durations and unknown modes
func (p RunPolicy) Validate() error {
	if _, err := ParseSessionMode(string(p.SessionMode)); err != nil {
		return err
	}
	if p.StepTimeout < 0 {
		return fmt.Errorf("step timeout must not be negative: %s", p.StepTimeout)
	}
	if p.ItemPause < 0 {
		return fmt.Errorf("item pause must not be negative: %s", p.ItemPause)
	}
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", p.Limit)
	}
	return nil
}

// Shared reports whether one session is reused across identifiers
func (p RunPolicy) Shared() bool {
	return p.SessionMode == SessionModeShared
}
