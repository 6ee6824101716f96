package batch

import "sync/atomic"

// StopFlag is a cooperative stop request. The processor reads it between identifiers
// and between steps; a step already in flight runs to completion or timeout.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests the run to end at the next checkpoint
func (f *StopFlag) Stop() {
	f.stopped.Store(true)
}

// Stopped reports whether a stop was requested
func (f *StopFlag) Stopped() bool {
	return f.stopped.Load()
}

// Reset clears the flag for a new run
func (f *StopFlag) Reset() {
	f.stopped.Store(false)
}
