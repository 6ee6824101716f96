package common

import (
	"context"
	"time"
)

// PollUntil calls check every interval until it returns true, the timeout elapses or ctx
// ends. The condition is always checked at least once. A check error stops polling and is
// returned. On expiry it returns (false, nil); the caller decides what expiry means.
func PollUntil(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) (bool, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := check(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		if err := Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
