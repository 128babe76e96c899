// Package wait replaces fixed settle sleeps with cancellable polling.
package wait

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Until when the condition never held.
var ErrTimeout = errors.New("wait: condition not met before timeout")

// Condition reports whether the awaited state has been reached.
type Condition func(ctx context.Context) (bool, error)

// Sleep blocks for d or until ctx is done.
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

// Until checks cond immediately and then every interval until it returns
// true, returns an error, ctx is done, or timeout elapses.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}
