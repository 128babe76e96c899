package deviceagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/httprunner/DeviceAgent/internal/wait"
	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// GroupGoSafe runs fn in an errgroup goroutine and restarts it with
// exponential backoff when it panics. Panics never cancel sibling
// goroutines; a returned error keeps errgroup semantics. Cancelling ctx ends
// the restart loop.
//
// Panics go to stderr rather than the logger, which may be what panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := restartBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			recovered, err := callSafe(ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			jitter := time.Duration(0)
			if half := backoff / 2; half > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(half))
			}
			if wait.Sleep(ctx, backoff+jitter) != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	})
}

func callSafe(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}
