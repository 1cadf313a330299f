package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/raffelframework/raffel"
)

// TimeoutOptions configure the timeout interceptor. Overrides are checked
// in order; the first pattern matching the procedure wins, falling back to
// Default. A zero duration disables the deadline for matching procedures.
type TimeoutOptions struct {
	Default   time.Duration
	Overrides []TimeoutOverride
}

// TimeoutOverride binds a duration to an exact name or glob pattern.
type TimeoutOverride struct {
	Pattern  string
	Duration time.Duration
}

// Timeout returns an interceptor that runs the rest of the chain under a
// deadline-bearing child context. On expiry the child is cancelled and the
// call fails with DEADLINE_EXCEEDED.
func Timeout(d time.Duration) raffel.Interceptor {
	return TimeoutWith(TimeoutOptions{Default: d})
}

// TimeoutWith is Timeout with per-procedure overrides.
func TimeoutWith(opts TimeoutOptions) raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		d := opts.Default
		for _, o := range opts.Overrides {
			if raffel.MatchPattern(o.Pattern, env.Procedure) {
				d = o.Duration
				break
			}
		}
		if d <= 0 {
			return next(ctx, env)
		}

		child, cancel := ctx.ChildWithTimeout(d)
		defer cancel()

		res, err := next(child, env)
		if err != nil && errors.Is(child.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, raffel.Errorf(raffel.CodeDeadlineExceeded, "procedure %s exceeded %s deadline", env.Procedure, d)
		}
		return res, err
	}
}
