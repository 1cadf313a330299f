package middleware

import (
	"math/rand"
	"time"

	"github.com/raffelframework/raffel"
)

// BackoffStrategy selects how the delay between retry attempts grows.
type BackoffStrategy string

const (
	BackoffLinear       BackoffStrategy = "linear"
	BackoffExponential  BackoffStrategy = "exponential"
	BackoffDecorrelated BackoffStrategy = "decorrelated"
)

// RetryOptions configure the retry interceptor.
type RetryOptions struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// Base is the first retry delay.
	Base time.Duration
	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration
	// Strategy defaults to exponential.
	Strategy BackoffStrategy
	// Factor is the exponential growth factor; defaults to 2.
	Factor float64
	// Jitter applies a random ±25% adjustment to every delay.
	Jitter bool
	// RetryableCodes overrides the code set that triggers a retry. Empty
	// means any code for which Code.Retryable reports true.
	RetryableCodes []raffel.Code
}

// Retry returns an interceptor that re-invokes the rest of the chain when
// it fails with a retryable code. A retryAfter detail on the error (in
// seconds) overrides the computed delay. Cancellation stops retrying
// immediately and is returned as-is.
func Retry(opts RetryOptions) raffel.Interceptor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Base <= 0 {
		opts.Base = 100 * time.Millisecond
	}
	if opts.Strategy == "" {
		opts.Strategy = BackoffExponential
	}
	if opts.Factor <= 1 {
		opts.Factor = 2
	}

	retryable := func(code raffel.Code) bool { return code.Retryable() }
	if len(opts.RetryableCodes) > 0 {
		set := make(map[raffel.Code]struct{}, len(opts.RetryableCodes))
		for _, c := range opts.RetryableCodes {
			set[c] = struct{}{}
		}
		retryable = func(code raffel.Code) bool {
			_, ok := set[code]
			return ok
		}
	}

	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		prev := opts.Base
		var lastErr error
		for attempt := 1; ; attempt++ {
			res, err := next(ctx, env)
			if err == nil {
				return res, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, err
			}
			wire := raffel.DefaultErrorTransformer(err)
			if wire.Code == raffel.CodeCancelled || !retryable(wire.Code) {
				return nil, err
			}
			if attempt >= opts.MaxAttempts {
				break
			}

			delay := backoffDelay(opts, attempt, &prev)
			if hint, ok := retryAfterHint(wire); ok {
				delay = hint
			}

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			}
		}
		return nil, lastErr
	}
}

// backoffDelay computes the delay before the next attempt. prev carries
// state for the decorrelated strategy.
func backoffDelay(opts RetryOptions, attempt int, prev *time.Duration) time.Duration {
	var d time.Duration
	switch opts.Strategy {
	case BackoffLinear:
		d = opts.Base * time.Duration(attempt)
	case BackoffDecorrelated:
		lo := float64(opts.Base)
		hi := float64(*prev) * 3
		if hi <= lo {
			hi = lo + 1
		}
		d = time.Duration(lo + rand.Float64()*(hi-lo))
		*prev = d
	default:
		d = opts.Base
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * opts.Factor)
		}
	}

	if opts.Jitter && opts.Strategy != BackoffDecorrelated {
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	if opts.Max > 0 && d > opts.Max {
		d = opts.Max
	}
	return d
}

// retryAfterHint reads a retryAfter detail (seconds) from a wire error.
func retryAfterHint(err *raffel.Error) (time.Duration, bool) {
	v, ok := err.Details["retryAfter"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case time.Duration:
		return n, true
	}
	return 0, false
}
