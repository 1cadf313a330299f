package middleware

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/raffelframework/raffel"
)

// BreakerOptions configure the per-procedure circuit breaker.
type BreakerOptions struct {
	// FailureThreshold opens the circuit after this many consecutive
	// counted failures. Defaults to 5.
	FailureThreshold uint32
	// Window is the rolling interval over which failure counts reset
	// while the circuit is closed. Defaults to 60s.
	Window time.Duration
	// ResetTimeout is how long the circuit stays open before probing.
	// Defaults to 30s.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close. Defaults to 1.
	SuccessThreshold uint32
	// FailureCodes is the set of codes that count as failures. Defaults
	// to UNAVAILABLE, DEADLINE_EXCEEDED, INTERNAL, UNKNOWN.
	FailureCodes []raffel.Code
}

type procBreaker struct {
	cb       *gobreaker.CircuitBreaker[any]
	mu       sync.Mutex
	openedAt time.Time
}

// Breaker returns an interceptor that wraps each procedure in its own
// circuit. While a circuit is open, calls fail fast with UNAVAILABLE
// carrying circuitOpen and a projected resetAfterMs in details.
func Breaker(opts BreakerOptions) raffel.Interceptor {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.SuccessThreshold == 0 {
		opts.SuccessThreshold = 1
	}

	failure := map[raffel.Code]struct{}{
		raffel.CodeUnavailable:      {},
		raffel.CodeDeadlineExceeded: {},
		raffel.CodeInternal:         {},
		raffel.CodeUnknown:          {},
	}
	if len(opts.FailureCodes) > 0 {
		failure = make(map[raffel.Code]struct{}, len(opts.FailureCodes))
		for _, c := range opts.FailureCodes {
			failure[c] = struct{}{}
		}
	}

	var mu sync.Mutex
	breakers := make(map[string]*procBreaker)

	get := func(name string) *procBreaker {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := breakers[name]; ok {
			return b
		}
		b := &procBreaker{}
		b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: opts.SuccessThreshold,
			Interval:    opts.Window,
			Timeout:     opts.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				_, counted := failure[raffel.DefaultErrorTransformer(err).Code]
				return !counted
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					b.mu.Lock()
					b.openedAt = time.Now()
					b.mu.Unlock()
				}
			},
		})
		breakers[name] = b
		return b
	}

	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		b := get(env.Procedure)
		res, err := b.cb.Execute(func() (any, error) {
			return next(ctx, env)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.mu.Lock()
			opened := b.openedAt
			b.mu.Unlock()
			resetAfter := opts.ResetTimeout - time.Since(opened)
			if resetAfter < 0 {
				resetAfter = 0
			}
			return nil, raffel.Errorf(raffel.CodeUnavailable, "circuit open for %s", env.Procedure).
				WithDetail("circuitOpen", true).
				WithDetail("resetAfterMs", resetAfter.Milliseconds())
		}
		return res, err
	}
}
