package middleware

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/raffelframework/raffel"
)

// KeyFunc extracts the rate-limit key for one request. An empty key
// exempts the request from limiting.
type KeyFunc func(ctx *raffel.Context, env *raffel.Envelope) string

// KeyByIP keys on the x-forwarded-for / remote-addr metadata set by the
// adapters.
func KeyByIP() KeyFunc {
	return func(_ *raffel.Context, env *raffel.Envelope) string {
		if ip := env.Meta("x-forwarded-for"); ip != "" {
			return "ip:" + ip
		}
		return "ip:" + env.Meta("remote-addr")
	}
}

// KeyByPrincipal keys on the authenticated principal, falling back to IP
// for anonymous requests.
func KeyByPrincipal() KeyFunc {
	ip := KeyByIP()
	return func(ctx *raffel.Context, env *raffel.Envelope) string {
		if auth := ctx.Auth(); auth != nil && auth.Authenticated {
			return "principal:" + auth.Principal
		}
		return ip(ctx, env)
	}
}

// KeyByAPIKey keys on the x-api-key metadata header.
func KeyByAPIKey() KeyFunc {
	return func(_ *raffel.Context, env *raffel.Envelope) string {
		return "api-key:" + env.Meta("x-api-key")
	}
}

// RateLimitRule is a limit bound to a procedure pattern. The first
// matching rule wins; a Limit of zero exempts matching procedures.
type RateLimitRule struct {
	Pattern string
	Limit   int
	Window  time.Duration
}

// RateLimitOptions configure the rate limiter.
type RateLimitOptions struct {
	// Limit is the number of requests allowed per Window. Defaults to 100.
	Limit int
	// Window defaults to 1 minute.
	Window time.Duration
	// Rules override Limit/Window for matching procedure patterns.
	Rules []RateLimitRule
	// Key defaults to KeyByIP.
	Key KeyFunc
	// FixedWindow switches from the token bucket to a fixed window
	// counter that resets at window boundaries.
	FixedWindow bool
	// MaxUniqueKeys bounds per-key state; least recently used keys are
	// evicted. Defaults to 65536.
	MaxUniqueKeys int
}

type windowCounter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimit returns an interceptor enforcing per-key request limits.
// Exceeding the limit fails with RESOURCE_EXHAUSTED carrying limit,
// remaining, resetAt, and retryAfter details, which the HTTP adapter also
// surfaces as X-RateLimit headers.
func RateLimit(opts RateLimitOptions) raffel.Interceptor {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Key == nil {
		opts.Key = KeyByIP()
	}
	if opts.MaxUniqueKeys <= 0 {
		opts.MaxUniqueKeys = 65536
	}

	buckets, _ := lru.New[string, *rate.Limiter](opts.MaxUniqueKeys)
	windows, _ := lru.New[string, *windowCounter](opts.MaxUniqueKeys)
	var mu sync.Mutex

	resolve := func(procedure string) (int, time.Duration, bool) {
		for _, r := range opts.Rules {
			if raffel.MatchPattern(r.Pattern, procedure) {
				if r.Limit <= 0 {
					return 0, 0, false
				}
				w := r.Window
				if w <= 0 {
					w = opts.Window
				}
				return r.Limit, w, true
			}
		}
		return opts.Limit, opts.Window, true
	}

	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		limit, window, enforced := resolve(env.Procedure)
		if !enforced {
			return next(ctx, env)
		}
		key := opts.Key(ctx, env)
		if key == "" {
			return next(ctx, env)
		}
		key = env.Procedure + "|" + key

		var allowed bool
		var remaining int
		var resetAt time.Time

		if opts.FixedWindow {
			mu.Lock()
			w, ok := windows.Get(key)
			if !ok {
				w = &windowCounter{resetAt: time.Now().Add(window)}
				windows.Add(key, w)
			}
			mu.Unlock()

			w.mu.Lock()
			now := time.Now()
			if now.After(w.resetAt) {
				w.count = 0
				w.resetAt = now.Add(window)
			}
			allowed = w.count < limit
			if allowed {
				w.count++
			}
			remaining = limit - w.count
			resetAt = w.resetAt
			w.mu.Unlock()
		} else {
			mu.Lock()
			lim, ok := buckets.Get(key)
			if !ok {
				lim = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
				buckets.Add(key, lim)
			}
			mu.Unlock()

			allowed = lim.Allow()
			remaining = int(lim.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			resetAt = time.Now().Add(window)
		}

		if !allowed {
			retryAfter := time.Until(resetAt).Round(time.Second)
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			return nil, raffel.Errorf(raffel.CodeResourceExhausted, "rate limit exceeded for %s", env.Procedure).
				WithDetails(map[string]any{
					"limit":      limit,
					"remaining":  0,
					"resetAt":    resetAt.UTC().Format(time.RFC3339),
					"retryAfter": int(retryAfter.Seconds()),
				})
		}

		return next(ctx, env)
	}
}
