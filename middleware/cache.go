package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/raffelframework/raffel"
)

// CacheOptions configure the response cache.
type CacheOptions struct {
	// TTL is how long an entry stays fresh. Defaults to 1 minute.
	TTL time.Duration
	// StaleWhileRevalidate serves expired entries immediately for this
	// additional window while one background call refreshes the entry.
	// Zero disables stale serving.
	StaleWhileRevalidate time.Duration
	// Store overrides the default in-memory store.
	Store raffel.Store
}

type cachedValue struct {
	value    any
	storedAt time.Time
}

// Cache returns an interceptor that caches successful procedure results
// keyed by procedure name and payload fingerprint. Only cache-internal
// state is touched on the hit path; errors and cancellations are never
// cached and never masked.
func Cache(opts CacheOptions) raffel.Interceptor {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	store := opts.Store
	if store == nil {
		store = raffel.NewMemoryStore(raffel.DefaultStoreEntries)
	}

	var group singleflight.Group

	call := func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next, key string) (any, error) {
		res, err := next(ctx, env)
		if err != nil {
			return nil, err
		}
		ttl := opts.TTL + opts.StaleWhileRevalidate
		_ = store.Set(ctx, key, cachedValue{value: res, storedAt: time.Now()}, ttl)
		return res, nil
	}

	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		key := cacheKey(env)

		if v, ok, err := store.Get(ctx, key); err == nil && ok {
			entry, isEntry := v.(cachedValue)
			if isEntry {
				age := time.Since(entry.storedAt)
				if age <= opts.TTL {
					return entry.value, nil
				}
				if opts.StaleWhileRevalidate > 0 && age <= opts.TTL+opts.StaleWhileRevalidate {
					// Serve stale, refresh once in the background on a
					// detached context.
					bg := ctx.Detach()
					go group.Do(key, func() (any, error) {
						return call(bg, env, next, key)
					})
					return entry.value, nil
				}
			}
		}

		res, err, _ := group.Do(key, func() (any, error) {
			return call(ctx, env, next, key)
		})
		if err != nil {
			// A coalesced caller may see the winner's cancellation; report
			// this caller's own state instead of masking it.
			if ctx.Err() == nil {
				wire := raffel.DefaultErrorTransformer(err)
				if wire.Code == raffel.CodeCancelled {
					return nil, raffel.NewError(raffel.CodeUnavailable, "coalesced call cancelled")
				}
			}
			return nil, err
		}
		return res, nil
	}
}

// cacheKey fingerprints a request as procedure + payload hash.
func cacheKey(env *raffel.Envelope) string {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		raw = []byte(env.ID)
	}
	sum := sha256.Sum256(raw)
	return env.Procedure + ":" + hex.EncodeToString(sum[:])
}
