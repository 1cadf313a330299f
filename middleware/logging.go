// Package middleware provides the stock interceptors: request-id, logging,
// timeout, retry, circuit breaker, cache, rate limit, auth, authorization,
// envelope wrap, and metrics. All of them operate on the shared
// envelope/context model and compose with raffel.Compose.
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/raffelframework/raffel"
)

// redactedHeaders is the closed set of metadata keys whose values are
// replaced with "[REDACTED]" in log output.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-auth-token":        {},
	"x-access-token":      {},
	"x-refresh-token":     {},
	"x-csrf-token":        {},
	"x-xsrf-token":        {},
	"proxy-authorization": {},
	"www-authenticate":    {},
}

// LoggingOptions control what the logging interceptor emits.
type LoggingOptions struct {
	// LogStart emits an entry when the request begins, in addition to the
	// completion entry.
	LogStart bool
	// IncludePayload, IncludeResponse, and IncludeMetadata add the
	// corresponding values to log entries. Metadata is redacted.
	IncludePayload  bool
	IncludeResponse bool
	IncludeMetadata bool
}

// Logging creates an interceptor that logs each dispatch using slog.
// Durations are measured in nanoseconds and reported in milliseconds.
func Logging(logger *slog.Logger) raffel.Interceptor {
	return LoggingWith(logger, LoggingOptions{})
}

// LoggingWith is Logging with explicit options.
func LoggingWith(logger *slog.Logger, opts LoggingOptions) raffel.Interceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		start := time.Now()

		base := []any{
			slog.String("procedure", env.Procedure),
			slog.String("id", env.ID),
			slog.String("kind", string(env.Kind)),
		}
		if rid := ctx.RequestID(); rid != "" {
			base = append(base, slog.String("request_id", rid))
		}
		if opts.IncludeMetadata && len(env.Metadata) > 0 {
			base = append(base, slog.Any("metadata", redactMetadata(env.Metadata)))
		}

		if opts.LogStart {
			attrs := base
			if opts.IncludePayload {
				attrs = append(attrs, slog.Any("payload", env.Payload))
			}
			logger.InfoContext(ctx, "request started", attrs...)
		}

		res, err := next(ctx, env)
		elapsed := float64(time.Since(start).Nanoseconds()) / 1e6

		attrs := append(base, slog.Float64("duration_ms", elapsed))
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
			logger.ErrorContext(ctx, "request failed", attrs...)
			return res, err
		}
		if opts.IncludeResponse {
			attrs = append(attrs, slog.Any("response", res))
		}
		logger.InfoContext(ctx, "request completed", attrs...)
		return res, nil
	}
}

// redactMetadata copies metadata with sensitive values masked.
func redactMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if _, sensitive := redactedHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
