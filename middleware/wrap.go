package middleware

import (
	"time"

	"github.com/raffelframework/raffel"
)

// WrappedResponse is the canonical shape produced by the envelope-wrap
// interceptor: {success, data|error, meta}.
type WrappedResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *raffel.Error `json:"error,omitempty"`
	Meta    WrapMeta      `json:"meta"`
}

// WrapMeta carries the response envelope metadata.
type WrapMeta struct {
	Timestamp  string  `json:"timestamp,omitempty"`
	RequestID  string  `json:"requestId,omitempty"`
	DurationMS float64 `json:"durationMs"`
}

// WrapOptions control which meta fields are populated.
type WrapOptions struct {
	Timestamp bool
	RequestID bool
}

// Wrap returns an interceptor that folds results and failures into a
// WrappedResponse. Cancellation is passed through untouched so adapters
// can discard late results.
func Wrap(opts WrapOptions) raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		start := time.Now()
		res, err := next(ctx, env)
		elapsed := float64(time.Since(start).Nanoseconds()) / 1e6

		if err != nil && ctx.Err() != nil {
			return nil, err
		}

		meta := WrapMeta{DurationMS: elapsed}
		if opts.Timestamp {
			meta.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		if opts.RequestID {
			meta.RequestID = ctx.RequestID()
		}

		if err != nil {
			wire := raffel.DefaultErrorTransformer(err)
			if wire.Code == raffel.CodeCancelled {
				return nil, err
			}
			return WrappedResponse{Success: false, Error: wire, Meta: meta}, nil
		}
		return WrappedResponse{Success: true, Data: res, Meta: meta}, nil
	}
}
