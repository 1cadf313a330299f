package middleware

import (
	"github.com/google/uuid"

	"github.com/raffelframework/raffel"
)

// RequestID returns an interceptor that propagates the inbound
// x-request-id metadata value to the context, minting a fresh UUID when
// the client did not send one. The router stamps the id onto outgoing
// reply metadata.
func RequestID() raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		id := env.Meta(raffel.MetaRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetRequestID(id)
		return next(ctx, env.WithMeta(raffel.MetaRequestID, id))
	}
}
