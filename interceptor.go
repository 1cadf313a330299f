package raffel

// Next invokes the downstream remainder of an interceptor chain: the
// remaining interceptors, validation, and finally the terminal dispatch.
// Interceptors normally forward the ctx and env they received; a middleware
// that derives a child context or substitutes a payload passes the derived
// values instead. Derived contexts must preserve the cancellation chain
// (use Context.Child).
type Next func(ctx *Context, env *Envelope) (any, error)

// Interceptor wraps dispatch of one envelope. Interceptors can:
//   - Inspect or replace the envelope before calling next
//   - Inspect or transform the downstream result
//   - Short-circuit by returning without calling next
//   - Derive a child context for the downstream chain
//
// For procedures the result is the response payload; for streams it is nil
// (frames flow through the Emitter); for events it is nil.
type Interceptor func(ctx *Context, env *Envelope, next Next) (any, error)

// Compose folds interceptors into one that runs them left to right around
// the terminal function supplied at dispatch: the first interceptor is
// outermost. Compose is associative:
// Compose(a, Compose(b, c)) behaves exactly like Compose(a, b, c).
func Compose(interceptors ...Interceptor) Interceptor {
	switch len(interceptors) {
	case 0:
		return func(ctx *Context, env *Envelope, next Next) (any, error) {
			return next(ctx, env)
		}
	case 1:
		return interceptors[0]
	}
	return func(ctx *Context, env *Envelope, next Next) (any, error) {
		chain := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			current, downstream := interceptors[i], chain
			chain = func(ctx *Context, env *Envelope) (any, error) {
				return current(ctx, env, downstream)
			}
		}
		return chain(ctx, env)
	}
}

// ForPattern scopes inner to envelopes whose procedure matches the glob
// pattern ("*" matches one dotted segment, "**" any suffix, a bare name
// matches exactly). Non-matching envelopes pass straight through.
func ForPattern(pattern string, inner Interceptor) Interceptor {
	return func(ctx *Context, env *Envelope, next Next) (any, error) {
		if !MatchPattern(pattern, env.Procedure) {
			return next(ctx, env)
		}
		return inner(ctx, env, next)
	}
}

// runChain executes interceptors around terminal for one envelope.
func runChain(ctx *Context, env *Envelope, interceptors []Interceptor, terminal Next) (any, error) {
	if len(interceptors) == 0 {
		return terminal(ctx, env)
	}
	return Compose(interceptors...)(ctx, env, terminal)
}
