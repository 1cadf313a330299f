package middleware

import (
	"github.com/raffelframework/raffel"
)

// AuthzRule grants access to procedures matching Pattern when the caller
// holds any of Roles (or Roles is empty, requiring only authentication).
type AuthzRule struct {
	Pattern string
	Roles   []string
}

// Authz returns an interceptor that enforces declarative role rules after
// authentication. The first rule matching the procedure decides; a
// procedure matched by no rule is allowed through.
func Authz(rules ...AuthzRule) raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		for _, rule := range rules {
			if !raffel.MatchPattern(rule.Pattern, env.Procedure) {
				continue
			}

			auth := ctx.Auth()
			if auth == nil || !auth.Authenticated {
				return nil, raffel.NewError(raffel.CodeUnauthenticated, "authentication required")
			}
			if len(rule.Roles) == 0 {
				return next(ctx, env)
			}
			for _, role := range rule.Roles {
				if auth.HasRole(role) {
					return next(ctx, env)
				}
			}
			return nil, raffel.Errorf(raffel.CodePermissionDenied, "procedure %s requires one of roles %v", env.Procedure, rule.Roles)
		}
		return next(ctx, env)
	}
}
