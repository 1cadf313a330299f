package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/raffelframework/raffel"
)

// AuthResult is the outcome of one authentication strategy.
type AuthResult int

const (
	// AuthNotApplicable means the strategy found no credentials to check.
	AuthNotApplicable AuthResult = iota
	// AuthAuthenticated means the strategy verified the credentials.
	AuthAuthenticated
	// AuthInvalid means credentials were present but failed verification.
	AuthInvalid
)

// AuthStrategy inspects envelope metadata for credentials. On
// AuthAuthenticated it returns the resulting auth state.
type AuthStrategy func(ctx *raffel.Context, env *raffel.Envelope) (AuthResult, *raffel.AuthContext)

// AuthOptions configure the authentication interceptor.
type AuthOptions struct {
	Strategies []AuthStrategy
	// Public lists procedure patterns that may run unauthenticated.
	Public []string
}

// Auth returns an interceptor that runs the strategy chain. The first
// strategy to authenticate wins and its AuthContext is attached to the
// request context. Presented-but-invalid credentials fail immediately;
// absent credentials fail unless the procedure matches a public pattern.
func Auth(opts AuthOptions) raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		for _, strategy := range opts.Strategies {
			result, auth := strategy(ctx, env)
			switch result {
			case AuthAuthenticated:
				ctx.SetAuth(auth)
				return next(ctx, env)
			case AuthInvalid:
				return nil, raffel.NewError(raffel.CodeUnauthenticated, "invalid credentials")
			}
		}

		for _, pattern := range opts.Public {
			if raffel.MatchPattern(pattern, env.Procedure) {
				return next(ctx, env)
			}
		}
		return nil, raffel.NewError(raffel.CodeUnauthenticated, "authentication required")
	}
}

// BearerJWT authenticates "Authorization: Bearer <token>" metadata using
// an HMAC secret. Claims are copied into the AuthContext; "sub" becomes
// the principal and a "roles" claim (list of strings) becomes the roles.
func BearerJWT(secret []byte) AuthStrategy {
	return func(_ *raffel.Context, env *raffel.Envelope) (AuthResult, *raffel.AuthContext) {
		header := env.Meta("authorization")
		if header == "" {
			return AuthNotApplicable, nil
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return AuthNotApplicable, nil
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return AuthInvalid, nil
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return AuthInvalid, nil
		}
		auth := &raffel.AuthContext{
			Authenticated: true,
			Claims:        map[string]any(claims),
		}
		if sub, _ := claims.GetSubject(); sub != "" {
			auth.Principal = sub
		}
		if raw, ok := claims["roles"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					auth.Roles = append(auth.Roles, s)
				}
			}
		}
		return AuthAuthenticated, auth
	}
}

// APIKey authenticates the x-api-key metadata header against a lookup
// function mapping keys to principals.
func APIKey(lookup func(key string) (principal string, roles []string, ok bool)) AuthStrategy {
	return func(_ *raffel.Context, env *raffel.Envelope) (AuthResult, *raffel.AuthContext) {
		key := env.Meta("x-api-key")
		if key == "" {
			return AuthNotApplicable, nil
		}
		principal, roles, ok := lookup(key)
		if !ok {
			return AuthInvalid, nil
		}
		return AuthAuthenticated, &raffel.AuthContext{
			Authenticated: true,
			Principal:     principal,
			Roles:         roles,
		}
	}
}

// Cookie authenticates a session cookie from the cookie metadata header.
func Cookie(name string, verify func(value string) (*raffel.AuthContext, bool)) AuthStrategy {
	return func(_ *raffel.Context, env *raffel.Envelope) (AuthResult, *raffel.AuthContext) {
		raw := env.Meta("cookie")
		if raw == "" {
			return AuthNotApplicable, nil
		}
		header := http.Header{"Cookie": {raw}}
		req := http.Request{Header: header}
		c, err := req.Cookie(name)
		if err != nil {
			return AuthNotApplicable, nil
		}
		auth, ok := verify(c.Value)
		if !ok {
			return AuthInvalid, nil
		}
		return AuthAuthenticated, auth
	}
}

// QueryToken authenticates a token passed as a query parameter, carried
// in the query-string metadata set by the HTTP adapter.
func QueryToken(param string, verify func(token string) (*raffel.AuthContext, bool)) AuthStrategy {
	return func(_ *raffel.Context, env *raffel.Envelope) (AuthResult, *raffel.AuthContext) {
		raw := env.Meta("query-string")
		if raw == "" {
			return AuthNotApplicable, nil
		}
		values, err := url.ParseQuery(raw)
		if err != nil {
			return AuthNotApplicable, nil
		}
		token := values.Get(param)
		if token == "" {
			return AuthNotApplicable, nil
		}
		auth, ok := verify(token)
		if !ok {
			return AuthInvalid, nil
		}
		return AuthAuthenticated, auth
	}
}
