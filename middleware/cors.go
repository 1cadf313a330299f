package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/raffelframework/raffel"
)

// CORS returns an HTTP middleware that answers preflight requests and sets
// CORS headers. It wraps the adapter's http.Handler rather than the
// interceptor chain, since CORS is an HTTP-surface concern.
//
// With wildcard origins and credentials enabled, the matched origin is
// echoed back instead of "*", which the CORS spec requires.
func CORS(cfg raffel.CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization"}
	}

	wildcard := false
	originSet := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		originSet[o] = struct{}{}
	}

	methodsHeader := strings.Join(methods, ", ")
	headersHeader := strings.Join(headers, ", ")
	exposeHeader := strings.Join(cfg.ExposeHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			_, listed := originSet[origin]
			if wildcard || (origin != "" && listed) {
				switch {
				case origin != "" && (listed || cfg.AllowCredentials):
					h.Set("Access-Control-Allow-Origin", origin)
				default:
					h.Set("Access-Control-Allow-Origin", "*")
				}
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if exposeHeader != "" {
					h.Set("Access-Control-Expose-Headers", exposeHeader)
				}
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", methodsHeader)
				h.Set("Access-Control-Allow-Headers", headersHeader)
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
