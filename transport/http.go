package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/raffelframework/raffel"
)

// HTTPAdapter serves procedures, streams, and events over plain HTTP.
// Procedures default to POST /<dotted.name>; a handler's WithHTTPRoute
// overrides method and path, with chi {param} segments merged into the
// payload. Streams are served as Server-Sent Events, events are accepted
// at POST /events/<name> with a 202 reply.
type HTTPAdapter struct {
	router  *raffel.Router
	cfg     raffel.Config
	logger  *slog.Logger
	mux     *chi.Mux
	server  *http.Server
	wrap    []func(http.Handler) http.Handler
	mounted map[string]http.Handler
}

// HTTPOption configures the HTTP adapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPLogger sets the adapter logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(a *HTTPAdapter) { a.logger = logger }
}

// WithHTTPMiddleware wraps the whole adapter in standard HTTP middleware
// (CORS, compression, and so on), outermost first.
func WithHTTPMiddleware(mw ...func(http.Handler) http.Handler) HTTPOption {
	return func(a *HTTPAdapter) { a.wrap = append(a.wrap, mw...) }
}

// WithMountedHandler mounts an extra handler at a path on the adapter's
// port. The WebSocket upgrade and JSON-RPC endpoints are mounted this way.
func WithMountedHandler(path string, h http.Handler) HTTPOption {
	return func(a *HTTPAdapter) { a.mounted[path] = h }
}

// NewHTTP creates the HTTP adapter for a router.
func NewHTTP(router *raffel.Router, cfg raffel.Config, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		router:  router,
		cfg:     cfg,
		mounted: make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.mux = a.buildMux()
	return a
}

// Name implements Adapter.
func (a *HTTPAdapter) Name() string { return "http" }

// Handler returns the adapter's root handler, wrapped in any configured
// HTTP middleware.
func (a *HTTPAdapter) Handler() http.Handler {
	var h http.Handler = a.mux
	for i := len(a.wrap) - 1; i >= 0; i-- {
		h = a.wrap[i](h)
	}
	return h
}

// Serve implements Adapter: it listens until ctx is cancelled, then shuts
// down gracefully within the configured timeout.
func (a *HTTPAdapter) Serve(ctx context.Context) error {
	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
		Handler: a.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// buildMux registers the explicit routes from the registry snapshot plus
// the dynamic fallbacks. Default routes resolve against the live registry
// on every request, so hot-swapped handlers are served without a rebuild.
func (a *HTTPAdapter) buildMux() *chi.Mux {
	mux := chi.NewRouter()

	base := a.cfg.BasePath
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}

	register := func(r chi.Router) {
		for path, h := range a.mounted {
			r.Handle(path, h)
			r.Handle(path+"/*", h)
		}

		for _, entry := range a.router.Registry().List() {
			if entry.HTTPPath == "" {
				continue
			}
			method := entry.HTTPMethod
			if method == "" {
				method = http.MethodPost
			}
			name := entry.Name
			kind := entry.Kind
			r.Method(method, entry.HTTPPath, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				a.dispatch(w, req, name, kind)
			}))
		}

		r.Post("/events/{name}", a.handleEvent)
		r.NotFound(a.handleDefaultRoute)
	}

	if base != "" && base != "/" {
		mux.Route(base, register)
	} else {
		register(mux)
	}
	return mux
}

// handleDefaultRoute serves the implicit POST /<dotted.name> procedure
// routes and GET /<dotted.name> stream routes.
func (a *HTTPAdapter) handleDefaultRoute(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(chi.RouteContext(r.Context()).RoutePath, "/")
	if name == "" {
		name = strings.Trim(r.URL.Path, "/")
	}
	entry, ok := a.router.Registry().Lookup(name)
	if !ok {
		a.writeError(w, r, "", raffel.Errorf(raffel.CodeNotFound, "unknown procedure %q", name))
		return
	}

	switch {
	case entry.Kind == raffel.HandlerProcedure && r.Method == http.MethodPost,
		entry.Kind == raffel.HandlerStream && r.Method == http.MethodGet:
		a.dispatch(w, r, name, entry.Kind)
	default:
		a.writeError(w, r, "", raffel.Errorf(raffel.CodeBadRequest, "method %s is not valid for %q", r.Method, name))
	}
}

// dispatch runs one procedure or stream request.
func (a *HTTPAdapter) dispatch(w http.ResponseWriter, r *http.Request, name string, kind raffel.HandlerKind) {
	payload, wireErr := a.buildPayload(r)
	if wireErr != nil {
		a.writeError(w, r, "", wireErr)
		return
	}

	id := uuid.NewString()
	ctx := raffel.NewContext(r.Context())
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		raffel.ContextWithQueryValues(ctx, r.URL.Query())
	}

	switch kind {
	case raffel.HandlerStream:
		env := raffel.NewStreamStart(id, name, payload)
		env.Metadata = metadataFromRequest(r)
		a.serveSSE(w, r, ctx, env)
	default:
		env := raffel.NewRequest(id, name, payload)
		env.Metadata = metadataFromRequest(r)
		a.writeReply(w, r, a.router.HandleRequest(ctx, env))
	}
}

// handleEvent accepts POST /events/<name> and enqueues the event.
func (a *HTTPAdapter) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	payload, wireErr := a.buildPayload(r)
	if wireErr != nil {
		a.writeError(w, r, "", wireErr)
		return
	}

	env := raffel.NewEvent(uuid.NewString(), name, payload)
	env.Metadata = metadataFromRequest(r)

	if _, ok := a.router.Registry().Lookup(name); !ok {
		a.writeError(w, r, "", raffel.Errorf(raffel.CodeNotFound, "unknown event %q", name))
		return
	}

	a.router.HandleEvent(raffel.NewContext(context.WithoutCancel(r.Context())), env)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"accepted": true, "id": env.ID})
}

// buildPayload merges body, path parameters, and (for GET/DELETE) query
// parameters into the envelope payload.
func (a *HTTPAdapter) buildPayload(r *http.Request) (any, *raffel.Error) {
	merged := make(map[string]any)

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		limit := a.cfg.MaxBodySize
		if limit <= 0 {
			limit = 1 << 20
		}
		raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, raffel.Errorf(raffel.CodeBadRequest, "request body exceeds %d bytes", limit)
			}
			return nil, raffel.Errorf(raffel.CodeParseError, "failed to read request body: %v", err)
		}
		if len(raw) > 0 {
			var parsed any
			if err := json.Unmarshal(raw, &parsed); err != nil {
				return nil, raffel.Errorf(raffel.CodeParseError, "malformed request body: %v", err)
			}
			if m, ok := parsed.(map[string]any); ok {
				merged = m
			} else {
				// Non-object bodies pass through untouched unless path
				// params need merging.
				if rc := chi.RouteContext(r.Context()); rc == nil || len(rc.URLParams.Keys) == 0 {
					return parsed, nil
				}
			}
		}
	case http.MethodGet, http.MethodDelete:
		for key, values := range r.URL.Query() {
			if len(values) == 1 {
				merged[key] = values[0]
			} else {
				merged[key] = values
			}
		}
	}

	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, key := range rc.URLParams.Keys {
			if key == "*" || key == "name" && strings.HasPrefix(r.URL.Path, "/events/") {
				continue
			}
			merged[key] = rc.URLParams.Values[i]
		}
	}

	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

// serveSSE streams frames as Server-Sent Events: one event per
// stream:data frame, a named error event for stream:error, heartbeats at
// the configured interval.
func (a *HTTPAdapter) serveSSE(w http.ResponseWriter, r *http.Request, ctx *raffel.Context, env *raffel.Envelope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, env.ID, raffel.NewError(raffel.CodeInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := a.cfg.HTTP.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	rc := http.NewResponseController(w)
	writeTimeout := a.cfg.HTTP.StreamWriteTimeout

	frames := a.router.HandleStream(ctx, env)
	for {
		select {
		case frame, open := <-frames:
			if !open {
				return
			}
			if writeTimeout > 0 {
				rc.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			switch frame.Kind {
			case raffel.KindStreamData:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", EncodeEnvelope(frame))
			case raffel.KindStreamError:
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", EncodeEnvelope(frame))
			case raffel.KindStreamEnd:
				fmt.Fprintf(w, "event: end\ndata: %s\n\n", EncodeEnvelope(frame))
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			ctx.Cancel(r.Context().Err())
			// Drain so the producer unblocks and terminates.
			for range frames {
			}
			return
		}
	}
}

// writeReply maps a reply envelope to an HTTP response: 200 for
// responses, the taxonomy status for errors. Rate-limit details become
// X-RateLimit headers.
func (a *HTTPAdapter) writeReply(w http.ResponseWriter, r *http.Request, reply *raffel.Envelope) {
	if rid := reply.Meta(raffel.MetaRequestID); rid != "" {
		w.Header().Set("X-Request-Id", rid)
	}

	if reply.Kind == raffel.KindError {
		wireErr, ok := reply.Payload.(*raffel.Error)
		if !ok {
			wireErr = raffel.NewError(raffel.CodeInternal, "malformed error reply")
		}
		a.writeError(w, r, reply.Meta(raffel.MetaRequestID), wireErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(EncodeEnvelope(reply))
}

func (a *HTTPAdapter) writeError(w http.ResponseWriter, r *http.Request, requestID string, wireErr *raffel.Error) {
	if wireErr.Code == raffel.CodeResourceExhausted {
		setRateLimitHeaders(w, wireErr)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(wireErr.Code.HTTPStatus())
	reply := map[string]any{"error": wireErr}
	if requestID != "" {
		reply["requestId"] = requestID
	}
	json.NewEncoder(w).Encode(reply)
}

func setRateLimitHeaders(w http.ResponseWriter, wireErr *raffel.Error) {
	if v, ok := wireErr.Details["limit"]; ok {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(v))
	}
	if v, ok := wireErr.Details["remaining"]; ok {
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(v))
	}
	if v, ok := wireErr.Details["resetAt"]; ok {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(v))
	}
	if v, ok := wireErr.Details["retryAfter"]; ok {
		w.Header().Set("Retry-After", fmt.Sprint(v))
	}
}

// metadataFromRequest copies the request headers into envelope metadata,
// lowercased, plus the peer address and raw query string.
func metadataFromRequest(r *http.Request) map[string]string {
	md := make(map[string]string, len(r.Header)+2)
	for key, values := range r.Header {
		if len(values) > 0 {
			md[strings.ToLower(key)] = values[0]
		}
	}
	md["remote-addr"] = r.RemoteAddr
	if r.URL.RawQuery != "" {
		md["query-string"] = r.URL.RawQuery
	}
	return md
}
