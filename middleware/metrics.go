package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raffelframework/raffel"
)

// Metrics holds the Prometheus collectors for dispatch instrumentation.
type Metrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics creates and registers the dispatch collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raffel",
			Name:      "requests_total",
			Help:      "Dispatched envelopes by procedure and kind.",
		}, []string{"procedure", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raffel",
			Name:      "errors_total",
			Help:      "Failed dispatches by procedure and error code.",
		}, []string{"procedure", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raffel",
			Name:      "request_duration_seconds",
			Help:      "Dispatch latency by procedure.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raffel",
			Name:      "in_flight_requests",
			Help:      "Envelopes currently being dispatched.",
		}),
	}
	reg.MustRegister(m.requests, m.errors, m.duration, m.inFlight)
	return m
}

// Interceptor returns the instrumenting interceptor.
func (m *Metrics) Interceptor() raffel.Interceptor {
	return func(ctx *raffel.Context, env *raffel.Envelope, next raffel.Next) (any, error) {
		m.requests.WithLabelValues(env.Procedure, string(env.Kind)).Inc()
		m.inFlight.Inc()
		start := time.Now()

		res, err := next(ctx, env)

		m.inFlight.Dec()
		m.duration.WithLabelValues(env.Procedure).Observe(time.Since(start).Seconds())
		if err != nil {
			code := raffel.DefaultErrorTransformer(err).Code
			m.errors.WithLabelValues(env.Procedure, string(code)).Inc()
		}
		return res, err
	}
}
