// Package metrics exposes relay activity as Prometheus series on a private
// registry served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/session"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/upstream"
)

const namespace = "relay"

// Admission results recorded by the live handler.
const (
	AdmissionAccepted     = "accepted"
	AdmissionForbidden    = "forbidden"
	AdmissionUnauthorized = "unauthorized"
	AdmissionRateLimited  = "rate_limited"
	AdmissionDraining     = "draining"
	AdmissionUnavailable  = "unavailable"
)

// Collectors implements session.Observer.
type Collectors struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionDuration  prometheus.Histogram
	admissions       *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	clientMessages   *prometheus.CounterVec
	upstreamEvents   *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	audioChunks      *prometheus.CounterVec
	audioBytes       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds the collectors on a fresh registry. activeSessions, when set,
// backs the relay_sessions_active gauge.
func New(activeSessions func() int) *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collectors{
		registry: reg,
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of relay sessions accepted",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of relay sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Websocket admission decisions by result",
		}, []string{"result"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		clientMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Client messages received by type",
		}, []string{"type"}),
		upstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream events received by kind",
		}, []string{"kind"}),
		sessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Errors reported to clients by kind",
		}, []string{"kind"}),
		audioChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks relayed by direction",
		}, []string{"direction"}),
		audioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Decoded PCM bytes relayed by direction",
		}, []string{"direction"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if activeSessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered",
		}, func() float64 { return float64(activeSessions()) })
	}
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Instrument wraps h with request counting and latency for route.
func (c *Collectors) Instrument(route string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		c.httpDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(c.httpRequests.MustCurryWith(labels), h),
	)
}

func (c *Collectors) Admission(result string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(result).Inc()
}

func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
}

func (c *Collectors) SessionEnded(d time.Duration) {
	if c == nil {
		return
	}
	c.sessionDuration.Observe(d.Seconds())
}

func (c *Collectors) StateChanged(from, to session.State) {
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collectors) ClientMessage(msgType string) {
	c.clientMessages.WithLabelValues(msgType).Inc()
}

func (c *Collectors) UpstreamEvent(kind upstream.EventKind) {
	c.upstreamEvents.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) Error(kind session.ErrorKind) {
	c.sessionErrors.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) AudioRelayed(direction string, bytes int) {
	c.audioChunks.WithLabelValues(direction).Inc()
	c.audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

var _ session.Observer = (*Collectors)(nil)
