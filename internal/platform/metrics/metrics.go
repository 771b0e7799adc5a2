package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay gateway.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	segmentsRelayedTotal   prometheus.Counter
	feedsStartedTotal      prometheus.Counter
	feedsStoppedTotal      prometheus.Counter
	transcodeFailuresTotal prometheus.Counter
	activeFeeds            prometheus.Gauge
	connectedViewers       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	segmentsRelayedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_segments_relayed_total",
		Help: "Total number of media segments broadcast to viewers",
	})
	feedsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_feeds_started_total",
		Help: "Total number of transcoding processes started",
	})
	feedsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_feeds_stopped_total",
		Help: "Total number of transcoding processes torn down",
	})
	transcodeFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_transcode_failures_total",
		Help: "Total number of transcoding processes that failed mid-stream",
	})
	activeFeeds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_feeds",
		Help: "Number of feeds that are not stopped",
	})
	connectedViewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_viewers",
		Help: "Number of viewer channels registered to at least one feed",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		segmentsRelayedTotal,
		feedsStartedTotal,
		feedsStoppedTotal,
		transcodeFailuresTotal,
		activeFeeds,
		connectedViewers,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		segmentsRelayedTotal:   segmentsRelayedTotal,
		feedsStartedTotal:      feedsStartedTotal,
		feedsStoppedTotal:      feedsStoppedTotal,
		transcodeFailuresTotal: transcodeFailuresTotal,
		activeFeeds:            activeFeeds,
		connectedViewers:       connectedViewers,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSegmentsRelayed increments the relayed segments counter.
func (m *Metrics) IncSegmentsRelayed() {
	m.segmentsRelayedTotal.Inc()
}

// IncFeedsStarted increments the started feeds counter.
func (m *Metrics) IncFeedsStarted() {
	m.feedsStartedTotal.Inc()
}

// IncFeedsStopped increments the stopped feeds counter.
func (m *Metrics) IncFeedsStopped() {
	m.feedsStoppedTotal.Inc()
}

// IncTranscodeFailures increments the transcode failure counter.
func (m *Metrics) IncTranscodeFailures() {
	m.transcodeFailuresTotal.Inc()
}

// SetActiveFeeds sets the active feeds gauge.
func (m *Metrics) SetActiveFeeds(n int) {
	m.activeFeeds.Set(float64(n))
}

// SetConnectedViewers sets the connected viewers gauge.
func (m *Metrics) SetConnectedViewers(n int) {
	m.connectedViewers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active feeds, connected viewers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
