package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the call pipeline and the
// HTTP API. Register once per process via New and pass by reference.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionDuration prometheus.Histogram

	FramesSent     prometheus.Counter
	EventsReceived *prometheus.CounterVec
	ParseErrors    prometheus.Counter
	PingsAnswered  prometheus.Counter

	AlertsEmitted  *prometheus.CounterVec
	CheckinsStored prometheus.Counter
	StoreFailures  prometheus.Counter

	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_sessions_started_total",
			Help: "Call sessions started",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_sessions_ended_total",
			Help: "Call sessions that reached the terminal state",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkin_session_duration_seconds",
			Help:    "Elapsed call duration from ready to ended",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_audio_frames_sent_total",
			Help: "Outbound audio frames written to the voice channel",
		}),
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_transport_events_total",
			Help: "Inbound transport events by kind",
		}, []string{"kind"}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_envelope_parse_errors_total",
			Help: "Inbound envelopes that failed tagged-union decoding",
		}),
		PingsAnswered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_keepalive_pings_answered_total",
			Help: "Keepalive pings acknowledged on the voice channel",
		}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_alerts_emitted_total",
			Help: "Alerts produced by post-call analysis by type",
		}, []string{"type"}),
		CheckinsStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_records_stored_total",
			Help: "Check-in rows persisted",
		}),
		StoreFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "checkin_store_failures_total",
			Help: "Persistence attempts that failed",
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_http_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),
	}
}
