package telemetry

import (
	"net/http"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calmstream"

// Metrics is the Prometheus side of the controller's counters.
type Metrics struct {
	transitions  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	tracksPlayed prometheus.Counter
	failures     *prometheus.CounterVec
	forced       prometheus.Counter
	extended     prometheus.Counter
	sessions     *prometheus.CounterVec
}

var _ music.Metrics = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Track transitions started, by trigger."},
			[]string{"trigger"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "transitions_dropped_total", Help: "Transition requests dropped, by trigger and reason."},
			[]string{"trigger", "reason"},
		),
		tracksPlayed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "tracks_started_total", Help: "Tracks that started playing."},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "track_failures_total", Help: "Track failures, by error kind."},
			[]string{"kind"},
		),
		forced: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "lock_force_releases_total", Help: "Transition leases taken over after expiring."},
		),
		extended: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "queue_extended_tracks_total", Help: "Tracks appended to goal queues from the catalog."},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "sessions_completed_total", Help: "Listening sessions completed, by reason."},
			[]string{"reason"},
		),
	}

	reg.MustRegister(m.transitions, m.dropped, m.tracksPlayed, m.failures, m.forced, m.extended, m.sessions)
	return m
}

func (m *Metrics) TransitionStarted(trigger string) {
	m.transitions.WithLabelValues(trigger).Inc()
}

func (m *Metrics) TransitionDropped(trigger, reason string) {
	m.dropped.WithLabelValues(trigger, reason).Inc()
}

func (m *Metrics) TrackStarted() {
	m.tracksPlayed.Inc()
}

func (m *Metrics) TrackFailed(kind music.ErrorKind) {
	m.failures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) LockForceReleased() {
	m.forced.Inc()
}

func (m *Metrics) QueueExtended(n int) {
	m.extended.Add(float64(n))
}

func (m *Metrics) SessionCompleted(reason string) {
	m.sessions.WithLabelValues(reason).Inc()
}

// Handler exposes metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
