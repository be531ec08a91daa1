// Package metrics exposes Prometheus instruments for the turn pipeline
// and outbound delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the service records. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ReplyProbability prometheus.Histogram
	ThinkingExpired  prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	KnownStreams     prometheus.Gauge
}

// New creates the instruments and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maibot_turns_total",
				Help: "Inbound message turns by final outcome",
			},
			[]string{"outcome"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maibot_stage_duration_seconds",
				Help:    "Duration of turn pipeline stages in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		ReplyProbability: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "maibot_reply_probability",
				Help:    "Reply probability computed by the reply gate",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		ThinkingExpired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "maibot_thinking_expired_total",
				Help: "Thinking placeholders evicted before a reply replaced them",
			},
		),
		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maibot_deliveries_total",
				Help: "Outbound segments handed to the transport",
			},
			[]string{"result"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maibot_active_streams",
				Help: "Chat streams with an outbound container",
			},
		),
		KnownStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maibot_known_streams",
				Help: "Chat streams in the registry, including those loaded from storage",
			},
		),
	}
}

// Turn counts a finished turn.
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// Stage records how long a pipeline stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Probability records a reply probability.
func (m *Metrics) Probability(p float64) {
	if m == nil {
		return
	}
	m.ReplyProbability.Observe(p)
}

// Expired counts evicted thinking placeholders.
func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ThinkingExpired.Add(float64(n))
}

// Delivery counts one outbound delivery attempt.
func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// Streams sets the number of streams with outbound containers.
func (m *Metrics) Streams(n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(n))
}

// StreamsKnown sets the number of streams in the stream registry.
func (m *Metrics) StreamsKnown(n int) {
	if m == nil {
		return
	}
	m.KnownStreams.Set(float64(n))
}
