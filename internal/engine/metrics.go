package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	CaughtUpTotal    *prometheus.CounterVec
	TokenizeTotal    *prometheus.CounterVec
	SessionsTotal    prometheus.Gauge
	LiveAttempts     prometheus.Gauge
	TokenizeDuration *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the engine metrics with the default registry once.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetrics registers a fresh set of collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_events_total",
				Help: "Events received from session streams",
			},
			[]string{"kind"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_subscription_attempts_total",
				Help: "Subscription attempts by replay mode",
			},
			[]string{"mode"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_subscription_retries_total",
				Help: "Failed subscription attempts by reason",
			},
			[]string{"reason"},
		),
		CaughtUpTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_caught_up_total",
				Help: "Caught-up markers processed by replay mode",
			},
			[]string{"mode"},
		),
		TokenizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsync_tokenization_total",
				Help: "Finished breakdown calculations by status",
			},
			[]string{"status"},
		),
		SessionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionsync_sessions_registered",
				Help: "Sessions currently registered",
			},
		),
		LiveAttempts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionsync_live_attempts",
				Help: "Subscription attempts currently running",
			},
		),
		TokenizeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionsync_tokenization_duration_seconds",
				Help:    "Breakdown calculation duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAttempt(mode string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCaughtUp(mode string) {
	if m == nil {
		return
	}
	m.CaughtUpTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordTokenization(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TokenizeTotal.WithLabelValues(status).Inc()
	m.TokenizeDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsTotal.Set(float64(n))
}

func (m *Metrics) AddLiveAttempts(delta float64) {
	if m == nil {
		return
	}
	m.LiveAttempts.Add(delta)
}
