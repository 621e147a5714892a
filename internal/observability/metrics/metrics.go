// Package metrics defines the prometheus collectors for runs, sends,
// extraction and scheduling. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoposter"

type Metrics struct {
	Registry *prometheus.Registry

	runs          *prometheus.CounterVec
	sends         *prometheus.CounterVec
	postsSent     prometheus.Counter
	extractions   *prometheus.HistogramVec
	extractActive prometheus.Gauge
	armed         prometheus.Gauge
	sessionState  *prometheus.GaugeVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Automation runs by outcome.",
		}, []string{"outcome"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message send attempts by result.",
		}, []string{"result"}),
		postsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_delivered_total",
			Help:      "Messages acknowledged by the messaging provider.",
		}),
		extractions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Extraction latency by outcome.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		extractActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extractions_in_flight",
			Help:      "Extractions currently holding a pool slot.",
		}),
		armed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_armed_timers",
			Help:      "Automations and posts with a pending timer.",
		}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the messaging session's current state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SendResult(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	if result == "ok" {
		m.postsSent.Inc()
	}
}

func (m *Metrics) ExtractionStarted() {
	if m == nil {
		return
	}
	m.extractActive.Inc()
}

func (m *Metrics) ExtractionDone(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.extractActive.Dec()
	m.extractions.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.armed.Set(float64(n))
}

// SetSessionState flips the state gauge so exactly one label reads 1.
func (m *Metrics) SetSessionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}
