package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"plugind/pkg/plugin/hooks"
)

// Metrics holds the lifecycle collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	updateDuration   *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	plugins          *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plugind",
				Name:      "transitions_total",
				Help:      "Total number of lifecycle events emitted",
			},
			[]string{"event"},
		),
		updateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "plugind",
				Name:      "update_duration_seconds",
				Help:      "Duration of update tasks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "plugind",
				Name:      "update_queue_depth",
				Help:      "Number of update tasks waiting in the queue",
			},
		),
		plugins: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "plugind",
				Name:      "plugins",
				Help:      "Number of installed plugins by state",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) observeEvent(e hooks.Event) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(e.Type)).Inc()
}

func (m *Metrics) observeUpdate(outcome TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.updateDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// setStateCounts resets every state label so states that dropped to zero
// are reported as zero.
func (m *Metrics) setStateCounts(counts map[PluginState]int) {
	if m == nil {
		return
	}
	for s := StateInstalled; s <= StateRemoved; s++ {
		m.plugins.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
