// Package metrics holds the sweep counters. A nil *Sweep is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drain"

type Sweep struct {
	Runs          prometheus.Counter
	RunDuration   prometheus.Histogram
	Tokens        *prometheus.CounterVec
	TrackerStatus *prometheus.CounterVec
}

// NewSweep registers the sweep metrics on reg.
func NewSweep(reg prometheus.Registerer) *Sweep {
	factory := promauto.With(reg)
	return &Sweep{
		Runs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of sweep runs started",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sweep run",
			Buckets:   prometheus.DefBuckets,
		}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "tokens_total",
			Help:      "Per-token sweep outcomes",
		}, []string{"outcome", "reason"}),
		TrackerStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "terminal_total",
			Help:      "Tracked transactions by terminal status",
		}, []string{"status"}),
	}
}

func (m *Sweep) RunStarted() {
	if m == nil {
		return
	}
	m.Runs.Inc()
}

func (m *Sweep) RunFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Sweep) TokenOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(outcome, reason).Inc()
}

func (m *Sweep) TrackerTerminal(status string) {
	if m == nil {
		return
	}
	m.TrackerStatus.WithLabelValues(status).Inc()
}

// WriteTextfile dumps gatherer in the node_exporter textfile format.
func WriteTextfile(path string, gatherer prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, gatherer)
}
