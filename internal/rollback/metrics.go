package rollback

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/majorcontext/rewind/internal/snapshot"
)

var restoreBuckets = []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 180, 300}

// Outcome labels.
const (
	outcomeSucceeded    = "succeeded"
	outcomeFailed       = "failed"
	outcomeHealthFailed = "health_failed"
	outcomeTimeout      = "timeout"
	outcomeCorrupted    = "corrupted"
)

// Metrics are the manager's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	snapshotsCreated *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	restoreDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier Manager are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewind",
			Name:      "snapshots_created_total",
			Help:      "Snapshot creation attempts by platform and outcome",
		}, []string{"platform", "outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewind",
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by platform and outcome",
		}, []string{"platform", "outcome"}),
		restoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rewind",
			Name:      "restore_duration_seconds",
			Help:      "Wall time from restore start to terminal outcome",
			Buckets:   restoreBuckets,
		}, []string{"platform"}),
	}
	if reg == nil {
		return m
	}

	collectors := []prometheus.Collector{m.snapshotsCreated, m.rollbacks, m.restoreDuration}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch v := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == m.snapshotsCreated {
						m.snapshotsCreated = v
					} else if collector == m.rollbacks {
						m.rollbacks = v
					}
				case *prometheus.HistogramVec:
					m.restoreDuration = v
				}
			}
		}
	}
	return m
}

func (m *Metrics) created(platform snapshot.PlatformKind, outcome string) {
	if m == nil {
		return
	}
	m.snapshotsCreated.With(prometheus.Labels{"platform": string(platform), "outcome": outcome}).Inc()
}

func (m *Metrics) rolledBack(platform snapshot.PlatformKind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.rollbacks.With(prometheus.Labels{"platform": string(platform), "outcome": outcome}).Inc()
	m.restoreDuration.With(prometheus.Labels{"platform": string(platform)}).Observe(seconds)
}
