package funnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnelscope_runs_total",
		Help: "Funnel and time-to-convert runs by outcome",
	}, []string{"kind", "order", "result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funnelscope_run_duration_seconds",
		Help:    "Wall time of a funnel run",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
	}, []string{"kind"})

	entitiesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnelscope_entities_resolved_total",
		Help: "Entity timelines resolved against a funnel",
	}, []string{"order"})

	entitiesExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnelscope_entities_excluded_total",
		Help: "Entities removed by exclusion steps",
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
