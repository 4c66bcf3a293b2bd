package eta

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	computesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_route_computations_total",
		Help: "Route computations grouped by outcome.",
	}, []string{"result"})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ridesync_route_computation_seconds",
		Help:    "Time spent waiting on the router per computation.",
		Buckets: prometheus.DefBuckets,
	})
)
