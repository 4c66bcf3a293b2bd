package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_route_lookups_total",
		Help: "Route lookups grouped by router and outcome.",
	}, []string{"router", "result"})

	lookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ridesync_route_lookup_seconds",
		Help:    "Latency of external route lookups.",
		Buckets: prometheus.DefBuckets,
	}, []string{"router"})

	cacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_route_cache_total",
		Help: "Route cache reads grouped by outcome.",
	}, []string{"result"})
)
