package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_api_requests_total",
		Help: "Ride backend requests grouped by operation and outcome.",
	}, []string{"op", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ridesync_api_request_seconds",
		Help:    "Latency of ride backend requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
