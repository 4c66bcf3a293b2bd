package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_position_samples_total",
		Help: "Vehicle position pushes grouped by outcome.",
	}, []string{"result"})

	feedFixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_feed_fixes_total",
		Help: "GPS fixes received on the device feed grouped by outcome.",
	}, []string{"result"})
)
