package machine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_ride_snapshots_total",
		Help: "Inbound ride snapshots grouped by outcome.",
	}, []string{"result"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_ride_actions_total",
		Help: "Ride actions grouped by operation and outcome.",
	}, []string{"op", "result"})
)
