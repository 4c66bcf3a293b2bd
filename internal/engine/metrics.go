package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ridesync_core_changes_total",
	Help: "State change notifications published to renderers, by kind.",
}, []string{"kind"})
