package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ridesync_control_throttled_total",
	Help: "Control requests that were rate limited or could not be checked.",
}, []string{"scope", "result"})
