package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_session_connect_total",
		Help: "Session connect attempts grouped by outcome.",
	}, []string{"result"})

	inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_session_inbound_events_total",
		Help: "Inbound push events received per event name.",
	}, []string{"event"})

	droppedSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_session_dropped_sends_total",
		Help: "Outbound events dropped because the session was not connected or the emit failed.",
	}, []string{"reason"})

	heldRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridesync_session_rooms",
		Help: "Rooms currently held by the session.",
	})
)
