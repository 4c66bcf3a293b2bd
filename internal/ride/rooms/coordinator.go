package rooms

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

var intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ridesync_room_intents_total",
	Help: "Ride room join/leave intents grouped by action and whether they changed membership.",
}, []string{"action", "result"})

// Membership is the room side of the session.
type Membership interface {
	Join(room domain.Room) bool
	Leave(room domain.Room) bool
	Member(room domain.Room) bool
}

// Coordinator keeps ride-scoped room membership in line with the current
// ride: the ride room is held exactly while the ride is accepted or in
// progress. Redundant intents and intents while disconnected are no-ops.
type Coordinator struct {
	rooms  Membership
	logger *zap.Logger

	mu     sync.Mutex
	rideID string
}

// New constructs a Coordinator.
func New(rooms Membership, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{rooms: rooms, logger: logger}
}

// Apply reacts to a ride replacement.
func (c *Coordinator) Apply(t domain.Transition) {
	if t.Prev.ID != "" && t.Prev.ID != t.Next.ID {
		c.leave(t.Prev.ID)
	}
	c.Sync(t.Next)
}

// Sync brings membership for ride in line with its status. A zero ride
// releases whatever ride room the coordinator last joined.
func (c *Coordinator) Sync(ride domain.Ride) {
	c.mu.Lock()
	last := c.rideID
	c.mu.Unlock()
	if ride.ID == "" {
		if last != "" {
			c.leave(last)
		}
		return
	}
	if ride.Status.Assigned() {
		c.join(ride.ID)
		return
	}
	c.leave(ride.ID)
}

// Desired returns the rooms that should be held for ride.
func Desired(ride domain.Ride) []domain.Room {
	if ride.ID == "" || !ride.Status.Assigned() {
		return nil
	}
	return []domain.Room{domain.RideRoom(ride.ID)}
}

func (c *Coordinator) join(rideID string) {
	room := domain.RideRoom(rideID)
	c.mu.Lock()
	c.rideID = rideID
	c.mu.Unlock()
	if c.rooms.Join(room) {
		intentsTotal.WithLabelValues("join", "issued").Inc()
		c.logger.Debug("joined ride room", zap.String("ride_id", rideID))
		return
	}
	intentsTotal.WithLabelValues("join", "noop").Inc()
}

func (c *Coordinator) leave(rideID string) {
	room := domain.RideRoom(rideID)
	c.mu.Lock()
	if c.rideID == rideID {
		c.rideID = ""
	}
	c.mu.Unlock()
	if c.rooms.Leave(room) {
		intentsTotal.WithLabelValues("leave", "issued").Inc()
		c.logger.Debug("left ride room", zap.String("ride_id", rideID))
		return
	}
	intentsTotal.WithLabelValues("leave", "noop").Inc()
}
