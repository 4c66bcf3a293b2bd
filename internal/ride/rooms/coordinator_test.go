package rooms_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/rooms"
)

type fakeMembership struct {
	connected bool
	held      map[domain.Room]int
	calls     []string
}

func newMembership() *fakeMembership {
	return &fakeMembership{connected: true, held: make(map[domain.Room]int)}
}

func (f *fakeMembership) Join(room domain.Room) bool {
	if !f.connected || f.held[room] > 0 {
		return false
	}
	f.held[room]++
	f.calls = append(f.calls, "join "+room.Key)
	return true
}

func (f *fakeMembership) Leave(room domain.Room) bool {
	if !f.connected || f.held[room] == 0 {
		return false
	}
	delete(f.held, room)
	f.calls = append(f.calls, "leave "+room.Key)
	return true
}

func (f *fakeMembership) Member(room domain.Room) bool { return f.held[room] > 0 }

func at(id string, status domain.RideStatus) domain.Ride {
	return domain.Ride{ID: id, Status: status}
}

func TestJoinOnAcceptLeaveOnTerminal(t *testing.T) {
	m := newMembership()
	c := rooms.New(m, nil)

	c.Apply(domain.Transition{Next: at("r-1", domain.StatusRequested)})
	require.False(t, m.Member(domain.RideRoom("r-1")))

	c.Apply(domain.Transition{Prev: at("r-1", domain.StatusRequested), Next: at("r-1", domain.StatusAccepted)})
	c.Apply(domain.Transition{Prev: at("r-1", domain.StatusAccepted), Next: at("r-1", domain.StatusInProgress)})
	require.Equal(t, 1, m.held[domain.RideRoom("r-1")])

	c.Apply(domain.Transition{Prev: at("r-1", domain.StatusInProgress), Next: at("r-1", domain.StatusCancelled)})
	require.False(t, m.Member(domain.RideRoom("r-1")))
	require.Equal(t, []string{"join r-1", "leave r-1"}, m.calls)
}

func TestIdempotentIntents(t *testing.T) {
	orders := [][]bool{
		{true, false, true, false},
		{false, true, false, true},
		{true, true, false, false},
		{false, false, true, true},
	}
	for _, order := range orders {
		m := newMembership()
		c := rooms.New(m, nil)
		for _, join := range order {
			if join {
				c.Sync(at("r-1", domain.StatusAccepted))
			} else {
				c.Sync(at("r-1", domain.StatusCompleted))
			}
		}
		require.LessOrEqual(t, m.held[domain.RideRoom("r-1")], 1)
		require.Equal(t, order[len(order)-1], m.Member(domain.RideRoom("r-1")))
	}

	m := newMembership()
	c := rooms.New(m, nil)
	c.Sync(at("r-1", domain.StatusAccepted))
	c.Sync(at("r-1", domain.StatusAccepted))
	require.Equal(t, 1, m.held[domain.RideRoom("r-1")])
	require.Equal(t, []string{"join r-1"}, m.calls)
}

func TestDisconnectedIntentsAreNoops(t *testing.T) {
	m := newMembership()
	m.connected = false
	c := rooms.New(m, nil)
	require.NotPanics(t, func() {
		c.Apply(domain.Transition{Next: at("r-1", domain.StatusAccepted)})
		c.Apply(domain.Transition{Prev: at("r-1", domain.StatusAccepted)})
	})
	require.Empty(t, m.calls)

	m.connected = true
	c.Sync(at("r-1", domain.StatusAccepted))
	require.True(t, m.Member(domain.RideRoom("r-1")))
}

func TestClearReleasesLastRideRoom(t *testing.T) {
	m := newMembership()
	c := rooms.New(m, nil)
	c.Sync(at("r-1", domain.StatusAccepted))
	c.Sync(domain.Ride{})
	require.False(t, m.Member(domain.RideRoom("r-1")))

	c.Apply(domain.Transition{Next: at("r-2", domain.StatusAccepted)})
	c.Apply(domain.Transition{Prev: at("r-2", domain.StatusAccepted)})
	require.False(t, m.Member(domain.RideRoom("r-2")))
	require.Equal(t, []string{"join r-1", "leave r-1", "join r-2", "leave r-2"}, m.calls)
}

func TestDesired(t *testing.T) {
	require.Nil(t, rooms.Desired(at("r-1", domain.StatusRequested)))
	require.Equal(t, []domain.Room{domain.RideRoom("r-1")}, rooms.Desired(at("r-1", domain.StatusInProgress)))
	require.Nil(t, rooms.Desired(domain.Ride{}))
}
