package bus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/bus"
)

func TestSubscribersCoexist(t *testing.T) {
	b := bus.New[string]()
	var first, second []string
	subA := b.Subscribe("rideUpdated", func(v string) { first = append(first, v) })
	b.Subscribe("rideUpdated", func(v string) { second = append(second, v) })

	require.Equal(t, 2, b.Publish("rideUpdated", "r1"))
	require.Equal(t, []string{"r1"}, first)
	require.Equal(t, []string{"r1"}, second)

	subA.Unsubscribe()
	subA.Unsubscribe()
	require.Equal(t, 1, b.Publish("rideUpdated", "r2"))
	require.Equal(t, []string{"r1"}, first)
	require.Equal(t, []string{"r1", "r2"}, second)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := bus.New[int]()
	require.Zero(t, b.Publish("nobody", 1))
	require.Empty(t, b.Topics())
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := bus.New[int]()
	calls := 0
	var sub *bus.Subscription
	sub = b.Subscribe("tick", func(int) {
		calls++
		sub.Unsubscribe()
	})
	b.Subscribe("tick", func(int) { calls++ })

	b.Publish("tick", 1)
	require.Equal(t, 2, calls)
	b.Publish("tick", 2)
	require.Equal(t, 3, calls)
	require.Equal(t, 1, b.Count("tick"))
	require.Equal(t, []string{"tick"}, b.Topics())
}
