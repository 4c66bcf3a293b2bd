package natsbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/transport/natsbus"
)

type fakeSub struct {
	client  *fakeClient
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	delete(s.client.subs, s.subject)
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	published []*nats.Msg
	subs      map[string]nats.MsgHandler
	failFor   int
	closed    bool
	onClosed  func()
}

func (c *fakeClient) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFor > 0 {
		c.failFor--
		return errors.New("simulated nats outage")
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeClient) Subscribe(subject string, cb nats.MsgHandler) (natsbus.Unsubscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subject] = cb
	return &fakeSub{client: c, subject: subject}, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.onClosed()
}

func (c *fakeClient) deliver(subject, event string, data []byte) bool {
	c.mu.Lock()
	cb := c.subs[subject]
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set("x-event-type", event)
	msg.Data = data
	cb(msg)
	return true
}

func (c *fakeClient) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func newTransport(client *fakeClient) *natsbus.Transport {
	return natsbus.NewWithDialer(func(url, token string, closed func()) (natsbus.Client, error) {
		client.onClosed = closed
		return client, nil
	}, zap.NewNop(), natsbus.Config{Backoff: time.Millisecond})
}

func TestRoomsMapToSubjects(t *testing.T) {
	client := &fakeClient{subs: make(map[string]nats.MsgHandler)}
	transport := newTransport(client)
	conn, err := transport.Connect(context.Background(), "nats://test", domain.Credential{Token: "t"})
	require.NoError(t, err)

	var got []domain.Ride
	conn.On(domain.EventRideUpdated, func(raw json.RawMessage) {
		var ride domain.Ride
		require.NoError(t, json.Unmarshal(raw, &ride))
		got = append(got, ride)
	})

	ctx := context.Background()
	require.NoError(t, conn.Emit(ctx, domain.EventJoinRoom, domain.UserRoomPayload{UserID: "u-1"}))
	require.NoError(t, conn.Emit(ctx, domain.EventJoinRideRoom, domain.RideRoomPayload{RideID: "r-1"}))
	require.ElementsMatch(t, []string{"ride.rooms.user.u-1", "ride.rooms.ride.r-1"}, client.subjects())

	require.True(t, client.deliver("ride.rooms.ride.r-1", domain.EventRideUpdated, []byte(`{"id":"r-1","status":"in_progress"}`)))
	require.True(t, client.deliver("ride.rooms.user.u-1", "unknownEvent", []byte(`{}`)))
	require.Len(t, got, 1)
	require.Equal(t, domain.StatusInProgress, got[0].Status)

	require.NoError(t, conn.Emit(ctx, domain.EventLeaveRideRoom, domain.RideRoomPayload{RideID: "r-1"}))
	require.Equal(t, []string{"ride.rooms.user.u-1"}, client.subjects())

	require.Len(t, client.published, 3)
	require.Equal(t, "ride.client.joinRoom", client.published[0].Subject)
	require.Equal(t, domain.EventLeaveRideRoom, client.published[2].Header.Get("x-event-type"))
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{subs: make(map[string]nats.MsgHandler), failFor: 2}
	conn, err := newTransport(client).Connect(context.Background(), "nats://test", domain.Credential{Token: "t"})
	require.NoError(t, err)

	require.NoError(t, conn.Emit(context.Background(), domain.EventUpdateLocation, domain.LocationPayload{RideID: "r-1", Lat: 1, Lng: 2}))
	require.Len(t, client.published, 1)
	require.JSONEq(t, `{"rideId":"r-1","lat":1,"lng":2}`, string(client.published[0].Data))
}

func TestPublishGivesUpAfterRetryMax(t *testing.T) {
	client := &fakeClient{subs: make(map[string]nats.MsgHandler), failFor: 10}
	conn, err := newTransport(client).Connect(context.Background(), "nats://test", domain.Credential{Token: "t"})
	require.NoError(t, err)

	err = conn.Emit(context.Background(), domain.EventUpdateLocation, domain.LocationPayload{RideID: "r-1"})
	require.Error(t, err)
	require.Empty(t, client.published)
}

func TestCloseDropsSubscriptionsAndSignalsDone(t *testing.T) {
	client := &fakeClient{subs: make(map[string]nats.MsgHandler)}
	conn, err := newTransport(client).Connect(context.Background(), "nats://test", domain.Credential{Token: "t"})
	require.NoError(t, err)
	require.NoError(t, conn.Emit(context.Background(), domain.EventJoinRoom, domain.UserRoomPayload{UserID: "u-1"}))

	require.NoError(t, conn.Close())
	require.Empty(t, client.subjects())
	require.True(t, client.closed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	require.ErrorIs(t, conn.Emit(context.Background(), domain.EventLeaveRoom, domain.UserRoomPayload{UserID: "u-1"}), natsbus.ErrClosed)
}
