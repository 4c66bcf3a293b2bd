package location_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/ride/domain"
)

type sent struct {
	event   string
	payload any
}

type stubSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *stubSender) Send(_ context.Context, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{event: event, payload: payload})
}

func TestForwardOnlyForActiveRide(t *testing.T) {
	sender := &stubSender{}
	active := ""
	srv := location.NewServer(sender, func() (string, bool) { return active, active != "" }, nil)

	require.False(t, srv.Forward(context.Background(), &location.DriverFix{Lat: 1, Lng: 2}))
	active = "r-1"
	require.False(t, srv.Forward(context.Background(), &location.DriverFix{RideId: "r-2", Lat: 1, Lng: 2}))
	require.True(t, srv.Forward(context.Background(), &location.DriverFix{Lat: 1, Lng: 2, Ts: 7}))

	require.Len(t, sender.sent, 1)
	require.Equal(t, domain.EventUpdateLocation, sender.sent[0].event)
	require.Equal(t, domain.LocationPayload{RideID: "r-1", Lat: 1, Lng: 2, TS: 7}, sender.sent[0].payload)
}

func TestStreamFixesOverGRPC(t *testing.T) {
	sender := &stubSender{}
	feed := location.NewServer(sender, func() (string, bool) { return "r-1", true }, nil)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(location.ServerCodec())
	location.RegisterFeedServer(server, feed)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	ctx := context.Background()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	stream, err := conn.NewStream(ctx, &location.FeedStreamDesc, location.FeedMethod, grpc.ForceCodec(location.JSONCodec{}))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&location.DriverFix{Lat: 1, Lng: 2}))
	require.NoError(t, stream.SendMsg(&location.DriverFix{RideId: "other", Lat: 3, Lng: 4}))
	require.NoError(t, stream.SendMsg(&location.DriverFix{RideId: "r-1", Lat: 5, Lng: 6}))
	require.NoError(t, stream.CloseSend())

	var ack location.Ack
	require.NoError(t, stream.RecvMsg(&ack))
	require.Equal(t, location.Ack{Forwarded: 2, Dropped: 1}, ack)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	require.Equal(t, domain.LocationPayload{RideID: "r-1", Lat: 5, Lng: 6}, sender.sent[1].payload)
}
