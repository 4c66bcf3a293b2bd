package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/transport/ws"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newServer(t *testing.T, handle func(*websocket.Conn)) (string, <-chan string) {
	t.Helper()
	auth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), auth
}

func TestEmitAndReceiveEnvelope(t *testing.T) {
	received := make(chan frame, 1)
	url, auth := newServer(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		received <- f
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(frame{Event: domain.EventRideUpdated, Data: json.RawMessage(`{"id":"r-1","status":"accepted"}`)})
		_, _, _ = conn.ReadMessage()
	})

	transport := ws.New(zap.NewNop(), ws.Config{})
	conn, err := transport.Connect(context.Background(), url, domain.Credential{Token: "abc"})
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "Bearer abc", <-auth)

	rides := make(chan domain.Ride, 1)
	conn.On(domain.EventRideUpdated, func(raw json.RawMessage) {
		var ride domain.Ride
		if json.Unmarshal(raw, &ride) == nil {
			rides <- ride
		}
	})

	require.NoError(t, conn.Emit(context.Background(), domain.EventJoinRoom, domain.UserRoomPayload{UserID: "u-1"}))
	select {
	case f := <-received:
		require.Equal(t, domain.EventJoinRoom, f.Event)
		require.JSONEq(t, `{"userId":"u-1"}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}

	select {
	case ride := <-rides:
		require.Equal(t, "r-1", ride.ID)
		require.Equal(t, domain.StatusAccepted, ride.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive rideUpdated")
	}
}

func TestDoneClosesWhenServerHangsUp(t *testing.T) {
	url, _ := newServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	conn, err := ws.New(nil, ws.Config{}).Connect(context.Background(), url, domain.Credential{Token: "abc"})
	require.NoError(t, err)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Done to close")
	}
	require.ErrorIs(t, conn.Emit(context.Background(), domain.EventLeaveRoom, nil), ws.ErrClosed)
	require.NoError(t, conn.Close())
}

func TestConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := ws.New(nil, ws.Config{}).Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), domain.Credential{Token: "bad"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
}
