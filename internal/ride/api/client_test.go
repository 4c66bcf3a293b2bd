package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/api"
	"github.com/example/ridesync/internal/ride/domain"
)

var cred = domain.Credential{Token: "tok"}

type backend struct {
	t         *testing.T
	lastBody  map[string]any
	requestID string
}

func (b *backend) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&in))
		if in["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "jwt_Token": "jwt", "name": "Dana", "id": 17})
	})
	r.Group(func(r chi.Router) {
		r.Use(b.requireBearer)
		r.Post("/rides", func(w http.ResponseWriter, r *http.Request) {
			b.lastBody = map[string]any{}
			require.NoError(b.t, json.NewDecoder(r.Body).Decode(&b.lastBody))
			writeJSON(w, http.StatusCreated, map[string]any{"success": true, "ride": map[string]any{
				"id": "r-1", "status": "requested", "pickup": "Main St", "dropoff": map[string]any{"lat": 1.5, "lng": 2.5}, "fare_cents": 1200,
			}})
		})
		r.Put("/rides/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "action") == "start" {
				writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "ride not accepted"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": map[string]any{
				"id": chi.URLParam(r, "id"), "status": "accepted", "driver_id": "d-1",
			}})
		})
		r.Get("/rides/my", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "rides": []map[string]any{{"id": "r-0", "status": "completed"}}})
		})
		r.Post("/drivers/status", func(w http.ResponseWriter, r *http.Request) {
			var in struct {
				Available bool `json:"available"`
			}
			require.NoError(b.t, json.NewDecoder(r.Body).Decode(&in))
			writeJSON(w, http.StatusOK, map[string]any{"success": in.Available})
		})
	})
	return r
}

func (b *backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		b.requestID = r.Header.Get("X-Request-ID")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T) (*api.Client, *backend) {
	t.Helper()
	b := &backend{t: t}
	srv := httptest.NewServer(b.router())
	t.Cleanup(srv.Close)
	return api.New(zap.NewNop(), api.Config{BaseURL: srv.URL + "/"}), b
}

func TestLogin(t *testing.T) {
	client, _ := newClient(t)
	res, err := client.Login(context.Background(), "dana@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "jwt", res.Credential.Token)
	require.Equal(t, "17", res.UserID)
	require.Equal(t, "Dana", res.Name)

	_, err = client.Login(context.Background(), "dana@example.com", "wrong")
	var actionErr *domain.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "invalid credentials", actionErr.Message)
}

func TestRequestRideSendsFare(t *testing.T) {
	client, b := newClient(t)
	ride, err := client.RequestRide(context.Background(), cred, domain.RideRequest{
		Pickup:    domain.GeoPoint{Lat: 1, Lng: 2},
		Dropoff:   domain.GeoPoint{Lat: 1.5, Lng: 2.5},
		FareCents: 1200,
	})
	require.NoError(t, err)
	require.Equal(t, "r-1", ride.ID)
	require.Equal(t, domain.StatusRequested, ride.Status)
	require.Equal(t, "Main St", ride.Pickup.Address)
	require.Equal(t, &domain.GeoPoint{Lat: 1.5, Lng: 2.5}, ride.Dropoff.Point)
	require.EqualValues(t, 1200, b.lastBody["fare_cents"])
	require.NotEmpty(t, b.requestID)
}

func TestRideActions(t *testing.T) {
	client, _ := newClient(t)
	ride, err := client.AcceptRide(context.Background(), cred, "r-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, ride.Status)
	require.Equal(t, "d-1", ride.DriverID)

	_, err = client.StartRide(context.Background(), cred, "r-1")
	require.ErrorIs(t, err, domain.ErrAction)
	require.Contains(t, err.Error(), "ride not accepted")

	_, err = client.CompleteRide(context.Background(), domain.Credential{Token: "other"}, "r-1")
	require.ErrorIs(t, err, domain.ErrAction)
}

func TestHistoryAndAvailability(t *testing.T) {
	client, _ := newClient(t)
	rides, err := client.MyRides(context.Background(), cred)
	require.NoError(t, err)
	require.Len(t, rides, 1)
	require.Equal(t, domain.StatusCompleted, rides[0].Status)

	require.NoError(t, client.SetAvailability(context.Background(), cred, true))
	require.ErrorIs(t, client.SetAvailability(context.Background(), cred, false), domain.ErrAction)
}

func TestTransportFailureIsNotActionError(t *testing.T) {
	client := api.New(nil, api.Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.AcceptRide(context.Background(), cred, "r-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrAction)
}
