package location_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/schedule"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestInterpolatesHalfwayThroughWindow(t *testing.T) {
	clock := schedule.NewManual(t0)
	track := location.NewTrack(clock, nil, location.TrackConfig{Window: time.Second})
	track.Follow("r-1")

	a := domain.GeoPoint{Lat: 10, Lng: 20}
	b := domain.GeoPoint{Lat: 11, Lng: 22}
	require.True(t, track.Ingest("r-1", a, t0))
	pos, ok := track.Position()
	require.True(t, ok)
	require.Equal(t, a, pos, "a lone sample is shown as is")

	clock.Set(t0.Add(time.Second))
	require.True(t, track.Ingest("r-1", b, t0.Add(time.Second)))

	pos, _ = track.PositionAt(t0.Add(time.Second))
	require.Equal(t, a, pos)

	pos, _ = track.PositionAt(t0.Add(1500 * time.Millisecond))
	require.InDelta(t, 10.5, pos.Lat, 1e-9)
	require.InDelta(t, 21, pos.Lng, 1e-9)
	require.True(t, track.Animating(t0.Add(1500*time.Millisecond)))

	pos, _ = track.PositionAt(t0.Add(5 * time.Second))
	require.Equal(t, b, pos, "holds at the target once the window is over")
	require.False(t, track.Animating(t0.Add(5*time.Second)))
}

func TestOutputStaysOnSegment(t *testing.T) {
	clock := schedule.NewManual(t0)
	track := location.NewTrack(clock, nil, location.TrackConfig{Window: 2 * time.Second})
	track.Follow("r-1")
	a := domain.GeoPoint{Lat: -1, Lng: 5}
	b := domain.GeoPoint{Lat: 3, Lng: -7}
	track.Ingest("r-1", a, time.Time{})
	track.Ingest("r-1", b, time.Time{})

	for ms := 0; ms <= 2500; ms += 125 {
		pos, ok := track.PositionAt(t0.Add(time.Duration(ms) * time.Millisecond))
		require.True(t, ok)
		f := (pos.Lat - a.Lat) / (b.Lat - a.Lat)
		require.GreaterOrEqual(t, f, 0.0)
		require.LessOrEqual(t, f, 1.0)
		require.InDelta(t, a.Lng+(b.Lng-a.Lng)*f, pos.Lng, 1e-9)
	}
}

func TestOnlyTwoSamplesAreKept(t *testing.T) {
	track := location.NewTrack(schedule.NewManual(t0), nil, location.TrackConfig{})
	track.Follow("r-1")
	for i := 0; i < 5; i++ {
		track.Ingest("r-1", domain.GeoPoint{Lat: float64(i)}, time.Time{})
	}
	origin, target := track.Samples()
	require.Equal(t, 3.0, origin.Point.Lat)
	require.Equal(t, 4.0, target.Point.Lat)
}

func TestMismatchedRideIsDropped(t *testing.T) {
	track := location.NewTrack(schedule.NewManual(t0), nil, location.TrackConfig{})
	require.False(t, track.Ingest("r-1", domain.GeoPoint{}, time.Time{}), "nothing followed yet")

	track.Follow("r-1")
	require.False(t, track.Ingest("r-2", domain.GeoPoint{Lat: 1}, time.Time{}))
	_, ok := track.Position()
	require.False(t, ok)
}

func TestResetClearsBuffer(t *testing.T) {
	track := location.NewTrack(schedule.NewManual(t0), nil, location.TrackConfig{})
	track.Follow("r-1")
	track.Ingest("r-1", domain.GeoPoint{Lat: 1}, time.Time{})

	track.Reset("r-2")
	_, ok := track.Position()
	require.True(t, ok, "resetting another ride keeps the buffer")

	track.Reset("r-1")
	_, ok = track.Position()
	require.False(t, ok)
	require.Empty(t, track.RideID())
	require.False(t, track.Ingest("r-1", domain.GeoPoint{Lat: 2}, time.Time{}))
}

func TestFollowAnotherRideDropsSamples(t *testing.T) {
	track := location.NewTrack(schedule.NewManual(t0), nil, location.TrackConfig{})
	track.Follow("r-1")
	track.Ingest("r-1", domain.GeoPoint{Lat: 1}, time.Time{})
	track.Follow("r-1")
	_, ok := track.Position()
	require.True(t, ok)

	track.Follow("r-2")
	_, ok = track.Position()
	require.False(t, ok)
}

func TestHandleDriverLocation(t *testing.T) {
	track := location.NewTrack(schedule.NewManual(t0), nil, location.TrackConfig{})
	track.Follow("r-1")

	require.False(t, track.HandleDriverLocation(json.RawMessage(`not json`)))
	require.True(t, track.HandleDriverLocation(json.RawMessage(`{"rideId":"r-1","lat":1.5,"lng":2.5,"ts":1709283600000}`)))
	_, target := track.Samples()
	require.Equal(t, domain.GeoPoint{Lat: 1.5, Lng: 2.5}, target.Point)
	require.Equal(t, t0, target.ServerTime)
	require.Equal(t, t0, target.ReceivedAt)
}
