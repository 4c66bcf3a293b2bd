package routing

import (
	"context"
	"math"
	"time"

	"github.com/example/ridesync/internal/ride/domain"
)

// Straight is an offline router: a straight segment with haversine distance
// and a duration at a fixed average speed.
type Straight struct {
	SpeedKMH float64
}

// Route satisfies domain.Router.
func (s Straight) Route(_ context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	speed := s.SpeedKMH
	if speed <= 0 {
		speed = 35.0
	}
	meterPerSecond := speed * 1000.0 / 3600.0
	dist := haversine(origin, destination)
	lookupsTotal.WithLabelValues("straight", "ok").Inc()
	return domain.Route{
		Geometry:       []domain.GeoPoint{origin, destination},
		DistanceMeters: dist,
		Duration:       time.Duration(dist / meterPerSecond * float64(time.Second)),
	}, nil
}

func haversine(a, b domain.GeoPoint) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
