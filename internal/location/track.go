package location

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// TrackConfig holds interpolation tunables.
type TrackConfig struct {
	Window time.Duration
}

// Track buffers the two most recent vehicle fixes of the followed ride and
// blends between them over a fixed window.
type Track struct {
	clock  domain.Clock
	logger *zap.Logger
	window time.Duration

	mu     sync.RWMutex
	rideID string
	origin *domain.PositionSample
	target *domain.PositionSample
}

// NewTrack constructs a Track that follows no ride.
func NewTrack(clock domain.Clock, logger *zap.Logger, cfg TrackConfig) *Track {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Track{clock: clock, logger: logger, window: cfg.Window}
}

// Follow binds the track to rideID, discarding samples of any other ride.
func (t *Track) Follow(rideID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rideID == rideID {
		return
	}
	t.rideID = rideID
	t.origin = nil
	t.target = nil
}

// Reset clears the samples of rideID and stops following it.
func (t *Track) Reset(rideID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rideID != rideID {
		return
	}
	t.rideID = ""
	t.origin = nil
	t.target = nil
}

// RideID returns the ride being followed.
func (t *Track) RideID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rideID
}

// Ingest records a fix. Fixes for any ride but the followed one are dropped.
func (t *Track) Ingest(rideID string, point domain.GeoPoint, serverTime time.Time) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if rideID == "" || rideID != t.rideID {
		samplesTotal.WithLabelValues("stale").Inc()
		return false
	}
	t.origin = t.target
	t.target = &domain.PositionSample{Point: point, ServerTime: serverTime, ReceivedAt: now}
	samplesTotal.WithLabelValues("accepted").Inc()
	return true
}

// HandleDriverLocation decodes a driverLocationUpdate push and ingests it.
func (t *Track) HandleDriverLocation(raw json.RawMessage) bool {
	var payload domain.LocationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		samplesTotal.WithLabelValues("malformed").Inc()
		t.logger.Warn("malformed location update", zap.Error(err))
		return false
	}
	var serverTime time.Time
	if payload.TS > 0 {
		serverTime = time.UnixMilli(payload.TS).UTC()
	}
	if !t.Ingest(payload.RideID, domain.GeoPoint{Lat: payload.Lat, Lng: payload.Lng}, serverTime) {
		t.logger.Debug("location update discarded", zap.String("ride_id", payload.RideID))
		return false
	}
	return true
}

// Position returns the interpolated position at the current time.
func (t *Track) Position() (domain.GeoPoint, bool) {
	return t.PositionAt(t.clock.Now())
}

// PositionAt interpolates between origin and target for the time elapsed
// since the target arrived, holding at the target once the window is over.
func (t *Track) PositionAt(now time.Time) (domain.GeoPoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.target == nil {
		return domain.GeoPoint{}, false
	}
	if t.origin == nil {
		return t.target.Point, true
	}
	return lerp(t.origin.Point, t.target.Point, t.fraction(now)), true
}

// Animating reports whether PositionAt still moves at now.
func (t *Track) Animating(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.origin != nil && t.target != nil && t.fraction(now) < 1
}

// Samples returns copies of the buffered origin and target.
func (t *Track) Samples() (origin, target *domain.PositionSample) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.origin != nil {
		o := *t.origin
		origin = &o
	}
	if t.target != nil {
		tg := *t.target
		target = &tg
	}
	return origin, target
}

func (t *Track) fraction(now time.Time) float64 {
	elapsed := now.Sub(t.target.ReceivedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= t.window {
		return 1
	}
	return float64(elapsed) / float64(t.window)
}

func lerp(a, b domain.GeoPoint, f float64) domain.GeoPoint {
	return domain.GeoPoint{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}
}
