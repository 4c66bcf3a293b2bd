package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/schedule"
)

// Config tunes fare and timers.
type Config struct {
	FarePerKM   float64
	Tick        time.Duration
	PreviewStep time.Duration
}

// Runtime is the executor and timer source the calculator runs on.
type Runtime interface {
	schedule.Executor
	schedule.Scheduler
}

// Calculator owns the current route, its fare, the ETA countdown and the
// route preview marker. Computations fully replace each other.
type Calculator struct {
	router   domain.Router
	rt       Runtime
	notifier domain.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config

	mu           sync.RWMutex
	gen          uint64
	origin       *domain.GeoPoint
	destination  *domain.GeoPoint
	route        *domain.Route
	fare         int64
	pending      bool
	eta          int
	etaTimer     schedule.Timer
	preview      int
	previewTimer schedule.Timer
}

// New constructs a Calculator with no route.
func New(router domain.Router, rt Runtime, notifier domain.Notifier, logger *zap.Logger, cfg Config) *Calculator {
	if cfg.FarePerKM <= 0 {
		cfg.FarePerKM = 10
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.PreviewStep <= 0 {
		cfg.PreviewStep = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = domain.NotifierFunc(nil)
	}
	return &Calculator{
		router:   router,
		rt:       rt,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("ridesync.eta"),
		cfg:      cfg,
	}
}

// Compute resolves the route between origin and destination and installs it.
// The fare reads as pending until it completes. A failed lookup leaves the
// previous route, fare and countdown in place. It must not be called from
// the executor.
func (c *Calculator) Compute(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	ctx, span := c.tracer.Start(ctx, "eta.compute", trace.WithAttributes(
		attribute.String("route.origin", origin.String()),
		attribute.String("route.destination", destination.String()),
	))
	defer span.End()

	var gen uint64
	if err := c.rt.Do(ctx, func() { gen = c.begin() }); err != nil {
		return domain.Route{}, fmt.Errorf("compute route: %w", err)
	}

	started := time.Now()
	route, routeErr := c.router.Route(ctx, origin, destination)
	computeDuration.Observe(time.Since(started).Seconds())

	var applyErr error
	err := c.rt.Do(context.Background(), func() { applyErr = c.apply(gen, origin, destination, route, routeErr) })
	if err != nil {
		return domain.Route{}, fmt.Errorf("compute route: %w", err)
	}
	if applyErr != nil {
		span.RecordError(applyErr)
		return domain.Route{}, applyErr
	}
	span.SetAttributes(attribute.Float64("route.distance_km", route.DistanceKM()))
	return route, nil
}

func (c *Calculator) begin() uint64 {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.pending = true
	c.mu.Unlock()
	c.notifier.Notify(domain.Change{Kind: domain.ChangeRoute})
	return gen
}

func (c *Calculator) apply(gen uint64, origin, destination domain.GeoPoint, route domain.Route, routeErr error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		computesTotal.WithLabelValues("superseded").Inc()
		return fmt.Errorf("route computation %d: %w", gen, domain.ErrSuperseded)
	}
	c.pending = false
	if routeErr != nil {
		c.mu.Unlock()
		computesTotal.WithLabelValues("unavailable").Inc()
		c.logger.Warn("route unavailable", zap.Error(routeErr))
		c.notifier.Notify(domain.Change{
			Kind:   domain.ChangeNotice,
			Notice: &domain.Notice{Level: domain.NoticeError, Message: "No route found between pickup and dropoff"},
		})
		c.notifier.Notify(domain.Change{Kind: domain.ChangeRoute})
		if errors.Is(routeErr, domain.ErrRouteUnavailable) {
			return fmt.Errorf("compute route: %w", routeErr)
		}
		return fmt.Errorf("compute route: %w: %v", domain.ErrRouteUnavailable, routeErr)
	}

	c.stopTimersLocked()
	c.origin = &origin
	c.destination = &destination
	c.route = &route
	c.fare = int64(math.Round(route.DistanceKM() * c.cfg.FarePerKM))
	c.eta = int(math.Round(route.Duration.Minutes()))
	c.preview = 0
	if c.eta > 0 {
		c.etaTimer = c.rt.Every(c.cfg.Tick, c.countdown)
	}
	if len(route.Geometry) > 1 {
		c.previewTimer = c.rt.Every(c.cfg.PreviewStep, c.advancePreview)
	}
	c.mu.Unlock()

	computesTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("route computed",
		zap.Float64("distance_km", route.DistanceKM()),
		zap.Duration("duration", route.Duration),
		zap.Int("vertices", len(route.Geometry)),
	)
	c.notifier.Notify(domain.Change{Kind: domain.ChangeRoute})
	c.notifier.Notify(domain.Change{Kind: domain.ChangeETA})
	return nil
}

func (c *Calculator) countdown() {
	c.mu.Lock()
	if c.eta > 0 {
		c.eta--
	}
	if c.eta == 0 && c.etaTimer != nil {
		c.etaTimer.Stop()
		c.etaTimer = nil
	}
	c.mu.Unlock()
	c.notifier.Notify(domain.Change{Kind: domain.ChangeETA})
}

func (c *Calculator) advancePreview() {
	c.mu.Lock()
	if c.route == nil {
		c.mu.Unlock()
		return
	}
	last := len(c.route.Geometry) - 1
	if c.preview < last {
		c.preview++
	}
	if c.preview >= last && c.previewTimer != nil {
		c.previewTimer.Stop()
		c.previewTimer = nil
	}
	c.mu.Unlock()
	c.notifier.Notify(domain.Change{Kind: domain.ChangePreview})
}

func (c *Calculator) stopTimersLocked() {
	if c.etaTimer != nil {
		c.etaTimer.Stop()
		c.etaTimer = nil
	}
	if c.previewTimer != nil {
		c.previewTimer.Stop()
		c.previewTimer = nil
	}
}

// Route returns the current route.
func (c *Calculator) Route() (domain.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.route == nil {
		return domain.Route{}, false
	}
	return *c.route, true
}

// Fare returns the fare in whole currency units. It is hidden while a
// computation is pending.
func (c *Calculator) Fare() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pending || c.route == nil {
		return 0, false
	}
	return c.fare, true
}

func (c *Calculator) Pending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// ETA returns the remaining minutes of the countdown.
func (c *Calculator) ETA() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.route == nil {
		return 0, false
	}
	return c.eta, true
}

// Preview returns the position of the route preview marker.
func (c *Calculator) Preview() (domain.GeoPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.route == nil || len(c.route.Geometry) == 0 {
		return domain.GeoPoint{}, false
	}
	return c.route.Geometry[c.preview], true
}

// Endpoints returns the pickup and dropoff the current route was computed
// for. A failed lookup does not move them.
func (c *Calculator) Endpoints() (origin, destination domain.GeoPoint, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.origin == nil || c.destination == nil {
		return domain.GeoPoint{}, domain.GeoPoint{}, false
	}
	return *c.origin, *c.destination, true
}

// Quote returns the current route's endpoints together with its fare, read
// in one step. It is hidden while a computation is pending.
func (c *Calculator) Quote() (origin, destination domain.GeoPoint, fare int64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pending || c.route == nil || c.origin == nil || c.destination == nil {
		return domain.GeoPoint{}, domain.GeoPoint{}, 0, false
	}
	return *c.origin, *c.destination, c.fare, true
}

// Stop cancels the countdown and preview timers, keeping the route. Must run
// on the executor.
func (c *Calculator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
}

// Reset stops all timers and forgets the route and endpoints. Computations
// still in flight are discarded when they complete. Must run on the executor.
func (c *Calculator) Reset() {
	c.mu.Lock()
	c.stopTimersLocked()
	c.gen++
	c.origin = nil
	c.destination = nil
	c.route = nil
	c.fare = 0
	c.pending = false
	c.eta = 0
	c.preview = 0
	c.mu.Unlock()
	c.notifier.Notify(domain.Change{Kind: domain.ChangeRoute})
}
