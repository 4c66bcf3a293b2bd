package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// CacheConfig holds cache tunables.
type CacheConfig struct {
	Prefix string
	TTL    time.Duration
}

// Cache memoizes routes in Redis. Redis failures fall through to the
// wrapped router; routing failures are never cached.
type Cache struct {
	next   domain.Router
	client redis.Cmdable
	logger *zap.Logger
	cfg    CacheConfig
}

// NewCache wraps next with a Redis-backed cache.
func NewCache(next domain.Router, client redis.Cmdable, logger *zap.Logger, cfg CacheConfig) *Cache {
	if cfg.Prefix == "" {
		cfg.Prefix = "route"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{next: next, client: client, logger: logger, cfg: cfg}
}

type cachedRoute struct {
	Geometry       []domain.GeoPoint `json:"geometry"`
	DistanceMeters float64           `json:"distance_m"`
	DurationSec    float64           `json:"duration_s"`
}

// Key returns the cache key for a pair of endpoints.
func (c *Cache) Key(origin, destination domain.GeoPoint) string {
	return fmt.Sprintf("%s:%.5f,%.5f:%.5f,%.5f", c.cfg.Prefix, origin.Lat, origin.Lng, destination.Lat, destination.Lng)
}

// Route satisfies domain.Router.
func (c *Cache) Route(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	key := c.Key(origin, destination)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedRoute
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			cacheTotal.WithLabelValues("hit").Inc()
			return domain.Route{
				Geometry:       cached.Geometry,
				DistanceMeters: cached.DistanceMeters,
				Duration:       time.Duration(cached.DurationSec * float64(time.Second)),
			}, nil
		}
		c.logger.Warn("corrupt cached route", zap.String("key", key))
	case errors.Is(err, redis.Nil):
		cacheTotal.WithLabelValues("miss").Inc()
	default:
		cacheTotal.WithLabelValues("error").Inc()
		c.logger.Warn("route cache read failed", zap.String("key", key), zap.Error(err))
	}

	route, err := c.next.Route(ctx, origin, destination)
	if err != nil {
		return domain.Route{}, err
	}
	payload, err := json.Marshal(cachedRoute{
		Geometry:       route.Geometry,
		DistanceMeters: route.DistanceMeters,
		DurationSec:    route.Duration.Seconds(),
	})
	if err == nil {
		if err := c.client.Set(ctx, key, payload, c.cfg.TTL).Err(); err != nil {
			c.logger.Warn("route cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return route, nil
}
