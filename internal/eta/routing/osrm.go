package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// OSRMConfig holds OSRM client tunables.
type OSRMConfig struct {
	BaseURL    string
	Profile    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OSRM resolves routes against an OSRM route service.
type OSRM struct {
	base    string
	profile string
	http    *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewOSRM constructs an OSRM router.
func NewOSRM(logger *zap.Logger, cfg OSRMConfig) *OSRM {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://router.project-osrm.org"
	}
	if cfg.Profile == "" {
		cfg.Profile = "driving"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OSRM{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		profile: cfg.Profile,
		http:    httpClient,
		logger:  logger,
		tracer:  otel.Tracer("ridesync.routing.osrm"),
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route satisfies domain.Router. Zero routes yield domain.ErrRouteUnavailable.
func (o *OSRM) Route(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	const op = "OSRM.Route"
	ctx, span := o.tracer.Start(ctx, "routing.osrm", trace.WithAttributes(
		attribute.String("route.origin", origin.String()),
		attribute.String("route.destination", destination.String()),
	))
	defer span.End()
	start := time.Now()

	url := fmt.Sprintf("%s/route/v1/%s/%f,%f;%f,%f?overview=full&geometries=geojson",
		o.base, o.profile, origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Route{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		lookupsTotal.WithLabelValues("osrm", "error").Inc()
		return domain.Route{}, fmt.Errorf("%s: %w: %v", op, domain.ErrRouteUnavailable, err)
	}
	defer resp.Body.Close()
	lookupDuration.WithLabelValues("osrm").Observe(time.Since(start).Seconds())

	var payload osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		lookupsTotal.WithLabelValues("osrm", "error").Inc()
		return domain.Route{}, fmt.Errorf("%s: decode (status %d): %w: %v", op, resp.StatusCode, domain.ErrRouteUnavailable, err)
	}
	if len(payload.Routes) == 0 {
		lookupsTotal.WithLabelValues("osrm", "empty").Inc()
		span.SetStatus(codes.Error, "no route")
		return domain.Route{}, fmt.Errorf("%s: %s %s: %w", op, payload.Code, payload.Message, domain.ErrRouteUnavailable)
	}

	best := payload.Routes[0]
	geometry := make([]domain.GeoPoint, 0, len(best.Geometry.Coordinates))
	for _, c := range best.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		geometry = append(geometry, domain.GeoPoint{Lat: c[1], Lng: c[0]})
	}
	lookupsTotal.WithLabelValues("osrm", "ok").Inc()
	span.SetAttributes(attribute.Float64("route.distance_m", best.Distance), attribute.Int("route.vertices", len(geometry)))
	return domain.Route{
		Geometry:       geometry,
		DistanceMeters: best.Distance,
		Duration:       time.Duration(best.Duration * float64(time.Second)),
	}, nil
}
