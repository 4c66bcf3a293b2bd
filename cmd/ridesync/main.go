package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/ridesync/internal/control"
	"github.com/example/ridesync/internal/engine"
	"github.com/example/ridesync/internal/eta"
	"github.com/example/ridesync/internal/eta/routing"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/ride/api"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/schedule"
	"github.com/example/ridesync/internal/session"
	"github.com/example/ridesync/internal/transport/natsbus"
	"github.com/example/ridesync/internal/transport/ws"
	"github.com/example/ridesync/pkg/observability"
)

const version = "0.1.0"

type appConfig struct {
	HTTPAddr      string
	APIBase       string
	SocketURL     string
	Transport     string
	NATSURL       string
	Router        string
	RouterURL     string
	RedisAddr     string
	RouteCacheTTL time.Duration
	Token         string
	Email         string
	Password      string
	GPSFeedAddr   string
	LogLevel      string
	FarePerKM     float64
	InterpWindow  time.Duration
	FrameInterval time.Duration
	ETATick       time.Duration
	PreviewStep   time.Duration
	RateRead      control.RateConfig
	RateWrite     control.RateConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("ridesync", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "ridesync", version)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, running without cache and rate limits", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	loop := schedule.NewLoop(logger.Named("loop"), 0)
	loopDone := make(chan struct{})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()

	core := engine.New(engine.Deps{
		Runtime:   loop,
		Transport: buildTransport(logger, cfg),
		Backend:   api.New(logger.Named("api"), api.Config{BaseURL: cfg.APIBase}),
		Router:    buildRouter(redisClient, logger, cfg),
	}, logger.Named("engine"), engine.Config{
		Endpoint:      endpoint(cfg),
		FrameInterval: cfg.FrameInterval,
		Track:         location.TrackConfig{Window: cfg.InterpWindow},
		ETA: eta.Config{
			FarePerKM:   cfg.FarePerKM,
			Tick:        cfg.ETATick,
			PreviewStep: cfg.PreviewStep,
		},
	})
	core.Subscribe(func(change domain.Change) {
		if change.Notice != nil {
			logger.Info("notice",
				zap.String("level", string(change.Notice.Level)),
				zap.String("ride_id", change.RideID),
				zap.String("message", change.Notice.Message))
		}
	})

	signIn(ctx, core, logger, cfg)

	var limiter *control.RateLimiter
	if redisClient != nil {
		limiter = control.NewRateLimiter(redisClient, cfg.RateRead, cfg.RateWrite, logger.Named("ratelimit"))
	}

	r := chi.NewRouter()
	r.Mount("/", control.New(core, logger.Named("control"), control.Options{Limiter: limiter}).Router())
	r.Mount("/observability", observability.MetricsRouter(func() error {
		if core.Session().State != session.StateConnected {
			return domain.ErrNotConnected
		}
		return nil
	}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control surface listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	var feed *grpc.Server
	if cfg.GPSFeedAddr != "" {
		feed = runFeed(logger, cfg.GPSFeedAddr, core)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if feed != nil {
		feed.GracefulStop()
	}
	_ = srv.Shutdown(shutdownCtx)
	if err := core.Close(shutdownCtx); err != nil {
		logger.Warn("teardown incomplete", zap.Error(err))
	}
	stopLoop()
	<-loopDone
	logger.Info("stopped", zap.Int("timers", loop.Active()))
}

func signIn(ctx context.Context, core *engine.Engine, logger *zap.Logger, cfg appConfig) {
	var (
		info session.Info
		err  error
	)
	switch {
	case cfg.Token != "":
		info, err = core.Resume(ctx, cfg.Token)
	case cfg.Email != "":
		info, err = core.Login(ctx, cfg.Email, cfg.Password)
	default:
		logger.Info("no credentials configured, waiting for sign-in on the control surface")
		return
	}
	if err != nil {
		logger.Warn("sign-in failed", zap.Error(err))
		return
	}
	logger.Info("session ready",
		zap.String("user_id", info.Identity.ID),
		zap.String("session_id", info.SessionID.String()),
		zap.Strings("rooms", info.Rooms))
}

func buildTransport(logger *zap.Logger, cfg appConfig) session.Transport {
	if cfg.Transport == "nats" {
		return natsbus.New(logger.Named("nats"), natsbus.Config{Name: "ridesync"})
	}
	return ws.New(logger.Named("ws"), ws.Config{})
}

func endpoint(cfg appConfig) string {
	if cfg.Transport == "nats" {
		return cfg.NATSURL
	}
	return cfg.SocketURL
}

func buildRouter(redisClient *redis.Client, logger *zap.Logger, cfg appConfig) domain.Router {
	var router domain.Router
	if cfg.Router == "straight" {
		router = routing.Straight{}
	} else {
		router = routing.NewOSRM(logger.Named("osrm"), routing.OSRMConfig{BaseURL: cfg.RouterURL})
	}
	if redisClient == nil {
		return router
	}
	return routing.NewCache(router, redisClient, logger.Named("route-cache"), routing.CacheConfig{TTL: cfg.RouteCacheTTL})
}

func runFeed(logger *zap.Logger, addr string, core *engine.Engine) *grpc.Server {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen gps feed", zap.Error(err))
		return nil
	}
	srv := grpc.NewServer(location.ServerCodec())
	location.RegisterFeedServer(srv, location.NewServer(core, core.ActiveRideID, logger.Named("feed")))
	go func() {
		logger.Info("gps feed listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			logger.Error("gps feed serve", zap.Error(err))
		}
	}()
	return srv
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:      getenv("HTTP_ADDR", ":8090"),
		APIBase:       getenv("API_BASE", "http://localhost:8080"),
		SocketURL:     getenv("SOCKET_URL", "ws://localhost:8080/ws"),
		Transport:     getenv("TRANSPORT", "ws"),
		NATSURL:       getenv("NATS_URL", "nats://localhost:4222"),
		Router:        getenv("ROUTER", "osrm"),
		RouterURL:     getenv("ROUTER_URL", "https://router.project-osrm.org"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RouteCacheTTL: time.Duration(parseIntEnv("ROUTE_CACHE_TTL_SEC", 600)) * time.Second,
		Token:         os.Getenv("RIDESYNC_TOKEN"),
		Email:         os.Getenv("RIDESYNC_EMAIL"),
		Password:      os.Getenv("RIDESYNC_PASSWORD"),
		GPSFeedAddr:   os.Getenv("GPS_FEED_ADDR"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		FarePerKM:     parseFloatEnv("FARE_PER_KM", 10),
		InterpWindow:  time.Duration(parseIntEnv("INTERP_WINDOW_MS", 2000)) * time.Millisecond,
		FrameInterval: time.Duration(parseIntEnv("FRAME_INTERVAL_MS", 100)) * time.Millisecond,
		ETATick:       time.Duration(parseIntEnv("ETA_TICK_SEC", 60)) * time.Second,
		PreviewStep:   time.Duration(parseIntEnv("PREVIEW_STEP_MS", 1000)) * time.Millisecond,
		RateRead: control.RateConfig{
			Rate:  parseFloatEnv("RATE_READ_RPS", 50),
			Burst: parseFloatEnv("RATE_READ_BURST", 100),
		},
		RateWrite: control.RateConfig{
			Rate:  parseFloatEnv("RATE_WRITE_RPS", 5),
			Burst: parseFloatEnv("RATE_WRITE_BURST", 10),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
