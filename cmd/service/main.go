package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/location-weather/internal/cache"
	"github.com/kjstillabower/location-weather/internal/client"
	"github.com/kjstillabower/location-weather/internal/config"
	httphandler "github.com/kjstillabower/location-weather/internal/http"
	"github.com/kjstillabower/location-weather/internal/lifecycle"
	"github.com/kjstillabower/location-weather/internal/observability"
	"github.com/kjstillabower/location-weather/internal/render"
	"github.com/kjstillabower/location-weather/internal/service"
	"github.com/kjstillabower/location-weather/internal/traffic"
	"github.com/kjstillabower/location-weather/internal/widget"
)

const warmTimeout = 30 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger = logger.With(zap.String("service", cfg.ServiceName), zap.String("version", cfg.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPIForecastURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	weatherClient.SetCircuitBreaker(client.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerTimeout))
	logger.Info("circuit breaker enabled", zap.Uint32("failures", cfg.BreakerFailures), zap.Duration("timeout", cfg.BreakerTimeout))

	backend, err := newCacheBackend(cfg, logger)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err))
	}
	responses := cache.NewResponseCache(backend.cache, cache.Options{
		TTL:          cfg.CacheTTL,
		FetchTimeout: cfg.CacheFetchTimeout,
		BackendName:  cfg.CacheBackend,
	}, logger)
	weatherService := service.NewWeatherService(weatherClient, responses, logger)

	store, err := newWidgetStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("widget store", zap.Error(err))
	}

	tracker := traffic.New()
	observability.RegisterTrafficGauges(tracker, cfg.HealthWindow)
	if len(cfg.TrackedWidgets) > 0 {
		observability.SetTrackedWidgets(cfg.TrackedWidgets)
	}

	renderer := render.NewShortcodeRenderer(store.Store, weatherService, tracker, logger)
	state := &lifecycle.State{}
	healthConfig := &httphandler.HealthConfig{
		Service:      cfg.ServiceName,
		Version:      cfg.Version,
		Window:       cfg.HealthWindow,
		DegradedPct:  cfg.HealthDegradedPct,
		OverloadPct:  cfg.HealthOverloadPct,
		RateLimitRPS: cfg.RateLimitRPS,
		CachePing:    backend.ping,
	}
	handler := httphandler.NewHandler(renderer, store.Store, weatherService, tracker, state, healthConfig, logger)
	handler.SetWidgetReloader(store.reload)
	go reloadOnHangup(ctx, store, logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	inflight := httphandler.NewInFlightTracker()
	router := newRouter(handler, limiter, tracker, inflight, cfg.RequestTimeout, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if cfg.CacheWarm {
		warmer := cache.NewCacheWarmer(weatherService, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, warmTimeout)
		if err := warmer.Warm(warmCtx, store.List()); err != nil {
			logger.Warn("cache warming incomplete", zap.Error(err))
		}
		warmCancel()
	}
	state.MarkServing()
	logger.Info("serving", zap.Int("widgets", len(store.List())), zap.String("cache_backend", cfg.CacheBackend))

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inflight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := inflight.WaitForZero(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inflight.Count()))
	}

	if err := store.close(); err != nil {
		logger.Error("widget store close", zap.Error(err))
	}
	if err := backend.close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newRouter mounts the render routes behind the rate limiter and request deadline. Health,
// metrics and admin routes stay reachable when render traffic is limited.
func newRouter(
	handler *httphandler.Handler,
	limiter *rate.Limiter,
	tracker *traffic.Tracker,
	inflight *httphandler.InFlightTracker,
	requestTimeout time.Duration,
	logger *zap.Logger,
) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware(inflight))
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/admin/widgets", handler.ListWidgets).Methods("GET")
	router.HandleFunc("/admin/widgets/reload", handler.ReloadWidgets).Methods("POST")

	renderRoutes := router.NewRoute().Subrouter()
	renderRoutes.Use(httphandler.RateLimitMiddleware(limiter, tracker))
	renderRoutes.Use(httphandler.TimeoutMiddleware(requestTimeout))
	renderRoutes.HandleFunc("/ajax/{action}", handler.PostAjax).Methods("POST")
	renderRoutes.HandleFunc("/widgets/{id}", handler.GetWidget).Methods("GET")
	return router
}

type cacheBackend struct {
	cache cache.Cache
	ping  func(ctx context.Context) error
	close func() error
}

// newCacheBackend builds the configured cache backend. Remote backends expose a ping for /health.
func newCacheBackend(cfg *config.Config, logger *zap.Logger) (cacheBackend, error) {
	noClose := func() error { return nil }
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return cacheBackend{}, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cacheBackend{
			cache: mc,
			ping:  func(context.Context) error { return mc.Ping() },
			close: mc.Close,
		}, nil
	case cache.BackendRedis:
		rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisDB, cfg.RedisTimeout)
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return cacheBackend{cache: rc, ping: rc.Ping, close: rc.Close}, nil
	case cache.BackendRistretto:
		rc, err := cache.NewRistrettoCache(cfg.RistrettoMaxCost)
		if err != nil {
			return cacheBackend{}, err
		}
		logger.Info("cache backend: ristretto", zap.Int64("max_cost", cfg.RistrettoMaxCost))
		return cacheBackend{cache: rc, close: rc.Close}, nil
	default:
		logger.Info("cache backend: in_memory")
		return cacheBackend{cache: cache.NewInMemoryCache(nil), close: noClose}, nil
	}
}

type widgetStore struct {
	widget.Store
	reload func(ctx context.Context) error
	close  func() error
}

// newWidgetStore opens the configured widget catalog. The file store is watched for edits
// until ctx is done. An empty SQL table is seeded from the widgets file when one exists.
func newWidgetStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (widgetStore, error) {
	if cfg.WidgetsBackend == "sql" {
		s, err := widget.OpenSQLStore(ctx, cfg.WidgetsDriver, cfg.WidgetsDSN, logger)
		if err != nil {
			return widgetStore{}, err
		}
		if err := seedSQLStore(ctx, s, cfg.WidgetsPath, logger); err != nil {
			s.Close()
			return widgetStore{}, err
		}
		logger.Info("widget store: sql", zap.String("driver", cfg.WidgetsDriver), zap.Int("widgets", len(s.List())))
		return widgetStore{Store: s, reload: s.Reload, close: s.Close}, nil
	}

	s, err := widget.NewFileStore(cfg.WidgetsPath, logger)
	if err != nil {
		return widgetStore{}, err
	}
	go func() {
		if err := s.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("widget file watch stopped", zap.Error(err))
		}
	}()
	logger.Info("widget store: file", zap.String("path", cfg.WidgetsPath), zap.Int("widgets", len(s.List())))
	return widgetStore{
		Store:  s,
		reload: func(context.Context) error { return s.Reload() },
		close:  func() error { return nil },
	}, nil
}

func seedSQLStore(ctx context.Context, s *widget.SQLStore, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	configs, err := widget.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := s.Seed(ctx, configs)
	if err != nil {
		return fmt.Errorf("seed widgets from %s: %w", path, err)
	}
	if n > 0 {
		logger.Info("widgets table seeded", zap.String("path", path), zap.Int("count", n))
	}
	return nil
}

// reloadOnHangup reloads the widget catalog on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, store widgetStore, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.reload(ctx); err != nil {
				logger.Error("widget reload on SIGHUP failed", zap.Error(err))
				continue
			}
			logger.Info("widgets reloaded on SIGHUP", zap.Int("count", len(store.List())))
		}
	}
}
