package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"storefront-edge/internal/audit"
	"storefront-edge/internal/config"
	"storefront-edge/internal/cookie"
	"storefront-edge/internal/database"
	"storefront-edge/internal/event"
	"storefront-edge/internal/gateway"
	"storefront-edge/internal/handler"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/middleware"
	"storefront-edge/internal/recovery"
	"storefront-edge/internal/refresh"
	"storefront-edge/internal/repository"
	"storefront-edge/internal/route"
	"storefront-edge/internal/router"
	"storefront-edge/internal/session"
)

type App struct {
	server       *http.Server
	recorder     *audit.Recorder
	stopRecorder context.CancelFunc
	recorderDone chan struct{}
	cleanupFuncs []func()
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	classifier := route.Default()
	if cfg.RouteRulesFile != "" {
		loaded, err := route.Load(cfg.RouteRulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load route rules: %w", err)
		}
		classifier = loaded
	}
	slog.Info("route rules loaded", "version", classifier.Version(), "file", cfg.RouteRulesFile)

	codec, err := session.NewCodec(cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session codec: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		BaseURL:       cfg.GatewayURL,
		Timeout:       cfg.GatewayTimeout,
		AccessCookie:  cfg.GatewayAccessCookie,
		RefreshCookie: cfg.GatewayRefreshCookie,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	bus := event.NewBus()
	a := &App{}

	var store audit.Store
	var health router.HealthFunc
	activity := handler.NewActivityHandler(nil)
	if cfg.DatabaseURL != "" {
		slog.Info("connecting to PostgreSQL")
		db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ensure database schema: %w", err)
		}

		events := repository.NewSessionEventRepository(db.Pool)
		store = events
		activity = handler.NewActivityHandler(events)
		health = db.Health
		a.cleanupFuncs = append(a.cleanupFuncs, db.Close)
		slog.Info("database ready")
	} else {
		slog.Info("DATABASE_URL not set; session events go to the log")
	}

	propagator := cookie.NewPropagator(cfg.Production())
	coordinator := refresh.NewCoordinator(gw, propagator,
		refresh.WithEvents(bus),
		refresh.WithMetrics(collector),
	)
	bridge := recovery.NewBridge(cfg.Production(),
		recovery.WithEvents(bus),
		recovery.WithMetrics(collector),
	)

	pipeline := middleware.NewPipeline(
		middleware.Classify(classifier, collector),
		middleware.LoadSession(codec, propagator),
		middleware.AnnotateClient(propagator),
		middleware.Refresh(coordinator, codec, propagator, cfg.SessionMaxAge),
		middleware.Guard(cfg.SignInPath, propagator),
	)

	appRouter := router.New(cfg, pipeline, router.Handlers{
		Auth:     handler.NewAuthHandler(gw, codec, propagator, cfg.SessionMaxAge, bus, collector),
		Page:     handler.NewPageHandler(gw, bridge, cfg.BackendDataPrefix),
		Activity: activity,
	}, registry, health)

	a.recorder = audit.NewRecorder(bus, store)
	a.server = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadHeaderTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	return a, nil
}

func (a *App) Run() error {
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	a.stopRecorder = stopRecorder
	a.recorderDone = make(chan struct{})
	go func() {
		defer close(a.recorderDone)
		a.recorder.Run(recorderCtx)
	}()

	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if serveErr := a.server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("server failed", "error", serveErr)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := a.server.Shutdown(ctx)

	// Drain audit events emitted by in-flight requests before closing the pool.
	a.stopRecorder()
	<-a.recorderDone
	for _, cleanup := range a.cleanupFuncs {
		cleanup()
	}

	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	slog.Info("server stopped")
	return nil
}
