// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/akorchak/geosync/internal/config"
	"github.com/akorchak/geosync/internal/netmon"
	"github.com/akorchak/geosync/internal/pkg/ctxlog"
	"github.com/akorchak/geosync/internal/pkg/httputil"
	"github.com/akorchak/geosync/internal/pkg/metrics"
	pkgpostgres "github.com/akorchak/geosync/internal/pkg/postgres"
	"github.com/akorchak/geosync/internal/store"
	"github.com/akorchak/geosync/internal/store/memory"
	storepostgres "github.com/akorchak/geosync/internal/store/postgres"
	"github.com/akorchak/geosync/internal/store/postgres/migrations"
	"github.com/akorchak/geosync/internal/store/sqlite"
	syncengine "github.com/akorchak/geosync/internal/sync"
	"github.com/akorchak/geosync/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil unless the postgres store driver is selected
	queue         store.Store
	monitor       *netmon.Monitor
	manager       *syncengine.Manager
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.openStore(); err != nil {
		return nil, err
	}

	var probe netmon.Probe
	if cfg.Network.ProbeAddress != "" {
		probe = netmon.DialProbe{Address: cfg.Network.ProbeAddress}
	}
	app.monitor = netmon.New(probe, cfg.Network.ProbeInterval)

	app.manager = syncengine.NewManager(syncengine.Config{
		Endpoint: cfg.Sync.Endpoint,
		Method:   cfg.Sync.Method,
		Headers:  cfg.Sync.Headers,
		Params:   cfg.Sync.Params,
		Extras:   cfg.Sync.Extras,
		Retry: syncengine.RetryConfig{
			MaxRetry:   cfg.Sync.MaxRetry,
			Delay:      cfg.Sync.RetryDelay,
			Multiplier: cfg.Sync.RetryMultiplier,
			MaxDelay:   cfg.Sync.MaxRetryDelay,
		},
		BatchSync:         cfg.Sync.BatchSync,
		MaxBatchSize:      cfg.Sync.MaxBatchSize,
		AutoSyncThreshold: cfg.Sync.AutoSyncThreshold,
		RestrictOnMetered: cfg.Sync.RestrictOnMetered,
		IdempotencyHeader: cfg.Sync.IdempotencyHeader,
		RootProperty:      cfg.Sync.RootProperty,
		HTTPTimeout:       cfg.Sync.HTTPTimeout,
		HookTimeout:       cfg.Sync.HookTimeout,
		Heartbeat:         cfg.Sync.Heartbeat,
		RateLimit:         cfg.Sync.RateLimit,
		RetentionMaxAge:   cfg.Sync.RetentionMaxAge,
		RetentionMaxCount: cfg.Sync.RetentionMaxCount,
	}, app.queue, app.monitor, syncengine.LogEmitter{Logger: logger})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	app.monitor.Start(bgCtx)
	app.manager.Start(bgCtx)
	go app.collectQueueMetrics(bgCtx)
	if app.db != nil {
		go app.collectDBMetrics(bgCtx)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Manager exposes the sync engine, letting embedding hosts register body
// builders and pre-sync validators before traffic starts.
func (a *App) Manager() *syncengine.Manager {
	return a.manager
}

// Router returns the main HTTP handler, used by integration tests.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Monitor exposes the connectivity monitor for platform push updates.
func (a *App) Monitor() *netmon.Monitor {
	return a.monitor
}

func (a *App) openStore() error {
	cfg := a.config.Store

	switch cfg.Driver {
	case "memory":
		a.queue = memory.New(cfg.DeadLetterCapacity)

	case "sqlite":
		st, err := sqlite.Open(cfg.Path, cfg.DeadLetterCapacity)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.queue = st

	case "postgres":
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()

		db, err := pkgpostgres.Connect(connectCtx, pkgpostgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		if err := runMigrations(cfg.URL); err != nil {
			db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}

		a.db = db
		a.queue = storepostgres.NewRepository(db, cfg.DeadLetterCapacity)

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	return nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	srcErr, dbErr := migrator.Close()
	return errors.Join(srcErr, dbErr)
}

func (a *App) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(httputil.MetricsMiddleware)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	queueHandler := syncengine.NewHandler(a.manager)

	r.Route("/api/v1", func(r chi.Router) {
		queueHandler.RegisterRoutes(r)
	})

	return r
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()
	a.manager.Destroy()
	a.monitor.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			syncengine.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	} else if _, err := a.queue.Stats(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
