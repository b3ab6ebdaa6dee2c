// Package app wires configuration, storage, the notification pipeline and
// the HTTP servers, and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/tenant-notify/api/openapi"
	"github.com/bissquit/tenant-notify/internal/config"
	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/notifications"
	"github.com/bissquit/tenant-notify/internal/notifications/email"
	notificationspostgres "github.com/bissquit/tenant-notify/internal/notifications/postgres"
	"github.com/bissquit/tenant-notify/internal/notifications/sms"
	"github.com/bissquit/tenant-notify/internal/pkg/ctxlog"
	"github.com/bissquit/tenant-notify/internal/pkg/httputil"
	"github.com/bissquit/tenant-notify/internal/pkg/jwtauth"
	"github.com/bissquit/tenant-notify/internal/pkg/metrics"
	"github.com/bissquit/tenant-notify/internal/pkg/postgres"
	"github.com/bissquit/tenant-notify/internal/version"
	"github.com/bissquit/tenant-notify/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const dbMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	pipeline      *pipeline
}

// pipeline holds the notification components built from config.
type pipeline struct {
	repo      *notificationspostgres.Repository
	service   *notifications.Service
	processor *notifications.Processor
	worker    *notifications.Worker
}

// New creates a new application instance. It connects to the database,
// applies migrations when configured and builds the router, but starts
// nothing.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if cfg.Database.MigrateOnStart {
		v, err := postgres.Migrate(cfg.Database.URL, migrations.FS)
		if err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database schema up to date", "version", v)
	}

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:               cfg.Database.URL,
		MaxOpenConns:      cfg.Database.MaxOpenConns,
		MaxIdleConns:      cfg.Database.MaxIdleConns,
		ConnMaxLifetime:   cfg.Database.ConnMaxLifetime,
		ConnectAttempts:   cfg.Database.ConnectAttempts,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	p, err := buildPipeline(cfg.Notifications, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build notification pipeline: %w", err)
	}
	app.pipeline = p

	app.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
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
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit).Set(1)

	return app, nil
}

func buildPipeline(cfg config.NotificationsConfig, db *pgxpool.Pool) (*pipeline, error) {
	repo := notificationspostgres.NewRepository(db)

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
		RequireTLS:   cfg.Email.RequireTLS,
		DialTimeout:  cfg.Email.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Email.Enabled {
		slog.Warn("email sender is disabled: email items will fail after exhausting attempts")
	}

	smsSender, err := sms.NewSender(sms.Config{
		Enabled:    cfg.SMS.Enabled,
		GatewayURL: cfg.SMS.GatewayURL,
		APIKey:     cfg.SMS.APIKey,
		SenderID:   cfg.SMS.SenderID,
		RateLimit:  cfg.SMS.RateLimit,
		Burst:      cfg.SMS.Burst,
		Timeout:    cfg.SMS.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create sms sender: %w", err)
	}
	if !cfg.SMS.Enabled {
		slog.Warn("sms sender is disabled: sms items will fail after exhausting attempts")
	}

	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		SendTimeout: cfg.SendTimeout,
		Breaker: notifications.BreakerConfig{
			Enabled:          cfg.Breaker.Enabled,
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinRequests:      cfg.Breaker.MinRequests,
		},
	}, emailSender, smsSender)

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	contacts := notifications.NewContactValidator(repo, cfg.DefaultCountryCode)
	guard := notifications.NewDuplicateGuard(repo, notifications.DedupWindows{
		Default: cfg.Dedup.DefaultWindow,
		Overdue: cfg.Dedup.OverdueWindow,
	})

	processor := notifications.NewProcessor(notifications.ProcessorConfig{
		BatchLimit:  cfg.BatchLimit,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		ClaimTTL:    cfg.ClaimTTL,
		Concurrency: cfg.Concurrency,
	}, repo, notifications.NewFeatureGate(repo), contacts, renderer, dispatcher)

	p := &pipeline{
		repo:      repo,
		service:   notifications.NewService(repo, guard, contacts),
		processor: processor,
	}

	if cfg.Enabled {
		p.worker = notifications.NewWorker(notifications.WorkerConfig{
			Schedule:           cfg.Schedule,
			StatsSchedule:      cfg.StatsSchedule,
			RetrySweepSchedule: cfg.RetrySweepSchedule,
			BatchLimit:         cfg.BatchLimit,
			RunTimeout:         cfg.RunTimeout,
		}, processor, repo)
	}

	slog.Info("notifications configured",
		"worker_enabled", cfg.Enabled,
		"email_enabled", cfg.Email.Enabled,
		"sms_enabled", cfg.SMS.Enabled,
		"batch_limit", cfg.BatchLimit,
		"concurrency", cfg.Concurrency,
	)

	return p, nil
}

// Run starts background jobs and the HTTP servers. It blocks until the main
// server stops.
func (a *App) Run() error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.bgCancel = bgCancel

	go metrics.CollectDBPoolMetrics(bgCtx, a.db, dbMetricsInterval)

	if a.pipeline.worker != nil {
		if err := a.pipeline.worker.Start(bgCtx); err != nil {
			return fmt.Errorf("start notification worker: %w", err)
		}
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server", "addr", a.server.Addr, "version", version.Version)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the worker, then both servers, then closes the pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error

	// Stop notification worker first so no batch holds claims past shutdown
	if a.pipeline.worker != nil {
		if err := a.pipeline.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Processor returns the batch processor. Used in tests to drive the queue
// without waiting for the schedule.
func (a *App) Processor() *notifications.Processor {
	return a.pipeline.processor
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Spec)
	})

	tokens := jwtauth.New(jwtauth.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
		Leeway:    a.config.JWT.Leeway,
	})
	handler := notifications.NewHandler(a.pipeline.service, a.pipeline.processor)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(tokens))
		r.Use(httputil.RequireRole(domain.RoleService))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
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
