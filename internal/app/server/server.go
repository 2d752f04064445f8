package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"timeclock/internal/domain/audit"
	"timeclock/internal/domain/auth"
	"timeclock/internal/domain/timeclock"
	"timeclock/internal/platform/config"
	"timeclock/internal/platform/crypto"
	"timeclock/internal/platform/db"
	"timeclock/internal/platform/email"
	"timeclock/internal/platform/jobs"
	"timeclock/internal/platform/lockout"
	"timeclock/internal/platform/metrics"
	"timeclock/internal/platform/outbox"
	"timeclock/internal/transport/http/api"
	audithandler "timeclock/internal/transport/http/handlers/audit"
	authhandler "timeclock/internal/transport/http/handlers/auth"
	timeclockhandler "timeclock/internal/transport/http/handlers/timeclock"
	"timeclock/internal/transport/http/middleware"
	"timeclock/migrations"
)

type App struct {
	Config  config.Config
	Router  http.Handler
	Service *timeclock.Service
	Jobs    *jobs.Service
	Metrics *metrics.Collector

	ready   func(context.Context) error
	closers []func()
}

// New assembles the service from cfg. Close releases whatever New opened.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	app := &App{Config: cfg, Metrics: metrics.New(), ready: func(context.Context) error { return nil }}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	var (
		store    timeclock.Store
		recorder audit.Recorder
		outboxes outbox.Repository
		runs     jobs.RunStore
	)
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		mem := timeclock.NewMemoryStore()
		store, outboxes = mem, mem
		recorder = audit.NewMemoryRecorder()
		slog.Warn("using in-memory ledger; records are lost on restart")
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, pool.Close)
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
				return nil, fmt.Errorf("migrations failed: %w", err)
			}
		}
		app.ready = pingPool(pool)
		store = timeclock.NewPGStore(pool)
		recorder = audit.New(pool)
		outboxes = outbox.NewPGRepository(pool)
		runs = jobs.NewPGRunStore(pool)
	}

	sealer, err := crypto.NewSealer(cfg.DataEncryptionKey, crypto.PurposeTOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("data encryption key: %w", err)
	}
	if !sealer.Configured() {
		slog.Warn("DATA_ENCRYPTION_KEY not set; totp enrollment is disabled")
	}

	limiter, err := newLimiter(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	app.Service = timeclock.NewService(store, sealer,
		timeclock.WithIssuer(cfg.TOTPIssuer),
		timeclock.WithTopic(cfg.KafkaTopic),
		timeclock.WithLimiter(limiter),
		timeclock.WithCounter(app.Metrics),
	)

	var relay *outbox.Relay
	if len(cfg.KafkaBrokers) > 0 {
		publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers)
		app.closers = append(app.closers, func() {
			if err := publisher.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		relay = outbox.NewRelay(outboxes, publisher, cfg.OutboxPollInterval)
	} else {
		slog.Info("KAFKA_BROKERS not set; clock events stay pending in the outbox")
	}

	app.Jobs = jobs.New(jobs.Deps{
		Verifier:          app.Service,
		Audit:             recorder,
		Alerter:           email.NewAlerter(cfg),
		Relay:             relay,
		Runs:              runs,
		IntegrityInterval: cfg.IntegrityCheckInterval,
	})

	policy, err := auth.NewPolicy()
	if err != nil {
		return nil, err
	}
	app.Router = app.routes(policy, recorder)
	ok = true
	return app, nil
}

func newLimiter(ctx context.Context, cfg config.Config, app *App) (timeclock.AttemptLimiter, error) {
	if cfg.RedisAddr == "" {
		return lockout.NewMemoryLimiter(cfg.LockoutMaxFailures, cfg.LockoutWindow), nil
	}
	client, err := lockout.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() {
		if err := client.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	})
	return lockout.NewRedisLimiter(client, cfg.LockoutMaxFailures, cfg.LockoutWindow), nil
}

func pingPool(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}

func (a *App) routes(policy *auth.Policy, recorder audit.Recorder) http.Handler {
	cfg := a.Config
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Logger)
	router.Use(middleware.Metrics(a.Metrics))
	router.Use(middleware.SecureHeaders(cfg.IsProduction()))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.MetricsEnabled {
		router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, a.Metrics.Snapshot(), middleware.GetRequestID(r.Context()))
		})
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
		r.Use(middleware.CodeSubmissionRateLimit(cfg.RateLimitPerMinute))

		authhandler.NewHandler(policy).RegisterRoutes(r)
		timeclockhandler.NewHandler(a.Service, recorder, policy, a.Jobs, cfg.TOTPIssuer).RegisterRoutes(r)
		audithandler.NewHandler(recorder, policy).RegisterRoutes(r)
	})
	return router
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, cfg config.Config) error {
	app, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	app.Jobs.Start(jobCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("time clock server listening", "addr", cfg.Addr, "storage", cfg.StorageDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
