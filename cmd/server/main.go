package main

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

	"finance-tracker/internal/auth"
	"finance-tracker/internal/backend"
	"finance-tracker/internal/config"
	"finance-tracker/internal/events"
	"finance-tracker/internal/handlers"
	"finance-tracker/internal/ledger"
	"finance-tracker/internal/logging"
	"finance-tracker/internal/metrics"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", logging.FieldError, err)
		closeLog()
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.EnsureAdmin(ctx, store, cfg.AdminUser, cfg.AdminPassword, logger); err != nil {
		return fmt.Errorf("create initial user: %w", err)
	}

	engineOpts := []ledger.Option{ledger.WithLogger(logger)}
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		engineOpts = append(engineOpts, ledger.WithPublisher(publisher))
		logger.Info("publishing ledger events", "exchange", cfg.AMQPExchange)
	}
	engine := ledger.NewEngine(store, engineOpts...)

	h := handlers.NewHandlers(handlers.Config{
		Store:           store,
		Engine:          engine,
		Logger:          logger,
		SessionDuration: cfg.SessionDuration,
		SecureCookie:    cfg.SecureCookie,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(h, cfg.MetricsEnabled),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.Port, "backend", cfg.DataBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		cleanExpiredSessions(gctx, store, cfg.SessionCleanupInterval, logger)
		return nil
	})

	return g.Wait()
}

// setupRouter registers every route. Authenticated routes resolve the session
// before reaching the handler.
func setupRouter(h *handlers.Handlers, metricsEnabled bool) http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, handler http.Handler) {
		if metricsEnabled {
			handler = metrics.Wrap(pattern, handler)
		}
		mux.Handle(pattern, handler)
	}
	authed := func(fn http.HandlerFunc) http.Handler {
		return h.AuthMiddleware(fn)
	}

	route("GET /healthz", http.HandlerFunc(h.Health))
	if metricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	route("POST /api/register", http.HandlerFunc(h.Register))
	route("POST /api/login", http.HandlerFunc(h.Login))
	route("POST /api/logout", http.HandlerFunc(h.Logout))

	route("GET /api/me", authed(h.Me))
	route("GET /api/balance", authed(h.Balance))
	route("GET /api/dashboard", authed(h.Dashboard))
	route("GET /api/analysis", authed(h.Analysis))
	route("GET /api/cash", authed(h.ListCash))
	route("POST /api/cash", authed(h.RecordCash))
	route("GET /api/expenses", authed(h.ListExpenses))
	route("POST /api/expenses", authed(h.RecordExpense))

	return handlers.RequestID(h.Recovery(mux))
}

type sessionCleaner interface {
	CleanExpiredSessions(ctx context.Context) (int64, error)
}

// cleanExpiredSessions deletes expired sessions every interval until ctx is done.
func cleanExpiredSessions(ctx context.Context, store sessionCleaner, interval time.Duration, logger *slog.Logger) {
	logger = logger.With(logging.FieldComponent, "sessions")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanExpiredSessions(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to clean expired sessions", logging.FieldError, err)
				}
				continue
			}
			if n > 0 {
				metrics.SessionsCleanedTotal.Add(float64(n))
				logger.Debug("cleaned expired sessions", "count", n)
			}
		}
	}
}
