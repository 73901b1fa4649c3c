package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/academy/internal/billing/server"
	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/config"
	"github.com/dukerupert/academy/internal/database"
	"github.com/dukerupert/academy/internal/logging"
	"github.com/dukerupert/academy/internal/ratelimit"
	"github.com/dukerupert/academy/internal/supabase"
)

const (
	cleanupInterval    = time.Hour
	webhookEventMaxAge = 30 * 24 * time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey)
	var verifier supabase.TokenVerifier = users
	if cfg.Supabase.JWTSecret != "" {
		verifier = supabase.NewJWTVerifier(cfg.Supabase.JWTSecret)
	}

	var (
		counter ratelimit.Counter
		memory  *ratelimit.MemoryCounter
	)
	if cfg.Redis.URL != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		counter = ratelimit.NewRedisCounter(rdb)
		logger.Info("rate limits backed by redis")
	} else {
		memory = ratelimit.NewMemoryCounter()
		counter = memory
		logger.Info("rate limits kept in memory")
	}

	srv := server.New(db, server.Config{
		SiteURL:        cfg.SiteURL,
		AllowLocalhost: cfg.AllowLocalhost,
		TrustedProxy:   cfg.TrustedProxy,
		Payments: billingstripe.NewClient(billingstripe.Config{
			SecretKey:      cfg.Stripe.SecretKey,
			WebhookSecret:  cfg.Stripe.WebhookSecret,
			MonthlyPriceID: cfg.Stripe.MonthlyPriceID,
			YearlyPriceID:  cfg.Stripe.YearlyPriceID,
		}),
		Users:    users,
		Verifier: verifier,
		Counter:  counter,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go runCleanup(ctx, srv, memory, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("academy service starting", "addr", httpServer.Addr, "env", cfg.Env, "db", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runCleanup prunes expired checkout cache rows, old processed webhook
// events and stale in-memory rate limit windows until ctx is done.
func runCleanup(ctx context.Context, srv *server.Server, memory *ratelimit.MemoryCounter, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if n, err := srv.CheckoutCache().DeleteExpired(ctx, now); err != nil {
				logger.Error("cleanup expired checkout sessions", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired checkout sessions", "count", n)
			}
			if n, err := srv.WebhookEvents().DeleteProcessedBefore(ctx, now.Add(-webhookEventMaxAge)); err != nil {
				logger.Error("cleanup webhook events", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up webhook events", "count", n)
			}
			if memory != nil {
				memory.Cleanup()
			}
		case <-ctx.Done():
			return
		}
	}
}
