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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/optarena/trading-engine/internal/api"
	"github.com/optarena/trading-engine/internal/competition"
	"github.com/optarena/trading-engine/internal/config"
	"github.com/optarena/trading-engine/internal/expiry"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/trade"
	"github.com/optarena/trading-engine/internal/valuation"
	"github.com/optarena/trading-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database ping failed", "err", err)
			os.Exit(1)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Quote oracle ---
	var oracle quote.Oracle
	if cfg.QuoteURL != "" {
		oracle = quote.NewHTTPOracle(cfg.QuoteURL, cfg.QuoteTimeout, cfg.QuoteRatePerS)
		slog.Info("quote feed configured", "url", cfg.QuoteURL)
	} else {
		slog.Warn("QUOTE_URL not set, no live prices available")
		oracle = quote.NewStaticOracle(nil)
	}
	oracle = quote.Metered(oracle)

	// Wrap with Redis quote cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		oracle = quote.NewCachedOracle(oracle, rdb, cfg.QuoteCacheTTL)
		slog.Info("Redis quote cache enabled", "ttl", cfg.QuoteCacheTTL)
	}
	if cfg.TestMode() {
		oracle = quote.WithFallback(oracle, cfg.FallbackPrice)
		slog.Warn("test mode: market hours ignored, fallback price in effect", "price", cfg.FallbackPrice.String())
	}

	// --- WebSocket hub ---
	hub := ws.NewHub()

	// --- Services ---
	vals := valuation.NewService(st, oracle,
		valuation.WithHub(hub),
		valuation.WithQuoteTimeout(cfg.QuoteTimeout),
	)
	trades := trade.NewService(st, oracle, vals,
		trade.WithHub(hub),
		trade.WithTestMode(cfg.TestMode()),
		trade.WithQuoteTimeout(cfg.QuoteTimeout),
	)
	comps := competition.NewService(st)
	sweeper := expiry.NewSweeper(st, trades, expiry.WithHub(hub))

	// --- HTTP router ---
	handler := api.NewRouter(api.Deps{
		Competitions:   comps,
		Trades:         trades,
		Valuation:      vals,
		Quotes:         oracle,
		Sweeper:        sweeper,
		Hub:            hub,
		Auth:           api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		AdminSecret:    cfg.AdminSecret,
		RequestTimeout: cfg.RequestTimeout,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runSnapshots(gctx, vals, cfg.SnapshotEvery)
		return nil
	})
	g.Go(func() error {
		runSweeps(gctx, sweeper, cfg.ExpiryHour, cfg.ExpiryMinute)
		return nil
	})
	g.Go(func() error {
		slog.Info("trading-engine listening", "port", cfg.Port, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trading-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
