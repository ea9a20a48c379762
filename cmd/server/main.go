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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-engine/internal/api"
	"github.com/atmx/trading-engine/internal/auth"
	"github.com/atmx/trading-engine/internal/competition"
	"github.com/atmx/trading-engine/internal/config"
	"github.com/atmx/trading-engine/internal/leaderboard"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/pricecache"
	"github.com/atmx/trading-engine/internal/quote"
	"github.com/atmx/trading-engine/internal/snapshot"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
	"github.com/atmx/trading-engine/internal/valuation"
)

func main() {
	cfg, err := config.LoadConfig("config.toml", os.Getenv("TRADING_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if url := cfg.Storage.RedisURL; url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed", "err", err)
		}
	}

	if url := cfg.Storage.DatabaseURL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Storage.GetCacheTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.GetCacheTTL().String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Prices ---
	if cfg.Quote.APIKey == "" {
		slog.Warn("quote api key not set, quote requests will be rejected upstream")
	}
	quotes := quote.NewClient(cfg.Quote.APIKey,
		quote.WithBaseURL(cfg.Quote.BaseURL),
		quote.WithRateLimit(cfg.Quote.RateLimit),
		quote.WithTimeout(cfg.Quote.GetTimeout()),
		quote.WithLogger(logger),
	)
	cacheOpts := []pricecache.Option{
		pricecache.WithTTL(cfg.Quote.GetPriceTTL()),
		pricecache.WithFetchTimeout(cfg.Quote.GetTimeout()),
		pricecache.WithLogger(logger),
	}
	if rdb != nil {
		cacheOpts = append(cacheOpts, pricecache.WithBackend(pricecache.NewRedisBackend(rdb, cfg.Quote.GetStaleRetention())))
	} else {
		cacheOpts = append(cacheOpts, pricecache.WithBackend(pricecache.NewMemoryBackend(cfg.Quote.GetStaleRetention(), time.Now)))
	}
	prices := pricecache.New(quotes, cacheOpts...)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Services ---
	val := valuation.New(prices)
	board := leaderboard.New(st, val, leaderboard.WithPublisher(wsHub), leaderboard.WithLogger(logger))
	tradeSvc := trade.NewService(st, prices,
		trade.WithPublisher(wsHub),
		trade.WithMaxAttempts(cfg.Trading.MaxAttempts),
		trade.WithRequestTimeout(cfg.Server.GetRequestTimeout()),
		trade.WithStartingCash(cfg.Trading.GetDefaultStartingCash()),
		trade.WithHintTolerance(cfg.Trading.GetPriceHintTolerance()),
		trade.WithLogger(logger),
	)
	compSvc := competition.NewService(st, competition.WithLogger(logger))
	scheduler := snapshot.NewScheduler(st, val,
		snapshot.WithInterval(cfg.Snapshot.GetInterval()),
		snapshot.WithRefresher(board),
		snapshot.WithLogger(logger),
	)

	if cfg.Snapshot.Enabled {
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("snapshot scheduler stopped", "err", err)
			}
		}()
	}

	handler := api.NewHandler(api.Deps{
		Trades:       tradeSvc,
		Competitions: compSvc,
		Valuator:     val,
		Leaderboard:  board,
		History:      scheduler,
		Quotes:       prices,
		Hub:          wsHub,
		Auth:         auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Logger:       logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route is long-lived and must stay outside the timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(skipTimeoutFor("/api/v1/ws", 30*time.Second))
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Server.Port, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// skipTimeoutFor applies middleware.Timeout to every path except skip.
func skipTimeoutFor(skip string, timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(timeout)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == skip {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}
