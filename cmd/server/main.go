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

	"github.com/sharespace/exchange-engine/internal/book"
	"github.com/sharespace/exchange-engine/internal/cache"
	"github.com/sharespace/exchange-engine/internal/config"
	"github.com/sharespace/exchange-engine/internal/engine"
	"github.com/sharespace/exchange-engine/internal/limits"
	"github.com/sharespace/exchange-engine/internal/metrics"
	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/service"
	"github.com/sharespace/exchange-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(ctx, pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis share cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		cleanup = append(cleanup, ms.Close)
		st = ms
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Seed the market ---
	if err := seedMarket(ctx, st, cfg.SeedShares); err != nil {
		slog.Error("market seeding failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub + market cache relay ---
	hub := service.NewWSHub()
	go hub.Run()

	relay := cache.New(st, "", engine.DefaultTradable)
	relay.OnShareUpdate(func(s model.Share) {
		hub.Broadcast(service.ShareUpdateMessage(s))
	})
	if err := relay.Start(ctx); err != nil {
		slog.Error("market cache startup failed", "err", err)
		os.Exit(1)
	}

	// --- Order book + price engine ---
	bk := book.New(st)

	if cfg.EngineEnabled {
		eng := engine.New(st, engine.Options{
			Interval:   cfg.TickInterval,
			NoiseEvery: cfg.NoiseEvery,
		})
		go eng.Run(ctx)
	}

	// --- Facade ---
	limiter := limits.NewOrderLimiter(cfg.MaxOpenPerShare, cfg.MaxOpenTotal)
	facade := service.NewFacade(st, bk, limiter, engine.DefaultTradable, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market updates.
		r.Get("/ws", hub.HandleWS)

		r.Post("/investors", facade.RegisterInvestor)

		r.Get("/shares", facade.ListShares)
		r.Get("/shares/{name}/price", facade.GetPrice)

		r.Post("/orders", facade.PlaceOrder)
		r.Get("/orders", facade.ListOrders)
		r.Delete("/orders/{orderID}", facade.CancelOrder)

		r.Get("/settlements", facade.ListSettlements)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}

// seedMarket lists any configured shares that are not already on the
// market. Shares are created once and never deleted; reseeding an
// existing name is a no-op.
func seedMarket(ctx context.Context, st store.Store, seeds []config.SeedShare) error {
	if len(seeds) == 0 {
		return nil
	}

	tx, err := st.Begin(ctx)
	if err != nil {
		return err
	}

	var listed int
	for _, seed := range seeds {
		_, err := tx.GetShare(ctx, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			tx.Rollback(ctx)
			return err
		}
		share := &model.Share{
			Name:              seed.Name,
			Kind:              model.ShareKindFirm,
			SharesOutstanding: seed.SharesOutstanding,
			Price:             seed.Price,
		}
		if err := tx.PutShare(ctx, share); err != nil {
			tx.Rollback(ctx)
			return err
		}
		listed++
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if listed > 0 {
		slog.Info("market seeded", "new_shares", listed)
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
