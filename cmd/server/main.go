package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/settlement"
	"github.com/atmx/perp-engine/internal/store"
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

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Position limits ---
	defaults, err := cfg.Limits.Parse("limits")
	if err != nil {
		slog.Error("invalid limits", "err", err)
		os.Exit(1)
	}
	limiter := limits.NewPositionLimiter(defaults.MakerLimit, defaults.EfficiencyLimit, defaults.MaxCorrelatedSkew)

	// --- WebSocket hub ---
	wsHub := settlement.NewWSHub()
	go wsHub.Run(ctx)

	// --- Settlement service ---
	settleSvc := settlement.NewService(st, limiter, wsHub)
	if err := bootstrapMarkets(ctx, settleSvc, st, cfg.Markets); err != nil {
		slog.Error("market bootstrap failed", "err", err)
		os.Exit(1)
	}

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	var writeLimit func(http.Handler) http.Handler
	if cfg.Server.WriteRateLimit > 0 {
		writeLimit = settlement.RateLimit(cfg.Server.WriteRateLimit, cfg.Server.WriteBurst)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not sit behind the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			settleSvc.Routes(r, writeLimit)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

// openStore selects PostgreSQL, then SQLite, then memory, optionally behind
// the Redis read-through cache. cleanup releases connections in reverse order.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}

	return st, cleanup, nil
}

// bootstrapMarkets creates configured markets whose tickers do not exist yet.
func bootstrapMarkets(ctx context.Context, svc *settlement.Service, st store.Store, markets []config.MarketConfig) error {
	for i, m := range markets {
		if _, err := st.GetMarketByTicker(ctx, m.Ticker); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		field := fmt.Sprintf("markets[%d]", i)
		curve, err := m.Curve.Parse(field + ".curve")
		if err != nil {
			return err
		}
		lim, err := m.Limits.Parse(field + ".limits")
		if err != nil {
			return err
		}
		if _, err := svc.CreateMarket(ctx, settlement.CreateMarketRequest{Ticker: m.Ticker, Curve: curve, Limits: lim}); err != nil {
			return fmt.Errorf("%s: %w", m.Ticker, err)
		}
	}
	return nil
}
