package main

import (
	"context"
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

	"github.com/vidiaspot/p2p-engine/internal/capacity"
	"github.com/vidiaspot/p2p-engine/internal/custody"
	"github.com/vidiaspot/p2p-engine/internal/metrics"
	"github.com/vidiaspot/p2p-engine/internal/providers"
	"github.com/vidiaspot/p2p-engine/internal/reputation"
	"github.com/vidiaspot/p2p-engine/internal/risk"
	"github.com/vidiaspot/p2p-engine/internal/store"
	"github.com/vidiaspot/p2p-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- External collaborators ---
	var trust risk.TrustProvider
	if url := os.Getenv("TRUST_URL"); url != "" {
		trust = providers.NewHTTPTrust(url)
	} else {
		slog.Warn("TRUST_URL not set, treating every account as tier 1 and aged")
		trust = providers.StaticTrust{Tier: 1, AgeDays: 30}
	}

	var scorer risk.SignalProvider
	if url := os.Getenv("RISK_SIGNAL_URL"); url != "" {
		scorer = providers.NewHTTPSignal(url)
	} else {
		slog.Warn("RISK_SIGNAL_URL not set, local risk rules only")
	}

	var backend custody.Backend
	if url := os.Getenv("CUSTODY_URL"); url != "" {
		backend = providers.NewHTTPCustody(url)
	} else {
		slog.Warn("CUSTODY_URL not set, using in-process custody simulator")
		backend = providers.LocalCustody{}
	}

	var sink reputation.Sink
	if url := os.Getenv("REPUTATION_URL"); url != "" {
		sink = providers.NewHTTPReputation(url)
	} else {
		slog.Warn("REPUTATION_URL not set, logging reputation events")
		sink = providers.LogSink{}
	}

	// --- Engine components ---
	ledger := capacity.NewLedger(st)
	gate := risk.NewGate(st, trust, scorer, risk.DefaultConfig())
	cust := custody.NewAdapter(st, backend, 4, 500*time.Millisecond)
	rep := reputation.NewEmitter(sink, 5*time.Second)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, ledger, gate, cust, rep, wsHub, trade.DefaultConfig())

	// --- Lifecycle scheduler ---
	sweepInterval := 30 * time.Second
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("invalid SWEEP_INTERVAL", "err", err)
			os.Exit(1)
		}
		sweepInterval = d
	}
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go trade.NewScheduler(tradeSvc, sweepInterval).Run(schedCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"p2p-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("p2p-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSched()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down p2p-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("p2p-engine stopped")
}
