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

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/config"
	"github.com/gridtrade/escrow-engine/internal/meter"
	"github.com/gridtrade/escrow-engine/internal/metrics"
	"github.com/gridtrade/escrow-engine/internal/notify"
	"github.com/gridtrade/escrow-engine/internal/store"
	"github.com/gridtrade/escrow-engine/internal/sweeper"
	"github.com/gridtrade/escrow-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

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
		pg := store.NewPostgresStore(pool, cfg.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
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
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	sinks := []notify.Sink{hub, notify.LogSink{Logger: logger}}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := notify.NewSyncProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			slog.Error("kafka producer failed", "err", err)
			os.Exit(1)
		}
		kafkaSink := notify.NewKafkaSink(producer, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { kafkaSink.Close() })
		sinks = append(sinks, kafkaSink)
		slog.Info("Kafka notifications enabled", "topic", cfg.Kafka.Topic)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyBuffer, logger, sinks...)
	go dispatcher.Run(ctx)

	// --- Engine ---
	engine := trade.NewEngine(st, meter.Simulated{}, dispatcher, trade.Options{
		FeeRate:           cfg.FeeRate,
		DeliveryTimeout:   cfg.DeliveryTimeout,
		DeliveryThreshold: cfg.DeliveryThreshold,
		PlatformAccountID: cfg.PlatformAccountID,
		MaxRetries:        cfg.TxMaxRetries,
		RetryBackoff:      50 * time.Millisecond,
		Logger:            logger,
	})
	if err := engine.Bootstrap(ctx); err != nil {
		slog.Error("platform account bootstrap failed", "err", err)
		os.Exit(1)
	}

	sw := sweeper.New(engine, cfg.SweepSchedule, cfg.SweepBatch, logger)
	if err := sw.Start(ctx); err != nil {
		slog.Error("sweeper start failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	svc := trade.NewService(engine)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderUserID+", "+auth.HeaderRole)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.JWTSecret)))

		// WebSocket endpoint for trade notifications. Registered outside
		// the timeout middleware, which would cut long-lived connections.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("escrow-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down escrow-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sw.Stop()
	stop()
	dispatcher.Wait()
	fmt.Println("escrow-engine stopped")
}
