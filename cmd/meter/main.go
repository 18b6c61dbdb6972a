package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/gate"
	"github.com/vnmchuo/llm-meter/internal/httpapi"
	"github.com/vnmchuo/llm-meter/internal/identity"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/registry"
	"github.com/vnmchuo/llm-meter/internal/report"
	"github.com/vnmchuo/llm-meter/internal/seeder"
	"github.com/vnmchuo/llm-meter/internal/telemetry"
	"github.com/vnmchuo/llm-meter/internal/tokenizer"
	"github.com/vnmchuo/llm-meter/internal/worker"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-meter", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Model registry and tokenizer resolver
	reg, err := registry.New()
	if err != nil {
		log.Fatalf("failed to load model registry: %v", err)
	}
	resolver := tokenizer.NewResolver()

	// 6. Stores
	ledgerStore := ledger.NewPostgresStore(pool)
	identityStore := identity.NewCachedStore(identity.NewPostgresStore(pool), rdb)
	gateStore := gate.NewPostgresStore(pool)
	accessGate := gate.New(gateStore, rdb)

	// 7. Rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.ReportRateLimitRPM)

	// 8. Aggregation engine
	tracer := otel.GetTracerProvider().Tracer("llm-meter")
	engine := report.NewEngine(ledgerStore, identityStore, tracer, cfg.IdentityLookupConcurrency)

	// 9. HTTP handler
	handler := httpapi.NewHandler(engine, ledgerStore, reg, resolver, limiter, tracer)

	// 10. Seed dev data if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.Seed(ctx, pool, gateStore, ledgerStore)
	}

	// 11. Monthly rollup worker
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.NewRollup(engine, rdb).Run(workerCtx)

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-meter"}`))
	})
	r.Get("/v1/models/{id}", handler.HandleDescribeModel)

	// Ingestion: any active token may report usage
	r.Group(func(r chi.Router) {
		r.Use(accessGate.AuthenticateMiddleware)
		r.Post("/v1/usage", handler.HandleIngestUsage)
	})

	// Admin reporting: authorization strictly precedes aggregation
	r.Group(func(r chi.Router) {
		r.Use(accessGate.Middleware)
		r.Get("/v1/admin/usage-report", handler.HandleUsageReport)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM meter starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
