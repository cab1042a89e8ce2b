// Command cloud-ingressd is the Cloud Platform's HTTP ingress binary
// (C5, plus the thin C10 admin/registration surface): it authenticates,
// validates, deduplicates, and forwards UERs onto the per-tenant ingest
// stream.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/sentinel/internal/circuitbreaker"
	"github.com/ocx/sentinel/internal/config"
	"github.com/ocx/sentinel/internal/idempotency"
	"github.com/ocx/sentinel/internal/infra"
	"github.com/ocx/sentinel/internal/ingress"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/middleware"
	"github.com/ocx/sentinel/internal/registration"
	"github.com/ocx/sentinel/internal/security"
	"github.com/ocx/sentinel/internal/stream"
)

func main() {
	if os.Getenv("OCX_SENTINEL_ENV") == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}

	cfg := config.GetCloud()
	logger := log.New(os.Stdout, "[cloud-ingressd] ", log.LstdFlags)

	m := metrics.New("cloud-ingressd", "dev")

	var redisAdapter *infra.GoRedisAdapter
	if cfg.Redis.Enabled {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis connection failed, falling back to in-memory idempotency cache and registration store", "error", err)
		} else {
			redisAdapter = adapter
			defer redisAdapter.Close()
		}
	}

	breakers := circuitbreaker.NewSentinelCircuitBreakers()

	cache := buildIdempotencyCache(redisAdapter)
	publisher := stream.NewBreakerPublisher(buildPublisher(cfg), breakers.IngressPublish)
	ing := ingress.New(cache, publisher)
	ing.Metrics = m

	regStore := buildRegistrationStore(redisAdapter)
	broker := security.NewTokenBroker(security.TokenBrokerConfig{
		HMACSecret:    cfg.Security.HMACSecret,
		DefaultTTL:    time.Duration(cfg.Security.TokenTTLSec) * time.Second,
		MinTrustScore: 0,
	})
	registrar := registration.NewRegistrar(regStore, broker)
	regHandler := registration.NewHandler(registrar)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 600})

	router := mux.NewRouter()
	router.HandleFunc("/api/fal/uer", middleware.AuthMiddleware(registrar, ing.HandleUER)).Methods("POST")
	router.HandleFunc("/api/fal/uer/_bulk", middleware.AuthMiddleware(registrar, ing.HandleBulkUER)).Methods("POST")
	router.HandleFunc("/api/admin/agents", regHandler.HandleRegister).Methods("POST")
	router.HandleFunc("/healthz", handleHealth(breakers)).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.Use(rateLimiter.Middleware)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Println("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("ingress shutdown error", "error", err)
		}
	}()

	logger.Printf("cloud ingress listening on :%s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ingress server failed: %v", err)
	}
	logger.Println("cloud ingress stopped")
}

// handleHealth reports overall status plus the state of every circuit
// breaker this binary owns, so an operator can tell "degraded because the
// ingest stream is unreachable" apart from "down".
func handleHealth(breakers *circuitbreaker.SentinelCircuitBreakers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, breakerStates := breakers.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   status,
			"breakers": breakerStates,
		})
	}
}

func buildIdempotencyCache(redisAdapter *infra.GoRedisAdapter) idempotency.Cache {
	if redisAdapter != nil {
		return idempotency.NewRedisCache(redisAdapter, "idem:")
	}
	return idempotency.NewMemCache()
}

func buildRegistrationStore(redisAdapter *infra.GoRedisAdapter) registration.Store {
	if redisAdapter != nil {
		return registration.NewRedisStore(redisAdapter, "registration:")
	}
	return registration.NewMemStore()
}

func buildPublisher(cfg *config.CloudConfig) stream.Publisher {
	if cfg.PubSub.Enabled {
		s, err := stream.NewPubSubStream(context.Background(), cfg.PubSub.ProjectID)
		if err != nil {
			slog.Warn("pubsub unavailable, falling back to in-memory stream", "error", err)
		} else {
			return s
		}
	}
	return stream.NewMemStream()
}
