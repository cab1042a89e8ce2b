// Command cloud-fusiond runs the cloud fusion pipeline: the Global
// Correlator (C6), Policy & Response (C7), and the Active Feedback Loop
// (C8) — one Correlator per configured tenant feeding a shared PR engine,
// plus a shared AFL controller publishing policy back to the edges.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ocx/sentinel/internal/afl"
	"github.com/ocx/sentinel/internal/circuitbreaker"
	"github.com/ocx/sentinel/internal/config"
	"github.com/ocx/sentinel/internal/correlator"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/policy"
	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/trust"
)

func main() {
	if os.Getenv("OCX_SENTINEL_ENV") == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}

	cfg := config.GetCloud()
	logger := log.New(os.Stdout, "[cloud-fusiond] ", log.LstdFlags)

	m := metrics.New("cloud-fusiond", "dev")

	sub := buildSubscriber(cfg)
	pub := buildPublisher(cfg)

	breakers := circuitbreaker.NewSentinelCircuitBreakers()

	rawTrustStore, trustCloser := buildTrustStore(cfg, logger)
	if trustCloser != nil {
		defer trustCloser()
	}
	trustStore := trust.NewBreakerStore(rawTrustStore, breakers.TrustStore)

	alertSink := &loggingAlertSink{logger: logger, metrics: m}
	prEngine := policy.New(policy.Config{
		AlertThreshold:    cfg.PR.AlertThreshold,
		ActionThreshold:   cfg.PR.ActionThreshold,
		TwoStepValidation: cfg.PR.TwoStepValidation,
	}, alertSink, nil)
	prEngine.Metrics = m

	controller := afl.New(afl.Config{
		UpdateInterval:    time.Duration(cfg.AFL.UpdateIntervalSeconds) * time.Second,
		TrustAlpha:        cfg.AFL.TrustAlpha,
		RecalibrationRate: cfg.AFL.RecalibrationRate,
		BaseThreshold:     cfg.AFL.BaseThreshold,
	}, trustStore, pub, nil)
	controller.Metrics = m

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, tenant := range cfg.Tenants {
		gc := correlator.New(correlator.Config{
			WindowSize: time.Duration(cfg.GC.WindowSeconds) * time.Second,
			TrustAlpha: cfg.GC.TrustAlpha,
		}, sub, trustStore, prEngine)

		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			logger.Printf("starting correlator for tenant %s", tenant)
			if err := gc.Run(ctx, tenant); err != nil && ctx.Err() == nil {
				logger.Printf("correlator for tenant %s ended: %v", tenant, err)
			}
		}(tenant)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.RunUpdateLoop(ctx)
	}()

	go serveOutcomeLabelsAndHealth(ctx, cfg, controller, breakers, logger)

	logger.Printf("cloud fusion pipeline running for tenants: %v", cfg.Tenants)
	<-ctx.Done()
	logger.Println("shutdown signal received, waiting for workers")
	wg.Wait()
	logger.Println("cloud fusion pipeline stopped")
}

// loggingAlertSink is the default Sink for PR output: it logs every alert
// as one key=value line. The alert metric is recorded by policy.Engine
// itself, not here. A production deployment would swap this for a real
// webhook/queue dispatcher without changing policy.Engine.
type loggingAlertSink struct {
	logger  *log.Logger
	metrics *metrics.Metrics
}

func (s *loggingAlertSink) HandleAlert(ctx context.Context, alert policy.Alert) {
	s.logger.Printf("alert id=%s tenant=%s action=%s severity=%s posterior=%.3f reason=%q",
		alert.AlertID, alert.Tenant, alert.Action, alert.Severity, alert.Posterior, alert.Reason)
}

func buildSubscriber(cfg *config.CloudConfig) stream.Subscriber {
	if cfg.PubSub.Enabled {
		s, err := stream.NewPubSubStream(context.Background(), cfg.PubSub.ProjectID)
		if err == nil {
			return s
		}
		slog.Warn("pubsub unavailable, falling back to in-memory stream", "error", err)
	}
	return stream.NewMemStream()
}

func buildPublisher(cfg *config.CloudConfig) stream.Publisher {
	if cfg.PubSub.Enabled {
		s, err := stream.NewPubSubStream(context.Background(), cfg.PubSub.ProjectID)
		if err == nil {
			return s
		}
		slog.Warn("pubsub unavailable, falling back to in-memory stream", "error", err)
	}
	return stream.NewMemStream()
}

func buildTrustStore(cfg *config.CloudConfig, logger *log.Logger) (trust.Store, func()) {
	if cfg.Spanner.ProjectID == "" {
		logger.Println("spanner not configured, using in-memory trust store")
		return trust.NewMemStore(), nil
	}
	// SpannerStore is scoped to a single tenant; a multi-tenant deployment
	// spins up one per tenant. For the common single-tenant-per-region
	// deployment this repo targets, the first configured tenant owns the
	// durable store and the rest share it, matching a single AgentTrust
	// table partitioned by (tenant, protocol tag) in Spanner's own schema.
	tenant := "default"
	if len(cfg.Tenants) > 0 {
		tenant = cfg.Tenants[0]
	}
	store, err := trust.NewSpannerStore(context.Background(), cfg.Spanner.ProjectID, cfg.Spanner.InstanceID, cfg.Spanner.DatabaseID, tenant)
	if err != nil {
		logger.Printf("spanner trust store unavailable (%v), falling back to in-memory", err)
		return trust.NewMemStore(), nil
	}
	return store, func() { store.Close() }
}

// serveOutcomeLabelsAndHealth exposes a small local surface for ground-truth
// outcome labels (which AFL needs to derive precision/recall) and liveness —
// not part of the core fusion algorithm.
func serveOutcomeLabelsAndHealth(ctx context.Context, cfg *config.CloudConfig, controller *afl.AFL, breakers *circuitbreaker.SentinelCircuitBreakers, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status, breakerStates := breakers.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   status,
			"breakers": breakerStates,
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/afl/outcomes", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tenant    string `json:"tenant"`
			Agent     string `json:"agent"`
			Predicted bool   `json:"predicted"`
			Actual    bool   `json:"actual"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		controller.RecordOutcome(req.Tenant, req.Agent, req.Predicted, req.Actual)
		w.WriteHeader(http.StatusAccepted)
	})

	addr := os.Getenv("OCX_SENTINEL_FUSION_HTTP_ADDR")
	if addr == "" {
		addr = ":9091"
	}
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Printf("fusion local http surface listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("fusion http surface failed: %v", err)
	}
}
