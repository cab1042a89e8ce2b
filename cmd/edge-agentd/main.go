// Command edge-agentd is the Edge Agent binary (C4 Edge Supervisor): it
// wires the protocol agents, normalizer, secure connector, durable
// buffer, and feedback handler together and runs them until signalled to
// stop.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/sentinel/internal/buffer"
	"github.com/ocx/sentinel/internal/config"
	"github.com/ocx/sentinel/internal/connector"
	"github.com/ocx/sentinel/internal/feedback"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/supervisor"
	"github.com/ocx/sentinel/internal/uer"
	"github.com/ocx/sentinel/pkg/protocolagent"
)

func main() {
	if os.Getenv("OCX_SENTINEL_ENV") == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}

	cfg := config.GetEdge()
	logger := log.New(os.Stdout, "[edge-agentd] ", log.LstdFlags)
	logger.Printf("starting edge agent %s (tenant=%s site=%s)", cfg.Agent.ID, cfg.Agent.TenantID, cfg.Agent.Site)

	m := metrics.New("edge-agentd", "dev")

	store, err := openBuffer(cfg.Buffer.Backend, cfg.Buffer.Path)
	if err != nil {
		log.Fatalf("open buffer: %v", err)
	}
	defer store.Close()

	normalizer := uer.NewNormalizer(map[string]string{cfg.Agent.TenantID: cfg.Privacy.IDSalt})

	conn, err := connector.New(connector.Config{
		MSSPURL:     cfg.Uplink.MSSPURL,
		FALEndpoint: cfg.Uplink.FALEndpoint,
		Token:       cfg.Uplink.Token,
		AgentID:     cfg.Agent.ID,
		TenantID:    cfg.Agent.TenantID,
		TLS: connector.TLSConfig{
			MTLS:   cfg.Uplink.TLS.MTLS,
			CACert: cfg.Uplink.TLS.CACert,
			Cert:   cfg.Uplink.TLS.Cert,
			Key:    cfg.Uplink.TLS.Key,
			Verify: cfg.Uplink.TLS.Verify,
		},
		Retry: connector.RetryPolicy{
			BackoffMS:  cfg.Uplink.Retry.BackoffMS,
			MaxRetries: cfg.Uplink.Retry.MaxRetries,
		},
		TimeoutSec: cfg.Uplink.Retry.TimeoutSeconds,
		FlushBatch: cfg.Buffer.FlushBatch,
	}, store)
	if err != nil {
		log.Fatalf("build connector: %v", err)
	}
	conn.Metrics = m

	defaultThreshold := 0.7
	fbStore, err := feedback.NewStore(feedbackPath(cfg.Buffer.Path), defaultThreshold)
	if err != nil {
		log.Fatalf("open feedback store: %v", err)
	}

	agents := buildAgents(cfg)

	sup := supervisor.New(agents, normalizer, conn, fbStore, defaultThreshold)
	sup.Metrics = m

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runFeedbackSubscriber(ctx, cfg, fbStore, logger)

	sup.Start(ctx, localHTTPAddr())
	logger.Printf("edge agent running with %d protocol agents", len(agents))

	<-ctx.Done()
	logger.Println("shutdown signal received, stopping workers")
	sup.Stop()
	logger.Println("edge agent stopped")
}

func openBuffer(backend, path string) (buffer.Store, error) {
	if backend == "memory" {
		return buffer.NewMemStore(), nil
	}
	return buffer.NewSQLiteStore(path)
}

func feedbackPath(bufferPath string) string {
	if bufferPath == "" {
		return "policy-state.json"
	}
	return bufferPath + ".feedback.json"
}

func localHTTPAddr() string {
	if addr := os.Getenv("OCX_SENTINEL_LOCAL_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":9090"
}

// buildAgents constructs one simulated protocol agent per enabled entry in
// agents.*, since live packet capture is explicitly out of scope for this
// repo. A fixture-driven agent can be substituted in tests.
func buildAgents(cfg *config.EdgeConfig) []supervisor.Agent {
	var agents []supervisor.Agent
	seed := int64(1)
	for tag, ac := range cfg.Agents {
		if !ac.Enabled {
			continue
		}
		agents = append(agents, protocolagent.NewSimulatedAgent(tag, cfg.Agent.TenantID, cfg.Agent.Site, 2*time.Second, seed))
		seed++
	}
	if len(agents) == 0 {
		agents = append(agents, protocolagent.NewSimulatedAgent("mqtt", cfg.Agent.TenantID, cfg.Agent.Site, 2*time.Second, seed))
	}
	return agents
}

// runFeedbackSubscriber subscribes to the tenant's afl.feedback stream over
// Pub/Sub when a project is configured via OCX_SENTINEL_GCP_PROJECT_ID; the
// edge always also accepts policy pushes over its local HTTP surface, so
// this is an optional second transport rather than the only path in.
func runFeedbackSubscriber(ctx context.Context, cfg *config.EdgeConfig, store *feedback.Store, logger *log.Logger) {
	project := os.Getenv("OCX_SENTINEL_GCP_PROJECT_ID")
	if project == "" {
		return
	}
	s, err := stream.NewPubSubStream(ctx, project)
	if err != nil {
		logger.Printf("feedback subscriber disabled, pubsub unavailable: %v", err)
		return
	}
	defer s.Close()

	sub := feedback.NewSubscriber(store, s)
	if err := sub.Run(ctx, cfg.Agent.TenantID); err != nil && ctx.Err() == nil {
		logger.Printf("feedback subscriber ended: %v", err)
	}
}
