// Package supervisor implements the Edge Supervisor (C4): it owns the
// protocol agents, the connector, the buffer, and the feedback policy
// store, and drives their lifecycle — one worker per enabled protocol
// agent, a periodic flush task, and a small local HTTP surface.
package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/connector"
	"github.com/ocx/sentinel/internal/feedback"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/uer"
)

// flushInterval is how often the supervisor invokes connector.FlushBuffer.
const flushInterval = 60 * time.Second

// shutdownGrace bounds how long Stop waits for workers to exit.
const shutdownGrace = 5 * time.Second

// Agent is one protocol agent: it collects raw detections from its
// packet source. Collect blocks until a detection is available or ctx
// is cancelled, in which case it must return ctx.Err().
type Agent interface {
	Tag() string
	Collect(ctx context.Context) (*uer.Input, error)
}

// Supervisor owns protocol agents, the connector, and the feedback
// store, and runs their lifecycle.
type Supervisor struct {
	agents     []Agent
	normalizer *uer.Normalizer
	connector  *connector.Connector
	feedback   *feedback.Store
	defaultThreshold float64
	logger     *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	server *http.Server

	// Metrics is nil-safe; unset in tests.
	Metrics *metrics.Metrics
}

// New builds a Supervisor over the given protocol agents.
func New(agents []Agent, normalizer *uer.Normalizer, conn *connector.Connector, fb *feedback.Store, defaultThreshold float64) *Supervisor {
	return &Supervisor{
		agents:           agents,
		normalizer:       normalizer,
		connector:        conn,
		feedback:         fb,
		defaultThreshold: defaultThreshold,
		logger:           slog.Default().With("component", "supervisor"),
	}
}

// Start launches one worker per agent plus the flush task, and — if
// addr is non-empty — the local HTTP surface. It returns immediately;
// workers run until Stop is called.
func (s *Supervisor) Start(ctx context.Context, addr string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, agent := range s.agents {
		s.wg.Add(1)
		go s.runAgent(ctx, agent)
	}

	s.wg.Add(1)
	go s.runFlushLoop(ctx)

	if addr != "" {
		s.startHTTP(addr)
	}
}

// Stop signals all workers to shut down and waits up to shutdownGrace
// for them to join. The buffer is left open until after workers have
// exited, since the flush worker may still be draining it.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("shutdown grace period exceeded, some workers may not have exited cleanly")
	}

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http surface shutdown failed", "err", err)
		}
	}
}

// runAgent is one protocol agent's collect -> detect -> normalize ->
// send loop. It must be safe to preempt at any statement: ctx
// cancellation is checked between collect calls and the loop returns
// promptly once Collect itself starts returning ctx.Err().
func (s *Supervisor) runAgent(ctx context.Context, agent Agent) {
	defer s.wg.Done()
	tag := agent.Tag()
	log := s.logger.With("agent", tag)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input, err := agent.Collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("collect failed", "err", err)
			continue
		}

		threshold := s.defaultThreshold
		if s.feedback != nil {
			threshold = s.feedback.GetThreshold(tag)
		}
		if input.Detector.Score < threshold {
			s.Metrics.RecordDropped(input.Tenant, tag, "below_threshold")
			continue
		}

		record, err := s.normalizer.Normalize(*input)
		if err != nil {
			log.Error("normalize failed", "err", err)
			s.Metrics.RecordDropped(input.Tenant, tag, "normalize_error")
			continue
		}
		s.Metrics.RecordNormalized(record.Tenant, tag)

		if err := s.connector.Send(ctx, record); err != nil {
			log.Error("send failed", "uid", record.UID, "err", err)
		}
	}
}

// runFlushLoop invokes connector.FlushBuffer every flushInterval until
// ctx is cancelled. It handles cancellation between records, not
// mid-POST, by delegating to FlushBuffer's own per-record pacing.
func (s *Supervisor) runFlushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := s.connector.FlushBuffer(ctx)
			if err != nil {
				s.logger.Error("flush failed", "err", err)
				continue
			}
			if sent > 0 {
				s.logger.Info("flushed buffered records", "count", sent)
			}
		}
	}
}

// startHTTP serves the supervisor's local surface: health, config
// snapshot, and feedback-policy push. Not part of the core pipeline —
// a convenience for operators and co-located tooling.
func (s *Supervisor) startHTTP(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /feedback", s.handleFeedbackApply)
	mux.Handle("GET /metrics", metrics.Handler())

	s.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("local http surface failed", "err", err)
		}
	}()
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Supervisor) handleConfig(w http.ResponseWriter, r *http.Request) {
	tags := make([]string, 0, len(s.agents))
	for _, a := range s.agents {
		tags = append(tags, a.Tag())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":            tags,
		"default_threshold": s.defaultThreshold,
	})
}

func (s *Supervisor) handleFeedbackApply(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "feedback store not configured"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	applied, err := s.feedback.HandlePush(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
