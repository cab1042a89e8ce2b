// Package ingress implements the cloud platform's HTTP entry point (C5):
// auth, validation, idempotent dedup, and forwarding onto the per-tenant
// ingest stream.
package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/sentinel/internal/idempotency"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/uer"
)

const lateThreshold = 24 * time.Hour

// Ingress is constructed with its collaborators explicitly — no
// process-wide mutable state beyond the idempotency cache it's handed.
type Ingress struct {
	cache     idempotency.Cache
	publisher stream.Publisher
	logger    *slog.Logger

	// Metrics is nil-safe; unset in tests.
	Metrics *metrics.Metrics
}

// New builds an Ingress.
func New(cache idempotency.Cache, publisher stream.Publisher) *Ingress {
	return &Ingress{cache: cache, publisher: publisher, logger: slog.Default().With("component", "ingress")}
}

type ingestResponse struct {
	Status string `json:"status"`
	UID    string `json:"uid"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// HandleUER implements POST /api/fal/uer.
func (ing *Ingress) HandleUER(w http.ResponseWriter, r *http.Request) {
	tenant, agent, ok := ing.authenticate(w, r)
	if !ok {
		return
	}

	var u uer.UER
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := validate(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	annotate(&u, tenant, agent)

	status, err := ing.process(r.Context(), &u)
	if err != nil {
		ing.logger.Error("ingest failed", "uid", u.UID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{Status: status, UID: u.UID})
}

// bulkError is one rejected line in a bulk NDJSON request.
type bulkError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type bulkResponse struct {
	Ingested int         `json:"ingested"`
	Errors   []bulkError `json:"errors"`
}

// HandleBulkUER implements POST /api/fal/uer/_bulk — one UER JSON object
// per line. Per-line failures are collected, never unwind the request;
// the endpoint is 200 as long as the request itself was well-formed.
func (ing *Ingress) HandleBulkUER(w http.ResponseWriter, r *http.Request) {
	tenant, agent, ok := ing.authenticate(w, r)
	if !ok {
		return
	}

	resp := bulkResponse{Errors: []bulkError{}}
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var u uer.UER
		if err := json.Unmarshal(raw, &u); err != nil {
			resp.Errors = append(resp.Errors, bulkError{Line: line, Error: "invalid JSON"})
			line++
			continue
		}
		if err := validate(&u); err != nil {
			resp.Errors = append(resp.Errors, bulkError{Line: line, Error: err.Error()})
			line++
			continue
		}

		annotate(&u, tenant, agent)
		if _, err := ing.process(r.Context(), &u); err != nil {
			resp.Errors = append(resp.Errors, bulkError{Line: line, Error: "internal error"})
			line++
			continue
		}

		resp.Ingested++
		line++
	}

	writeJSON(w, http.StatusOK, resp)
}

// authenticate enforces the required tenant/agent headers. Token
// verification against the credential store is assumed external to this
// core path per the design — here we only require the headers be present.
func (ing *Ingress) authenticate(w http.ResponseWriter, r *http.Request) (tenant, agent string, ok bool) {
	tenant = r.Header.Get("X-Tenant-ID")
	agent = r.Header.Get("X-Agent-ID")
	if tenant == "" || agent == "" {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID or X-Agent-ID header")
		return "", "", false
	}
	return tenant, agent, true
}

func validate(u *uer.UER) error {
	if u.TS.IsZero() {
		return fmt.Errorf("missing ts")
	}
	if u.Src.IP == "" {
		return fmt.Errorf("missing src")
	}
	if u.Dst.IP == "" {
		return fmt.Errorf("missing dst")
	}
	if u.Proto.L7 == "" {
		return fmt.Errorf("missing proto")
	}
	if u.Detector.Score == nil {
		return fmt.Errorf("Missing detector.score")
	}
	if *u.Detector.Score < 0 || *u.Detector.Score > 1 {
		return fmt.Errorf("detector.score out of range")
	}
	if u.Detector.Conf == nil {
		return fmt.Errorf("Missing detector.conf")
	}
	if *u.Detector.Conf < 0 || *u.Detector.Conf > 1 {
		return fmt.Errorf("detector.conf out of range")
	}
	return nil
}

func annotate(u *uer.UER, tenant, agent string) {
	u.Tenant = tenant
	u.AgentID = agent
	now := time.Now().UTC()
	u.IngressTS = &now
	if now.Sub(u.TS) > lateThreshold {
		u.Late = true
	}
}

// process dedups against the idempotency cache and, if novel, forwards to
// the tenant's ingest stream ordered by uid. Returns "ingested" or
// "duplicate".
func (ing *Ingress) process(ctx context.Context, u *uer.UER) (string, error) {
	inserted, err := ing.cache.SetIfAbsent(ctx, u.UID)
	if err != nil {
		return "", fmt.Errorf("idempotency check: %w", err)
	}
	if !inserted {
		ing.Metrics.RecordDropped(u.Tenant, u.Proto.L7, "duplicate")
		return "duplicate", nil
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal uer: %w", err)
	}

	topic := "uer.ingest." + u.Tenant
	if err := ing.publisher.Publish(ctx, topic, u.UID, payload); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	ing.Metrics.RecordNormalized(u.Tenant, u.Proto.L7)
	return "ingested", nil
}
