// Package connector implements the edge's secure uplink to the cloud
// ingress: mTLS + bearer auth, retry/backoff, and fallback to the durable
// buffer or dead-letter queue.
package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ocx/sentinel/internal/buffer"
	"github.com/ocx/sentinel/internal/circuitbreaker"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/uer"
)

// TLSConfig mirrors the uplink.tls.* config tree.
type TLSConfig struct {
	MTLS   bool
	CACert string
	Cert   string
	Key    string
	Verify bool
}

// Config mirrors the uplink.* config tree.
type Config struct {
	MSSPURL       string
	FALEndpoint   string
	Token         string
	AgentID       string
	TenantID      string
	TLS           TLSConfig
	Retry         RetryPolicy
	TimeoutSec    int
	FlushBatch    int
}

// Connector delivers UERs to the cloud ingress, falling back to the
// durable buffer (retryable exhaustion) or dead-letter queue (permanent
// 4xx) per record.
type Connector struct {
	cfg     Config
	store   buffer.Store
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	// Metrics is nil-safe (see internal/metrics); left unset in tests and
	// the simulated-agent binaries that don't run a scrape endpoint.
	Metrics *metrics.Metrics
}

// New builds a Connector. store is where records land when the cloud is
// unreachable after exhausting retries, or where permanently-rejected
// records are dead-lettered.
func New(cfg Config, store buffer.Store) (*Connector, error) {
	if cfg.Retry.MaxRetries == 0 && len(cfg.Retry.BackoffMS) == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = 30
	}
	if cfg.FlushBatch == 0 {
		cfg.FlushBatch = 500
	}

	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("connector: tls config: %w", err)
	}

	client := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}

	breakers := circuitbreaker.NewSentinelCircuitBreakers()
	return &Connector{
		cfg:     cfg,
		store:   store,
		client:  client,
		breaker: breakers.Uplink,
		logger:  slog.Default().With("component", "connector"),
	}, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{}

	if cfg.CACert != "" {
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse ca cert: invalid PEM")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.MTLS {
		if cfg.Cert == "" || cfg.Key == "" {
			return nil, fmt.Errorf("mtls enabled but cert/key not configured")
		}
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// Send delivers one UER through the retry/backoff state machine described
// in the uplink design:
//
//	INIT → SENT (2xx)                        terminal-success
//	     → RETRY_WAIT (retryable, attempts<max) → INIT
//	     → BUFFER (retryable, attempts=max)    terminal-deferred
//	     → DLQ (permanent 4xx)                 terminal-failure
//
// A tripped circuit breaker short-circuits straight to BUFFER without
// burning the backoff ladder.
func (c *Connector) Send(ctx context.Context, u *uer.UER) error {
	_, err := c.send(ctx, u)
	return err
}

// send runs Send's state machine and also reports whether the record
// reached SENT, as opposed to being buffered or dead-lettered.
func (c *Connector) send(ctx context.Context, u *uer.UER) (delivered bool, err error) {
	if err := c.breaker.Allow(); err != nil {
		c.logger.Warn("circuit open, buffering without retry", "uid", u.UID, "breaker", c.breaker.Name(), "state", c.breaker.String())
		return false, c.toBuffer(u)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxRetries; attempt++ {
		start := time.Now()
		status, body, err := c.post(ctx, u)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			c.breaker.Execute(func() (interface{}, error) { return nil, err })
			c.Metrics.RecordSend("error", elapsed)
			lastErr = err
			if !c.wait(ctx, attempt) {
				return false, c.toBuffer(u)
			}
			continue
		}

		switch ClassifyStatus(status) {
		case OutcomeSuccess:
			c.breaker.Execute(func() (interface{}, error) { return nil, nil })
			c.Metrics.RecordSend("success", elapsed)
			c.logger.Info("uer sent", "uid", u.UID)
			return true, nil
		case OutcomeRetryable:
			c.breaker.Execute(func() (interface{}, error) { return nil, fmt.Errorf("http %d", status) })
			c.Metrics.RecordSend("retryable", elapsed)
			lastErr = fmt.Errorf("retryable http %d", status)
			if !c.wait(ctx, attempt) {
				return false, c.toBuffer(u)
			}
			continue
		default: // OutcomePermanent
			c.Metrics.RecordSend("permanent", elapsed)
			reason := fmt.Sprintf("HTTP %d: %s", status, truncate(body, 100))
			c.logger.Error("permanent rejection, dead-lettering", "uid", u.UID, "reason", reason)
			return false, c.store.DeadLetter(u, reason)
		}
	}

	c.logger.Error("retries exhausted, buffering", "uid", u.UID, "err", lastErr)
	return false, c.toBuffer(u)
}

// wait blocks for the backoff delay unless ctx is done, returning false if
// the caller should stop retrying (context cancelled).
func (c *Connector) wait(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(c.cfg.Retry.DelayFor(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connector) toBuffer(u *uer.UER) error {
	if err := c.store.Enqueue(u); err != nil {
		// No alternative destination for a storage failure at this point;
		// the caller must not treat the record as durably queued.
		return err
	}
	if depth, err := c.store.Size(); err == nil {
		c.Metrics.SetBufferDepth(c.cfg.AgentID, depth)
	}
	return nil
}

func (c *Connector) post(ctx context.Context, u *uer.UER) (status int, body []byte, err error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return 0, nil, err
	}

	url := c.cfg.MSSPURL + c.cfg.FALEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.cfg.TenantID)
	req.Header.Set("X-Agent-ID", c.cfg.AgentID)
	req.Header.Set("X-Schema-Version", uer.SchemaVersion())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// FlushBuffer drains up to FlushBatch records from the buffer and sends
// them serially with a small inter-send pause, for rate-limit
// friendliness. Cancellation is honored between records, never mid-POST.
// A per-record permanent failure only dead-letters that record; the rest
// of the batch continues.
func (c *Connector) FlushBuffer(ctx context.Context) (sent int, err error) {
	batch, err := c.store.DequeueBatch(c.cfg.FlushBatch)
	if err != nil {
		return 0, err
	}

	for _, u := range batch {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		delivered, sendErr := c.send(ctx, u)
		if sendErr != nil {
			c.logger.Error("flush send failed", "uid", u.UID, "err", sendErr)
			continue
		}
		if delivered {
			sent++
		}

		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}

	c.logger.Info("flushed buffer", "count", len(batch), "sent", sent)
	return sent, nil
}
