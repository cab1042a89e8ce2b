// Package afl implements the Active Feedback Loop (C8): per-agent
// performance tracking, precision-derived policy synthesis with
// hysteresis-based local threshold recalibration, and publication of the
// resulting policy back to the edge.
package afl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/correlator"
	"github.com/ocx/sentinel/internal/metrics"
	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/trust"
)

const schemaVersion = "afl-v1.1"

// Policy is the per-agent (protocol tag) policy synthesized by AFL and
// consumed by the edge Feedback Handler.
type Policy struct {
	Agent      string    `json:"agent"`
	Thresholds Threshold `json:"thresholds"`
	Sampling   Sampling  `json:"sampling"`
	Trust      TrustCfg  `json:"trust"`
	TS         time.Time `json:"ts"`
	Schema     string    `json:"schema"`
}

type Threshold struct {
	ScoreAlert float64 `json:"score_alert"`
}

type Sampling struct {
	Rate float64 `json:"rate"`
}

type TrustCfg struct {
	W     float64 `json:"w"`
	Decay float64 `json:"decay"`
}

// counters holds the confusion-matrix tally for one protocol tag.
type counters struct {
	tp, fp, tn, fn int64
}

func (c counters) precision() float64 {
	if c.tp+c.fp == 0 {
		return 0.5
	}
	return float64(c.tp) / float64(c.tp+c.fp)
}

func (c counters) recall() float64 {
	if c.tp+c.fn == 0 {
		return 0.5
	}
	return float64(c.tp) / float64(c.tp+c.fn)
}

// LoadProvider reports the current load signal (e.g. queue depth or CPU
// utilization, normalized to [0,1]) for a protocol tag. Defaults to 0.5
// (neutral) when unset.
type LoadProvider func(tag string) float64

// Config tunes synthesis constants.
type Config struct {
	UpdateInterval     time.Duration
	TrustAlpha         float64
	RecalibrationRate  float64
	BaseThreshold      float64
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:    300 * time.Second,
		TrustAlpha:        0.9,
		RecalibrationRate: 0.1,
		BaseThreshold:     0.7,
	}
}

// AFL tracks per-tenant, per-agent outcome counters and synthesizes
// policy updates.
type AFL struct {
	cfg      Config
	trust    trust.Store
	pub      stream.Publisher
	load     LoadProvider
	logger   *slog.Logger

	mu       sync.Mutex
	byTenant map[string]map[string]*counters // tenant -> tag -> counters

	// Metrics is nil-safe; unset in tests.
	Metrics *metrics.Metrics
}

// New builds an AFL controller. load may be nil, defaulting to neutral
// 0.5 load for every tag.
func New(cfg Config, trustStore trust.Store, pub stream.Publisher, load LoadProvider) *AFL {
	if cfg.UpdateInterval == 0 {
		cfg = DefaultConfig()
	}
	if load == nil {
		load = func(string) float64 { return 0.5 }
	}
	return &AFL{
		cfg:      cfg,
		trust:    trustStore,
		pub:      pub,
		load:     load,
		logger:   slog.Default().With("component", "afl"),
		byTenant: make(map[string]map[string]*counters),
	}
}

// RecordOutcome registers a labeled outcome for tenant/tag: predicted is
// whether the system flagged the event, actual is ground truth. This
// both updates AFL's own confusion-matrix counters and feeds the
// accuracy observation back to the trust store, since GC is passive in
// producing trust updates — AFL is the source of labeled accuracy.
func (a *AFL) RecordOutcome(tenant, tag string, predicted, actual bool) {
	a.mu.Lock()
	tenantCounters, ok := a.byTenant[tenant]
	if !ok {
		tenantCounters = make(map[string]*counters)
		a.byTenant[tenant] = tenantCounters
	}
	c, ok := tenantCounters[tag]
	if !ok {
		c = &counters{}
		tenantCounters[tag] = c
	}
	switch {
	case predicted && actual:
		c.tp++
	case predicted && !actual:
		c.fp++
	case !predicted && actual:
		c.fn++
	default:
		c.tn++
	}
	a.mu.Unlock()

	accuracy := 0.0
	if predicted == actual {
		accuracy = 1.0
	}
	a.trust.RecordAccuracy(tag, accuracy)
	weight := correlator.UpdateTrust(a.trust, tag, accuracy, a.cfg.TrustAlpha)
	a.Metrics.SetTrustScore(tenant, tag, weight)
}

// RunUpdateLoop synthesizes and publishes policies for every known
// (tenant, tag) pair every UpdateInterval until ctx is cancelled.
func (a *AFL) RunUpdateLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SynthesizeAll(ctx)
		}
	}
}

// SynthesizeAll synthesizes and publishes a policy for every tracked
// (tenant, tag) pair immediately — the "on demand" path.
func (a *AFL) SynthesizeAll(ctx context.Context) {
	a.mu.Lock()
	type pair struct{ tenant, tag string }
	var pairs []pair
	for tenant, tags := range a.byTenant {
		for tag := range tags {
			pairs = append(pairs, pair{tenant, tag})
		}
	}
	a.mu.Unlock()

	for _, p := range pairs {
		policy := a.Synthesize(p.tenant, p.tag)
		if err := a.Publish(ctx, p.tenant, policy); err != nil {
			a.logger.Error("policy publish failed", "tenant", p.tenant, "tag", p.tag, "err", err)
		}
	}
}

// Synthesize computes the policy for one (tenant, tag) pair from its
// current counters, load signal, and the trust store's accuracy history.
func (a *AFL) Synthesize(tenant, tag string) Policy {
	a.mu.Lock()
	c := counters{}
	if tenantCounters, ok := a.byTenant[tenant]; ok {
		if existing, ok := tenantCounters[tag]; ok {
			c = *existing
		}
	}
	a.mu.Unlock()

	precision := c.precision()
	recall := c.recall()
	load := a.load(tag)

	threshold := clamp(a.cfg.BaseThreshold-(precision-0.5)*0.3+(recall-0.5)*0.2, 0.5, 0.9)
	threshold = a.recalibrate(tenant, tag, threshold)

	sampling := clamp(1.0-(load-0.5)*0.3, 0.5, 1.0)
	trustW := 0.5 + precision*0.4

	a.Metrics.SetPolicy(tenant, tag, threshold, sampling)

	return Policy{
		Agent:      tag,
		Thresholds: Threshold{ScoreAlert: round2(threshold)},
		Sampling:   Sampling{Rate: round2(sampling)},
		Trust:      TrustCfg{W: round2(trustW), Decay: 0.9},
		TS:         time.Now().UTC(),
		Schema:     schemaVersion,
	}
}

// recalibrate applies hysteresis-based local threshold adjustment on top
// of the precision-derived threshold: after >=10 accuracy observations,
// a sustained low mean raises the threshold (be more conservative about
// alerting), a sustained high mean lowers it. The result is clamped to
// the wider [0.3, 0.95] band, which is allowed to exceed the
// precision-derived band's [0.5, 0.9] limits.
func (a *AFL) recalibrate(tenant, tag string, threshold float64) float64 {
	history := a.trust.Get(tag).Accuracy
	if len(history) < 10 {
		return clamp(threshold, 0.3, 0.95)
	}

	sum := 0.0
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))

	switch {
	case mean < 0.6:
		threshold += a.cfg.RecalibrationRate
		a.Metrics.RecordRecalibration(tenant, tag, "raise")
	case mean > 0.9:
		threshold -= a.cfg.RecalibrationRate
		a.Metrics.RecordRecalibration(tenant, tag, "lower")
	}
	return clamp(threshold, 0.3, 0.95)
}

// Publish marshals policy and forwards it onto afl.feedback.{tenant},
// keyed by agent tag so the stream's most-recent-wins ordering holds per
// tag.
func (a *AFL) Publish(ctx context.Context, tenant string, policy Policy) error {
	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	topic := "afl.feedback." + tenant
	return a.pub.Publish(ctx, topic, policy.Agent, payload)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
