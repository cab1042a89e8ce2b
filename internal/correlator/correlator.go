// Package correlator implements the Global Correlator (C6): tumbling
// per-tenant windows of trust-weighted Bayesian fusion over detector
// evidence, with Dempster-Shafer belief/plausibility bounds and agent
// trust maintenance.
package correlator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/trust"
	"github.com/ocx/sentinel/internal/uer"
)

// GCResult is the fused verdict for one tenant window.
type GCResult struct {
	Posterior    float64        `json:"posterior"`
	Uncertainty  float64        `json:"uncertainty"`
	Confidence   float64        `json:"confidence"`
	AgentCount   int            `json:"agent_count"`
	Agents       []string       `json:"agents"`
	TopFeatures  []FeatureStat  `json:"top_features"`
	Belief       float64        `json:"belief"`
	Plausibility float64        `json:"plausibility"`
	HighConflict bool           `json:"high_conflict"`
	WindowKey    string         `json:"window_key"`
	Tenant       string         `json:"tenant"`
	TS           time.Time      `json:"ts"`
	Entities     []string       `json:"entities"`
	AttckHint    []string       `json:"attck_hint"`
	Site         string         `json:"site"`
}

// FeatureStat is one stat key's mean/variance across a window, used to
// explain which features drove the fusion.
type FeatureStat struct {
	Key      string  `json:"key"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// Sink receives GCResults as windows close, for Policy & Response.
type Sink interface {
	HandleGCResult(ctx context.Context, result GCResult)
}

// Config tunes window duration and trust smoothing.
type Config struct {
	WindowSize time.Duration
	TrustAlpha float64
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{WindowSize: 5 * time.Second, TrustAlpha: 0.9}
}

// Correlator consumes a tenant's uer.ingest stream and emits GCResults to
// sink on each tumbling window close.
type Correlator struct {
	cfg    Config
	sub    stream.Subscriber
	trust  trust.Store
	sink   Sink
	logger *slog.Logger
}

// New builds a Correlator.
func New(cfg Config, sub stream.Subscriber, trustStore trust.Store, sink Sink) *Correlator {
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}
	return &Correlator{cfg: cfg, sub: sub, trust: trustStore, sink: sink, logger: slog.Default().With("component", "correlator")}
}

// Run subscribes to tenant's ingest stream and drives the tumbling window
// loop until ctx is cancelled. One Run per tenant is the unit of
// concurrency — "single logical worker per tenant window" per the
// concurrency model; a deployment may shard by window key by running
// multiple Correlators if needed.
func (c *Correlator) Run(ctx context.Context, tenant string) error {
	events := make(chan *uer.UER, 256)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		topic := "uer.ingest." + tenant
		err := c.sub.Subscribe(subCtx, topic, func(key string, payload []byte) {
			var u uer.UER
			if err := json.Unmarshal(payload, &u); err != nil {
				c.logger.Error("failed to decode uer from stream", "err", err)
				return
			}
			select {
			case events <- &u:
			case <-subCtx.Done():
			}
		})
		if err != nil && subCtx.Err() == nil {
			c.logger.Error("stream subscription ended", "tenant", tenant, "err", err)
		}
	}()

	ticker := time.NewTicker(c.cfg.WindowSize)
	defer ticker.Stop()

	windowStart := time.Now().UTC()
	var bucket []*uer.UER

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-events:
			bucket = append(bucket, u)
		case tick := <-ticker.C:
			if len(bucket) > 0 {
				result := Fuse(bucket, tenant, windowStart, c.trust, c.cfg.TrustAlpha)
				c.sink.HandleGCResult(ctx, result)
			}
			bucket = nil
			windowStart = tick.UTC()
		}
	}
}

// Fuse computes the GCResult for one closed window of events. Empty
// windows never reach here (callers skip emission); a single-event
// window degenerates to posterior=s1, uncertainty=1-c1 automatically via
// the same formula.
func Fuse(events []*uer.UER, tenant string, windowStart time.Time, trustStore trust.Store, alpha float64) GCResult {
	var weightedSum, weightSum, confSum float64
	agentSet := map[string]bool{}
	var entities, attckHint []string
	var site string
	beliefMin, plausMax := 1.0, 0.0
	lowConfCount := 0

	for _, e := range events {
		tag := e.Proto.L7
		w := trustStore.Get(tag).Weight
		score, conf := detectorScore(e), detectorConf(e)

		weightedSum += score * w
		weightSum += w
		confSum += conf
		agentSet[tag] = true

		if e.Site != "" {
			site = e.Site
		}
		entities = appendUnique(entities, e.Entities...)
		attckHint = appendUnique(attckHint, e.AttckHint...)

		belief := score * conf
		plausibility := belief + (1 - conf)
		if belief < beliefMin {
			beliefMin = belief
		}
		if plausibility > plausMax {
			plausMax = plausibility
		}
		if conf < 0.5 {
			lowConfCount++
		}
	}

	posterior := 0.0
	if weightSum > 0 {
		posterior = weightedSum / weightSum
	}
	avgConf := confSum / float64(len(events))
	uncertainty := 1 - avgConf

	agents := make([]string, 0, len(agentSet))
	for a := range agentSet {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	return GCResult{
		Posterior:    posterior,
		Uncertainty:  uncertainty,
		Confidence:   avgConf,
		AgentCount:   len(agentSet),
		Agents:       agents,
		TopFeatures:  topFeatures(events, 5),
		Belief:       beliefMin,
		Plausibility: plausMax,
		HighConflict: float64(lowConfCount) > float64(len(events))/2,
		WindowKey:    tenant + ":" + windowStart.Format(time.RFC3339),
		Tenant:       tenant,
		TS:           windowStart,
		Entities:     entities,
		AttckHint:    attckHint,
		Site:         site,
	}
}

// topFeatures returns the n stat keys (present in >=2 events) with the
// highest variance across the window.
func topFeatures(events []*uer.UER, n int) []FeatureStat {
	values := map[string][]float64{}
	for _, e := range events {
		for k, v := range e.Stats {
			values[k] = append(values[k], v)
		}
	}

	var stats []FeatureStat
	for k, vs := range values {
		if len(vs) < 2 {
			continue
		}
		mean := 0.0
		for _, v := range vs {
			mean += v
		}
		mean /= float64(len(vs))

		variance := 0.0
		for _, v := range vs {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(vs))

		stats = append(stats, FeatureStat{Key: k, Mean: mean, Variance: variance})
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Variance > stats[j].Variance })
	if len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// detectorScore and detectorConf dereference a UER's detector verdict.
// Events reach Fuse only after ingress validation, which rejects a record
// whose score/conf is absent, so nil here would indicate a bypass of that
// boundary rather than a normal absent-field case.
func detectorScore(e *uer.UER) float64 {
	if e.Detector.Score == nil {
		return 0
	}
	return *e.Detector.Score
}

func detectorConf(e *uer.UER) float64 {
	if e.Detector.Conf == nil {
		return 0
	}
	return *e.Detector.Conf
}

func appendUnique(dst []string, src ...string) []string {
	seen := map[string]bool{}
	for _, d := range dst {
		seen[d] = true
	}
	for _, s := range src {
		if !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	return dst
}

// UpdateTrust applies the exponential smoothing trust update for a
// labeled outcome on protocol tag. GC is passive: accuracy observations
// come from AFL, which calls this after scoring predictions against
// ground truth.
func UpdateTrust(store trust.Store, tag string, accuracy, alpha float64) float64 {
	return store.UpdateWeight(tag, accuracy, alpha)
}
