// Package protocolagent provides Agent implementations consumed by the
// edge supervisor. Live packet capture is out of scope for this repo, so
// the only agents shipped here are deterministic stand-ins: a random-walk
// simulator for load/soak runs and a fixture-driven agent for tests that
// need an exact, reproducible sequence of detections.
package protocolagent

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ocx/sentinel/internal/uer"
)

func uint16ptr(v uint16) *uint16 { return &v }

// SimulatedAgent emits synthetic detector output on a fixed cadence,
// random-walking its anomaly score so a supervisor under test or a local
// demo sees a realistic mix of quiet periods and alerts instead of a flat
// line. Deterministic for a given seed — two SimulatedAgents constructed
// with the same seed produce the same score sequence.
type SimulatedAgent struct {
	tag      string
	tenant   string
	site     string
	model    string
	interval time.Duration
	rng      *rand.Rand
	score    float64
}

// NewSimulatedAgent constructs a random-walk agent for protocol tag, owned
// by tenant/site, collecting on the given interval. seed makes the walk
// reproducible across runs.
func NewSimulatedAgent(tag, tenant, site string, interval time.Duration, seed int64) *SimulatedAgent {
	return &SimulatedAgent{
		tag:      tag,
		tenant:   tenant,
		site:     site,
		model:    "sim-" + tag + "-v1",
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		score:    0.1,
	}
}

func (a *SimulatedAgent) Tag() string { return a.tag }

// Collect blocks for the configured interval (or until ctx is done, in
// which case it returns ctx.Err()), then steps the score by a bounded
// random walk and returns one synthetic UER input.
func (a *SimulatedAgent) Collect(ctx context.Context) (*uer.Input, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.interval):
	}

	step := (a.rng.Float64() - 0.45) * 0.3
	a.score += step
	if a.score < 0 {
		a.score = 0
	}
	if a.score > 1 {
		a.score = 1
	}

	conf := 0.6 + a.rng.Float64()*0.4
	srcOctet := 1 + a.rng.Intn(254)

	return &uer.Input{
		ProtocolTag: a.tag,
		TS:          time.Now().UTC(),
		Src: uer.RawEndpoint{
			IP:    fmt.Sprintf("10.0.0.%d", srcOctet),
			Port:  uint16ptr(uint16(1024 + a.rng.Intn(64000))),
			RawID: a.tag + "-device-1",
		},
		Dst: uer.RawEndpoint{
			IP:   "10.0.1.1",
			Port: uint16ptr(443),
		},
		Stats: map[string]float64{
			"bytes_in":  float64(a.rng.Intn(8192)),
			"bytes_out": float64(a.rng.Intn(2048)),
		},
		Detector: uer.RawDetectorOutput{
			Score: a.score,
			Conf:  conf,
			Model: a.model,
		},
		Entities:  []string{a.tag + "-device-1"},
		AttckHint: attckHintForScore(a.score),
		Tenant:    a.tenant,
		Site:      a.site,
	}
}

func attckHintForScore(score float64) []string {
	if score < 0.6 {
		return nil
	}
	return []string{"T1046"}
}

// FixtureAgent replays a fixed, ordered sequence of uer.Input values — used
// by tests that need an exact, reproducible detection sequence rather than
// a random walk. Once the sequence is exhausted and Loop is false, Collect
// blocks until ctx is done and then returns ctx.Err(); it also returns
// ctx.Err() as soon as ctx is cancelled during the interval wait.
type FixtureAgent struct {
	tag      string
	inputs   []uer.Input
	interval time.Duration
	Loop     bool

	idx int
}

// NewFixtureAgent constructs a FixtureAgent for tag that replays inputs in
// order, waiting interval between each Collect call.
func NewFixtureAgent(tag string, inputs []uer.Input, interval time.Duration) *FixtureAgent {
	return &FixtureAgent{tag: tag, inputs: inputs, interval: interval}
}

func (a *FixtureAgent) Tag() string { return a.tag }

func (a *FixtureAgent) Collect(ctx context.Context) (*uer.Input, error) {
	if a.idx >= len(a.inputs) {
		if !a.Loop || len(a.inputs) == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		a.idx = 0
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.interval):
	}

	in := a.inputs[a.idx]
	a.idx++
	return &in, nil
}
