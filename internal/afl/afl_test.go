package afl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/stream"
	"github.com/ocx/sentinel/internal/trust"
)

func TestSynthesizePolicyRoundTrip(t *testing.T) {
	trustStore := trust.NewMemStore()
	pub := stream.NewMemStream()
	a := New(DefaultConfig(), trustStore, pub, func(string) float64 { return 0.5 })

	// 8 tp, 2 fp, 3 fn: precision = tp/(tp+fp) = 8/10 = 0.8; recall = tp/(tp+fn) = 8/11 ~ 0.727.
	for i := 0; i < 8; i++ {
		a.RecordOutcome("tenant-a", "mqtt", true, true) // tp
	}
	for i := 0; i < 2; i++ {
		a.RecordOutcome("tenant-a", "mqtt", true, false) // fp -> precision 8/10=0.8
	}
	for i := 0; i < 3; i++ {
		// 3 missed detections (false negatives) -> recall 8/(8+3)
		a.RecordOutcome("tenant-a", "mqtt", false, true) // fn
	}

	policy := a.Synthesize("tenant-a", "mqtt")
	assert.Equal(t, "mqtt", policy.Agent)
	assert.Equal(t, schemaVersion, policy.Schema)
	assert.GreaterOrEqual(t, policy.Thresholds.ScoreAlert, 0.3)
	assert.LessOrEqual(t, policy.Thresholds.ScoreAlert, 0.95)
	assert.Equal(t, 0.9, policy.Trust.Decay)
}

func TestSynthesizeDefaultsOnNoData(t *testing.T) {
	trustStore := trust.NewMemStore()
	pub := stream.NewMemStream()
	a := New(DefaultConfig(), trustStore, pub, nil)

	policy := a.Synthesize("tenant-a", "http")
	// precision=0.5, recall=0.5, load=0.5 (neutral defaults) -> threshold = base
	assert.InDelta(t, 0.7, policy.Thresholds.ScoreAlert, 1e-9)
	assert.InDelta(t, 1.0, policy.Sampling.Rate, 1e-9)
	assert.InDelta(t, 0.7, policy.Trust.W, 1e-9)
}

func TestSamplingRateLoadBoundaries(t *testing.T) {
	trustStore := trust.NewMemStore()
	pub := stream.NewMemStream()

	highLoad := New(DefaultConfig(), trustStore, pub, func(string) float64 { return 1.0 })
	p := highLoad.Synthesize("t", "mqtt")
	assert.InDelta(t, 0.85, p.Sampling.Rate, 1e-9)

	zeroLoad := New(DefaultConfig(), trustStore, pub, func(string) float64 { return 0 })
	p = zeroLoad.Synthesize("t", "mqtt")
	assert.InDelta(t, 1.0, p.Sampling.Rate, 1e-9) // clamped from 1.15
}

func TestRecalibrationHysteresis(t *testing.T) {
	trustStore := trust.NewMemStore()
	pub := stream.NewMemStream()
	a := New(DefaultConfig(), trustStore, pub, nil)

	for i := 0; i < 10; i++ {
		trustStore.RecordAccuracy("mqtt", 0.2) // mean well below 0.6
	}
	threshold := a.recalibrate("t", "mqtt", 0.7)
	assert.InDelta(t, 0.8, threshold, 1e-9)
}

func TestPublishKeyedByAgentTag(t *testing.T) {
	pub := stream.NewMemStream()
	trustStore := trust.NewMemStore()
	a := New(DefaultConfig(), trustStore, pub, nil)

	var gotKey string
	ctx, cancel := context.WithCancel(context.Background())
	go pub.Subscribe(ctx, "afl.feedback.tenant-a", func(key string, payload []byte) {
		gotKey = key
		cancel()
	})

	policy := a.Synthesize("tenant-a", "mqtt")
	require.NoError(t, a.Publish(context.Background(), "tenant-a", policy))
	<-ctx.Done()
	assert.Equal(t, "mqtt", gotKey)
}
