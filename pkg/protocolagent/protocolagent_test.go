package protocolagent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/uer"
)

func TestSimulatedAgentTagAndTenant(t *testing.T) {
	agent := NewSimulatedAgent("MQTT", "tenant-a", "site-1", time.Millisecond, 1)
	assert.Equal(t, "MQTT", agent.Tag())
	assert.Equal(t, "tenant-a", agent.tenant)
}

func TestSimulatedAgentDeterministicForSameSeed(t *testing.T) {
	ctx := context.Background()
	a := NewSimulatedAgent("MQTT", "tenant-a", "site-1", time.Millisecond, 42)
	b := NewSimulatedAgent("MQTT", "tenant-a", "site-1", time.Millisecond, 42)

	for i := 0; i < 5; i++ {
		inA, err := a.Collect(ctx)
		require.NoError(t, err)
		inB, err := b.Collect(ctx)
		require.NoError(t, err)
		assert.InDelta(t, inA.Detector.Score, inB.Detector.Score, 1e-12)
	}
}

func TestSimulatedAgentScoreStaysInUnitRange(t *testing.T) {
	ctx := context.Background()
	agent := NewSimulatedAgent("HTTP", "tenant-a", "site-1", time.Millisecond, 7)

	for i := 0; i < 200; i++ {
		in, err := agent.Collect(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, in.Detector.Score, 0.0)
		assert.LessOrEqual(t, in.Detector.Score, 1.0)
	}
}

func TestSimulatedAgentReturnsCtxErrOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agent := NewSimulatedAgent("MQTT", "tenant-a", "site-1", time.Hour, 1)
	_, err := agent.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFixtureAgentReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	inputs := []uer.Input{
		{ProtocolTag: "MQTT", Detector: uer.RawDetectorOutput{Score: 0.2}},
		{ProtocolTag: "MQTT", Detector: uer.RawDetectorOutput{Score: 0.8}},
	}
	agent := NewFixtureAgent("MQTT", inputs, time.Millisecond)

	first, err := agent.Collect(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, first.Detector.Score, 1e-9)

	second, err := agent.Collect(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, second.Detector.Score, 1e-9)
}

func TestFixtureAgentBlocksAfterExhaustionWithoutLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	agent := NewFixtureAgent("MQTT", []uer.Input{{ProtocolTag: "MQTT"}}, time.Microsecond)
	_, err := agent.Collect(ctx)
	require.NoError(t, err)

	_, err = agent.Collect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFixtureAgentLoopsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	agent := NewFixtureAgent("MQTT", []uer.Input{
		{ProtocolTag: "MQTT", Detector: uer.RawDetectorOutput{Score: 0.3}},
	}, time.Microsecond)
	agent.Loop = true

	for i := 0; i < 3; i++ {
		in, err := agent.Collect(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 0.3, in.Detector.Score, 1e-9)
	}
}
