package feedback

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/afl"
	"github.com/ocx/sentinel/internal/stream"
)

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "policies.json")
}

func TestGetThresholdFallsBackToDefault(t *testing.T) {
	store, err := NewStore(statePath(t), 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, store.GetThreshold("mqtt"), 1e-9)
}

func TestApplyNewestTSWinsPerAgent(t *testing.T) {
	store, err := NewStore(statePath(t), 0.7)
	require.NoError(t, err)

	older := afl.Policy{Agent: "mqtt", Thresholds: afl.Threshold{ScoreAlert: 0.6}, TS: time.Now().Add(-time.Hour)}
	newer := afl.Policy{Agent: "mqtt", Thresholds: afl.Threshold{ScoreAlert: 0.8}, TS: time.Now()}

	appliedOlder, err := store.Apply(older)
	require.NoError(t, err)
	assert.True(t, appliedOlder)

	appliedNewer, err := store.Apply(newer)
	require.NoError(t, err)
	assert.True(t, appliedNewer)
	assert.InDelta(t, 0.8, store.GetThreshold("mqtt"), 1e-9)

	// Re-applying the stale one is a no-op.
	appliedStale, err := store.Apply(older)
	require.NoError(t, err)
	assert.False(t, appliedStale)
	assert.InDelta(t, 0.8, store.GetThreshold("mqtt"), 1e-9)
}

func TestApplyPersistsAtomicallyAndSurvivesReload(t *testing.T) {
	path := statePath(t)
	store, err := NewStore(path, 0.7)
	require.NoError(t, err)

	policy := afl.Policy{Agent: "http", Thresholds: afl.Threshold{ScoreAlert: 0.55}, TS: time.Now()}
	applied, err := store.Apply(policy)
	require.NoError(t, err)
	require.True(t, applied)

	// No leftover temp files in the directory.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	reloaded, err := NewStore(path, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, reloaded.GetThreshold("http"), 1e-9)
}

func TestSubscriberAppliesPolicyFromStream(t *testing.T) {
	store, err := NewStore(statePath(t), 0.7)
	require.NoError(t, err)

	mem := stream.NewMemStream()
	sub := NewSubscriber(store, mem)

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx, "tenant-a")
	// Give the subscriber goroutine a chance to register before publishing.
	time.Sleep(10 * time.Millisecond)

	policy := afl.Policy{Agent: "mqtt", Thresholds: afl.Threshold{ScoreAlert: 0.42}, TS: time.Now()}
	payload, err := json.Marshal(policy)
	require.NoError(t, err)
	require.NoError(t, mem.Publish(context.Background(), "afl.feedback.tenant-a", "mqtt", payload))

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.InDelta(t, 0.42, store.GetThreshold("mqtt"), 1e-9)
}

func TestHandlePushSharesApplySemantics(t *testing.T) {
	store, err := NewStore(statePath(t), 0.7)
	require.NoError(t, err)

	policy := afl.Policy{Agent: "coap", Thresholds: afl.Threshold{ScoreAlert: 0.33}, TS: time.Now()}
	payload, err := json.Marshal(policy)
	require.NoError(t, err)

	applied, err := store.HandlePush(payload)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.InDelta(t, 0.33, store.GetThreshold("coap"), 1e-9)
}
