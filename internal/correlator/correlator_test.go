package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/sentinel/internal/trust"
	"github.com/ocx/sentinel/internal/uer"
)

func evt(score, conf float64, proto string, stats map[string]float64) *uer.UER {
	return &uer.UER{
		Detector: uer.Detector{Score: &score, Conf: &conf},
		Proto:    uer.Proto{L7: proto},
		Stats:    stats,
	}
}

func TestFuseSingleEventDegenerate(t *testing.T) {
	store := trust.NewMemStore()
	result := Fuse([]*uer.UER{evt(0.9, 0.9, "MQTT", nil)}, "tenant-a", time.Now(), store, 0.9)

	assert.InDelta(t, 0.9, result.Posterior, 1e-9)
	assert.InDelta(t, 0.1, result.Uncertainty, 1e-9)
	assert.Equal(t, 1, result.AgentCount)
}

func TestFuseAllZeroTrustIsZeroPosterior(t *testing.T) {
	store := trust.NewMemStore()
	// Force weight to 0: one smoothing step toward accuracy 0 with alpha=0.
	store.UpdateWeight("MQTT", 0, 0)
	result := Fuse([]*uer.UER{evt(0.9, 0.9, "MQTT", nil)}, "tenant-a", time.Now(), store, 0.9)
	assert.Equal(t, 0.0, result.Posterior)
}

func TestFuseMonotonicity(t *testing.T) {
	store := trust.NewMemStore()
	low := Fuse([]*uer.UER{evt(0.3, 0.9, "MQTT", nil), evt(0.4, 0.9, "HTTP", nil)}, "t", time.Now(), store, 0.9)
	high := Fuse([]*uer.UER{evt(0.5, 0.9, "MQTT", nil), evt(0.6, 0.9, "HTTP", nil)}, "t", time.Now(), store, 0.9)
	assert.GreaterOrEqual(t, high.Posterior, low.Posterior)
}

func TestTrustUpdateStability(t *testing.T) {
	store := trust.NewMemStore()
	store.UpdateWeight("MQTT", 0.7, 1.0) // seed weight at 0.7 via alpha=1 no-op-ish
	newWeight := UpdateTrust(store, "MQTT", 0.2, 0.9)
	assert.GreaterOrEqual(t, newWeight, 0.2)
	assert.LessOrEqual(t, newWeight, 0.7)
}

func TestTrustDecayScenario(t *testing.T) {
	store := trust.NewMemStore()
	w := store.Get("MQTT").Weight // 0.7 default
	for i := 0; i < 3; i++ {
		w = UpdateTrust(store, "MQTT", 0.2, 0.9)
	}
	assert.InDelta(t, 0.5645, w, 1e-4)
}

func TestTopFeaturesRequiresTwoEvents(t *testing.T) {
	events := []*uer.UER{
		evt(0.5, 0.9, "MQTT", map[string]float64{"len_mean": 10, "solo_key": 99}),
		evt(0.6, 0.9, "MQTT", map[string]float64{"len_mean": 30}),
	}
	stats := topFeatures(events, 5)
	assert.Len(t, stats, 1)
	assert.Equal(t, "len_mean", stats[0].Key)
	assert.InDelta(t, 20, stats[0].Mean, 1e-9)
}

func TestHighConflictFlag(t *testing.T) {
	store := trust.NewMemStore()
	result := Fuse([]*uer.UER{
		evt(0.5, 0.2, "MQTT", nil),
		evt(0.5, 0.2, "HTTP", nil),
		evt(0.5, 0.9, "COAP", nil),
	}, "t", time.Now(), store, 0.9)
	assert.True(t, result.HighConflict)
}
