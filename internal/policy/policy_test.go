package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/sentinel/internal/correlator"
)

type captureSink struct {
	alerts []Alert
}

func (c *captureSink) HandleAlert(ctx context.Context, alert Alert) {
	c.alerts = append(c.alerts, alert)
}

func TestDecideBoundaries(t *testing.T) {
	cfg := DefaultConfig()

	action, severity, _ := decide(0.6, 0.1, cfg)
	assert.Equal(t, ActionAlert, action)
	assert.Equal(t, SeverityLow, severity)

	action, _, _ = decide(0, 0, cfg)
	assert.Equal(t, ActionMonitor, action)
}

func TestDecideActionThresholdTwoStep(t *testing.T) {
	cfg := DefaultConfig()
	action, severity, _ := decide(0.95, 0.1, cfg)
	assert.Equal(t, ActionAlert, action)
	assert.Equal(t, SeverityCritical, severity)
}

func TestDecideActionThresholdTwoStepOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TwoStepValidation = false
	action, severity, _ := decide(0.86, 0.1, cfg)
	assert.Equal(t, ActionIsolate, action)
	assert.Equal(t, SeverityHigh, severity)
}

func TestUncertaintyDowngradeOnlyInAlertBand(t *testing.T) {
	cfg := DefaultConfig()

	// Strict reading: downgrade applies only in (alert_thr, action_thr).
	_, severity, reason := decide(0.7, 0.6, cfg)
	assert.Equal(t, SeverityMedium, severity)
	assert.Contains(t, reason, "downgraded")

	// At/above action threshold, downgrade must NOT apply.
	_, severity, reason = decide(0.95, 0.9, cfg)
	assert.Equal(t, SeverityCritical, severity)
	assert.NotContains(t, reason, "downgraded")
}

func TestHappyPathSingleEvent(t *testing.T) {
	sink := &captureSink{}
	engine := New(DefaultConfig(), sink, func() string { return "alert-fixed" })

	result := correlator.GCResult{Posterior: 0.9, Uncertainty: 0.1, Tenant: "tenant-a"}
	engine.HandleGCResult(context.Background(), result)

	require := assert.New(t)
	require.Len(sink.alerts, 1)
	require.Equal(ActionAlert, sink.alerts[0].Action)
	require.Equal(SeverityCritical, sink.alerts[0].Severity)
}
