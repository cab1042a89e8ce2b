// Package policy implements Policy & Response (C7): the posterior →
// action/severity decision and alert construction that consumes Global
// Correlator output.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/sentinel/internal/correlator"
	"github.com/ocx/sentinel/internal/metrics"
)

// Action is the response PR selects for a fused result.
type Action string

const (
	ActionMonitor Action = "monitor"
	ActionAlert   Action = "alert"
	ActionIsolate Action = "isolate"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the decision record emitted for a GCResult.
type Alert struct {
	AlertID     string                   `json:"alert_id"`
	Action      Action                   `json:"action"`
	Severity    Severity                 `json:"severity"`
	Posterior   float64                  `json:"posterior"`
	Uncertainty float64                  `json:"uncertainty"`
	Reason      string                   `json:"reason"`
	Agents      []string                 `json:"agents"`
	Tenant      string                   `json:"tenant"`
	Site        string                   `json:"site"`
	AttckHint   []string                 `json:"attck_hint"`
	Entities    []string                 `json:"entities"`
	Explanation []correlator.FeatureStat `json:"explanation"`
	TS          time.Time                `json:"ts"`
}

// Config holds the decision thresholds.
type Config struct {
	AlertThreshold     float64
	ActionThreshold    float64
	TwoStepValidation  bool
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{AlertThreshold: 0.6, ActionThreshold: 0.85, TwoStepValidation: true}
}

// Sink receives constructed alerts, e.g. a webhook dispatcher or a log
// sink; kept as an injected collaborator rather than a hardcoded output.
type Sink interface {
	HandleAlert(ctx context.Context, alert Alert)
}

// Engine evaluates GCResults against Config and forwards the resulting
// Alert to Sink.
type Engine struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	nextID func() string

	// Metrics is nil-safe; unset in tests.
	Metrics *metrics.Metrics
}

// New builds an Engine. idGen, if nil, defaults to a monotonic-millis
// based id generator.
func New(cfg Config, sink Sink, idGen func() string) *Engine {
	if idGen == nil {
		idGen = monotonicAlertID
	}
	return &Engine{cfg: cfg, sink: sink, logger: slog.Default().With("component", "policy"), nextID: idGen}
}

func monotonicAlertID() string {
	return fmt.Sprintf("alert-%d", time.Now().UnixMilli())
}

// HandleGCResult implements correlator.Sink — PR is GC's direct
// downstream consumer.
func (e *Engine) HandleGCResult(ctx context.Context, result correlator.GCResult) {
	alert := e.Evaluate(result)
	e.logger.Info("policy decision", "action", alert.Action, "severity", alert.Severity, "posterior", alert.Posterior)
	if alert.Action != ActionMonitor {
		e.Metrics.RecordAlert(alert.Tenant, string(alert.Severity))
	}
	e.sink.HandleAlert(ctx, alert)
}

// Evaluate maps one GCResult to an Alert per the decision table. Total
// and deterministic in posterior, uncertainty, and the configured
// thresholds.
func (e *Engine) Evaluate(result correlator.GCResult) Alert {
	action, severity, reason := decide(result.Posterior, result.Uncertainty, e.cfg)

	return Alert{
		AlertID:     e.nextID(),
		Action:      action,
		Severity:    severity,
		Posterior:   result.Posterior,
		Uncertainty: result.Uncertainty,
		Reason:      reason,
		Agents:      result.Agents,
		Tenant:      result.Tenant,
		Site:        result.Site,
		AttckHint:   result.AttckHint,
		Entities:    result.Entities,
		Explanation: result.TopFeatures,
		TS:          result.TS,
	}
}

func decide(posterior, uncertainty float64, cfg Config) (Action, Severity, string) {
	var action Action
	var severity Severity
	var reason string

	switch {
	case posterior >= cfg.ActionThreshold:
		if cfg.TwoStepValidation {
			action = ActionAlert
			reason = "action threshold reached; two-step validation requires human confirmation"
		} else {
			action = ActionIsolate
			reason = "action threshold reached"
		}
		if posterior > 0.9 {
			severity = SeverityCritical
		} else {
			severity = SeverityHigh
		}
	case posterior >= cfg.AlertThreshold:
		action = ActionAlert
		reason = "alert threshold reached"
		if posterior > 0.7 {
			severity = SeverityMedium
		} else {
			severity = SeverityLow
		}
	default:
		action = ActionMonitor
		severity = SeverityLow
		reason = "below alert threshold"
	}

	// Strict reading of the downgrade rule: applies only in the
	// alert_thr < posterior < action_thr band, not at/above action_thr.
	if uncertainty > 0.5 && posterior > cfg.AlertThreshold && posterior < cfg.ActionThreshold {
		severity = SeverityMedium
		reason += "; downgraded for high uncertainty"
	}

	return action, severity, reason
}
