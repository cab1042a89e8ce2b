// Package metrics exposes the pipeline's Prometheus instrumentation:
// ingress/normalization throughput, uplink retry and buffering behavior,
// correlator trust movement, policy alerts, and AFL recalibrations. Every
// Record/Set method is safe to call on a nil *Metrics so callers that run
// without a metrics registry (unit tests, the simulated agent binaries)
// don't need a separate no-op implementation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector registered by this module.
type Metrics struct {
	BuildInfo *prometheus.GaugeVec

	UERNormalized  *prometheus.CounterVec
	UERDropped     *prometheus.CounterVec
	BufferDepth    *prometheus.GaugeVec
	ConnectorSends *prometheus.CounterVec
	SendDuration   *prometheus.HistogramVec

	TrustScore       *prometheus.GaugeVec
	CorrelationSetAt *prometheus.GaugeVec

	AlertsTotal       *prometheus.CounterVec
	Recalibrations    *prometheus.CounterVec
	ThresholdCurrent  *prometheus.GaugeVec
	SamplingRate      *prometheus.GaugeVec
	TokensIssued      *prometheus.CounterVec
	TokensRevoked     *prometheus.CounterVec
}

// New registers and returns the metrics set under the "ocx_sentinel"
// namespace. Call it once per process: the collector names are fixed and
// promauto registers them against the default registry, so a second call
// panics on the duplicate registration.
func New(programName, programVersion string) *Metrics {
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: "ocx_sentinel", Name: name, Help: help}
	}
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "ocx_sentinel", Name: name, Help: help}
	}

	m := &Metrics{
		BuildInfo: promauto.NewGaugeVec(
			opts("build_info", "Build information"),
			[]string{"program_name", "program_version"},
		),
		UERNormalized: promauto.NewCounterVec(
			counterOpts("uer_normalized_total", "Unified Event Records normalized"),
			[]string{"tenant", "protocol"},
		),
		UERDropped: promauto.NewCounterVec(
			counterOpts("uer_dropped_total", "Unified Event Records dropped before send"),
			[]string{"tenant", "protocol", "reason"},
		),
		BufferDepth: promauto.NewGaugeVec(
			opts("buffer_depth", "Records currently queued in the durable buffer"),
			[]string{"agent_id"},
		),
		ConnectorSends: promauto.NewCounterVec(
			counterOpts("connector_sends_total", "Uplink send attempts by outcome"),
			[]string{"outcome"},
		),
		SendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ocx_sentinel",
				Name:      "connector_send_duration_seconds",
				Help:      "Duration of one uplink POST attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		TrustScore: promauto.NewGaugeVec(
			opts("agent_trust_score", "Current trust weight for an agent tag"),
			[]string{"tenant", "agent_tag"},
		),
		CorrelationSetAt: promauto.NewGaugeVec(
			opts("gc_result_score", "Most recent Global Correlator composite score"),
			[]string{"tenant", "uid"},
		),
		AlertsTotal: promauto.NewCounterVec(
			counterOpts("policy_alerts_total", "Alerts emitted by Policy & Response"),
			[]string{"tenant", "severity"},
		),
		Recalibrations: promauto.NewCounterVec(
			counterOpts("afl_recalibrations_total", "Threshold recalibrations by direction"),
			[]string{"tenant", "agent_tag", "direction"},
		),
		ThresholdCurrent: promauto.NewGaugeVec(
			opts("afl_threshold", "Current detection threshold for an agent tag"),
			[]string{"tenant", "agent_tag"},
		),
		SamplingRate: promauto.NewGaugeVec(
			opts("afl_sampling_rate", "Current sampling rate for an agent tag"),
			[]string{"tenant", "agent_tag"},
		),
		TokensIssued: promauto.NewCounterVec(
			counterOpts("tokens_issued_total", "Bearer tokens issued by the credential broker"),
			[]string{"tenant"},
		),
		TokensRevoked: promauto.NewCounterVec(
			counterOpts("tokens_revoked_total", "Bearer tokens revoked"),
			[]string{"tenant"},
		),
	}
	m.BuildInfo.WithLabelValues(programName, programVersion).Set(1)
	return m
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordNormalized(tenant, protocol string) {
	if m == nil {
		return
	}
	m.UERNormalized.WithLabelValues(tenant, protocol).Inc()
}

func (m *Metrics) RecordDropped(tenant, protocol, reason string) {
	if m == nil {
		return
	}
	m.UERDropped.WithLabelValues(tenant, protocol, reason).Inc()
}

func (m *Metrics) SetBufferDepth(agentID string, depth int) {
	if m == nil {
		return
	}
	m.BufferDepth.WithLabelValues(agentID).Set(float64(depth))
}

func (m *Metrics) RecordSend(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectorSends.WithLabelValues(outcome).Inc()
	m.SendDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

func (m *Metrics) SetTrustScore(tenant, agentTag string, score float64) {
	if m == nil {
		return
	}
	m.TrustScore.WithLabelValues(tenant, agentTag).Set(score)
}

func (m *Metrics) SetCorrelationScore(tenant, uid string, score float64) {
	if m == nil {
		return
	}
	m.CorrelationSetAt.WithLabelValues(tenant, uid).Set(score)
}

func (m *Metrics) RecordAlert(tenant, severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(tenant, severity).Inc()
}

func (m *Metrics) RecordRecalibration(tenant, agentTag, direction string) {
	if m == nil {
		return
	}
	m.Recalibrations.WithLabelValues(tenant, agentTag, direction).Inc()
}

func (m *Metrics) SetPolicy(tenant, agentTag string, threshold, samplingRate float64) {
	if m == nil {
		return
	}
	m.ThresholdCurrent.WithLabelValues(tenant, agentTag).Set(threshold)
	m.SamplingRate.WithLabelValues(tenant, agentTag).Set(samplingRate)
}

func (m *Metrics) RecordTokenIssued(tenant string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(tenant).Inc()
}

func (m *Metrics) RecordTokenRevoked(tenant string) {
	if m == nil {
		return
	}
	m.TokensRevoked.WithLabelValues(tenant).Inc()
}
