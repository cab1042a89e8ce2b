package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEdgeConfigAppliesDefaults(t *testing.T) {
	cfg := &EdgeConfig{}
	cfg.applyDefaults()

	assert.Equal(t, "sqlite", cfg.Buffer.Backend)
	assert.Equal(t, 500, cfg.Buffer.FlushBatch)
	assert.Equal(t, 8, cfg.Uplink.Retry.MaxRetries)
	assert.Equal(t, []int{200, 500, 1000, 2000}, cfg.Uplink.Retry.BackoffMS)
}

func TestLoadEdgeConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge-config.yaml")
	yamlBody := `
agent:
  id: agent-1
  tenant_id: tenant-a
  site: site-1
uplink:
  mssp_url: https://mssp.example.com
  retry:
    max_retries: 5
agents:
  mqtt:
    enabled: true
    thresholds:
      score_alert: 0.7
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadEdgeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", cfg.Agent.ID)
	assert.Equal(t, "https://mssp.example.com", cfg.Uplink.MSSPURL)
	assert.Equal(t, 5, cfg.Uplink.Retry.MaxRetries)
	assert.True(t, cfg.Agents["mqtt"].Enabled)
	assert.InDelta(t, 0.7, cfg.Agents["mqtt"].Thresholds.ScoreAlert, 1e-9)
}

func TestEdgeEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv(envPrefix+"AGENT_ID", "agent-from-env")
	t.Setenv(envPrefix+"UPLINK_MAX_RETRIES", "3")

	cfg := &EdgeConfig{Agent: AgentIdentity{ID: "agent-from-file"}}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	assert.Equal(t, "agent-from-env", cfg.Agent.ID)
	assert.Equal(t, 3, cfg.Uplink.Retry.MaxRetries)
}

func TestCloudConfigAppliesDefaults(t *testing.T) {
	cfg := &CloudConfig{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.InDelta(t, 0.6, cfg.PR.AlertThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.PR.ActionThreshold, 1e-9)
	assert.InDelta(t, 0.9, cfg.GC.TrustAlpha, 1e-9)
	assert.Equal(t, 300, cfg.AFL.UpdateIntervalSeconds)
}

func TestCloudEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv(envPrefix+"PORT", "9090")
	t.Setenv(envPrefix+"PR_ALERT_THRESHOLD", "0.5")

	cfg := &CloudConfig{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.InDelta(t, 0.5, cfg.PR.AlertThreshold, 1e-9)
}
