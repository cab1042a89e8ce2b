// Package config loads the Edge Agent's and Cloud Platform's YAML
// configuration trees, with environment-variable overrides and
// sensible defaults, mirroring the layout documented for each binary.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Edge Agent configuration
// =============================================================================

// EdgeConfig is the edge-agentd configuration tree: agent identity,
// uplink, buffer, privacy, and per-protocol-agent settings.
type EdgeConfig struct {
	Agent   AgentIdentity          `yaml:"agent"`
	Uplink  UplinkConfig           `yaml:"uplink"`
	Buffer  BufferConfig           `yaml:"buffer"`
	Privacy PrivacyConfig          `yaml:"privacy"`
	Agents  map[string]AgentConfig `yaml:"agents"`
}

type AgentIdentity struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	Site     string `yaml:"site"`
}

type UplinkConfig struct {
	MSSPURL     string        `yaml:"mssp_url"`
	FALEndpoint string        `yaml:"fal_endpoint"`
	Token       string        `yaml:"token"`
	TLS         UplinkTLS     `yaml:"tls"`
	Retry       UplinkRetry   `yaml:"retry"`
}

type UplinkTLS struct {
	MTLS   bool   `yaml:"mtls"`
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
	Verify bool   `yaml:"verify"`
}

type UplinkRetry struct {
	BackoffMS     []int `yaml:"backoff_ms"`
	MaxRetries    int   `yaml:"max_retries"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

type BufferConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	FlushBatch int    `yaml:"flush_batch"`
	MaxMB      int    `yaml:"max_mb"`
}

type PrivacyConfig struct {
	IDSalt      string   `yaml:"id_salt"`
	StripFields []string `yaml:"strip_fields"`
}

type AgentConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Thresholds AgentThresholds  `yaml:"thresholds"`
}

type AgentThresholds struct {
	ScoreAlert float64 `yaml:"score_alert"`
}

// =============================================================================
// Cloud Platform configuration
// =============================================================================

// CloudConfig is the shared configuration tree for cloud-ingressd and
// cloud-fusiond: ingress server settings, Pub/Sub, Spanner, Redis, and
// the GC/PR/AFL tuning constants.
type CloudConfig struct {
	Server  ServerConfig  `yaml:"server"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	Spanner SpannerConfig `yaml:"spanner"`
	Redis   RedisConfig   `yaml:"redis"`
	GC      GCConfig      `yaml:"gc"`
	PR      PRConfig      `yaml:"pr"`
	AFL     AFLConfig     `yaml:"afl"`
	Security SecurityConfig `yaml:"security"`
	// Tenants is the static list of tenants cloud-fusiond runs a
	// Correlator for (the AFL controller is shared). Tenant onboarding/provisioning is an
	// explicit non-goal; this is just enough to drive the per-tenant
	// workers this binary owns.
	Tenants []string `yaml:"tenants"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Enabled   bool   `yaml:"enabled"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type GCConfig struct {
	WindowSeconds int     `yaml:"window_seconds"`
	TrustAlpha    float64 `yaml:"trust_alpha"`
}

type PRConfig struct {
	AlertThreshold    float64 `yaml:"alert_threshold"`
	ActionThreshold   float64 `yaml:"action_threshold"`
	TwoStepValidation bool    `yaml:"two_step_validation"`
}

type AFLConfig struct {
	UpdateIntervalSeconds int     `yaml:"update_interval_seconds"`
	TrustAlpha            float64 `yaml:"trust_alpha"`
	RecalibrationRate     float64 `yaml:"recalibration_rate"`
	BaseThreshold         float64 `yaml:"base_threshold"`
}

// SecurityConfig configures the C10 credential broker.
type SecurityConfig struct {
	HMACSecret        string `yaml:"hmac_secret"`
	TokenTTLSec       int    `yaml:"token_ttl_sec"`
	MaxTokensPerAgent int    `yaml:"max_tokens_per_agent"`
}

// =============================================================================
// Singleton pattern with environment overrides, per binary
// =============================================================================

var (
	edgeInstance *EdgeConfig
	edgeOnce     sync.Once

	cloudInstance *CloudConfig
	cloudOnce     sync.Once
)

const envPrefix = "OCX_SENTINEL_"

// GetEdge returns the singleton edge configuration, loaded from
// CONFIG_PATH (default "edge-config.yaml") and overridden by
// OCX_SENTINEL_* environment variables.
func GetEdge() *EdgeConfig {
	edgeOnce.Do(func() {
		cfg, err := LoadEdgeConfig(getEnv("CONFIG_PATH", "edge-config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load edge config file (using defaults)", "error", err)
			cfg = &EdgeConfig{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		edgeInstance = cfg
	})
	return edgeInstance
}

// GetCloud returns the singleton cloud configuration, loaded from
// CONFIG_PATH (default "cloud-config.yaml") and overridden by
// OCX_SENTINEL_* environment variables.
func GetCloud() *CloudConfig {
	cloudOnce.Do(func() {
		cfg, err := LoadCloudConfig(getEnv("CONFIG_PATH", "cloud-config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load cloud config file (using defaults)", "error", err)
			cfg = &CloudConfig{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		cloudInstance = cfg
	})
	return cloudInstance
}

func LoadEdgeConfig(path string) (*EdgeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg EdgeConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadCloudConfig(path string) (*CloudConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg CloudConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EdgeConfig) applyEnvOverrides() {
	c.Agent.ID = getEnv(envPrefix+"AGENT_ID", c.Agent.ID)
	c.Agent.TenantID = getEnv(envPrefix+"TENANT_ID", c.Agent.TenantID)
	c.Agent.Site = getEnv(envPrefix+"SITE", c.Agent.Site)

	c.Uplink.MSSPURL = getEnv(envPrefix+"MSSP_URL", c.Uplink.MSSPURL)
	c.Uplink.FALEndpoint = getEnv(envPrefix+"FAL_ENDPOINT", c.Uplink.FALEndpoint)
	c.Uplink.Token = getEnv(envPrefix+"UPLINK_TOKEN", c.Uplink.Token)
	c.Uplink.TLS.Verify = getEnvBool(envPrefix+"UPLINK_TLS_VERIFY", c.Uplink.TLS.Verify)
	c.Uplink.TLS.MTLS = getEnvBool(envPrefix+"UPLINK_MTLS", c.Uplink.TLS.MTLS)
	if v := getEnvInt(envPrefix+"UPLINK_MAX_RETRIES", 0); v > 0 {
		c.Uplink.Retry.MaxRetries = v
	}
	if v := getEnvInt(envPrefix+"UPLINK_TIMEOUT_SECONDS", 0); v > 0 {
		c.Uplink.Retry.TimeoutSeconds = v
	}

	c.Buffer.Backend = getEnv(envPrefix+"BUFFER_BACKEND", c.Buffer.Backend)
	c.Buffer.Path = getEnv(envPrefix+"BUFFER_PATH", c.Buffer.Path)
	if v := getEnvInt(envPrefix+"BUFFER_FLUSH_BATCH", 0); v > 0 {
		c.Buffer.FlushBatch = v
	}

	c.Privacy.IDSalt = getEnv(envPrefix+"ID_SALT", c.Privacy.IDSalt)
}

func (c *EdgeConfig) applyDefaults() {
	if c.Uplink.Retry.TimeoutSeconds == 0 {
		c.Uplink.Retry.TimeoutSeconds = 30
	}
	if c.Uplink.Retry.MaxRetries == 0 {
		c.Uplink.Retry.MaxRetries = 8
	}
	if len(c.Uplink.Retry.BackoffMS) == 0 {
		c.Uplink.Retry.BackoffMS = []int{200, 500, 1000, 2000}
	}
	if c.Buffer.Backend == "" {
		c.Buffer.Backend = "sqlite"
	}
	if c.Buffer.Path == "" {
		c.Buffer.Path = "buffer.db"
	}
	if c.Buffer.FlushBatch == 0 {
		c.Buffer.FlushBatch = 500
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
}

func (c *CloudConfig) applyEnvOverrides() {
	c.Server.Port = getEnv(envPrefix+"PORT", c.Server.Port)
	c.Server.Env = getEnv(envPrefix+"ENV", c.Server.Env)

	c.PubSub.ProjectID = getEnv(envPrefix+"GCP_PROJECT_ID", c.PubSub.ProjectID)
	c.PubSub.Enabled = getEnvBool(envPrefix+"PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Spanner.ProjectID = getEnv(envPrefix+"SPANNER_PROJECT_ID", c.Spanner.ProjectID)
	c.Spanner.InstanceID = getEnv(envPrefix+"SPANNER_INSTANCE_ID", c.Spanner.InstanceID)
	c.Spanner.DatabaseID = getEnv(envPrefix+"SPANNER_DATABASE_ID", c.Spanner.DatabaseID)

	c.Redis.Addr = getEnv(envPrefix+"REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv(envPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool(envPrefix+"REDIS_ENABLED", c.Redis.Enabled)

	if v := getEnvInt(envPrefix+"GC_WINDOW_SECONDS", 0); v > 0 {
		c.GC.WindowSeconds = v
	}
	if v := getEnvFloat(envPrefix+"GC_TRUST_ALPHA", 0); v > 0 {
		c.GC.TrustAlpha = v
	}

	if v := getEnvFloat(envPrefix+"PR_ALERT_THRESHOLD", 0); v > 0 {
		c.PR.AlertThreshold = v
	}
	if v := getEnvFloat(envPrefix+"PR_ACTION_THRESHOLD", 0); v > 0 {
		c.PR.ActionThreshold = v
	}

	c.Security.HMACSecret = getEnv(envPrefix+"HMAC_SECRET", c.Security.HMACSecret)

	if v := getEnv(envPrefix+"TENANTS", ""); v != "" {
		c.Tenants = strings.Split(v, ",")
	}
}

func (c *CloudConfig) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
	if c.GC.WindowSeconds == 0 {
		c.GC.WindowSeconds = 5
	}
	if c.GC.TrustAlpha == 0 {
		c.GC.TrustAlpha = 0.9
	}
	if c.PR.AlertThreshold == 0 {
		c.PR.AlertThreshold = 0.6
	}
	if c.PR.ActionThreshold == 0 {
		c.PR.ActionThreshold = 0.85
	}
	if c.AFL.UpdateIntervalSeconds == 0 {
		c.AFL.UpdateIntervalSeconds = 300
	}
	if c.AFL.TrustAlpha == 0 {
		c.AFL.TrustAlpha = 0.9
	}
	if c.AFL.RecalibrationRate == 0 {
		c.AFL.RecalibrationRate = 0.1
	}
	if c.AFL.BaseThreshold == 0 {
		c.AFL.BaseThreshold = 0.7
	}
	if c.Security.TokenTTLSec == 0 {
		c.Security.TokenTTLSec = 300
	}
	if c.Security.MaxTokensPerAgent == 0 {
		c.Security.MaxTokensPerAgent = 50
	}
	if len(c.Tenants) == 0 {
		c.Tenants = []string{"default"}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

