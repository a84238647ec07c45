package config

import (
	"time"
)

// Config is the top-level AgentGuard configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Scanner   ScannerConfig    `yaml:"scanner"`
	Policy    PolicyConfig     `yaml:"policy"`
	Storage   StorageConfig    `yaml:"storage"`
	Providers []ProviderConfig `yaml:"providers"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	OpenClaw  OpenClawConfig   `yaml:"openclaw"`
	Alerts    AlertsConfig     `yaml:"alerts"`
}

// ServerConfig controls the control-plane API server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

// ProxyConfig controls the data-plane listener.
type ProxyConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DefaultProvider string        `yaml:"default_provider"`
	MaxBufferBytes  int64         `yaml:"max_buffer_bytes"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"` // 0 = no overall timeout (streams)
}

// ScannerConfig selects and tunes the threat detection oracle.
type ScannerConfig struct {
	Mode      string        `yaml:"mode"`       // local, remote
	OracleURL string        `yaml:"oracle_url"` // remote mode only
	Timeout   time.Duration `yaml:"timeout"`
	FailMode  string        `yaml:"fail_mode"` // "open" = forward on scanner error, "closed" = reject
	Threshold int           `yaml:"threshold"` // minimum risk score reported as a threat
	Rules     []RuleConfig  `yaml:"rules"`
}

// RuleConfig is a user-defined detection rule. Exactly one of Pattern
// (regular expression) or Condition (CEL over text and direction) is set.
type RuleConfig struct {
	ID         string `yaml:"id"`
	Direction  string `yaml:"direction"` // input, output, both
	Pattern    string `yaml:"pattern"`
	Condition  string `yaml:"condition"`
	Severity   string `yaml:"severity"`
	ThreatType string `yaml:"threat_type"`
}

// PolicyConfig seeds the block policy settings the first time the settings
// store is opened. After that the dashboard owns them.
type PolicyConfig struct {
	BlockThreats     bool `yaml:"block_threats"`
	ScanLLMResponses bool `yaml:"scan_llm_responses"`
}

type StorageConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ProviderConfig adds a provider to the registry, or overrides fields of a
// builtin provider with the same ID.
type ProviderConfig struct {
	ID              string `yaml:"id"`
	Kind            string `yaml:"kind"`
	UpstreamBaseURL string `yaml:"upstream_base_url"`
	AuthHeader      string `yaml:"auth_header"`
	AuthScheme      string `yaml:"auth_scheme"`
	AuthEnv         string `yaml:"auth_env"`
	MountPath       string `yaml:"mount_path"`
	BaseURLEnv      string `yaml:"base_url_env"`
}

// GatewayConfig enables WebSocket interception of an agent gateway
// (OpenClaw style) on a fixed path of the proxy listener.
type GatewayConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	UpstreamURL string `yaml:"upstream_url"` // ws://localhost:18789
	AuthToken   string `yaml:"auth_token"`
}

// OpenClawConfig locates the OpenClaw files the patcher rewrites.
type OpenClawConfig struct {
	Root     string   `yaml:"root"`
	Files    []string `yaml:"files"` // globs relative to Root
	StateDir string   `yaml:"state_dir"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8741,
			LogLevel: "info",
		},
		Proxy: ProxyConfig{
			Host:            "127.0.0.1",
			Port:            8742,
			DefaultProvider: "openai",
			MaxBufferBytes:  10 << 20,
			ShutdownGrace:   10 * time.Second,
		},
		Scanner: ScannerConfig{
			Mode:      "local",
			Timeout:   5 * time.Second,
			FailMode:  "open",
			Threshold: 50,
		},
		Policy: PolicyConfig{
			BlockThreats:     false,
			ScanLLMResponses: true,
		},
		Storage: StorageConfig{
			Path:      "./agentguard.db",
			Retention: 30 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Path: "/gateway",
		},
		OpenClaw: OpenClawConfig{
			Root:     "~/.openclaw",
			Files:    []string{"openclaw.json", "agents/*/agent/models.json"},
			StateDir: "~/.agentguard/patches",
		},
	}
}
