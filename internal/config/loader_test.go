package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")

	yamlContent := `
server:
  port: 9000
  log_level: debug
  cors: true

proxy:
  port: 18742
  default_provider: anthropic
  max_buffer_bytes: 1024
  shutdown_grace: 3s

scanner:
  mode: local
  timeout: 250ms
  fail_mode: closed
  threshold: 70
  rules:
    - id: corp-host
      direction: output
      pattern: 'corp\.internal'
      severity: high
      threat_type: data_leakage

policy:
  block_threats: true
  scan_llm_responses: false

providers:
  - id: ollama
    upstream_base_url: http://gpu-box:11434
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if !cfg.Server.CORS {
		t.Error("Server.CORS = false, want true")
	}
	if cfg.Proxy.Port != 18742 {
		t.Errorf("Proxy.Port = %d, want 18742", cfg.Proxy.Port)
	}
	if cfg.Proxy.DefaultProvider != "anthropic" {
		t.Errorf("Proxy.DefaultProvider = %q, want \"anthropic\"", cfg.Proxy.DefaultProvider)
	}
	if cfg.Proxy.ShutdownGrace != 3*time.Second {
		t.Errorf("Proxy.ShutdownGrace = %v, want 3s", cfg.Proxy.ShutdownGrace)
	}
	if cfg.Scanner.Timeout != 250*time.Millisecond {
		t.Errorf("Scanner.Timeout = %v, want 250ms", cfg.Scanner.Timeout)
	}
	if cfg.Scanner.FailMode != "closed" {
		t.Errorf("Scanner.FailMode = %q, want \"closed\"", cfg.Scanner.FailMode)
	}
	if len(cfg.Scanner.Rules) != 1 || cfg.Scanner.Rules[0].ID != "corp-host" {
		t.Fatalf("Scanner.Rules = %+v, want one rule corp-host", cfg.Scanner.Rules)
	}
	if !cfg.Policy.BlockThreats || cfg.Policy.ScanLLMResponses {
		t.Errorf("Policy = %+v, want block_threats=true scan_llm_responses=false", cfg.Policy)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].UpstreamBaseURL != "http://gpu-box:11434" {
		t.Errorf("Providers = %+v", cfg.Providers)
	}

	// Unset sections keep their defaults.
	if cfg.Gateway.Path != "/gateway" {
		t.Errorf("Gateway.Path = %q, want \"/gateway\"", cfg.Gateway.Path)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	cfg := NewLoader().Get()

	if cfg.Proxy.Port != 8742 {
		t.Errorf("default Proxy.Port = %d, want 8742", cfg.Proxy.Port)
	}
	if cfg.Scanner.FailMode != "open" {
		t.Errorf("default Scanner.FailMode = %q, want \"open\"", cfg.Scanner.FailMode)
	}
	if cfg.Policy.BlockThreats {
		t.Error("default Policy.BlockThreats = true, want false")
	}
	if !cfg.Policy.ScanLLMResponses {
		t.Error("default Policy.ScanLLMResponses = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	if err := loader.Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	if err := NewLoader().Load(configPath); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_RejectsUnknownFailMode(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")
	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: maybe\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := NewLoader().Load(configPath); err == nil {
		t.Error("Load() accepted fail_mode \"maybe\"")
	}
}

func TestLoader_RemoteModeRequiresOracleURL(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")
	if err := os.WriteFile(configPath, []byte("scanner:\n  mode: remote\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := NewLoader().Load(configPath); err == nil {
		t.Error("Load() accepted remote mode without oracle_url")
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")

	if err := os.WriteFile(configPath, []byte("proxy:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}

	if err := os.WriteFile(configPath, []byte("proxy:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Proxy.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Proxy.Port)
	}

	// A broken file keeps the previous config.
	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: nope\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("Reload() of invalid config should return error")
	}
	if loader.Get().Proxy.Port != 9999 {
		t.Errorf("port after failed reload = %d, want 9999", loader.Get().Proxy.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	if err := NewLoader().Reload(); err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestLoader_WatchFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")
	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: open\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reloaded := make(chan *Config, 4)
	if err := loader.Watch(func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: closed\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Scanner.FailMode == "closed" {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not reload config within 5s")
		}
	}
}

func TestLoader_WatchSkipsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")
	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: closed\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reloaded := make(chan *Config, 8)
	if err := loader.Watch(func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	// A save that truncates first and stays empty past the debounce window.
	if err := os.WriteFile(configPath, nil, 0644); err != nil {
		t.Fatalf("failed to truncate config: %v", err)
	}
	select {
	case c := <-reloaded:
		t.Fatalf("empty file applied as a reload (fail_mode=%s)", c.Scanner.FailMode)
	case <-time.After(3 * reloadDebounce):
	}
	if got := loader.Get().Scanner.FailMode; got != "closed" {
		t.Fatalf("fail_mode = %q after truncation, want closed", got)
	}

	// Truncate and rewrite within one window: a single reload of the final
	// content.
	if err := os.WriteFile(configPath, nil, 0644); err != nil {
		t.Fatalf("failed to truncate config: %v", err)
	}
	time.Sleep(reloadDebounce / 4)
	if err := os.WriteFile(configPath, []byte("scanner:\n  fail_mode: closed\nproxy:\n  port: 9101\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Scanner.FailMode != "closed" {
				t.Fatalf("reload applied fail_mode=%q, want closed", c.Scanner.FailMode)
			}
			if c.Proxy.Port == 9101 {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not apply the rewritten config within 5s")
		}
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_AG_PORT", "9999")
	t.Setenv("TEST_AG_SECRET", "my-secret")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "port: ${TEST_AG_PORT}", "port: 9999"},
		{"multiple substitutions", "port: ${TEST_AG_PORT}\nsecret: ${TEST_AG_SECRET}", "port: 9999\nsecret: my-secret"},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}", "value: default-val"},
		{"default not used when set", "port: ${TEST_AG_PORT:-1234}", "port: 9999"},
		{"no env vars", "port: 8080", "port: 8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentguard.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if loader.Get().Proxy.Port != 8742 {
		t.Errorf("generated config proxy port = %d, want 8742", loader.Get().Proxy.Port)
	}
}
