package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of events a single save produces.
const reloadDebounce = 200 * time.Millisecond

// Loader reads the YAML config file and keeps the most recent successfully
// parsed copy. It is safe for concurrent use.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	logger    *slog.Logger
}

// NewLoader returns a loader holding DefaultConfig until Load is called.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// SetLogger replaces the loader's logger.
func (l *Loader) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger.With("component", "config.Loader")
	l.mu.Unlock()
}

// Load parses the file at path on top of the defaults.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file passed to the last successful Load. On error the
// previous config stays in effect.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return errors.New("no config file loaded")
	}
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the current config. Callers must not mutate it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Watch reloads the config whenever the loaded file is written and calls
// onReload with the new config. The directory is watched rather than the
// file so editor rename-and-replace saves are seen.
func (l *Loader) Watch(onReload func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filePath == "" {
		return errors.New("no config file loaded")
	}
	if l.watcher != nil {
		return nil
	}

	absPath, err := filepath.Abs(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(absPath), err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, onReload func(*Config)) {
	defer close(done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(event.Name)
			if abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			l.reloadFromWatch(target, onReload)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// reloadFromWatch applies the file once writes have settled. An empty file
// is a save in progress, not a request for the defaults.
func (l *Loader) reloadFromWatch(target string, onReload func(*Config)) {
	if fi, err := os.Stat(target); err == nil && fi.Size() == 0 {
		l.logger.Debug("config file empty, waiting for the next write", "path", target)
		return
	}
	if err := l.Reload(); err != nil {
		l.logger.Error("config reload failed, keeping previous config", "path", target, "error", err)
		return
	}
	l.logger.Info("config reloaded", "path", target)
	if onReload != nil {
		onReload(l.Get())
	}
}

// StopWatch stops the file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	w, done := l.watcher, l.watchDone
	l.watcher, l.watchDone = nil, nil
	l.mu.Unlock()

	if w != nil {
		_ = w.Close()
		<-done
	}
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields whose values are enumerations.
func (c *Config) Validate() error {
	switch c.Scanner.FailMode {
	case "open", "closed":
	default:
		return fmt.Errorf("scanner.fail_mode must be \"open\" or \"closed\", got %q", c.Scanner.FailMode)
	}
	switch c.Scanner.Mode {
	case "local":
	case "remote":
		if c.Scanner.OracleURL == "" {
			return errors.New("scanner.oracle_url is required when scanner.mode is remote")
		}
	default:
		return fmt.Errorf("scanner.mode must be \"local\" or \"remote\", got %q", c.Scanner.Mode)
	}
	if c.Scanner.Timeout <= 0 {
		return errors.New("scanner.timeout must be positive")
	}
	if c.Proxy.MaxBufferBytes <= 0 {
		return errors.New("proxy.max_buffer_bytes must be positive")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[3]
	})
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

const defaultConfigYAML = `# AgentGuard configuration

server:
  host: 127.0.0.1
  port: 8741          # control-plane API
  log_level: info
  cors: false

proxy:
  host: 127.0.0.1
  port: 8742          # data plane; point OPENAI_BASE_URL etc. here
  default_provider: openai
  max_buffer_bytes: 10485760
  shutdown_grace: 10s

scanner:
  mode: local         # local | remote
  # oracle_url: http://localhost:9000/scan
  timeout: 5s
  fail_mode: open     # open = forward when the scanner fails, closed = reject
  threshold: 50
  rules: []
  #  - id: internal-hostname
  #    direction: output
  #    pattern: '\bcorp\.internal\b'
  #    severity: high
  #    threat_type: data_leakage

# Seed values only; the dashboard settings take over once stored.
policy:
  block_threats: false
  scan_llm_responses: true

storage:
  path: ./agentguard.db
  retention: 720h

providers: []
#  - id: ollama
#    upstream_base_url: ${OLLAMA_HOST:-http://localhost:11434}

gateway:
  enabled: false
  path: /gateway
  upstream_url: ws://localhost:18789

openclaw:
  root: ~/.openclaw
  files:
    - openclaw.json
    - agents/*/agent/models.json
  state_dir: ~/.agentguard/patches

alerts:
  slack:
    webhook_url: ""
  webhook:
    url: ""
`
