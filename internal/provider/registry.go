// Package provider holds the table of LLM providers the proxy can front:
// where each one lives upstream, how it authenticates, which wire shape it
// speaks and which path it is mounted under when several are served at once.
package provider

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a provider ID is not registered.
var ErrNotFound = errors.New("provider not found")

// Kind is the wire shape a provider's API speaks.
type Kind int

const (
	KindOpenAI Kind = iota + 1
	KindAnthropic
	KindGemini
	KindOllama
)

func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindAnthropic:
		return "anthropic"
	case KindGemini:
		return "gemini"
	case KindOllama:
		return "ollama"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "openai", "openai-compatible", "":
		return KindOpenAI, nil
	case "anthropic":
		return KindAnthropic, nil
	case "gemini", "google":
		return KindGemini, nil
	case "ollama":
		return KindOllama, nil
	default:
		return 0, fmt.Errorf("unknown provider kind %q", s)
	}
}

// MarshalText lets Kind appear as a string in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Config describes one upstream provider. Values are immutable once
// registered.
type Config struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	UpstreamBaseURL string `json:"upstream_base_url"`
	AuthHeader      string `json:"auth_header,omitempty"`
	AuthScheme      string `json:"auth_scheme,omitempty"`
	AuthEnv         string `json:"auth_env,omitempty"`
	MountPath       string `json:"mount_path"`
	BaseURLEnv      string `json:"base_url_env,omitempty"`
}

// Upstream parses UpstreamBaseURL.
func (c Config) Upstream() (*url.URL, error) {
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: invalid upstream %q: %w", c.ID, c.UpstreamBaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("provider %s: upstream %q must be absolute", c.ID, c.UpstreamBaseURL)
	}
	return u, nil
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("provider id is required")
	}
	if c.Kind < KindOpenAI || c.Kind > KindOllama {
		return fmt.Errorf("provider %s: invalid kind %d", c.ID, c.Kind)
	}
	if _, err := c.Upstream(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.MountPath, "/") || c.MountPath == "/" {
		return fmt.Errorf("provider %s: mount path %q must be a non-root absolute path", c.ID, c.MountPath)
	}
	return nil
}

// Registry maps provider IDs to configs. Lookups are safe for concurrent use
// with registration.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Config
	byMount map[string]string // normalized mount path → id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]Config),
		byMount: make(map[string]string),
	}
}

// Default returns a registry pre-loaded with the builtin providers.
func Default() *Registry {
	r := NewRegistry()
	for _, c := range builtin {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a provider. IDs and mount paths must be unique.
func (r *Registry) Register(c Config) error {
	c.MountPath = normalizeMount(c.MountPath)
	if err := c.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ID]; ok {
		return fmt.Errorf("provider %s already registered", c.ID)
	}
	if owner, ok := r.byMount[c.MountPath]; ok {
		return fmt.Errorf("provider %s: mount path %s already used by %s", c.ID, c.MountPath, owner)
	}
	r.byID[c.ID] = c
	r.byMount[c.MountPath] = c.ID
	return nil
}

// Replace swaps the config of an already-registered provider, keeping the
// mount-path uniqueness invariant.
func (r *Registry) Replace(c Config) error {
	c.MountPath = normalizeMount(c.MountPath)
	if err := c.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if owner, ok := r.byMount[c.MountPath]; ok && owner != c.ID {
		return fmt.Errorf("provider %s: mount path %s already used by %s", c.ID, c.MountPath, owner)
	}
	delete(r.byMount, old.MountPath)
	r.byID[c.ID] = c
	r.byMount[c.MountPath] = c.ID
	return nil
}

// Resolve returns the provider registered under id.
func (r *Registry) Resolve(id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[strings.ToLower(id)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c, nil
}

// Match finds the provider whose mount path is the longest prefix of path,
// matching on whole segments. It returns the path remainder after the mount
// (always starting with "/").
func (r *Registry) Match(path string) (Config, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidate := normalizeMount(path)
	for candidate != "" && candidate != "/" {
		if id, ok := r.byMount[candidate]; ok {
			rest := strings.TrimPrefix(path, candidate)
			if rest == "" {
				rest = "/"
			}
			return r.byID[id], rest, true
		}
		i := strings.LastIndexByte(candidate, '/')
		if i <= 0 {
			break
		}
		candidate = candidate[:i]
	}
	return Config{}, "", false
}

// List returns all providers sorted by ID.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate re-checks that mount paths are pairwise distinct.
func (r *Registry) Validate() error {
	seen := make(map[string]string)
	for _, c := range r.List() {
		if other, ok := seen[c.MountPath]; ok {
			return fmt.Errorf("mount path %s shared by %s and %s", c.MountPath, other, c.ID)
		}
		seen[c.MountPath] = c.ID
	}
	return nil
}

func normalizeMount(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// UpstreamPath joins the upstream base path with an inbound path remainder.
// A remainder that already carries the base path is not prefixed twice, so
// clients configured with or without the version segment both work.
func UpstreamPath(basePath, rest string) string {
	basePath = strings.TrimRight(basePath, "/")
	if rest == "" {
		rest = "/"
	}
	if basePath == "" {
		return rest
	}
	if rest == basePath || strings.HasPrefix(rest, basePath+"/") {
		return rest
	}
	return singleJoiningSlash(basePath, rest)
}

// singleJoiningSlash joins a base path and a relative path with exactly
// one slash between them.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
