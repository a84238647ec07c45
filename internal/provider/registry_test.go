package provider

import (
	"errors"
	"net/http"
	"testing"

	"github.com/agentguard/agentguard/internal/config"
)

func TestDefault_MountPathsDistinct(t *testing.T) {
	r := Default()
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if n := len(r.List()); n < 20 {
		t.Errorf("builtin providers = %d, want at least 20", n)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := Default()

	c, err := r.Resolve("anthropic")
	if err != nil {
		t.Fatalf("Resolve(anthropic) error: %v", err)
	}
	if c.Kind != KindAnthropic {
		t.Errorf("Kind = %v, want anthropic", c.Kind)
	}

	if _, err := r.Resolve("OpenAI"); err != nil {
		t.Errorf("Resolve is case-sensitive: %v", err)
	}

	_, err = r.Resolve("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(nope) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Match(t *testing.T) {
	r := Default()

	tests := []struct {
		name     string
		path     string
		wantID   string
		wantRest string
		wantOK   bool
	}{
		{"openai chat", "/openai/v1/chat/completions", "openai", "/chat/completions", true},
		{"anthropic messages", "/anthropic/v1/messages", "anthropic", "/v1/messages", true},
		{"anthropic short", "/anthropic/messages", "anthropic", "/messages", true},
		{"gemini generate", "/gemini/v1beta/models/gemini-pro:generateContent", "gemini", "/models/gemini-pro:generateContent", true},
		{"ollama native", "/ollama/api/chat", "ollama", "/api/chat", true},
		{"ollama openai compat", "/ollama/v1/chat/completions", "ollama", "/v1/chat/completions", true},
		{"mount only", "/groq/v1", "groq", "/", true},
		{"segment boundary", "/openai/v1chat", "", "", false},
		{"unknown", "/nope/v1/chat", "", "", false},
		{"root", "/", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rest, ok := r.Match(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if c.ID != tt.wantID {
				t.Errorf("Match(%q) id = %q, want %q", tt.path, c.ID, tt.wantID)
			}
			if rest != tt.wantRest {
				t.Errorf("Match(%q) rest = %q, want %q", tt.path, rest, tt.wantRest)
			}
		})
	}
}

func TestRegistry_MatchLongestPrefix(t *testing.T) {
	r := NewRegistry()
	must := func(c Config) {
		t.Helper()
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s) error: %v", c.ID, err)
		}
	}
	must(Config{ID: "outer", Kind: KindOpenAI, UpstreamBaseURL: "http://a", MountPath: "/svc"})
	must(Config{ID: "inner", Kind: KindOpenAI, UpstreamBaseURL: "http://b", MountPath: "/svc/v2"})

	c, rest, ok := r.Match("/svc/v2/chat/completions")
	if !ok || c.ID != "inner" || rest != "/chat/completions" {
		t.Errorf("Match = (%s, %q, %v), want (inner, /chat/completions, true)", c.ID, rest, ok)
	}
	c, rest, ok = r.Match("/svc/v1/chat/completions")
	if !ok || c.ID != "outer" || rest != "/v1/chat/completions" {
		t.Errorf("Match = (%s, %q, %v), want (outer, /v1/chat/completions, true)", c.ID, rest, ok)
	}
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Config{ID: "a", Kind: KindOpenAI, UpstreamBaseURL: "http://a", MountPath: "/a"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	tests := []struct {
		name string
		c    Config
	}{
		{"duplicate id", Config{ID: "a", Kind: KindOpenAI, UpstreamBaseURL: "http://x", MountPath: "/x"}},
		{"duplicate mount", Config{ID: "b", Kind: KindOpenAI, UpstreamBaseURL: "http://x", MountPath: "/a/"}},
		{"root mount", Config{ID: "c", Kind: KindOpenAI, UpstreamBaseURL: "http://x", MountPath: "/"}},
		{"relative upstream", Config{ID: "d", Kind: KindOpenAI, UpstreamBaseURL: "api.example.com", MountPath: "/d"}},
		{"missing kind", Config{ID: "e", UpstreamBaseURL: "http://x", MountPath: "/e"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.c); err == nil {
				t.Errorf("Register(%+v) succeeded, want error", tt.c)
			}
		})
	}
}

func TestUpstreamPath(t *testing.T) {
	tests := []struct {
		base, rest, want string
	}{
		{"/v1", "/chat/completions", "/v1/chat/completions"},
		{"/v1", "/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/", "/models", "/v1/models"},
		{"", "/v1/messages", "/v1/messages"},
		{"", "", "/"},
		{"/v1beta", "/models/x:generateContent", "/v1beta/models/x:generateContent"},
		{"/v1", "/v10/thing", "/v1/v10/thing"},
	}
	for _, tt := range tests {
		if got := UpstreamPath(tt.base, tt.rest); got != tt.want {
			t.Errorf("UpstreamPath(%q, %q) = %q, want %q", tt.base, tt.rest, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig([]config.ProviderConfig{
		{ID: "ollama", UpstreamBaseURL: "http://gpu-box:11434"},
		{ID: "corp", Kind: "anthropic", UpstreamBaseURL: "https://llm.corp.example", AuthHeader: "x-api-key", AuthEnv: "CORP_KEY"},
	})
	if err != nil {
		t.Fatalf("FromConfig error: %v", err)
	}

	ollama, _ := r.Resolve("ollama")
	if ollama.UpstreamBaseURL != "http://gpu-box:11434" {
		t.Errorf("ollama upstream = %q", ollama.UpstreamBaseURL)
	}
	if ollama.Kind != KindOllama || ollama.MountPath != "/ollama" {
		t.Errorf("override lost builtin fields: %+v", ollama)
	}

	corp, err := r.Resolve("corp")
	if err != nil {
		t.Fatalf("Resolve(corp) error: %v", err)
	}
	if corp.Kind != KindAnthropic || corp.MountPath != "/corp" {
		t.Errorf("corp = %+v", corp)
	}

	if _, err := FromConfig([]config.ProviderConfig{{ID: "clash", UpstreamBaseURL: "http://x", MountPath: "/openai/v1"}}); err == nil {
		t.Error("FromConfig accepted a mount path clash")
	}
	if _, err := FromConfig([]config.ProviderConfig{{ID: "weird", Kind: "soap", UpstreamBaseURL: "http://x"}}); err == nil {
		t.Error("FromConfig accepted an unknown kind")
	}
}

func TestInjectAuth(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-test")
	c := Config{AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "TEST_PROVIDER_KEY"}

	h := http.Header{}
	c.InjectAuth(h)
	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want \"Bearer sk-test\"", got)
	}

	h = http.Header{"Authorization": []string{"Bearer client"}}
	c.InjectAuth(h)
	if got := h.Get("Authorization"); got != "Bearer client" {
		t.Errorf("client credential overwritten: %q", got)
	}
}

func TestClientBaseURL(t *testing.T) {
	c, _ := Default().Resolve("openai")
	if got := c.ClientBaseURL("http://127.0.0.1:8742/", false); got != "http://127.0.0.1:8742/v1" {
		t.Errorf("single = %q", got)
	}
	if got := c.ClientBaseURL("http://127.0.0.1:8742", true); got != "http://127.0.0.1:8742/openai/v1" {
		t.Errorf("multi = %q", got)
	}
}
