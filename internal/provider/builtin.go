package provider

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/agentguard/agentguard/internal/config"
)

var builtin = []Config{
	{ID: "openai", Kind: KindOpenAI, UpstreamBaseURL: "https://api.openai.com/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "OPENAI_API_KEY", MountPath: "/openai/v1", BaseURLEnv: "OPENAI_BASE_URL"},
	{ID: "anthropic", Kind: KindAnthropic, UpstreamBaseURL: "https://api.anthropic.com", AuthHeader: "x-api-key", AuthEnv: "ANTHROPIC_API_KEY", MountPath: "/anthropic", BaseURLEnv: "ANTHROPIC_BASE_URL"},
	{ID: "gemini", Kind: KindGemini, UpstreamBaseURL: "https://generativelanguage.googleapis.com/v1beta", AuthHeader: "x-goog-api-key", AuthEnv: "GEMINI_API_KEY", MountPath: "/gemini/v1beta", BaseURLEnv: "GEMINI_BASE_URL"},
	{ID: "ollama", Kind: KindOllama, UpstreamBaseURL: "http://localhost:11434", MountPath: "/ollama", BaseURLEnv: "OLLAMA_HOST"},
	{ID: "groq", Kind: KindOpenAI, UpstreamBaseURL: "https://api.groq.com/openai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "GROQ_API_KEY", MountPath: "/groq/v1", BaseURLEnv: "GROQ_BASE_URL"},
	{ID: "mistral", Kind: KindOpenAI, UpstreamBaseURL: "https://api.mistral.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "MISTRAL_API_KEY", MountPath: "/mistral/v1", BaseURLEnv: "MISTRAL_BASE_URL"},
	{ID: "deepseek", Kind: KindOpenAI, UpstreamBaseURL: "https://api.deepseek.com", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "DEEPSEEK_API_KEY", MountPath: "/deepseek", BaseURLEnv: "DEEPSEEK_BASE_URL"},
	{ID: "together", Kind: KindOpenAI, UpstreamBaseURL: "https://api.together.xyz/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "TOGETHER_API_KEY", MountPath: "/together/v1", BaseURLEnv: "TOGETHER_BASE_URL"},
	{ID: "fireworks", Kind: KindOpenAI, UpstreamBaseURL: "https://api.fireworks.ai/inference/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "FIREWORKS_API_KEY", MountPath: "/fireworks/v1", BaseURLEnv: "FIREWORKS_BASE_URL"},
	{ID: "openrouter", Kind: KindOpenAI, UpstreamBaseURL: "https://openrouter.ai/api/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "OPENROUTER_API_KEY", MountPath: "/openrouter/v1", BaseURLEnv: "OPENROUTER_BASE_URL"},
	{ID: "xai", Kind: KindOpenAI, UpstreamBaseURL: "https://api.x.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "XAI_API_KEY", MountPath: "/xai/v1", BaseURLEnv: "XAI_BASE_URL"},
	{ID: "perplexity", Kind: KindOpenAI, UpstreamBaseURL: "https://api.perplexity.ai", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "PERPLEXITY_API_KEY", MountPath: "/perplexity", BaseURLEnv: "PERPLEXITY_BASE_URL"},
	{ID: "cerebras", Kind: KindOpenAI, UpstreamBaseURL: "https://api.cerebras.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "CEREBRAS_API_KEY", MountPath: "/cerebras/v1", BaseURLEnv: "CEREBRAS_BASE_URL"},
	{ID: "moonshot", Kind: KindOpenAI, UpstreamBaseURL: "https://api.moonshot.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "MOONSHOT_API_KEY", MountPath: "/moonshot/v1", BaseURLEnv: "MOONSHOT_BASE_URL"},
	{ID: "cohere", Kind: KindOpenAI, UpstreamBaseURL: "https://api.cohere.ai/compatibility/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "COHERE_API_KEY", MountPath: "/cohere/v1", BaseURLEnv: "COHERE_BASE_URL"},
	{ID: "lmstudio", Kind: KindOpenAI, UpstreamBaseURL: "http://localhost:1234/v1", MountPath: "/lmstudio/v1", BaseURLEnv: "LMSTUDIO_BASE_URL"},
	{ID: "vllm", Kind: KindOpenAI, UpstreamBaseURL: "http://localhost:8000/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "VLLM_API_KEY", MountPath: "/vllm/v1", BaseURLEnv: "VLLM_BASE_URL"},
	{ID: "huggingface", Kind: KindOpenAI, UpstreamBaseURL: "https://router.huggingface.co/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "HF_TOKEN", MountPath: "/huggingface/v1", BaseURLEnv: "HF_BASE_URL"},
	{ID: "nvidia", Kind: KindOpenAI, UpstreamBaseURL: "https://integrate.api.nvidia.com/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "NVIDIA_API_KEY", MountPath: "/nvidia/v1", BaseURLEnv: "NVIDIA_BASE_URL"},
	{ID: "sambanova", Kind: KindOpenAI, UpstreamBaseURL: "https://api.sambanova.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "SAMBANOVA_API_KEY", MountPath: "/sambanova/v1", BaseURLEnv: "SAMBANOVA_BASE_URL"},
	{ID: "qwen", Kind: KindOpenAI, UpstreamBaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", AuthHeader: "Authorization", AuthScheme: "Bearer", AuthEnv: "DASHSCOPE_API_KEY", MountPath: "/qwen/v1", BaseURLEnv: "QWEN_BASE_URL"},
}

// FromConfig builds a registry from the builtins with the configured
// providers applied on top. An entry whose ID matches a builtin overrides
// only the fields it sets.
func FromConfig(entries []config.ProviderConfig) (*Registry, error) {
	r := Default()
	for _, e := range entries {
		id := strings.ToLower(strings.TrimSpace(e.ID))
		if id == "" {
			return nil, fmt.Errorf("provider entry without id")
		}

		base, err := r.Resolve(id)
		exists := err == nil
		if !exists {
			base = Config{ID: id, MountPath: "/" + id}
		}

		if e.Kind != "" || !exists {
			k, err := ParseKind(e.Kind)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", id, err)
			}
			base.Kind = k
		}
		if e.UpstreamBaseURL != "" {
			base.UpstreamBaseURL = e.UpstreamBaseURL
		}
		if e.AuthHeader != "" {
			base.AuthHeader = e.AuthHeader
		}
		if e.AuthScheme != "" {
			base.AuthScheme = e.AuthScheme
		}
		if e.AuthEnv != "" {
			base.AuthEnv = e.AuthEnv
		}
		if e.MountPath != "" {
			base.MountPath = e.MountPath
		}
		if e.BaseURLEnv != "" {
			base.BaseURLEnv = e.BaseURLEnv
		}

		if exists {
			err = r.Replace(base)
		} else {
			err = r.Register(base)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// InjectAuth sets the provider's credential header from its AuthEnv variable
// when the inbound request did not carry one. Client-supplied credentials
// always win.
func (c Config) InjectAuth(h http.Header) {
	if c.AuthHeader == "" || c.AuthEnv == "" {
		return
	}
	if h.Get(c.AuthHeader) != "" {
		return
	}
	key := os.Getenv(c.AuthEnv)
	if key == "" {
		return
	}
	if c.AuthScheme != "" {
		key = c.AuthScheme + " " + key
	}
	h.Set(c.AuthHeader, key)
}

// ClientBaseURL is the base URL an SDK should be pointed at to reach this
// provider through a proxy listening at proxyURL.
func (c Config) ClientBaseURL(proxyURL string, multi bool) string {
	proxyURL = strings.TrimRight(proxyURL, "/")
	if multi {
		return proxyURL + c.MountPath
	}
	u, err := c.Upstream()
	if err != nil {
		return proxyURL
	}
	return proxyURL + strings.TrimRight(u.Path, "/")
}
