// Package payload pulls the human-readable text out of LLM API traffic so
// it can be scanned. It knows the request and response shapes of the
// OpenAI, Anthropic, Gemini and Ollama APIs, including their streaming
// variants.
package payload

import (
	"errors"
	"strings"

	"github.com/agentguard/agentguard/internal/provider"
)

// ErrUnparseable is returned when a body is not valid for its schema.
var ErrUnparseable = errors.New("unparseable payload")

// Schema identifies an endpoint's wire format.
type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaOpenAIChat
	SchemaOpenAICompletions
	SchemaOpenAIResponses
	SchemaOpenAIEmbeddings
	SchemaAnthropicMessages
	SchemaGemini
	SchemaGeminiStream
	SchemaOllamaChat
	SchemaOllamaGenerate
)

func (s Schema) String() string {
	switch s {
	case SchemaOpenAIChat:
		return "openai.chat"
	case SchemaOpenAICompletions:
		return "openai.completions"
	case SchemaOpenAIResponses:
		return "openai.responses"
	case SchemaOpenAIEmbeddings:
		return "openai.embeddings"
	case SchemaAnthropicMessages:
		return "anthropic.messages"
	case SchemaGemini:
		return "gemini.generate"
	case SchemaGeminiStream:
		return "gemini.stream"
	case SchemaOllamaChat:
		return "ollama.chat"
	case SchemaOllamaGenerate:
		return "ollama.generate"
	default:
		return "unknown"
	}
}

type schemaRule struct {
	pathSuffix string
	schema     Schema
}

// Ordered by specificity, most specific first.
var schemaRules = []schemaRule{
	{"/chat/completions", SchemaOpenAIChat},
	{"/completions", SchemaOpenAICompletions},
	{"/responses", SchemaOpenAIResponses},
	{"/embeddings", SchemaOpenAIEmbeddings},
	{"/messages", SchemaAnthropicMessages},
	{":streamGenerateContent", SchemaGeminiStream},
	{":generateContent", SchemaGemini},
	{"/api/chat", SchemaOllamaChat},
	{"/api/generate", SchemaOllamaGenerate},
}

// SchemaFor picks the schema from the endpoint path, falling back to the
// provider kind's primary endpoint.
func SchemaFor(kind provider.Kind, path string) Schema {
	path = strings.TrimRight(path, "/")
	for _, r := range schemaRules {
		if strings.HasSuffix(path, r.pathSuffix) {
			return r.schema
		}
	}
	switch kind {
	case provider.KindOpenAI:
		return SchemaOpenAIChat
	case provider.KindAnthropic:
		return SchemaAnthropicMessages
	case provider.KindGemini:
		return SchemaGemini
	case provider.KindOllama:
		return SchemaOllamaChat
	default:
		return SchemaUnknown
	}
}

// ModelFromPath extracts the model from a Gemini style path such as
// /v1beta/models/gemini-2.0-flash:generateContent.
func ModelFromPath(path string) string {
	i := strings.LastIndex(path, "/models/")
	if i < 0 {
		return ""
	}
	m := path[i+len("/models/"):]
	if j := strings.IndexAny(m, ":/"); j >= 0 {
		m = m[:j]
	}
	return m
}

func joinText(parts []string) string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
