package payload

import (
	"encoding/json"
	"fmt"
)

// Request is what the proxy needs to know about an inbound API call.
type Request struct {
	Text   string // user-authored text only
	Stream bool
	Model  string
}

// content is a message body that is either a plain string or a list of
// typed parts, as used by OpenAI, Anthropic and Ollama.
type content struct {
	text  string
	parts []contentPart
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.text)
	}
	if string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, &c.parts)
}

// String returns the text parts, skipping tool results, images and other
// non-text blocks.
func (c content) String() string {
	if c.text != "" {
		return c.text
	}
	var out []string
	for _, p := range c.parts {
		switch p.Type {
		case "", "text", "input_text", "output_text":
			out = append(out, p.Text)
		}
	}
	return joinText(out)
}

// stringOrList is a field that may be "x" or ["x", "y"].
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = []string{v}
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, r := range raw {
		var v string
		// Token arrays are not text.
		if json.Unmarshal(r, &v) == nil {
			*s = append(*s, v)
		}
	}
	return nil
}

type chatMessage struct {
	Role    string  `json:"role"`
	Content content `json:"content"`
}

type openAIChatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type openAICompletionsRequest struct {
	Model  string       `json:"model"`
	Stream bool         `json:"stream"`
	Prompt stringOrList `json:"prompt"`
}

type openAIEmbeddingsRequest struct {
	Model string       `json:"model"`
	Input stringOrList `json:"input"`
}

type responsesInputItem struct {
	Type    string  `json:"type"`
	Role    string  `json:"role"`
	Content content `json:"content"`
}

type openAIResponsesRequest struct {
	Model  string          `json:"model"`
	Stream bool            `json:"stream"`
	Input  json.RawMessage `json:"input"`
}

type anthropicRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Stream   *bool         `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
	Prompt string `json:"prompt"`
}

// ExtractRequest decodes body according to schema. An empty body yields an
// empty Request. Invalid JSON yields ErrUnparseable.
func ExtractRequest(schema Schema, body []byte) (Request, error) {
	if len(body) == 0 {
		return Request{Stream: schema == SchemaGeminiStream}, nil
	}

	switch schema {
	case SchemaOpenAIChat:
		var r openAIChatRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: userText(r.Messages), Stream: r.Stream, Model: r.Model}, nil

	case SchemaOpenAICompletions:
		var r openAICompletionsRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: joinText(r.Prompt), Stream: r.Stream, Model: r.Model}, nil

	case SchemaOpenAIEmbeddings:
		var r openAIEmbeddingsRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: joinText(r.Input), Model: r.Model}, nil

	case SchemaOpenAIResponses:
		var r openAIResponsesRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		text, err := responsesInputText(r.Input)
		if err != nil {
			return Request{}, err
		}
		return Request{Text: text, Stream: r.Stream, Model: r.Model}, nil

	case SchemaAnthropicMessages:
		var r anthropicRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: userText(r.Messages), Stream: r.Stream, Model: r.Model}, nil

	case SchemaGemini, SchemaGeminiStream:
		var r geminiRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		var parts []string
		for _, c := range r.Contents {
			if c.Role != "" && c.Role != "user" {
				continue
			}
			for _, p := range c.Parts {
				parts = append(parts, p.Text)
			}
		}
		return Request{Text: joinText(parts), Stream: schema == SchemaGeminiStream}, nil

	case SchemaOllamaChat:
		var r ollamaChatRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: userText(r.Messages), Stream: r.Stream == nil || *r.Stream, Model: r.Model}, nil

	case SchemaOllamaGenerate:
		var r ollamaGenerateRequest
		if err := unmarshal(body, &r); err != nil {
			return Request{}, err
		}
		return Request{Text: r.Prompt, Stream: r.Stream == nil || *r.Stream, Model: r.Model}, nil

	default:
		return Request{}, fmt.Errorf("%w: unknown schema", ErrUnparseable)
	}
}

func unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return nil
}

func userText(msgs []chatMessage) string {
	var parts []string
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		parts = append(parts, m.Content.String())
	}
	return joinText(parts)
}

func responsesInputText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var items []responsesInputItem
	if err := unmarshal(raw, &items); err != nil {
		return "", err
	}
	var parts []string
	for _, it := range items {
		if it.Type != "" && it.Type != "message" {
			continue
		}
		if it.Role != "user" {
			continue
		}
		parts = append(parts, it.Content.String())
	}
	return joinText(parts), nil
}
