package payload

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type openAIChoice struct {
	Text    string `json:"text"`
	Message *struct {
		Content content `json:"content"`
	} `json:"message"`
	Delta *struct {
		Content content `json:"content"`
	} `json:"delta"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
}

type responsesOutput struct {
	Type    string  `json:"type"`
	Content content `json:"content"`
}

type anthropicResponse struct {
	Type    string        `json:"type"`
	Content []contentPart `json:"content"`
	Delta   *contentPart  `json:"delta"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Message  *struct {
		Content string `json:"content"`
	} `json:"message"`
}

// ExtractResponse returns the model-generated text in body. sse says the
// body is a text/event-stream; Ollama streams are newline-delimited JSON and
// Gemini streams without alt=sse are a JSON array, both detected from the
// body itself.
func ExtractResponse(schema Schema, body []byte, sse bool) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", nil
	}
	if sse {
		return extractSSE(schema, body)
	}

	switch schema {
	case SchemaGeminiStream:
		if body[0] == '[' {
			var chunks []json.RawMessage
			if err := unmarshal(body, &chunks); err != nil {
				return "", err
			}
			var b strings.Builder
			for _, c := range chunks {
				t, err := chunkText(SchemaGemini, c)
				if err != nil {
					return "", err
				}
				b.WriteString(t)
			}
			return b.String(), nil
		}
		return chunkText(SchemaGemini, body)

	case SchemaOllamaChat, SchemaOllamaGenerate:
		if t, err := chunkText(schema, body); err == nil {
			return t, nil
		}
		return extractNDJSON(schema, body)

	default:
		return chunkText(schema, body)
	}
}

// chunkText decodes one complete JSON document, which is either a full
// response or a single streaming chunk.
func chunkText(schema Schema, data []byte) (string, error) {
	switch schema {
	case SchemaOpenAIChat, SchemaOpenAICompletions:
		var r openAIResponse
		if err := unmarshal(data, &r); err != nil {
			return "", err
		}
		var b strings.Builder
		for _, c := range r.Choices {
			switch {
			case c.Delta != nil:
				b.WriteString(c.Delta.Content.String())
			case c.Message != nil:
				b.WriteString(c.Message.Content.String())
			default:
				b.WriteString(c.Text)
			}
		}
		return b.String(), nil

	case SchemaOpenAIResponses:
		var probe struct {
			Type   string            `json:"type"`
			Delta  string            `json:"delta"`
			Output []responsesOutput `json:"output"`
		}
		if err := unmarshal(data, &probe); err != nil {
			return "", err
		}
		if probe.Type != "" {
			if probe.Type == "response.output_text.delta" {
				return probe.Delta, nil
			}
			return "", nil
		}
		var parts []string
		for _, o := range probe.Output {
			if o.Type == "message" {
				parts = append(parts, o.Content.String())
			}
		}
		return joinText(parts), nil

	case SchemaOpenAIEmbeddings:
		return "", nil

	case SchemaAnthropicMessages:
		var r anthropicResponse
		if err := unmarshal(data, &r); err != nil {
			return "", err
		}
		switch r.Type {
		case "content_block_delta":
			if r.Delta != nil && r.Delta.Type == "text_delta" {
				return r.Delta.Text, nil
			}
			return "", nil
		case "message", "":
			var parts []string
			for _, p := range r.Content {
				if p.Type == "text" {
					parts = append(parts, p.Text)
				}
			}
			return strings.Join(parts, ""), nil
		default:
			return "", nil
		}

	case SchemaGemini, SchemaGeminiStream:
		var r geminiResponse
		if err := unmarshal(data, &r); err != nil {
			return "", err
		}
		var b strings.Builder
		for _, c := range r.Candidates {
			for _, p := range c.Content.Parts {
				b.WriteString(p.Text)
			}
		}
		return b.String(), nil

	case SchemaOllamaChat, SchemaOllamaGenerate:
		var r ollamaResponse
		if err := unmarshal(data, &r); err != nil {
			return "", err
		}
		if r.Message != nil {
			return r.Message.Content, nil
		}
		return r.Response, nil

	default:
		return "", fmt.Errorf("%w: unknown schema", ErrUnparseable)
	}
}

// extractSSE concatenates the text of every data event. Events that are
// not JSON (such as "[DONE]") are skipped.
func extractSSE(schema Schema, body []byte) (string, error) {
	var (
		b       strings.Builder
		decoded int
		data    []string
	)

	flush := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == "[DONE]" {
			return
		}
		t, err := chunkText(schema, []byte(payload))
		if err != nil {
			return
		}
		decoded++
		b.WriteString(t)
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), len(body)+1)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	flush()

	if decoded == 0 {
		return "", fmt.Errorf("%w: no decodable events in stream", ErrUnparseable)
	}
	return b.String(), nil
}

func extractNDJSON(schema Schema, body []byte) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), len(body)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		t, err := chunkText(schema, line)
		if err != nil {
			return "", err
		}
		b.WriteString(t)
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return b.String(), nil
}
