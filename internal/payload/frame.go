package payload

import (
	"encoding/json"
	"strings"
)

// Keys whose string values are treated as message text in WebSocket frames.
var frameTextKeys = []string{"text", "content", "message", "prompt", "input", "delta", "transcript"}

// Keys that wrap the interesting part of a frame.
var frameWrapperKeys = []string{"params", "payload", "data", "arguments", "args", "item", "response", "part", "messages", "contents", "parts", "clientContent", "turns"}

// ExtractFrame returns the scannable text of a WebSocket text frame. JSON
// frames are searched for text fields (OpenAI Realtime events, OpenClaw
// gateway requests and events, generic chat frames); anything else is
// treated as plain text. The second return value reports whether the frame
// was JSON.
func ExtractFrame(data []byte) (string, bool) {
	var msg any
	if err := json.Unmarshal(data, &msg); err != nil {
		return string(data), false
	}

	obj, ok := msg.(map[string]any)
	if !ok {
		var parts []string
		collectText(msg, 0, &parts)
		return joinText(parts), true
	}

	// Realtime audio and session frames carry no text worth scanning.
	switch strVal(obj, "type") {
	case "input_audio_buffer.append", "session.update", "session.created", "response.audio.delta":
		return "", true
	}

	var parts []string
	collectText(obj, 0, &parts)
	return joinText(parts), true
}

// FrameType returns the "type" (or "event" / "method") of a JSON frame.
func FrameType(data []byte) string {
	var obj map[string]any
	if json.Unmarshal(data, &obj) != nil {
		return ""
	}
	for _, k := range []string{"type", "event", "method"} {
		if v := strVal(obj, k); v != "" {
			return v
		}
	}
	return ""
}

const maxFrameDepth = 6

func collectText(v any, depth int, out *[]string) {
	if depth > maxFrameDepth {
		return
	}
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			collectText(e, depth+1, out)
		}
	case map[string]any:
		// Skip roles the agent does not author.
		if role := strVal(t, "role"); role == "system" || role == "tool" {
			return
		}
		for _, k := range frameTextKeys {
			switch fv := t[k].(type) {
			case string:
				*out = append(*out, fv)
			case map[string]any, []any:
				collectText(fv, depth+1, out)
			}
		}
		for _, k := range frameWrapperKeys {
			switch fv := t[k].(type) {
			case map[string]any, []any:
				collectText(fv, depth+1, out)
			case string:
				// JSON-encoded params.
				if strings.HasPrefix(strings.TrimSpace(fv), "{") {
					var inner map[string]any
					if json.Unmarshal([]byte(fv), &inner) == nil {
						collectText(inner, depth+1, out)
					}
				}
			}
		}
	}
}

func strVal(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
