package format

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// GeminiNormalizer implements Normalizer for Gemini generateContent /
// streamGenerateContent, generalizing the teacher's gemini.go
// buildContentsAndConfig/handleResponse/handleStreaming logic.
type GeminiNormalizer struct{}

func NewGeminiNormalizer() *GeminiNormalizer { return &GeminiNormalizer{} }

func (n *GeminiNormalizer) Name() string { return "gemini" }

func (n *GeminiNormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true, SupportsThinking: false}
}

func (n *GeminiNormalizer) RequestToInternal(body map[string]any) (*Internal, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &FormatConversionError{Format: n.Name(), Reason: err.Error()}
	}
	root := gjson.ParseBytes(raw)

	in := &Internal{
		Model:       root.Get("model").String(),
		Temperature: root.Get("generationConfig.temperature").Float(),
		MaxTokens:   int(root.Get("generationConfig.maxOutputTokens").Int()),
		System:      root.Get("systemInstruction.parts.0.text").String(),
	}

	for _, c := range root.Get("contents").Array() {
		role := RoleUser
		if c.Get("role").String() == "model" {
			role = RoleAssistant
		}
		var parts []ContentPart
		for _, p := range c.Get("parts").Array() {
			parts = append(parts, ContentPart{Type: PartText, Text: p.Get("text").String()})
		}
		in.Messages = append(in.Messages, Message{Role: role, Content: parts})
	}
	return in, nil
}

func (n *GeminiNormalizer) RequestFromInternal(in *Internal, _ string) (map[string]any, error) {
	contents := make([]map[string]any, 0, len(in.Messages))
	for _, m := range in.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": flattenText(m.Content)}},
		})
	}

	out := map[string]any{"contents": contents}
	if in.System != "" {
		out["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": in.System}}}
	}
	cfg := map[string]any{}
	if in.Temperature > 0 {
		cfg["temperature"] = in.Temperature
	}
	if in.MaxTokens > 0 {
		cfg["maxOutputTokens"] = in.MaxTokens
	}
	if len(cfg) > 0 {
		out["generationConfig"] = cfg
	}
	return out, nil
}

func (n *GeminiNormalizer) ResponseFromInternal(in *Internal) (map[string]any, error) {
	text := ""
	if len(in.Messages) > 0 {
		text = flattenText(in.Messages[len(in.Messages)-1].Content)
	}
	return map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			"finishReason": mapStopReasonToGemini(in.StopReason),
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     in.Usage.InputTokens,
			"candidatesTokenCount": in.Usage.OutputTokens,
			"totalTokenCount":      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}, nil
}

// StreamChunkToInternal parses one Gemini streamGenerateContent JSON
// object (Gemini streams a JSON array, one element per chunk) into
// InternalEvents.
func (n *GeminiNormalizer) StreamChunkToInternal(chunk []byte, state *StreamState) ([]InternalEvent, error) {
	root := gjson.ParseBytes(chunk)
	var events []InternalEvent

	if errVal := root.Get("error"); errVal.Exists() {
		return nil, &FormatConversionError{Format: n.Name(), Reason: errVal.Get("message").String()}
	}

	if !state.RoleEmitted {
		state.RoleEmitted = true
		events = append(events, InternalEvent{Type: EventRoleOpen})
	}

	candidates := root.Get("candidates")
	if candidates.IsArray() && len(candidates.Array()) > 0 {
		c := candidates.Array()[0]
		for _, p := range c.Get("content.parts").Array() {
			if text := p.Get("text").String(); text != "" {
				if !state.IsOpen(0) {
					state.OpenBlock(0, PartText)
					events = append(events, InternalEvent{Type: EventBlockOpen, BlockIndex: 0, Part: ContentPart{Type: PartText}})
				}
				events = append(events, InternalEvent{Type: EventTextDelta, BlockIndex: 0, TextDelta: text})
			}
		}
		if fr := c.Get("finishReason").String(); fr != "" {
			if state.IsOpen(0) {
				state.CloseBlock(0)
				events = append(events, InternalEvent{Type: EventBlockClose, BlockIndex: 0})
			}
			events = append(events, InternalEvent{Type: EventMessageDelta, StopReason: mapGeminiFinishReason(fr)})
		}
	}

	if u := root.Get("usageMetadata"); u.Exists() {
		usage := Usage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int()),
		}
		state.RunningUsage.MergeMax(usage)
		events = append(events, InternalEvent{Type: EventMessageDelta, Usage: state.RunningUsage})
	}

	return events, nil
}

// StreamChunkFromInternal renders InternalEvents as Gemini
// streamGenerateContent JSON objects (one per logical chunk; the
// outer array-streaming framing is handled by the caller).
func (n *GeminiNormalizer) StreamChunkFromInternal(events []InternalEvent, state *StreamState) ([][]byte, error) {
	var lines [][]byte
	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			obj := map[string]any{
				"candidates": []map[string]any{{
					"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": ev.TextDelta}}},
				}},
			}
			raw, _ := json.Marshal(obj)
			lines = append(lines, []byte(fmt.Sprintf("data: %s\n\n", raw)))
		case EventMessageDelta:
			if ev.StopReason != "" {
				obj := map[string]any{
					"candidates": []map[string]any{{"finishReason": mapStopReasonToGemini(ev.StopReason)}},
					"usageMetadata": map[string]any{
						"promptTokenCount":     ev.Usage.InputTokens,
						"candidatesTokenCount": ev.Usage.OutputTokens,
					},
				}
				raw, _ := json.Marshal(obj)
				lines = append(lines, []byte(fmt.Sprintf("data: %s\n\n", raw)))
			}
		}
	}
	return lines, nil
}

func mapGeminiFinishReason(fr string) StopReason {
	switch fr {
	case "STOP":
		return StopEndTurn
	case "MAX_TOKENS":
		return StopMaxTokens
	default:
		return StopReason(fr)
	}
}

func mapStopReasonToGemini(sr StopReason) string {
	switch sr {
	case StopEndTurn:
		return "STOP"
	case StopMaxTokens:
		return "MAX_TOKENS"
	case StopToolUse:
		return "STOP"
	default:
		return "STOP"
	}
}
