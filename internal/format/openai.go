package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// OpenAINormalizer implements Normalizer for OpenAI Chat Completions,
// generalizing the teacher's openai.go buildChatCompletionParams /
// handleResponse / handleStreaming logic into a format-registry entry.
type OpenAINormalizer struct{}

func NewOpenAINormalizer() *OpenAINormalizer { return &OpenAINormalizer{} }

func (n *OpenAINormalizer) Name() string { return "openai" }

func (n *OpenAINormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true, SupportsThinking: false}
}

func (n *OpenAINormalizer) RequestToInternal(body map[string]any) (*Internal, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &FormatConversionError{Format: n.Name(), Reason: err.Error()}
	}
	root := gjson.ParseBytes(raw)

	in := &Internal{
		Model:       root.Get("model").String(),
		Stream:      root.Get("stream").Bool(),
		Temperature: root.Get("temperature").Float(),
		MaxTokens:   int(root.Get("max_tokens").Int()),
	}

	for _, m := range root.Get("messages").Array() {
		role := Role(m.Get("role").String())
		content := m.Get("content").String()
		if role == RoleSystem {
			if in.System != "" {
				in.System += "\n"
			}
			in.System += content
			continue
		}
		in.Messages = append(in.Messages, Message{
			Role:    role,
			Content: []ContentPart{{Type: PartText, Text: content}},
		})
	}
	return in, nil
}

func (n *OpenAINormalizer) RequestFromInternal(in *Internal, _ string) (map[string]any, error) {
	out := map[string]any{
		"model":  in.Model,
		"stream": in.Stream,
	}
	if in.MaxTokens > 0 {
		out["max_tokens"] = in.MaxTokens
	}
	if in.Temperature > 0 {
		out["temperature"] = in.Temperature
	}

	msgs := make([]map[string]any, 0, len(in.Messages)+1)
	if in.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": in.System})
	}
	for _, m := range in.Messages {
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": flattenText(m.Content)})
	}
	out["messages"] = msgs
	return out, nil
}

func (n *OpenAINormalizer) ResponseFromInternal(in *Internal) (map[string]any, error) {
	content := ""
	if len(in.Messages) > 0 {
		content = flattenText(in.Messages[len(in.Messages)-1].Content)
	}
	finish := mapStopReasonToOpenAI(in.StopReason)

	return map[string]any{
		"id":     in.ID,
		"object": "chat.completion",
		"model":  in.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     in.Usage.InputTokens,
			"completion_tokens": in.Usage.OutputTokens,
			"total_tokens":      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}, nil
}

// StreamChunkToInternal parses one OpenAI "chat.completion.chunk" SSE
// data payload into InternalEvents.
func (n *OpenAINormalizer) StreamChunkToInternal(chunk []byte, state *StreamState) ([]InternalEvent, error) {
	root := gjson.ParseBytes(chunk)
	var events []InternalEvent

	if !state.RoleEmitted {
		state.RoleEmitted = true
		events = append(events, InternalEvent{Type: EventRoleOpen})
	}

	choices := root.Get("choices")
	if choices.IsArray() && len(choices.Array()) > 0 {
		c := choices.Array()[0]
		delta := c.Get("delta.content").String()
		if delta != "" {
			if !state.IsOpen(0) {
				state.OpenBlock(0, PartText)
				events = append(events, InternalEvent{Type: EventBlockOpen, BlockIndex: 0, Part: ContentPart{Type: PartText}})
			}
			events = append(events, InternalEvent{Type: EventTextDelta, BlockIndex: 0, TextDelta: delta})
		}
		if fr := c.Get("finish_reason").String(); fr != "" {
			if state.IsOpen(0) {
				state.CloseBlock(0)
				events = append(events, InternalEvent{Type: EventBlockClose, BlockIndex: 0})
			}
			events = append(events, InternalEvent{Type: EventMessageDelta, StopReason: mapOpenAIFinishReason(fr)})
		}
	}

	if u := root.Get("usage"); u.Exists() {
		usage := Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
		}
		state.RunningUsage.MergeMax(usage)
		events = append(events, InternalEvent{Type: EventMessageDelta, Usage: state.RunningUsage})
	}

	return events, nil
}

// StreamChunkFromInternal renders InternalEvents as OpenAI
// "chat.completion.chunk" SSE lines.
func (n *OpenAINormalizer) StreamChunkFromInternal(events []InternalEvent, state *StreamState) ([][]byte, error) {
	var lines [][]byte
	for _, ev := range events {
		switch ev.Type {
		case EventRoleOpen:
			lines = append(lines, n.sseChunk(state, map[string]any{"role": "assistant"}, ""))
		case EventTextDelta:
			lines = append(lines, n.sseChunk(state, map[string]any{"content": ev.TextDelta}, ""))
		case EventMessageDelta:
			if ev.StopReason != "" {
				lines = append(lines, n.sseChunk(state, map[string]any{}, mapStopReasonToOpenAI(ev.StopReason)))
			}
		case EventMessageStop:
			lines = append(lines, []byte("data: [DONE]\n\n"))
		}
	}
	return lines, nil
}

func (n *OpenAINormalizer) sseChunk(state *StreamState, delta map[string]any, finishReason string) []byte {
	obj := map[string]any{
		"id":      state.MessageID,
		"object":  "chat.completion.chunk",
		"model":   state.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nilIfEmpty(finishReason)}},
	}
	raw, _ := json.Marshal(obj)
	return []byte(fmt.Sprintf("data: %s\n\n", raw))
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapOpenAIFinishReason(fr string) StopReason {
	switch fr {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls":
		return StopToolUse
	default:
		return StopReason(fr)
	}
}

func mapStopReasonToOpenAI(sr StopReason) string {
	switch sr {
	case StopEndTurn:
		return "stop"
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case "":
		return ""
	default:
		return string(sr)
	}
}

func flattenText(parts []ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
