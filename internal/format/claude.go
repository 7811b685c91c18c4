package format

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ClaudeNormalizer implements Normalizer for the Claude Messages API,
// generalizing the teacher's anthropic.go buildParams/handleResponse/
// handleStreaming logic, extended with thinking/tool_use content parts
// since Claude is the wire format that carries signed thinking blocks
// (spec.md §4.8 rectification operates on exactly this shape).
type ClaudeNormalizer struct{}

func NewClaudeNormalizer() *ClaudeNormalizer { return &ClaudeNormalizer{} }

func (n *ClaudeNormalizer) Name() string { return "claude" }

func (n *ClaudeNormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true, SupportsThinking: true}
}

func (n *ClaudeNormalizer) RequestToInternal(body map[string]any) (*Internal, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &FormatConversionError{Format: n.Name(), Reason: err.Error()}
	}
	root := gjson.ParseBytes(raw)

	in := &Internal{
		Model:           root.Get("model").String(),
		Stream:          root.Get("stream").Bool(),
		Temperature:     root.Get("temperature").Float(),
		MaxTokens:       int(root.Get("max_tokens").Int()),
		System:          root.Get("system").String(),
		ThinkingEnabled: root.Get("thinking.type").String() == "enabled",
	}

	for _, m := range root.Get("messages").Array() {
		role := Role(m.Get("role").String())
		var parts []ContentPart

		contentVal := m.Get("content")
		if contentVal.IsArray() {
			for _, block := range contentVal.Array() {
				parts = append(parts, parseClaudeBlock(block))
			}
		} else {
			parts = append(parts, ContentPart{Type: PartText, Text: contentVal.String()})
		}
		in.Messages = append(in.Messages, Message{Role: role, Content: parts})
	}
	return in, nil
}

func parseClaudeBlock(block gjson.Result) ContentPart {
	switch block.Get("type").String() {
	case "thinking":
		return ContentPart{Type: PartThinking, Text: block.Get("thinking").String(), Signature: block.Get("signature").String()}
	case "redacted_thinking":
		return ContentPart{Type: PartRedactedThinking, Signature: block.Get("data").String()}
	case "tool_use":
		var input map[string]any
		_ = json.Unmarshal([]byte(block.Get("input").Raw), &input)
		return ContentPart{Type: PartToolUse, ToolName: block.Get("name").String(), ToolUseID: block.Get("id").String(), ToolInput: input, Signature: block.Get("signature").String()}
	case "tool_result":
		return ContentPart{Type: PartToolResult, Text: block.Get("content").String(), ToolUseID: block.Get("tool_use_id").String()}
	default:
		return ContentPart{Type: PartText, Text: block.Get("text").String()}
	}
}

func (n *ClaudeNormalizer) RequestFromInternal(in *Internal, _ string) (map[string]any, error) {
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	out := map[string]any{
		"model":      in.Model,
		"stream":     in.Stream,
		"max_tokens": maxTokens,
	}
	if in.System != "" {
		out["system"] = in.System
	}
	if in.Temperature > 0 {
		out["temperature"] = in.Temperature
	}

	msgs := make([]map[string]any, 0, len(in.Messages))
	for _, m := range in.Messages {
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": renderClaudeBlocks(m.Content)})
	}
	out["messages"] = msgs
	return out, nil
}

func renderClaudeBlocks(parts []ContentPart) []map[string]any {
	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case PartThinking:
			b := map[string]any{"type": "thinking", "thinking": p.Text}
			if p.Signature != "" {
				b["signature"] = p.Signature
			}
			blocks = append(blocks, b)
		case PartRedactedThinking:
			blocks = append(blocks, map[string]any{"type": "redacted_thinking", "data": p.Signature})
		case PartToolUse:
			blocks = append(blocks, map[string]any{"type": "tool_use", "id": p.ToolUseID, "name": p.ToolName, "input": p.ToolInput})
		case PartToolResult:
			blocks = append(blocks, map[string]any{"type": "tool_result", "tool_use_id": p.ToolUseID, "content": p.Text})
		default:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		}
	}
	return blocks
}

func (n *ClaudeNormalizer) ResponseFromInternal(in *Internal) (map[string]any, error) {
	var content []map[string]any
	if len(in.Messages) > 0 {
		content = renderClaudeBlocks(in.Messages[len(in.Messages)-1].Content)
	}
	return map[string]any{
		"id":          in.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       in.Model,
		"content":     content,
		"stop_reason": mapStopReasonToClaude(in.StopReason),
		"usage": map[string]any{
			"input_tokens":  in.Usage.InputTokens,
			"output_tokens": in.Usage.OutputTokens,
			"cache_read_input_tokens": in.Usage.CacheReadTokens,
			"cache_creation": map[string]any{
				"ephemeral_5m_input_tokens": in.Usage.CacheCreation5m,
				"ephemeral_1h_input_tokens": in.Usage.CacheCreation1h,
			},
		},
	}, nil
}

// StreamChunkToInternal parses one Claude SSE event payload (the JSON
// object following "data:") into InternalEvents.
func (n *ClaudeNormalizer) StreamChunkToInternal(chunk []byte, state *StreamState) ([]InternalEvent, error) {
	root := gjson.ParseBytes(chunk)
	var events []InternalEvent

	switch root.Get("type").String() {
	case "message_start":
		if !state.RoleEmitted {
			state.RoleEmitted = true
			events = append(events, InternalEvent{Type: EventRoleOpen})
		}
		if u := root.Get("message.usage"); u.Exists() {
			usage := Usage{InputTokens: int(u.Get("input_tokens").Int())}
			state.RunningUsage.MergeMax(usage)
		}

	case "content_block_start":
		idx := int(root.Get("index").Int())
		block := root.Get("content_block")
		part := parseClaudeBlock(block)
		state.OpenBlock(idx, part.Type)
		events = append(events, InternalEvent{Type: EventBlockOpen, BlockIndex: idx, Part: part})

	case "content_block_delta":
		idx := int(root.Get("index").Int())
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			events = append(events, InternalEvent{Type: EventTextDelta, BlockIndex: idx, TextDelta: delta.Get("text").String()})
		case "thinking_delta":
			events = append(events, InternalEvent{Type: EventTextDelta, BlockIndex: idx, TextDelta: delta.Get("thinking").String()})
		}

	case "content_block_stop":
		idx := int(root.Get("index").Int())
		state.CloseBlock(idx)
		events = append(events, InternalEvent{Type: EventBlockClose, BlockIndex: idx})

	case "message_delta":
		sr := mapClaudeStopReason(root.Get("delta.stop_reason").String())
		if u := root.Get("usage"); u.Exists() {
			usage := Usage{
				OutputTokens:    int(u.Get("output_tokens").Int()),
				CacheReadTokens: int(u.Get("cache_read_input_tokens").Int()),
			}
			if nested := u.Get("cache_creation"); nested.Exists() {
				usage.CacheCreation5m = int(nested.Get("ephemeral_5m_input_tokens").Int())
				usage.CacheCreation1h = int(nested.Get("ephemeral_1h_input_tokens").Int())
			}
			state.RunningUsage.MergeMax(usage)
		}
		events = append(events, InternalEvent{Type: EventMessageDelta, StopReason: sr, Usage: state.RunningUsage})

	case "message_stop":
		events = append(events, InternalEvent{Type: EventMessageStop})

	case "error":
		return nil, &FormatConversionError{Format: n.Name(), Reason: root.Get("error.message").String()}
	}

	return events, nil
}

// StreamChunkFromInternal renders InternalEvents as Claude Messages SSE events.
func (n *ClaudeNormalizer) StreamChunkFromInternal(events []InternalEvent, state *StreamState) ([][]byte, error) {
	var lines [][]byte
	for _, ev := range events {
		switch ev.Type {
		case EventRoleOpen:
			lines = append(lines, n.sseEvent("message_start", map[string]any{
				"message": map[string]any{"id": state.MessageID, "type": "message", "role": "assistant", "model": state.Model, "content": []any{}},
			}))
		case EventBlockOpen:
			lines = append(lines, n.sseEvent("content_block_start", map[string]any{
				"index": ev.BlockIndex, "content_block": map[string]any{"type": "text", "text": ""},
			}))
		case EventTextDelta:
			lines = append(lines, n.sseEvent("content_block_delta", map[string]any{
				"index": ev.BlockIndex, "delta": map[string]any{"type": "text_delta", "text": ev.TextDelta},
			}))
		case EventBlockClose:
			lines = append(lines, n.sseEvent("content_block_stop", map[string]any{"index": ev.BlockIndex}))
		case EventMessageDelta:
			lines = append(lines, n.sseEvent("message_delta", map[string]any{
				"delta": map[string]any{"stop_reason": mapStopReasonToClaude(ev.StopReason)},
				"usage": map[string]any{"output_tokens": ev.Usage.OutputTokens},
			}))
		case EventMessageStop:
			lines = append(lines, n.sseEvent("message_stop", map[string]any{}))
		}
	}
	return lines, nil
}

func (n *ClaudeNormalizer) sseEvent(eventType string, payload map[string]any) []byte {
	payload["type"] = eventType
	raw, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, raw))
}

func mapClaudeStopReason(sr string) StopReason {
	switch sr {
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	default:
		return StopReason(sr)
	}
}

func mapStopReasonToClaude(sr StopReason) string {
	switch sr {
	case StopEndTurn:
		return "end_turn"
	case StopMaxTokens:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	default:
		return string(sr)
	}
}
