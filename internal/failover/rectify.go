package failover

import "github.com/nulpointcorp/llm-gateway/internal/format"

// RectifyStage1 strips thinking/redacted_thinking blocks and their
// signatures from the conversation, and disables top-level thinking
// when the last assistant message carries a tool_use block with no
// leading thinking block — grounded on the original_source
// thinking_rectifier.py stage-1 pass.
func RectifyStage1(req *format.Internal) *format.Internal {
	out := cloneInternal(req)

	for i := range out.Messages {
		msg := &out.Messages[i]
		kept := msg.Content[:0:0]
		for _, part := range msg.Content {
			if part.Type == format.PartThinking || part.Type == format.PartRedactedThinking {
				continue
			}
			part.Signature = ""
			kept = append(kept, part)
		}
		msg.Content = kept
	}
	// After the strip no message starts with a thinking block, so only the
	// tool_use check on the last assistant message remains.
	for i := len(out.Messages) - 1; i >= 0; i-- {
		if out.Messages[i].Role == format.RoleAssistant {
			for _, part := range out.Messages[i].Content {
				if part.Type == format.PartToolUse {
					out.ThinkingEnabled = false
				}
			}
			break
		}
	}
	return out
}

// RectifyStage2 additionally degrades tool_use/tool_result blocks to
// plain text and force-disables top-level thinking — the deeper pass
// used only for providers whose ProviderBehavior.SupportsStage2Rectify
// is set (e.g. antigravity), per spec.md §9.
func RectifyStage2(req *format.Internal) *format.Internal {
	out := cloneInternal(req)

	for i := range out.Messages {
		msg := &out.Messages[i]
		for j := range msg.Content {
			part := &msg.Content[j]
			switch part.Type {
			case format.PartToolUse:
				part.Type = format.PartText
				part.Text = "[tool call: " + part.ToolName + "]"
			case format.PartToolResult:
				part.Type = format.PartText
			}
		}
	}
	out.ThinkingEnabled = false
	return out
}

func cloneInternal(req *format.Internal) *format.Internal {
	out := *req
	out.Messages = make([]format.Message, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = format.Message{Role: m.Role, Content: append([]format.ContentPart(nil), m.Content...)}
	}
	return &out
}
