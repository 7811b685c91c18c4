// Package format implements the FormatRegistry (spec.md §4.1): a
// canonical Internal representation plus a Normalizer per wire format,
// so cross-format translation is always Internal-mediated rather than
// a combinatorial pairwise translation matrix. It generalizes the
// teacher's per-provider request builders (anthropic.go's buildParams,
// gemini.go's buildContentsAndConfig, openai.go's
// buildChatCompletionParams) into a registry keyed by wire format name.
package format

// Role is a canonical message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType distinguishes the kinds of content a message may carry.
type ContentPartType string

const (
	PartText            ContentPartType = "text"
	PartThinking        ContentPartType = "thinking"
	PartRedactedThinking ContentPartType = "redacted_thinking"
	PartToolUse         ContentPartType = "tool_use"
	PartToolResult      ContentPartType = "tool_result"
)

// ContentPart is one block of a message's content.
type ContentPart struct {
	Type      ContentPartType
	Text      string
	Signature string // present only on thinking/tool_use blocks in some wire formats
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	Extra     map[string]any
}

// Message is a canonical chat message.
type Message struct {
	Role    Role
	Content []ContentPart
}

// StopReason is the canonical completion reason.
type StopReason string

const (
	StopEndTurn   StopReason = "stop"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "length"
	StopError     StopReason = "error"
)

// Usage is the canonical token accounting, monotonically max-aggregated
// across chunks per spec.md §4.2.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
	CacheCreation5m int
	CacheCreation1h int
}

// MergeMax folds another Usage snapshot into u, taking the max of each
// field — the monotone aggregation rule spec.md §4.2 requires because
// different providers place running totals in different events.
func (u *Usage) MergeMax(other Usage) {
	u.InputTokens = maxInt(u.InputTokens, other.InputTokens)
	u.OutputTokens = maxInt(u.OutputTokens, other.OutputTokens)
	u.CacheReadTokens = maxInt(u.CacheReadTokens, other.CacheReadTokens)
	u.CacheCreation5m = maxInt(u.CacheCreation5m, other.CacheCreation5m)
	u.CacheCreation1h = maxInt(u.CacheCreation1h, other.CacheCreation1h)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// FlattenText concatenates the text parts of a content block, dropping
// thinking/tool_use/tool_result parts. Used by consumers (e.g.
// internal/dispatch) that talk to a plain-text transport with no
// multi-part content model of its own.
func FlattenText(parts []ContentPart) string {
	return flattenText(parts)
}

// Internal is the canonical representation every wire format translates
// through. A request and a response share this type: a request has
// Messages populated (and may have ThinkingEnabled set); a response has
// Messages with a single assistant Message plus StopReason/Usage.
type Internal struct {
	ID              string
	Model           string
	System          string
	Messages        []Message
	Stream          bool
	Temperature     float64
	MaxTokens       int
	ThinkingEnabled bool
	StopReason      StopReason
	Usage           Usage
}

// Compatibility classifies a (source, target) endpoint signature pair.
type Compatibility string

const (
	CompatExact        Compatibility = "exact"
	CompatPassthrough  Compatibility = "passthrough"
	CompatConvertible  Compatibility = "convertible"
	CompatIncompatible Compatibility = "incompatible"
)

// FormatConversionError is raised instead of emitting malformed output
// (spec.md §4.1): an incomplete stream that cannot be completed cleanly
// must never be partially emitted.
type FormatConversionError struct {
	Format string
	Reason string
}

func (e *FormatConversionError) Error() string {
	return "format conversion error (" + e.Format + "): " + e.Reason
}
