package format

// InternalEventType tags the kind of streaming transition StreamState tracks.
type InternalEventType string

const (
	EventMessageStart  InternalEventType = "message_start"
	EventRoleOpen      InternalEventType = "role_open"
	EventBlockOpen     InternalEventType = "block_open"
	EventTextDelta     InternalEventType = "text_delta"
	EventBlockClose    InternalEventType = "block_close"
	EventMessageDelta  InternalEventType = "message_delta" // stop_reason / usage carried mid-stream
	EventMessageStop   InternalEventType = "message_stop"
)

// InternalEvent is one normalized streaming transition, emitted by
// stream_chunk_to_internal and consumed by stream_chunk_from_internal.
type InternalEvent struct {
	Type       InternalEventType
	BlockIndex int
	Part       ContentPart
	TextDelta  string
	StopReason StopReason
	Usage      Usage
}

// StreamState is the only mutable cross-chunk state in the pipeline
// (spec.md §9 "Format translation state machine"). It MUST be reset on
// retry — FailoverEngine constructs a fresh StreamState per candidate
// attempt, never reusing one across a failed-then-retried stream.
type StreamState struct {
	MessageID    string
	Model        string
	RoleEmitted  bool
	OpenBlocks   map[int]ContentPartType
	RunningUsage Usage
	Stage        int // monotonically increasing sequencing counter for SSE "index" fields
}

// NewStreamState constructs a fresh per-request stream state.
func NewStreamState(messageID, model string) *StreamState {
	return &StreamState{
		MessageID:  messageID,
		Model:      model,
		OpenBlocks: make(map[int]ContentPartType),
	}
}

// OpenBlock records that blockIndex is now open with the given part type.
func (s *StreamState) OpenBlock(index int, t ContentPartType) {
	s.OpenBlocks[index] = t
}

// CloseBlock records that blockIndex is no longer open.
func (s *StreamState) CloseBlock(index int) {
	delete(s.OpenBlocks, index)
}

// IsOpen reports whether blockIndex currently has an open block.
func (s *StreamState) IsOpen(index int) bool {
	_, ok := s.OpenBlocks[index]
	return ok
}

// HasOpenBlocks reports whether any block is still open (used to detect
// an incomplete stream at connection-close / timeout).
func (s *StreamState) HasOpenBlocks() bool {
	return len(s.OpenBlocks) > 0
}
