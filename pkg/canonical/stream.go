package canonical

type EventKind string

const (
	EventMessageStart  EventKind = "message_start"
	EventBlockStart    EventKind = "block_start"
	EventContentDelta  EventKind = "content_delta"
	EventToolCallDelta EventKind = "tool_call_delta"
	EventBlockStop     EventKind = "block_stop"
	EventMessageStop   EventKind = "message_stop"
	EventError         EventKind = "error"
)

type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockToolCall BlockKind = "tool_call"
)

// StreamEvent is one step of a streamed response. Index is the zero-based
// content block the event belongs to; block indices are never reused within a
// response.
type StreamEvent struct {
	Kind  EventKind
	Index int
	Block BlockKind

	// Fragment is the text or tool-argument delta.
	Fragment string

	// Set on tool_call block_start.
	ToolCallID string
	ToolName   string

	// Set on message_start.
	MessageID string
	Model     string

	// Set on message_stop.
	StopReason StopReason
	Usage      *Usage

	Err error
}
