package stream

import (
	"strings"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
	"github.com/Polly2014/CopilotX/pkg/translate"
)

// MessagesEncoder renders the messages-protocol event grammar:
// message_start, content_block_start/delta/stop per block, message_delta and
// message_stop.
type MessagesEncoder struct {
	model string
	open  []int
}

// NewMessagesEncoder reports model, the name the client asked for, in
// message_start.
func NewMessagesEncoder(model string) *MessagesEncoder {
	return &MessagesEncoder{model: model}
}

// MessageID renders an upstream id as a messages-protocol id.
func MessageID(upstream string) string {
	return "msg_" + strings.TrimPrefix(upstream, "chatcmpl-")
}

func (e *MessagesEncoder) Encode(ev canonical.StreamEvent) []Event {
	switch ev.Kind {
	case canonical.EventMessageStart:
		model := e.model
		if model == "" {
			model = ev.Model
		}
		return []Event{
			jsonEvent("message_start", map[string]any{
				"type": "message_start",
				"message": map[string]any{
					"id":            MessageID(ev.MessageID),
					"type":          "message",
					"role":          "assistant",
					"content":       []any{},
					"model":         model,
					"stop_reason":   nil,
					"stop_sequence": nil,
					"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
				},
			}),
			jsonEvent("ping", map[string]string{"type": "ping"}),
		}
	case canonical.EventBlockStart:
		e.open = append(e.open, ev.Index)
		block := map[string]any{"type": "text", "text": ""}
		if ev.Block == canonical.BlockToolCall {
			block = map[string]any{"type": "tool_use", "id": ev.ToolCallID, "name": ev.ToolName, "input": map[string]any{}}
		}
		return []Event{jsonEvent("content_block_start", map[string]any{"type": "content_block_start", "index": ev.Index, "content_block": block})}
	case canonical.EventContentDelta:
		return []Event{jsonEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]string{"type": "text_delta", "text": ev.Fragment},
		})}
	case canonical.EventToolCallDelta:
		return []Event{jsonEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]string{"type": "input_json_delta", "partial_json": ev.Fragment},
		})}
	case canonical.EventBlockStop:
		e.close(ev.Index)
		return []Event{blockStop(ev.Index)}
	case canonical.EventMessageStop:
		usage := map[string]int{"output_tokens": 0}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.OutputTokens
			usage["input_tokens"] = ev.Usage.InputTokens
			if ev.Usage.CachedTokens > 0 {
				usage["cache_read_input_tokens"] = ev.Usage.CachedTokens
			}
		}
		return []Event{
			jsonEvent("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": translate.StopToMessages(ev.StopReason), "stop_sequence": nil},
				"usage": usage,
			}),
			jsonEvent("message_stop", map[string]string{"type": "message_stop"}),
		}
	case canonical.EventError:
		var out []Event
		for _, idx := range e.open {
			out = append(out, blockStop(idx))
		}
		e.open = nil
		_, errType, msg := apierr.Classify(ev.Err)
		return append(out, jsonEvent("error", map[string]any{
			"type":  "error",
			"error": map[string]string{"type": errType, "message": msg},
		}))
	}
	return nil
}

func (e *MessagesEncoder) close(index int) {
	for i, idx := range e.open {
		if idx == index {
			e.open = append(e.open[:i], e.open[i+1:]...)
			return
		}
	}
}

func blockStop(index int) Event {
	return jsonEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
}
