package stream

import (
	"sort"
	"strings"
	"time"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
	"github.com/Polly2014/CopilotX/pkg/translate"
)

type responsesBlock struct {
	item   translate.ResponsesItem
	call   canonical.ToolCall
	custom bool
	text   strings.Builder
	args   strings.Builder
}

// ResponsesEncoder renders the responses-protocol event grammar. Output
// indices follow canonical block indices. Custom tool input is buffered and
// only sent with the finished item.
type ResponsesEncoder struct {
	model   string
	tools   []canonical.Tool
	id      string
	created int64
	seq     int
	blocks  map[int]*responsesBlock
	output  []translate.ResponsesItem
}

func NewResponsesEncoder(model string, tools []canonical.Tool) *ResponsesEncoder {
	return &ResponsesEncoder{model: model, tools: tools, blocks: map[int]*responsesBlock{}}
}

// ResponseID renders an upstream id as a responses-protocol id.
func ResponseID(upstream string) string {
	return "resp_" + strings.TrimPrefix(upstream, "chatcmpl-")
}

func (e *ResponsesEncoder) event(name string, fields map[string]any) Event {
	fields["type"] = name
	fields["sequence_number"] = e.seq
	e.seq++
	return jsonEvent(name, fields)
}

func (e *ResponsesEncoder) envelope(status string, incomplete *translate.ResponsesIncompleteDetails, usage *translate.ResponsesUsage) translate.ResponsesResponse {
	output := e.output
	if output == nil {
		output = []translate.ResponsesItem{}
	}
	return translate.ResponsesResponse{
		ID:                e.id,
		Object:            "response",
		CreatedAt:         e.created,
		Model:             e.model,
		Status:            status,
		IncompleteDetails: incomplete,
		Output:            output,
		Usage:             usage,
	}
}

func (e *ResponsesEncoder) Encode(ev canonical.StreamEvent) []Event {
	switch ev.Kind {
	case canonical.EventMessageStart:
		e.id = ResponseID(ev.MessageID)
		e.created = time.Now().Unix()
		if e.model == "" {
			e.model = ev.Model
		}
		return []Event{
			e.event("response.created", map[string]any{"response": e.envelope("in_progress", nil, nil)}),
			e.event("response.in_progress", map[string]any{"response": e.envelope("in_progress", nil, nil)}),
		}
	case canonical.EventBlockStart:
		b := &responsesBlock{}
		e.blocks[ev.Index] = b
		if ev.Block == canonical.BlockText {
			b.item = translate.ResponsesMessageItem(canonical.NewID("msg_"), "", "in_progress")
			return []Event{
				e.event("response.output_item.added", map[string]any{"output_index": ev.Index, "item": b.item}),
				e.event("response.content_part.added", map[string]any{
					"item_id":       b.item.ID,
					"output_index":  ev.Index,
					"content_index": 0,
					"part":          translate.ResponsesOutputText{Type: "output_text", Annotations: []any{}},
				}),
			}
		}
		b.call = canonical.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName}
		b.custom = translate.IsCustomTool(e.tools, ev.ToolName)
		b.item = translate.ResponsesCallItem(b.call, b.custom, "in_progress")
		return []Event{e.event("response.output_item.added", map[string]any{"output_index": ev.Index, "item": b.item})}
	case canonical.EventContentDelta:
		b := e.blocks[ev.Index]
		if b == nil {
			return nil
		}
		b.text.WriteString(ev.Fragment)
		return []Event{e.event("response.output_text.delta", map[string]any{
			"item_id":       b.item.ID,
			"output_index":  ev.Index,
			"content_index": 0,
			"delta":         ev.Fragment,
		})}
	case canonical.EventToolCallDelta:
		b := e.blocks[ev.Index]
		if b == nil {
			return nil
		}
		b.args.WriteString(ev.Fragment)
		if b.custom {
			return nil
		}
		return []Event{e.event("response.function_call_arguments.delta", map[string]any{
			"item_id":      b.item.ID,
			"output_index": ev.Index,
			"delta":        ev.Fragment,
		})}
	case canonical.EventBlockStop:
		return e.stopBlock(ev.Index)
	case canonical.EventMessageStop:
		status, incomplete := translate.ResponsesStatus(ev.StopReason)
		usage := translate.ResponsesUsageFrom(canonical.Usage{})
		if ev.Usage != nil {
			usage = translate.ResponsesUsageFrom(*ev.Usage)
		}
		name := "response.completed"
		if status == "incomplete" {
			name = "response.incomplete"
		}
		return []Event{e.event(name, map[string]any{"response": e.envelope(status, incomplete, usage)})}
	case canonical.EventError:
		open := make([]int, 0, len(e.blocks))
		for idx := range e.blocks {
			open = append(open, idx)
		}
		sort.Ints(open)
		var out []Event
		for _, idx := range open {
			out = append(out, e.stopBlock(idx)...)
		}
		_, errType, msg := apierr.Classify(ev.Err)
		return append(out, e.event("error", map[string]any{"code": errType, "message": msg, "param": nil}))
	}
	return nil
}

func (e *ResponsesEncoder) stopBlock(index int) []Event {
	b := e.blocks[index]
	if b == nil {
		return nil
	}
	delete(e.blocks, index)
	if b.item.Type == "message" {
		text := b.text.String()
		done := translate.ResponsesMessageItem(b.item.ID, text, "completed")
		e.output = append(e.output, done)
		return []Event{
			e.event("response.output_text.done", map[string]any{"item_id": b.item.ID, "output_index": index, "content_index": 0, "text": text}),
			e.event("response.content_part.done", map[string]any{"item_id": b.item.ID, "output_index": index, "content_index": 0, "part": done.Content[0]}),
			e.event("response.output_item.done", map[string]any{"output_index": index, "item": done}),
		}
	}
	b.call.Arguments = []byte(b.args.String())
	if len(b.call.Arguments) == 0 {
		b.call.Arguments = []byte(`{}`)
	}
	done := translate.ResponsesCallItem(b.call, b.custom, "completed")
	e.output = append(e.output, done)
	var out []Event
	if !b.custom {
		out = append(out, e.event("response.function_call_arguments.done", map[string]any{"item_id": done.ID, "output_index": index, "arguments": *done.Arguments}))
	}
	return append(out, e.event("response.output_item.done", map[string]any{"output_index": index, "item": done}))
}
