package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
)

// ChatPassthrough forwards chat-completion chunks unchanged except that every
// chunk carries the id of the first one. Copilot reissues ids across split
// choices, which breaks clients that key on it.
type ChatPassthrough struct {
	id       string
	finished bool
	done     bool
	aborted  bool
	usage    gjson.Result
}

func NewChatPassthrough() *ChatPassthrough { return &ChatPassthrough{} }

func (p *ChatPassthrough) Transform(ev Event) []Event {
	if p.done {
		return nil
	}
	if ev.Done() {
		p.done = true
		return []Event{{Data: doneMarker}}
	}
	if gjson.Get(ev.Data, "error").Exists() {
		p.done, p.aborted = true, true
		return []Event{{Data: ev.Data}}
	}
	data := ev.Data
	res := gjson.GetMany(data, "id", "choices.#.finish_reason", "usage")
	if id := res[0].String(); id != "" {
		switch {
		case p.id == "":
			p.id = id
		case id != p.id:
			if patched, err := sjson.Set(data, "id", p.id); err == nil {
				data = patched
			}
		}
	}
	for _, fr := range res[1].Array() {
		if fr.String() != "" {
			p.finished = true
		}
	}
	if res[2].IsObject() {
		p.usage = res[2]
	}
	return []Event{{Data: data}}
}

func (p *ChatPassthrough) Done() bool      { return p.done }
func (p *ChatPassthrough) Completed() bool { return p.done || p.finished }

// Finish appends the terminator when the upstream closed without one.
func (p *ChatPassthrough) Finish() []Event {
	if p.done {
		return nil
	}
	p.done = true
	return []Event{{Data: doneMarker}}
}

func (p *ChatPassthrough) Interrupt(err error) []Event {
	p.done = true
	_, errType, msg := apierr.Classify(err)
	return []Event{{Data: string(apierr.OpenAIBody(errType, msg))}}
}

// Usage returns prompt and completion token counts from the last usage chunk.
func (p *ChatPassthrough) Usage() (prompt, completion int) {
	return int(p.usage.Get("prompt_tokens").Int()), int(p.usage.Get("completion_tokens").Int())
}

// ResponsesPassthrough forwards upstream responses-protocol events and keeps
// output item ids stable: the id announced in response.output_item.added is
// written back into the matching .done item and set as item_id on every
// other event for that output index.
type ResponsesPassthrough struct {
	items    map[int64]string
	counter  int
	finished bool
	done     bool
	now      func() time.Time
}

func NewResponsesPassthrough() *ResponsesPassthrough {
	return &ResponsesPassthrough{items: map[int64]string{}, now: time.Now}
}

func (p *ResponsesPassthrough) Transform(ev Event) []Event {
	if p.done {
		return nil
	}
	if ev.Done() {
		p.done = true
		return []Event{ev}
	}
	kind := ev.Name
	if kind == "" {
		kind = gjson.Get(ev.Data, "type").String()
	}
	switch kind {
	case "response.completed", "response.incomplete", "response.failed", "error":
		p.finished = true
	}
	ev.Data = p.fix(kind, ev.Data)
	return []Event{ev}
}

func (p *ResponsesPassthrough) fix(kind, data string) string {
	idx := gjson.Get(data, "output_index")
	if !idx.Exists() {
		return data
	}
	out := idx.Int()
	switch kind {
	case "response.output_item.added":
		id := gjson.Get(data, "item.id").String()
		if id == "" {
			id = p.generateID(out)
			if patched, err := sjson.Set(data, "item.id", id); err == nil {
				data = patched
			}
		}
		p.items[out] = id
	case "response.output_item.done":
		if id, ok := p.items[out]; ok {
			if patched, err := sjson.Set(data, "item.id", id); err == nil {
				data = patched
			}
		}
	default:
		if id, ok := p.items[out]; ok {
			if patched, err := sjson.Set(data, "item_id", id); err == nil {
				data = patched
			}
		}
	}
	return data
}

func (p *ResponsesPassthrough) generateID(outputIndex int64) string {
	p.counter++
	return "oi_" + strconv.FormatInt(outputIndex, 10) + "_" + fmt.Sprintf("%x%04x", p.now().UnixMicro(), p.counter)
}

func (p *ResponsesPassthrough) Done() bool      { return p.done }
func (p *ResponsesPassthrough) Completed() bool { return p.done || p.finished }
func (p *ResponsesPassthrough) Finish() []Event { return nil }

func (p *ResponsesPassthrough) Interrupt(err error) []Event {
	p.done = true
	_, errType, msg := apierr.Classify(err)
	return []Event{jsonEvent("error", map[string]any{"type": "error", "code": errType, "message": msg, "param": nil})}
}
