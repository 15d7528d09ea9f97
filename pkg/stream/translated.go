package stream

import (
	"encoding/json"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
)

// Encoder renders canonical stream events in a client protocol.
type Encoder interface {
	Encode(ev canonical.StreamEvent) []Event
}

// Translated decodes upstream chat-completion chunks and re-encodes them
// through enc.
type Translated struct {
	dec     *ChunkDecoder
	enc     Encoder
	done    bool
	aborted bool
}

func NewTranslated(enc Encoder) *Translated {
	return &Translated{dec: NewChunkDecoder(), enc: enc}
}

func (t *Translated) Transform(ev Event) []Event {
	if t.done {
		return nil
	}
	if ev.Done() {
		t.done = true
		return nil
	}
	if e := gjson.Get(ev.Data, "error"); e.Exists() {
		t.done, t.aborted = true, true
		return t.encode(t.dec.Interrupt(apierr.ParseUpstream(http.StatusBadGateway, []byte(ev.Data))))
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil
	}
	return t.encode(t.dec.Decode(chunk))
}

func (t *Translated) Done() bool { return t.done }

func (t *Translated) Completed() bool { return t.done || t.dec.Completed() }

func (t *Translated) Finish() []Event {
	if t.aborted {
		return nil
	}
	return t.encode(t.dec.Finish())
}

func (t *Translated) Interrupt(err error) []Event {
	return t.encode(t.dec.Interrupt(err))
}

// Response is the canonical response decoded so far.
func (t *Translated) Response() canonical.Response { return t.dec.Response() }

func (t *Translated) encode(events []canonical.StreamEvent) []Event {
	var out []Event
	for _, ev := range events {
		out = append(out, t.enc.Encode(ev)...)
	}
	return out
}
