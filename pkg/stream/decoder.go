package stream

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/Polly2014/CopilotX/pkg/canonical"
	"github.com/Polly2014/CopilotX/pkg/translate"
)

type toolKey struct {
	choice int
	index  int
}

type toolBlock struct {
	index int
	id    string
	name  string
	args  []byte
}

// ChunkDecoder turns upstream chat-completion chunks into canonical stream
// events. Text and tool calls may arrive on different choices; each gets its
// own block. A text block closes when a tool block opens, tool blocks stay
// open until Finish, and text arriving after a tool call opens a new block.
type ChunkDecoder struct {
	started   bool
	finished  bool
	messageID string
	model     string

	next      int
	textOpen  bool
	textIndex int
	text      []byte

	tools map[toolKey]*toolBlock
	order []*toolBlock

	finish string
	usage  *canonical.Usage
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{tools: map[toolKey]*toolBlock{}}
}

// Completed reports whether any chunk carried a finish_reason.
func (d *ChunkDecoder) Completed() bool { return d.finish != "" }

// MessageID is the id of the first upstream chunk, or a generated one.
func (d *ChunkDecoder) MessageID() string { return d.messageID }

func (d *ChunkDecoder) Decode(chunk openai.ChatCompletionStreamResponse) []canonical.StreamEvent {
	if d.finished {
		return nil
	}
	var out []canonical.StreamEvent
	out = append(out, d.start(chunk.ID, chunk.Model)...)
	if chunk.Usage != nil {
		u := canonical.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		if chunk.Usage.PromptTokensDetails != nil {
			u.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		d.usage = &u
	}
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != "" {
			if !d.textOpen {
				d.textOpen = true
				d.textIndex = d.next
				d.next++
				out = append(out, canonical.StreamEvent{Kind: canonical.EventBlockStart, Index: d.textIndex, Block: canonical.BlockText})
			}
			d.text = append(d.text, ch.Delta.Content...)
			out = append(out, canonical.StreamEvent{Kind: canonical.EventContentDelta, Index: d.textIndex, Block: canonical.BlockText, Fragment: ch.Delta.Content})
		}
		for pos, tc := range ch.Delta.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			key := toolKey{choice: ch.Index, index: idx}
			block, ok := d.tools[key]
			if !ok {
				out = append(out, d.closeText()...)
				block = &toolBlock{index: d.next, id: tc.ID, name: tc.Function.Name}
				if block.id == "" {
					block.id = canonical.NewID("call_")
				}
				d.next++
				d.tools[key] = block
				d.order = append(d.order, block)
				out = append(out, canonical.StreamEvent{
					Kind:       canonical.EventBlockStart,
					Index:      block.index,
					Block:      canonical.BlockToolCall,
					ToolCallID: block.id,
					ToolName:   block.name,
				})
			}
			if tc.Function.Arguments != "" {
				block.args = append(block.args, tc.Function.Arguments...)
				out = append(out, canonical.StreamEvent{Kind: canonical.EventToolCallDelta, Index: block.index, Block: canonical.BlockToolCall, Fragment: tc.Function.Arguments})
			}
		}
		if fr := string(ch.FinishReason); fr != "" {
			if d.finish == "" || fr == string(openai.FinishReasonToolCalls) {
				d.finish = fr
			}
		}
	}
	return out
}

func (d *ChunkDecoder) start(id, model string) []canonical.StreamEvent {
	if d.started {
		return nil
	}
	d.started = true
	d.messageID = id
	if d.messageID == "" {
		d.messageID = canonical.NewID("")
	}
	d.model = model
	return []canonical.StreamEvent{{Kind: canonical.EventMessageStart, MessageID: d.messageID, Model: model}}
}

func (d *ChunkDecoder) closeText() []canonical.StreamEvent {
	if !d.textOpen {
		return nil
	}
	d.textOpen = false
	return []canonical.StreamEvent{{Kind: canonical.EventBlockStop, Index: d.textIndex, Block: canonical.BlockText}}
}

// Finish closes every open block and emits message_stop.
func (d *ChunkDecoder) Finish() []canonical.StreamEvent {
	if d.finished {
		return nil
	}
	out := d.start("", "")
	out = append(out, d.closeText()...)
	for _, b := range d.order {
		out = append(out, canonical.StreamEvent{Kind: canonical.EventBlockStop, Index: b.index, Block: canonical.BlockToolCall, ToolCallID: b.id, ToolName: b.name})
	}
	d.finished = true
	stop := translate.StopFromChat(d.finish)
	if stop == "" {
		stop = canonical.StopEndTurn
	}
	if len(d.order) > 0 && stop == canonical.StopEndTurn {
		stop = canonical.StopToolUse
	}
	usage := d.usage
	if usage == nil {
		usage = &canonical.Usage{}
	}
	out = append(out, canonical.StreamEvent{Kind: canonical.EventMessageStop, StopReason: stop, Usage: usage})
	return out
}

// Interrupt ends the stream with a single error event. Open blocks are left
// for the encoder to close according to its grammar.
func (d *ChunkDecoder) Interrupt(err error) []canonical.StreamEvent {
	if d.finished {
		return nil
	}
	d.finished = true
	return []canonical.StreamEvent{{Kind: canonical.EventError, Err: err}}
}

// Response assembles what has been decoded so far into a canonical response.
func (d *ChunkDecoder) Response() canonical.Response {
	resp := canonical.Response{ID: d.messageID, Model: d.model, StopReason: translate.StopFromChat(d.finish)}
	if len(d.text) > 0 {
		resp.Parts = append(resp.Parts, canonical.TextPart(string(d.text)))
	}
	for _, b := range d.order {
		resp.Parts = append(resp.Parts, canonical.ToolCallPart(canonical.ToolCall{ID: b.id, Name: b.name, Arguments: b.args}))
	}
	if d.usage != nil {
		resp.Usage = *d.usage
	}
	return resp
}
