package translate

import (
	"bytes"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
)

// ChatRequest is the chat-completions request sent upstream. Optional
// generation parameters are pointers so an unset value is omitted rather than
// sent as zero.
type ChatRequest struct {
	Model             string                `json:"model"`
	Messages          []ChatMessage         `json:"messages"`
	MaxTokens         *int                  `json:"max_tokens,omitempty"`
	Temperature       *float64              `json:"temperature,omitempty"`
	TopP              *float64              `json:"top_p,omitempty"`
	Stop              []string              `json:"stop,omitempty"`
	Stream            bool                  `json:"stream,omitempty"`
	StreamOptions     *openai.StreamOptions `json:"stream_options,omitempty"`
	Tools             []openai.Tool         `json:"tools,omitempty"`
	ToolChoice        any                   `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                 `json:"parallel_tool_calls,omitempty"`
	User              string                `json:"user,omitempty"`
}

// ChatMessage content is a string, a []openai.ChatMessagePart, or nil for an
// assistant turn that only carries tool calls.
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// Capabilities describes the target model as far as translation cares.
type Capabilities struct {
	Model  string
	Vision bool
}

var (
	emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)
	customToolSchema  = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"The raw tool input."}},"required":["input"],"additionalProperties":false}`)
)

// UpstreamRequest renders a canonical request as the upstream chat-completions
// payload. Images are only allowed when caps advertises vision.
func UpstreamRequest(req *canonical.Request, caps Capabilities) (*ChatRequest, error) {
	if err := checkImages(req, caps); err != nil {
		return nil, err
	}
	out := &ChatRequest{
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		Stop:              req.Stop,
		ParallelToolCalls: req.ParallelToolCalls,
		User:              req.User,
	}
	if req.Stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	var system []string
	for _, turn := range req.Turns {
		if turn.Role == canonical.RoleSystem {
			if txt := joinTexts(turn.Parts, "\n"); txt != "" {
				system = append(system, txt)
			}
		}
	}
	if len(system) > 0 {
		out.Messages = append(out.Messages, ChatMessage{Role: string(canonical.RoleSystem), Content: strings.Join(system, "\n\n")})
	}
	for _, turn := range req.Turns {
		switch turn.Role {
		case canonical.RoleSystem:
		case canonical.RoleAssistant:
			out.Messages = append(out.Messages, assistantMessage(turn))
		default:
			out.Messages = append(out.Messages, splitUserTurn(turn)...)
		}
	}

	for _, t := range req.Tools {
		params := t.Parameters
		switch {
		case t.Custom:
			params = customToolSchema
		case len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")):
			params = emptyObjectSchema
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Strict:      t.Strict,
				Parameters:  params,
			},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = chatToolChoice(*req.ToolChoice)
	}
	return out, nil
}

func checkImages(req *canonical.Request, caps Capabilities) error {
	if caps.Vision {
		return nil
	}
	for ti, turn := range req.Turns {
		for pi, p := range turn.Parts {
			if p.Type == canonical.PartImage {
				return &apierr.UnsupportedContentError{Model: caps.Model, Turn: ti, Part: pi, PartType: "image"}
			}
			if p.Type == canonical.PartToolResult && p.ToolResult != nil {
				for _, rp := range p.ToolResult.Parts {
					if rp.Type == canonical.PartImage {
						return &apierr.UnsupportedContentError{Model: caps.Model, Turn: ti, Part: pi, PartType: "tool_result image"}
					}
				}
			}
		}
	}
	return nil
}

func assistantMessage(turn canonical.Turn) ChatMessage {
	msg := ChatMessage{Role: string(canonical.RoleAssistant), Name: turn.Name}
	text := joinTexts(turn.Parts, "")
	for _, tc := range turn.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(compactJSON(tc.Arguments)),
			},
		})
	}
	if text != "" || len(msg.ToolCalls) == 0 {
		msg.Content = text
	}
	return msg
}

// splitUserTurn emits user/tool content in source order: each run of tool
// results becomes tool messages, each run of text/image parts one user
// message. Images returned by tools follow in a user message of their own.
func splitUserTurn(turn canonical.Turn) []ChatMessage {
	var (
		out     []ChatMessage
		pending []canonical.Part
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, ChatMessage{Role: string(canonical.RoleUser), Content: userContent(pending), Name: turn.Name})
		pending = nil
	}
	for _, p := range turn.Parts {
		if p.Type != canonical.PartToolResult || p.ToolResult == nil {
			pending = append(pending, p)
			continue
		}
		flush()
		res := p.ToolResult
		callID := res.CallID
		if callID == "" {
			callID = turn.ToolCallID
		}
		text := res.Text()
		if res.IsError {
			text = "[ERROR] " + text
		}
		out = append(out, ChatMessage{Role: string(canonical.RoleTool), Content: text, ToolCallID: callID})
		var images []canonical.Part
		for _, rp := range res.Parts {
			if rp.Type == canonical.PartImage {
				images = append(images, rp)
			}
		}
		if len(images) > 0 {
			out = append(out, ChatMessage{Role: string(canonical.RoleUser), Content: userContent(images)})
		}
	}
	flush()
	if len(out) == 0 && turn.Role == canonical.RoleUser {
		out = append(out, ChatMessage{Role: string(canonical.RoleUser), Content: ""})
	}
	return out
}

// userContent keeps a lone text part as a plain string and otherwise emits the
// typed part list.
func userContent(parts []canonical.Part) any {
	if len(parts) == 1 && parts[0].Type == canonical.PartText {
		return parts[0].Text
	}
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case canonical.PartImage:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.Image.Href(),
					Detail: openai.ImageURLDetail(p.Image.Detail),
				},
			})
		}
	}
	return out
}

func chatToolChoice(tc canonical.ToolChoice) any {
	switch tc.Mode {
	case canonical.ToolChoiceNone:
		return "none"
	case canonical.ToolChoiceRequired:
		return "required"
	case canonical.ToolChoiceNamed:
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: tc.Name}}
	}
	return "auto"
}

// UpstreamResponseToCanonical merges every choice of a chat-completions
// response. Copilot may return text and tool calls as separate choices.
func UpstreamResponseToCanonical(resp *openai.ChatCompletionResponse) canonical.Response {
	out := canonical.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Usage: canonical.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		out.Usage.CachedTokens = d.CachedTokens
	}
	var (
		text   strings.Builder
		calls  []canonical.Part
		finish string
	)
	for _, ch := range resp.Choices {
		text.WriteString(ch.Message.Content)
		for _, tc := range ch.Message.ToolCalls {
			calls = append(calls, canonical.ToolCallPart(canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: argumentsJSON(tc.Function.Arguments),
			}))
		}
		fr := string(ch.FinishReason)
		if fr == string(openai.FinishReasonToolCalls) || finish == "" {
			finish = fr
		}
	}
	if text.Len() > 0 {
		out.Parts = append(out.Parts, canonical.TextPart(text.String()))
	}
	out.Parts = append(out.Parts, calls...)
	out.StopReason = StopFromChat(finish)
	if len(calls) > 0 && out.StopReason == canonical.StopEndTurn {
		out.StopReason = canonical.StopToolUse
	}
	return out
}

// argumentsJSON keeps valid JSON argument text verbatim; anything else becomes
// an empty object.
func argumentsJSON(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

// compactJSON strips insignificant whitespace without re-ordering keys.
func compactJSON(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func joinTexts(parts []canonical.Part, sep string) string {
	var out []string
	for _, p := range parts {
		if p.Type == canonical.PartText && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, sep)
}
