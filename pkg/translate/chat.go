package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
)

type chatInRequest struct {
	Model               string          `json:"model"`
	Messages            []chatInMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens"`
	MaxCompletionTokens *int            `json:"max_completion_tokens"`
	Temperature         *float64        `json:"temperature"`
	TopP                *float64        `json:"top_p"`
	Stop                json.RawMessage `json:"stop"`
	Stream              bool            `json:"stream"`
	Tools               []chatInTool    `json:"tools"`
	ToolChoice          json.RawMessage `json:"tool_choice"`
	ParallelToolCalls   *bool           `json:"parallel_tool_calls"`
	User                string          `json:"user"`
}

type chatInMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content"`
	Name       string            `json:"name"`
	ToolCalls  []openai.ToolCall `json:"tool_calls"`
	ToolCallID string            `json:"tool_call_id"`
}

type chatInPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL    string `json:"url"`
		Detail string `json:"detail"`
	} `json:"image_url"`
}

type chatInTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
		Strict      bool            `json:"strict"`
	} `json:"function"`
}

// ChatToCanonical parses a chat-completions request. Part types the gateway
// does not model are skipped. The dispatcher does not call it: the chat route
// is passthrough and forwards the original body.
func ChatToCanonical(body []byte) (*canonical.Request, error) {
	var in chatInRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, &apierr.InvalidRequestError{Message: "invalid JSON body", Err: err}
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, apierr.Invalid("model is required")
	}
	if len(in.Messages) == 0 {
		return nil, apierr.Invalid("messages must not be empty")
	}
	req := &canonical.Request{
		Model:             in.Model,
		MaxTokens:         in.MaxTokens,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		Stream:            in.Stream,
		ParallelToolCalls: in.ParallelToolCalls,
		User:              in.User,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = in.MaxCompletionTokens
	}
	stop, err := stringOrList(in.Stop)
	if err != nil {
		return nil, &apierr.InvalidRequestError{Message: "stop must be a string or a list of strings", Err: err}
	}
	req.Stop = stop

	for i, m := range in.Messages {
		turn, err := chatTurn(m)
		if err != nil {
			return nil, &apierr.InvalidRequestError{Message: fmt.Sprintf("messages[%d]", i), Err: err}
		}
		req.Turns = append(req.Turns, turn)
	}
	for _, t := range in.Tools {
		if t.Type != "" && t.Type != string(openai.ToolTypeFunction) {
			continue
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		})
	}
	tc, err := chatToolChoiceIn(in.ToolChoice)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = tc
	return req, nil
}

func chatTurn(m chatInMessage) (canonical.Turn, error) {
	turn := canonical.Turn{Name: m.Name, ToolCallID: m.ToolCallID}
	switch m.Role {
	case "system", "developer":
		turn.Role = canonical.RoleSystem
	case "user":
		turn.Role = canonical.RoleUser
	case "assistant":
		turn.Role = canonical.RoleAssistant
	case "tool":
		turn.Role = canonical.RoleTool
	default:
		return turn, apierr.Invalid("unsupported role %q", m.Role)
	}
	parts, err := chatContentParts(m.Content)
	if err != nil {
		return turn, err
	}
	if turn.Role == canonical.RoleTool {
		turn.Parts = []canonical.Part{canonical.ToolResultPart(canonical.ToolResult{CallID: m.ToolCallID, Parts: parts})}
		return turn, nil
	}
	turn.Parts = parts
	for _, tc := range m.ToolCalls {
		turn.Parts = append(turn.Parts, canonical.ToolCallPart(canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: argumentsJSON(tc.Function.Arguments),
		}))
	}
	return turn, nil
}

func chatContentParts(raw json.RawMessage) ([]canonical.Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	var items []chatInPart
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, apierr.Invalid("content must be a string or a list of parts")
	}
	var parts []canonical.Part
	for _, it := range items {
		switch it.Type {
		case "text", "input_text":
			parts = append(parts, canonical.TextPart(it.Text))
		case "image_url":
			if it.ImageURL == nil {
				return nil, apierr.Invalid("image_url part without url")
			}
			img := parseImageHref(it.ImageURL.URL)
			img.Detail = it.ImageURL.Detail
			parts = append(parts, canonical.ImagePart(img))
		}
	}
	return parts, nil
}

// parseImageHref splits a data: URL into media type and base64 payload;
// anything else is kept as a remote URL.
func parseImageHref(href string) canonical.Image {
	rest, ok := strings.CutPrefix(href, "data:")
	if !ok {
		return canonical.Image{URL: href}
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return canonical.Image{URL: href}
	}
	return canonical.Image{MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
}

func chatToolChoiceIn(raw json.RawMessage) (*canonical.ToolChoice, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		switch s {
		case "auto":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		case "none":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "required":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}, nil
		}
		return nil, apierr.Invalid("unsupported tool_choice %q", s)
	}
	var obj openai.ToolChoice
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Function.Name == "" {
		return nil, apierr.Invalid("tool_choice object must name a function")
	}
	return &canonical.ToolChoice{Mode: canonical.ToolChoiceNamed, Name: obj.Function.Name}, nil
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ChatFromCanonical renders a canonical response as a single-choice
// chat-completions response. Like ChatToCanonical it is not on the
// passthrough chat route.
func ChatFromCanonical(resp canonical.Response) openai.ChatCompletionResponse {
	id := resp.ID
	if id == "" {
		id = canonical.NewID("chatcmpl-")
	}
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: resp.Text()}
	for _, p := range resp.Parts {
		if p.Type != canonical.PartToolCall || p.ToolCall == nil {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   p.ToolCall.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      p.ToolCall.Name,
				Arguments: string(compactJSON(p.ToolCall.Arguments)),
			},
		})
	}
	return openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: openai.FinishReason(StopToChat(resp.StopReason)),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
