package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
)

var (
	errMessagesEmptyModel    = errors.New("model is required")
	errMessagesEmptyMessages = errors.New("messages must not be empty")
	errMessagesSystem        = errors.New("system must be a string or a list of text blocks")
)

// MessagesRequest is the /v1/messages request body.
type MessagesRequest struct {
	Model         string            `json:"model"`
	System        json.RawMessage   `json:"system,omitempty"`
	Messages      []MessagesMessage `json:"messages"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []MessagesTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
}

// MessagesMessage content is either a string or a list of ContentBlock.
type MessagesMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MessagesTool covers custom tools and the versioned built-ins
// (bash_20241022, computer_20241022, ...), which carry no input_schema.
type MessagesTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type messagesToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use"`
}

type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        MessagesUsage  `json:"usage"`
}

type MessagesUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

func MessagesToCanonical(body []byte) (*canonical.Request, error) {
	var in MessagesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, &apierr.InvalidRequestError{Message: "invalid JSON body", Err: err}
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, &apierr.InvalidRequestError{Message: errMessagesEmptyModel.Error()}
	}
	if len(in.Messages) == 0 {
		return nil, &apierr.InvalidRequestError{Message: errMessagesEmptyMessages.Error()}
	}
	req := &canonical.Request{
		Model:       strings.TrimSpace(in.Model),
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	system, err := parseMessagesSystem(in.System)
	if err != nil {
		return nil, &apierr.InvalidRequestError{Message: err.Error()}
	}
	if len(system) > 0 {
		sys := canonical.Turn{Role: canonical.RoleSystem}
		for _, s := range system {
			sys.Parts = append(sys.Parts, canonical.TextPart(s))
		}
		req.Turns = append(req.Turns, sys)
	}
	for i, m := range in.Messages {
		turn, err := messagesTurn(m)
		if err != nil {
			return nil, &apierr.InvalidRequestError{Message: fmt.Sprintf("messages[%d]", i), Err: err}
		}
		req.Turns = append(req.Turns, turn)
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if len(bytes.TrimSpace(in.ToolChoice)) > 0 && !bytes.Equal(bytes.TrimSpace(in.ToolChoice), []byte("null")) {
		var tc messagesToolChoice
		if err := json.Unmarshal(in.ToolChoice, &tc); err != nil {
			return nil, &apierr.InvalidRequestError{Message: "tool_choice must be an object", Err: err}
		}
		switch tc.Type {
		case "auto", "":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}
		case "none":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNamed, Name: tc.Name}
		default:
			return nil, apierr.Invalid("unsupported tool_choice type %q", tc.Type)
		}
		if tc.DisableParallelToolUse {
			no := false
			req.ParallelToolCalls = &no
		}
	}
	return req, nil
}

func parseMessagesSystem(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errMessagesSystem
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errMessagesSystem
	}
	var out []string
	for _, b := range blocks {
		if b.Type != "text" {
			return nil, errMessagesSystem
		}
		if b.Text != nil && *b.Text != "" {
			out = append(out, *b.Text)
		}
	}
	return out, nil
}

func messagesTurn(m MessagesMessage) (canonical.Turn, error) {
	var turn canonical.Turn
	switch m.Role {
	case "user":
		turn.Role = canonical.RoleUser
	case "assistant":
		turn.Role = canonical.RoleAssistant
	default:
		return turn, fmt.Errorf("unsupported role %q", m.Role)
	}
	raw := bytes.TrimSpace(m.Content)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return turn, err
		}
		turn.Parts = []canonical.Part{canonical.TextPart(s)}
		return turn, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return turn, errors.New("content must be a string or a list of blocks")
	}
	for j, b := range blocks {
		part, ok, err := messagesBlock(b)
		if err != nil {
			return turn, fmt.Errorf("content[%d]: %w", j, err)
		}
		if ok {
			turn.Parts = append(turn.Parts, part)
		}
	}
	return turn, nil
}

// messagesBlock converts one content block. Thinking blocks are dropped since
// the upstream has no input slot for them.
func messagesBlock(b ContentBlock) (canonical.Part, bool, error) {
	switch b.Type {
	case "text":
		if b.Text == nil {
			return canonical.TextPart(""), true, nil
		}
		return canonical.TextPart(*b.Text), true, nil
	case "image":
		img, err := blockImage(b.Source)
		if err != nil {
			return canonical.Part{}, false, err
		}
		return canonical.ImagePart(img), true, nil
	case "tool_use":
		if b.ID == "" || b.Name == "" {
			return canonical.Part{}, false, errors.New("tool_use requires id and name")
		}
		args := b.Input
		if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
			args = json.RawMessage(`{}`)
		}
		return canonical.ToolCallPart(canonical.ToolCall{ID: b.ID, Name: b.Name, Arguments: args}), true, nil
	case "tool_result":
		parts, err := toolResultParts(b.Content)
		if err != nil {
			return canonical.Part{}, false, err
		}
		return canonical.ToolResultPart(canonical.ToolResult{CallID: b.ToolUseID, Parts: parts, IsError: b.IsError}), true, nil
	case "thinking", "redacted_thinking":
		return canonical.Part{}, false, nil
	}
	return canonical.Part{}, false, fmt.Errorf("unsupported content block type %q", b.Type)
}

func blockImage(src *ImageSource) (canonical.Image, error) {
	if src == nil {
		return canonical.Image{}, errors.New("image block without source")
	}
	switch src.Type {
	case "base64":
		if src.Data == "" {
			return canonical.Image{}, errors.New("base64 image without data")
		}
		return canonical.Image{MediaType: src.MediaType, Data: src.Data}, nil
	case "url":
		if src.URL == "" {
			return canonical.Image{}, errors.New("url image without url")
		}
		return canonical.Image{URL: src.URL}, nil
	}
	return canonical.Image{}, fmt.Errorf("unsupported image source type %q", src.Type)
}

func toolResultParts(raw json.RawMessage) ([]canonical.Part, error) {
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
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errors.New("tool_result content must be a string or a list of blocks")
	}
	var parts []canonical.Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != nil {
				parts = append(parts, canonical.TextPart(*b.Text))
			}
		case "image":
			img, err := blockImage(b.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, canonical.ImagePart(img))
		default:
			return nil, fmt.Errorf("unsupported tool_result block type %q", b.Type)
		}
	}
	return parts, nil
}

// MessagesFromCanonical renders a response: text first, then tool_use
// blocks, with an empty text block when there is nothing else.
func MessagesFromCanonical(resp canonical.Response, model string) MessagesResponse {
	out := MessagesResponse{
		ID:         canonical.NewID("msg_"),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: StopToMessages(resp.StopReason),
		Usage: MessagesUsage{
			InputTokens:          resp.Usage.InputTokens,
			OutputTokens:         resp.Usage.OutputTokens,
			CacheReadInputTokens: resp.Usage.CachedTokens,
		},
	}
	if text := resp.Text(); text != "" {
		out.Content = append(out.Content, textBlock(text))
	}
	for _, p := range resp.Parts {
		if p.Type != canonical.PartToolCall || p.ToolCall == nil {
			continue
		}
		out.Content = append(out.Content, ContentBlock{
			Type:  "tool_use",
			ID:    p.ToolCall.ID,
			Name:  p.ToolCall.Name,
			Input: objectOrEmpty(p.ToolCall.Arguments),
		})
	}
	if len(out.Content) == 0 {
		out.Content = append(out.Content, textBlock(""))
	}
	return out
}

// MessagesRequestFromCanonical renders a canonical request in the messages
// protocol. System turns collapse into the top-level system string and tool
// turns become user turns holding tool_result blocks.
func MessagesRequestFromCanonical(req *canonical.Request) (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	var system []string
	for _, turn := range req.Turns {
		if turn.Role == canonical.RoleSystem {
			system = append(system, joinTexts(turn.Parts, "\n"))
			continue
		}
		role := "user"
		if turn.Role == canonical.RoleAssistant {
			role = "assistant"
		}
		content, err := messagesContent(turn.Parts)
		if err != nil {
			return nil, err
		}
		if n := len(out.Messages); n > 0 && turn.Role == canonical.RoleTool && out.Messages[n-1].Role == "user" {
			merged, err := appendBlocks(out.Messages[n-1].Content, content)
			if err != nil {
				return nil, err
			}
			out.Messages[n-1].Content = merged
			continue
		}
		out.Messages = append(out.Messages, MessagesMessage{Role: role, Content: content})
	}
	if len(system) > 0 {
		b, err := json.Marshal(strings.Join(system, "\n\n"))
		if err != nil {
			return nil, err
		}
		out.System = b
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, MessagesTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if tc := req.ToolChoice; tc != nil {
		choice := map[string]any{"type": "auto"}
		switch tc.Mode {
		case canonical.ToolChoiceRequired:
			choice["type"] = "any"
		case canonical.ToolChoiceNone:
			choice["type"] = "none"
		case canonical.ToolChoiceNamed:
			choice["type"], choice["name"] = "tool", tc.Name
		}
		if p := req.ParallelToolCalls; p != nil && !*p {
			choice["disable_parallel_tool_use"] = true
		}
		b, err := json.Marshal(choice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = b
	}
	return out, nil
}

// messagesContent keeps a single text part as a plain string.
func messagesContent(parts []canonical.Part) (json.RawMessage, error) {
	if len(parts) == 1 && parts[0].Type == canonical.PartText {
		return json.Marshal(parts[0].Text)
	}
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			blocks = append(blocks, textBlock(p.Text))
		case canonical.PartImage:
			blocks = append(blocks, imageBlock(*p.Image))
		case canonical.PartToolCall:
			blocks = append(blocks, ContentBlock{Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: objectOrEmpty(p.ToolCall.Arguments)})
		case canonical.PartToolResult:
			inner, err := messagesContent(p.ToolResult.Parts)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, ContentBlock{Type: "tool_result", ToolUseID: p.ToolResult.CallID, Content: inner, IsError: p.ToolResult.IsError})
		}
	}
	return json.Marshal(blocks)
}

func appendBlocks(existing, extra json.RawMessage) (json.RawMessage, error) {
	toBlocks := func(raw json.RawMessage) ([]ContentBlock, error) {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return []ContentBlock{textBlock(s)}, nil
		}
		var blocks []ContentBlock
		err := json.Unmarshal(raw, &blocks)
		return blocks, err
	}
	a, err := toBlocks(existing)
	if err != nil {
		return nil, err
	}
	b, err := toBlocks(extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(append(a, b...))
}

func textBlock(s string) ContentBlock {
	return ContentBlock{Type: "text", Text: &s}
}

func imageBlock(img canonical.Image) ContentBlock {
	if img.Inline() {
		return ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data}}
	}
	return ContentBlock{Type: "image", Source: &ImageSource{Type: "url", URL: img.URL}}
}

// objectOrEmpty passes a JSON object through verbatim and replaces anything
// else with {}.
func objectOrEmpty(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return json.RawMessage(`{}`)
	}
	return trimmed
}
