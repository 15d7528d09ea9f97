package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/canonical"
)

type responsesInRequest struct {
	Model              string            `json:"model"`
	Input              json.RawMessage   `json:"input"`
	Instructions       string            `json:"instructions"`
	MaxOutputTokens    *int              `json:"max_output_tokens"`
	Temperature        *float64          `json:"temperature"`
	TopP               *float64          `json:"top_p"`
	Stream             bool              `json:"stream"`
	Tools              []responsesInTool `json:"tools"`
	ToolChoice         json.RawMessage   `json:"tool_choice"`
	ParallelToolCalls  *bool             `json:"parallel_tool_calls"`
	PreviousResponseID string            `json:"previous_response_id"`
	User               string            `json:"user"`
}

type responsesInTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      *bool           `json:"strict"`
}

type responsesInItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Input     string          `json:"input"`
	Output    json.RawMessage `json:"output"`
}

type responsesInPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
	Detail   string `json:"detail"`
}

// ResponsesToCanonical parses a /v1/responses request. Stored conversations
// are not kept, so previous_response_id is rejected.
func ResponsesToCanonical(body []byte) (*canonical.Request, error) {
	var in responsesInRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, &apierr.InvalidRequestError{Message: "invalid JSON body", Err: err}
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, apierr.Invalid("model is required")
	}
	if in.PreviousResponseID != "" {
		return nil, apierr.Invalid("previous_response_id is not supported; send the full conversation in input")
	}
	req := &canonical.Request{
		Model:             in.Model,
		MaxTokens:         in.MaxOutputTokens,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		Stream:            in.Stream,
		ParallelToolCalls: in.ParallelToolCalls,
		User:              in.User,
	}
	if in.Instructions != "" {
		req.Turns = append(req.Turns, canonical.Turn{Role: canonical.RoleSystem, Parts: []canonical.Part{canonical.TextPart(in.Instructions)}})
	}
	for _, t := range in.Tools {
		switch t.Type {
		case "function", "":
			tool := canonical.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
			if t.Strict != nil {
				tool.Strict = *t.Strict
			}
			req.Tools = append(req.Tools, tool)
		case "custom":
			req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, Custom: true})
		}
	}

	turns, err := responsesInput(in.Input, req)
	if err != nil {
		return nil, err
	}
	req.Turns = append(req.Turns, turns...)
	if len(req.Turns) == 0 {
		return nil, apierr.Invalid("input must not be empty")
	}

	tc, err := responsesToolChoiceIn(in.ToolChoice)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = tc
	return req, nil
}

func responsesInput(raw json.RawMessage, req *canonical.Request) ([]canonical.Turn, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &apierr.InvalidRequestError{Message: "input", Err: err}
		}
		return []canonical.Turn{{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart(s)}}}, nil
	}
	var items []responsesInItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, apierr.Invalid("input must be a string or a list of items")
	}

	var turns []canonical.Turn
	// calls issued back to back belong to one assistant turn
	appendCall := func(tc canonical.ToolCall) {
		if n := len(turns); n > 0 && turns[n-1].Role == canonical.RoleAssistant {
			turns[n-1].Parts = append(turns[n-1].Parts, canonical.ToolCallPart(tc))
			return
		}
		turns = append(turns, canonical.Turn{Role: canonical.RoleAssistant, Parts: []canonical.Part{canonical.ToolCallPart(tc)}})
	}
	for i, it := range items {
		switch it.Type {
		case "message", "":
			turn, err := responsesMessage(it)
			if err != nil {
				return nil, &apierr.InvalidRequestError{Message: fmt.Sprintf("input[%d]", i), Err: err}
			}
			turns = append(turns, turn)
		case "function_call":
			appendCall(canonical.ToolCall{ID: it.CallID, Name: it.Name, Arguments: argumentsJSON(it.Arguments)})
		case "custom_tool_call":
			appendCall(canonical.ToolCall{ID: it.CallID, Name: it.Name, Arguments: customArguments(it.Input), Custom: true})
		case "function_call_output", "custom_tool_call_output":
			parts, err := responsesOutputParts(it.Output)
			if err != nil {
				return nil, &apierr.InvalidRequestError{Message: fmt.Sprintf("input[%d].output", i), Err: err}
			}
			turns = append(turns, canonical.Turn{
				Role:       canonical.RoleTool,
				ToolCallID: it.CallID,
				Parts:      []canonical.Part{canonical.ToolResultPart(canonical.ToolResult{CallID: it.CallID, Parts: parts})},
			})
		case "reasoning":
		default:
			return nil, apierr.Invalid("input[%d]: unsupported item type %q", i, it.Type)
		}
	}
	return turns, nil
}

func responsesMessage(it responsesInItem) (canonical.Turn, error) {
	var turn canonical.Turn
	switch it.Role {
	case "system", "developer":
		turn.Role = canonical.RoleSystem
	case "user", "":
		turn.Role = canonical.RoleUser
	case "assistant":
		turn.Role = canonical.RoleAssistant
	default:
		return turn, fmt.Errorf("unsupported role %q", it.Role)
	}
	parts, err := responsesContentParts(it.Content)
	if err != nil {
		return turn, err
	}
	turn.Parts = parts
	return turn, nil
}

func responsesContentParts(raw json.RawMessage) ([]canonical.Part, error) {
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
	var items []responsesInPart
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("content must be a string or a list of parts")
	}
	var parts []canonical.Part
	for j, p := range items {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, canonical.TextPart(p.Text))
		case "input_image":
			if p.ImageURL == "" {
				return nil, fmt.Errorf("content[%d]: input_image without image_url", j)
			}
			img := parseImageHref(p.ImageURL)
			img.Detail = p.Detail
			parts = append(parts, canonical.ImagePart(img))
		case "refusal":
		default:
			return nil, fmt.Errorf("content[%d]: unsupported part type %q", j, p.Type)
		}
	}
	return parts, nil
}

func responsesOutputParts(raw json.RawMessage) ([]canonical.Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	return responsesContentParts(raw)
}

func responsesToolChoiceIn(raw json.RawMessage) (*canonical.ToolChoice, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		return chatToolChoiceIn(raw)
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Name == "" {
		return nil, apierr.Invalid("tool_choice object must name a tool")
	}
	return &canonical.ToolChoice{Mode: canonical.ToolChoiceNamed, Name: obj.Name}, nil
}

// customArguments wraps free-form custom tool input as the {"input": "..."}
// object the upstream function-calling wire expects.
func customArguments(input string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"input": input})
	return b
}

// CustomToolInput unwraps {"input": "..."} arguments. Arguments of any other
// shape are returned as text.
func CustomToolInput(args json.RawMessage) string {
	if res := gjson.GetBytes(args, "input"); res.Type == gjson.String {
		return res.String()
	}
	return string(args)
}

// ResponsesResponse is the /v1/responses response object.
type ResponsesResponse struct {
	ID                string                      `json:"id"`
	Object            string                      `json:"object"`
	CreatedAt         int64                       `json:"created_at"`
	Model             string                      `json:"model"`
	Status            string                      `json:"status"`
	IncompleteDetails *ResponsesIncompleteDetails `json:"incomplete_details"`
	Error             any                         `json:"error"`
	Output            []ResponsesItem             `json:"output"`
	Usage             *ResponsesUsage             `json:"usage,omitempty"`
}

type ResponsesIncompleteDetails struct {
	Reason string `json:"reason"`
}

// ResponsesItem is one output item: a message, function_call or
// custom_tool_call.
type ResponsesItem struct {
	Type      string                `json:"type"`
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Role      string                `json:"role,omitempty"`
	Content   []ResponsesOutputText `json:"content,omitempty"`
	CallID    string                `json:"call_id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Arguments *string               `json:"arguments,omitempty"`
	Input     *string               `json:"input,omitempty"`
}

type ResponsesOutputText struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

type ResponsesUsage struct {
	InputTokens        int                   `json:"input_tokens"`
	OutputTokens       int                   `json:"output_tokens"`
	TotalTokens        int                   `json:"total_tokens"`
	InputTokensDetails ResponsesTokenDetails `json:"input_tokens_details"`
}

type ResponsesTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ResponsesMessageItem builds an assistant message item.
func ResponsesMessageItem(id, text, status string) ResponsesItem {
	item := ResponsesItem{Type: "message", ID: id, Status: status, Role: "assistant", Content: []ResponsesOutputText{}}
	if status == "completed" {
		item.Content = append(item.Content, ResponsesOutputText{Type: "output_text", Text: text, Annotations: []any{}})
	}
	return item
}

// ResponsesCallItem builds a function_call item, or a custom_tool_call item
// when the called tool was declared as custom.
func ResponsesCallItem(tc canonical.ToolCall, custom bool, status string) ResponsesItem {
	if custom {
		input := ""
		if status == "completed" {
			input = CustomToolInput(tc.Arguments)
		}
		return ResponsesItem{Type: "custom_tool_call", ID: CallItemID(tc.ID, true), Status: status, CallID: tc.ID, Name: tc.Name, Input: &input}
	}
	args := ""
	if status == "completed" {
		args = string(compactJSON(tc.Arguments))
	}
	return ResponsesItem{Type: "function_call", ID: CallItemID(tc.ID, false), Status: status, CallID: tc.ID, Name: tc.Name, Arguments: &args}
}

// CallItemID derives a stable item id from the call id.
func CallItemID(callID string, custom bool) string {
	prefix := "fc_"
	if custom {
		prefix = "ctc_"
	}
	if callID == "" {
		return canonical.NewID(prefix)
	}
	return prefix + strings.TrimPrefix(strings.TrimPrefix(callID, "call_"), "toolu_")
}

// ResponsesUsageFrom converts canonical usage.
func ResponsesUsageFrom(u canonical.Usage) *ResponsesUsage {
	out := &ResponsesUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
	}
	out.InputTokensDetails.CachedTokens = u.CachedTokens
	return out
}

// ResponsesStatus gives the response status and, when incomplete, the
// incomplete_details object.
func ResponsesStatus(r canonical.StopReason) (string, *ResponsesIncompleteDetails) {
	status, reason := responsesStatus(r)
	if reason == "" {
		return status, nil
	}
	return status, &ResponsesIncompleteDetails{Reason: reason}
}

// ResponsesFromCanonical renders a full response. tools decides which calls
// render as custom_tool_call items.
func ResponsesFromCanonical(resp canonical.Response, tools []canonical.Tool) ResponsesResponse {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	status, incomplete := ResponsesStatus(resp.StopReason)
	out := ResponsesResponse{
		ID:                canonical.NewID("resp_"),
		Object:            "response",
		CreatedAt:         created,
		Model:             resp.Model,
		Status:            status,
		IncompleteDetails: incomplete,
		Output:            []ResponsesItem{},
		Usage:             ResponsesUsageFrom(resp.Usage),
	}
	if text := resp.Text(); text != "" {
		out.Output = append(out.Output, ResponsesMessageItem(canonical.NewID("msg_"), text, "completed"))
	}
	for _, p := range resp.Parts {
		if p.Type != canonical.PartToolCall || p.ToolCall == nil {
			continue
		}
		out.Output = append(out.Output, ResponsesCallItem(*p.ToolCall, IsCustomTool(tools, p.ToolCall.Name), "completed"))
	}
	return out
}

func IsCustomTool(tools []canonical.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return t.Custom
		}
	}
	return false
}
