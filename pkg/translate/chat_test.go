package translate

import (
	"encoding/json"
	"reflect"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Polly2014/CopilotX/pkg/canonical"
)

func TestChatToCanonical(t *testing.T) {
	req, err := ChatToCanonical([]byte(`{"model":"gpt-4o","max_completion_tokens":12,"stop":"\n\n","messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":[{"type":"text","text":"describe"},{"type":"image_url","image_url":{"url":"data:image/webp;base64,UklG","detail":"low"}}]},
		{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{\"a\":1}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"done"}
	],"tool_choice":"required"}`))
	if err != nil {
		t.Fatalf("ChatToCanonical: %v", err)
	}
	if *req.MaxTokens != 12 || !reflect.DeepEqual(req.Stop, []string{"\n\n"}) {
		t.Fatalf("unexpected params: %+v", req)
	}
	img := req.Turns[1].Parts[1].Image
	if img == nil || img.MediaType != "image/webp" || img.Data != "UklG" || img.Detail != "low" {
		t.Fatalf("unexpected image: %+v", img)
	}
	calls := req.Turns[2].ToolCalls()
	if len(calls) != 1 || string(calls[0].Arguments) != `{"a":1}` {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	res := req.Turns[3].Parts[0].ToolResult
	if res == nil || res.CallID != "call_1" || res.Text() != "done" {
		t.Fatalf("unexpected tool result: %+v", res)
	}
	if req.ToolChoice.Mode != canonical.ToolChoiceRequired {
		t.Fatalf("unexpected tool choice: %+v", req.ToolChoice)
	}
	if !req.AgentInitiated() {
		t.Fatal("expected agent initiated")
	}
}

func TestChatRoundTripThroughUpstream(t *testing.T) {
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hey","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{\"x\":true}"}}]},{"role":"tool","tool_call_id":"c1","content":"ok"}],"tools":[{"type":"function","function":{"name":"f","parameters":{"type":"object"}}}],"tool_choice":{"type":"function","function":{"name":"f"}},"temperature":0.5}`
	first, err := ChatToCanonical([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	up, err := UpstreamRequest(first, Capabilities{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(up)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ChatToCanonical(b)
	if err != nil {
		t.Fatalf("re-parse %s: %v", b, err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("round trip changed request:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestChatFromCanonical(t *testing.T) {
	out := ChatFromCanonical(canonical.Response{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Parts: []canonical.Part{
			canonical.ToolCallPart(canonical.ToolCall{ID: "c", Name: "f", Arguments: json.RawMessage(`{ "k" : 1 }`)}),
		},
		StopReason: canonical.StopToolUse,
		Usage:      canonical.Usage{InputTokens: 1, OutputTokens: 2},
	})
	if len(out.Choices) != 1 || out.Choices[0].FinishReason != openai.FinishReasonToolCalls {
		t.Fatalf("unexpected choices: %+v", out.Choices)
	}
	if got := out.Choices[0].Message.ToolCalls[0].Function.Arguments; got != `{"k":1}` {
		t.Fatalf("unexpected arguments %q", got)
	}
	if out.Usage.TotalTokens != 3 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}
