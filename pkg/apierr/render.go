package apierr

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// OpenAIBody renders the chat-completions/responses error shape.
func OpenAIBody(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    nil,
		},
	})
	return b
}

// AnthropicBody renders the messages-protocol error shape.
func AnthropicBody(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	return b
}

// ParseUpstream builds an UpstreamError from a raw error response, pulling the
// message and type from either error shape when present.
func ParseUpstream(status int, body []byte) *UpstreamError {
	e := &UpstreamError{StatusCode: status, Body: body}
	if !gjson.ValidBytes(body) {
		e.Message = string(body)
		return e
	}
	res := gjson.GetManyBytes(body, "error.message", "error.type", "message", "error")
	switch {
	case res[0].Exists():
		e.Message = res[0].String()
		e.Type = res[1].String()
	case res[2].Exists():
		e.Message = res[2].String()
	case res[3].Type == gjson.String:
		e.Message = res[3].String()
	}
	return e
}
