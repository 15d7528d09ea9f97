// Package canonical is the protocol-neutral request/response model every
// translator converts to and from.
package canonical

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Image is either inline base64 data with a media type or a remote URL.
type Image struct {
	MediaType string
	Data      string
	URL       string
	Detail    string
}

// Inline reports whether the image carries its bytes rather than a link.
func (i Image) Inline() bool { return i.Data != "" }

// Href is the value for an image_url field: the URL, or a data: URL for
// inline images.
func (i Image) Href() string {
	if i.Inline() {
		mt := i.MediaType
		if mt == "" {
			mt = "image/png"
		}
		return "data:" + mt + ";base64," + i.Data
	}
	return i.URL
}

// ToolCall is a model-issued invocation. Arguments is the raw JSON object
// exactly as received.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Custom    bool
}

// ToolResult answers a ToolCall. Parts holds text and image parts.
type ToolResult struct {
	CallID  string
	Parts   []Part
	IsError bool
}

func (r ToolResult) Text() string {
	return joinText(r.Parts, "\n")
}

type Part struct {
	Type       PartType
	Text       string
	Image      *Image
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

func TextPart(s string) Part           { return Part{Type: PartText, Text: s} }
func ImagePart(img Image) Part         { return Part{Type: PartImage, Image: &img} }
func ToolCallPart(tc ToolCall) Part    { return Part{Type: PartToolCall, ToolCall: &tc} }
func ToolResultPart(r ToolResult) Part { return Part{Type: PartToolResult, ToolResult: &r} }

type Turn struct {
	Role       Role
	Parts      []Part
	Name       string
	ToolCallID string
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	return joinText(t.Parts, "")
}

func (t Turn) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range t.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Strict      bool
	// Custom marks a free-form tool whose single string input is wrapped as
	// {"input": "..."} on the function-calling wire.
	Custom bool
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "tool"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Request is a client request in neutral form. Nil pointers and empty slices
// mean "leave it to the upstream default".
type Request struct {
	Model             string
	Turns             []Turn
	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	Stop              []string
	Tools             []Tool
	ToolChoice        *ToolChoice
	ParallelToolCalls *bool
	User              string
	Stream            bool
}

func (r *Request) HasImages() bool {
	for _, t := range r.Turns {
		for _, p := range t.Parts {
			if p.Type == PartImage {
				return true
			}
			if p.Type == PartToolResult && p.ToolResult != nil {
				for _, rp := range p.ToolResult.Parts {
					if rp.Type == PartImage {
						return true
					}
				}
			}
		}
	}
	return false
}

// Tool returns the declared tool with the given name.
func (r *Request) Tool(name string) (Tool, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// AgentInitiated reports whether the last turn continues an agent loop
// (assistant output or a tool result) rather than fresh user input.
func (r *Request) AgentInitiated() bool {
	if len(r.Turns) == 0 {
		return false
	}
	last := r.Turns[len(r.Turns)-1]
	switch last.Role {
	case RoleAssistant, RoleTool:
		return true
	case RoleUser:
		for _, p := range last.Parts {
			if p.Type == PartToolResult {
				return true
			}
		}
	}
	return false
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

type Response struct {
	ID         string
	Model      string
	Created    int64
	Parts      []Part
	StopReason StopReason
	Usage      Usage
}

func (r Response) Text() string {
	return joinText(r.Parts, "")
}

func joinText(parts []Part, sep string) string {
	var texts []string
	for _, p := range parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, sep)
}
