package translate

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
)

const applyPatchTool = "apply_patch"

var applyPatchParameters = `{"type":"object","properties":{"input":{"type":"string","description":"The entire contents of the apply_patch command"}},"required":["input"]}`

// PassthroughInfo is what the dispatcher needs to know about a body that is
// forwarded without translation.
type PassthroughInfo struct {
	Model  string
	Stream bool
	Vision bool
	Agent  bool

	// ImageTurn and ImagePart locate the first image when Vision is set.
	ImageTurn int
	ImagePart int
}

// InspectChatBody reads routing facts from a raw chat-completions body.
func InspectChatBody(body []byte) (PassthroughInfo, error) {
	if !gjson.ValidBytes(body) {
		return PassthroughInfo{}, apierr.Invalid("invalid JSON body")
	}
	res := gjson.GetManyBytes(body, "model", "stream", "messages")
	info := PassthroughInfo{Model: res[0].String(), Stream: res[1].Bool()}
	msgs := res[2].Array()
	for ti, m := range msgs {
		for pi, p := range m.Get("content").Array() {
			if p.Get("type").String() == "image_url" && !info.Vision {
				info.Vision = true
				info.ImageTurn, info.ImagePart = ti, pi
			}
		}
	}
	if n := len(msgs); n > 0 {
		switch msgs[n-1].Get("role").String() {
		case "assistant", "tool":
			info.Agent = true
		}
	}
	return info, nil
}

// PrepareResponsesPassthrough rewrites a /v1/responses body for the upstream
// responses endpoint: the model is resolved, service_tier is removed and a
// custom apply_patch tool becomes a function tool. Key order of everything
// else is preserved.
func PrepareResponsesPassthrough(body []byte, models ModelMapper) ([]byte, PassthroughInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, PassthroughInfo{}, apierr.Invalid("invalid JSON body")
	}
	res := gjson.GetManyBytes(body, "model", "stream", "input", "tools")
	info := PassthroughInfo{Model: res[0].String(), Stream: res[1].Bool()}
	if strings.TrimSpace(info.Model) == "" {
		return nil, info, apierr.Invalid("model is required")
	}
	items := res[2].Array()
	for ti, it := range items {
		for pi, p := range it.Get("content").Array() {
			switch p.Get("type").String() {
			case "input_image", "image", "image_url":
				if !info.Vision {
					info.Vision = true
					info.ImageTurn, info.ImagePart = ti, pi
				}
			}
		}
	}
	if n := len(items); n > 0 {
		last := items[n-1]
		if strings.EqualFold(last.Get("role").String(), "assistant") {
			info.Agent = true
		}
		switch strings.ToLower(last.Get("type").String()) {
		case "function_call", "function_call_output", "custom_tool_call", "custom_tool_call_output", "reasoning":
			info.Agent = true
		}
	}

	var err error
	out := body
	if resolved := models.Resolve(info.Model); resolved != info.Model {
		info.Model = resolved
		if out, err = sjson.SetBytes(out, "model", resolved); err != nil {
			return nil, info, err
		}
	}
	if gjson.GetBytes(out, "service_tier").Exists() {
		if out, err = sjson.DeleteBytes(out, "service_tier"); err != nil {
			return nil, info, err
		}
	}
	for i, t := range res[3].Array() {
		if t.Get("type").String() != "custom" || t.Get("name").String() != applyPatchTool {
			continue
		}
		path := "tools." + strconv.Itoa(i)
		patched := `{"type":"function","name":"apply_patch","description":"Use the ` + "`apply_patch`" + ` tool to edit files","parameters":` + applyPatchParameters + `,"strict":false}`
		if out, err = sjson.SetRawBytes(out, path, []byte(patched)); err != nil {
			return nil, info, err
		}
	}
	return out, info, nil
}
