package proxy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
)

type protocol int

const (
	protocolOpenAI protocol = iota
	protocolAnthropic
)

func protocolFor(path string) protocol {
	if strings.HasPrefix(path, "/v1/messages") {
		return protocolAnthropic
	}
	return protocolOpenAI
}

// writeError renders err in the client's error shape. Upstream errors that
// already carry an OpenAI-shaped body reach OpenAI clients verbatim.
func writeError(w http.ResponseWriter, proto protocol, err error) {
	status, errType, message := apierr.Classify(err)
	var body []byte
	var upErr *apierr.UpstreamError
	switch {
	case proto == protocolAnthropic:
		body = apierr.AnthropicBody(errType, message)
	case errors.As(err, &upErr) && gjson.GetBytes(upErr.Body, "error.message").Exists():
		body = upErr.Body
	default:
		body = apierr.OpenAIBody(errType, message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
