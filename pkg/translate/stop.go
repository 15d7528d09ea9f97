package translate

import "github.com/Polly2014/CopilotX/pkg/canonical"

var chatFinishReasons = map[string]canonical.StopReason{
	"stop":           canonical.StopEndTurn,
	"length":         canonical.StopMaxTokens,
	"tool_calls":     canonical.StopToolUse,
	"function_call":  canonical.StopToolUse,
	"content_filter": canonical.StopContentFilter,
}

var chatFinishFor = map[canonical.StopReason]string{
	canonical.StopEndTurn:       "stop",
	canonical.StopSequence:      "stop",
	canonical.StopMaxTokens:     "length",
	canonical.StopToolUse:       "tool_calls",
	canonical.StopContentFilter: "content_filter",
	canonical.StopOther:         "stop",
}

var messagesStopReasons = map[string]canonical.StopReason{
	"end_turn":      canonical.StopEndTurn,
	"max_tokens":    canonical.StopMaxTokens,
	"tool_use":      canonical.StopToolUse,
	"stop_sequence": canonical.StopSequence,
	"refusal":       canonical.StopContentFilter,
}

var messagesStopFor = map[canonical.StopReason]string{
	canonical.StopEndTurn:       "end_turn",
	canonical.StopMaxTokens:     "max_tokens",
	canonical.StopToolUse:       "tool_use",
	canonical.StopSequence:      "stop_sequence",
	canonical.StopContentFilter: "refusal",
	canonical.StopOther:         "end_turn",
}

// StopFromChat maps a chat finish_reason. Empty means not finished yet and
// stays empty; unknown values become StopOther.
func StopFromChat(reason string) canonical.StopReason {
	if reason == "" {
		return ""
	}
	if r, ok := chatFinishReasons[reason]; ok {
		return r
	}
	return canonical.StopOther
}

func StopToChat(r canonical.StopReason) string {
	if s, ok := chatFinishFor[r]; ok {
		return s
	}
	return "stop"
}

func StopFromMessages(reason string) canonical.StopReason {
	if reason == "" {
		return ""
	}
	if r, ok := messagesStopReasons[reason]; ok {
		return r
	}
	return canonical.StopOther
}

// StopToMessages has no "other" on the wire, so StopOther renders as end_turn.
func StopToMessages(r canonical.StopReason) string {
	if s, ok := messagesStopFor[r]; ok {
		return s
	}
	return "end_turn"
}

// responsesStatus gives the responses-protocol status and incomplete reason.
func responsesStatus(r canonical.StopReason) (status, incomplete string) {
	switch r {
	case canonical.StopMaxTokens:
		return "incomplete", "max_output_tokens"
	case canonical.StopContentFilter:
		return "incomplete", "content_filter"
	}
	return "completed", ""
}
