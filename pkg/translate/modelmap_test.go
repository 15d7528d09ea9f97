package translate

import (
	"testing"

	"github.com/Polly2014/CopilotX/pkg/canonical"
)

func TestModelMapperResolve(t *testing.T) {
	m := NewModelMapper(map[string]string{"Fast": "gpt-4o-mini"})
	cases := map[string]string{
		"fast":                       "gpt-4o-mini",
		"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
		"claude-sonnet-4-20250514":   "claude-sonnet-4",
		"claude-opus-4-6":            "claude-opus-4.6",
		"claude-opus-4-1-20250805":   "claude-opus-41",
		"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
		"claude-3-opus":              "claude-opus-41",
		"claude-sonnet-4.5":          "claude-sonnet-4.5",
		"claude-custom.9":            "claude-custom.9",
		"gpt-4.1":                    "gpt-4.1",
	}
	for in, want := range cases {
		if got := m.Resolve(in); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopTables(t *testing.T) {
	if StopFromChat("") != "" {
		t.Fatal("empty finish reason must stay empty")
	}
	if StopFromChat("weird") != canonical.StopOther || StopToMessages(canonical.StopOther) != "end_turn" {
		t.Fatal("unknown finish reasons should map through StopOther to end_turn")
	}
	if StopToMessages(StopFromChat("content_filter")) != "refusal" {
		t.Fatal("content_filter should render as refusal")
	}
	if StopToChat(StopFromMessages("stop_sequence")) != "stop" {
		t.Fatal("stop_sequence should render as stop")
	}
	if StopToMessages(StopFromChat("length")) != "max_tokens" {
		t.Fatal("length should render as max_tokens")
	}
	if status, reason := responsesStatus(canonical.StopContentFilter); status != "incomplete" || reason != "content_filter" {
		t.Fatalf("unexpected responses status %q/%q", status, reason)
	}
}
