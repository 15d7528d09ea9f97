// Package llmclient decorates outbound HTTP requests with the headers Copilot
// expects from a supported editor.
package llmclient

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Polly2014/CopilotX/pkg/config"
)

const defaultIntent = "conversation-panel"

type Session struct {
	Editor config.UpstreamConfig
	Intent string
}

type Option func(*Session)

func NewSession(editor config.UpstreamConfig, opts ...Option) Session {
	s := Session{Editor: editor, Intent: defaultIntent}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.Intent = strings.TrimSpace(s.Intent)
	return s
}

func WithIntent(intent string) Option {
	return func(s *Session) {
		s.Intent = intent
	}
}

// Apply sets the editor headers on h without overriding values already set.
func (s Session) Apply(h http.Header) {
	setDefault(h, "Editor-Version", s.Editor.EditorVersion)
	setDefault(h, "Editor-Plugin-Version", s.Editor.PluginVersion)
	setDefault(h, "User-Agent", s.Editor.UserAgent)
	setDefault(h, "Copilot-Integration-Id", s.Editor.IntegrationID)
	setDefault(h, "X-GitHub-Api-Version", s.Editor.APIVersion)
	setDefault(h, "openai-intent", s.Intent)
	setDefault(h, "X-Request-Id", uuid.NewString())
}

func setDefault(h http.Header, key, value string) {
	if value == "" || h.Get(key) != "" {
		return
	}
	h.Set(key, value)
}

func (s Session) WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	return editorHeaderRoundTripper{Base: base, Session: s}
}

type editorHeaderRoundTripper struct {
	Base    http.RoundTripper
	Session Session
}

func (rt editorHeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	rt.Session.Apply(out.Header)
	return base.RoundTrip(out)
}
