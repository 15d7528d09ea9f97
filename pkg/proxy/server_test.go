package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/llmclient"
	"github.com/Polly2014/CopilotX/pkg/provider"
	"github.com/Polly2014/CopilotX/pkg/registry"
)

type fakeTokens struct {
	mu          sync.Mutex
	base        string
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(context.Context) (auth.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return auth.AccessToken{}, f.err
	}
	return auth.AccessToken{Value: "cop-token", APIBase: f.base, ExpiresAt: time.Now().Add(20 * time.Minute)}, nil
}

func (f *fakeTokens) Invalidate() { f.invalidated.Add(1) }

func (f *fakeTokens) Status() auth.Status {
	return auth.Status{LoggedIn: true, Valid: true, ExpiresInSeconds: 1200, APIBase: f.base, SKU: "copilot_for_individuals"}
}

type fakeModels struct {
	calls    atomic.Int32
	err      error
	cachedAt time.Time
}

func (f *fakeModels) models() []registry.ModelDescriptor {
	hidden := false
	return []registry.ModelDescriptor{
		{ID: "gpt-4o", Vendor: "Azure OpenAI", Capabilities: provider.ModelCapabilities{Supports: provider.ModelSupports{Vision: true}}},
		{ID: "claude-sonnet-4", Vendor: "Anthropic"},
		{ID: "gpt-internal", PickerEnabled: &hidden},
	}
}

func (f *fakeModels) List(context.Context, bool) ([]registry.ModelDescriptor, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.models(), nil
}

func (f *fakeModels) Cached() ([]registry.ModelDescriptor, time.Time, bool) {
	if f.cachedAt.IsZero() {
		return nil, time.Time{}, false
	}
	return f.models(), f.cachedAt, true
}

func (f *fakeModels) Lookup(ctx context.Context, id string) (registry.ModelDescriptor, bool, error) {
	models, err := f.List(ctx, false)
	if err != nil {
		return registry.ModelDescriptor{}, false, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, true, nil
		}
	}
	return registry.ModelDescriptor{}, false, nil
}

// capturedRequest is what the fake Copilot upstream saw.
type capturedRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

type copilotFake struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []capturedRequest
}

func newCopilotFake(t *testing.T, h http.HandlerFunc) *copilotFake {
	t.Helper()
	f := &copilotFake{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.reqs = append(f.reqs, capturedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		f.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *copilotFake) requests() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.reqs...)
}

func (f *copilotFake) last(t *testing.T) capturedRequest {
	t.Helper()
	reqs := f.requests()
	if len(reqs) == 0 {
		t.Fatal("upstream was not called")
	}
	return reqs[len(reqs)-1]
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	copilot *copilotFake
	tokens  *fakeTokens
	models  *fakeModels
}

func newTestEnv(t *testing.T, h http.HandlerFunc, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	t.Setenv(config.APIKeyEnv, "")
	copilot := newCopilotFake(t, h)
	cfg := *config.NewDefaultServerConfig()
	cfg.StreamIdleTimeoutSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}
	tokens := &fakeTokens{base: copilot.URL}
	models := &fakeModels{}
	srv, err := NewServer(Deps{
		Config:   cfg,
		Tokens:   tokens,
		Models:   models,
		Upstream: provider.NewClient(llmclient.NewSession(cfg.Upstream), 5*time.Second),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, copilot: copilot, tokens: tokens, models: models}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	for _, l := range lines {
		_, _ = io.WriteString(w, "data: "+l+"\n\n")
		if f != nil {
			f.Flush()
		}
	}
}

const chatCompletionJSON = `{"id":"chatcmpl-abc","object":"chat.completion","created":1700000000,"model":"claude-sonnet-4","choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

func TestChatPassthroughForwardsBodyUnmodified(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionJSON)
	}, nil)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.3,"vendor_extension":{"keep":[1,2,3]}}`
	resp := env.post(t, "/v1/chat/completions", body)
	got := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, got)
	}
	if got != chatCompletionJSON {
		t.Fatalf("response must be relayed verbatim, got %s", got)
	}

	up := env.copilot.last(t)
	if up.Path != "/chat/completions" {
		t.Fatalf("unexpected upstream path %q", up.Path)
	}
	if string(up.Body) != body {
		t.Fatalf("body must be forwarded unmodified\nwant %s\ngot  %s", body, up.Body)
	}
	if got := up.Header.Get("Authorization"); got != "Bearer cop-token" {
		t.Fatalf("unexpected authorization %q", got)
	}
	if up.Header.Get("Editor-Version") == "" || up.Header.Get("Copilot-Integration-Id") == "" {
		t.Fatalf("editor headers missing: %v", up.Header)
	}
	if got := up.Header.Get("X-Initiator"); got != "user" {
		t.Fatalf("unexpected initiator %q", got)
	}
}

func TestChatPassthroughResolvesAlias(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatCompletionJSON)
	}, func(c *config.ServerConfig) {
		c.ModelAliases = map[string]string{"fast": "gpt-4o"}
	})

	resp := env.post(t, "/v1/chat/completions", `{"model":"fast","messages":[{"role":"user","content":"hi"}],"x":{"y":true}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	want := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"x":{"y":true}}`
	if got := string(env.copilot.last(t).Body); got != want {
		t.Fatalf("unexpected upstream body %s", got)
	}
}

func TestChatPassthroughStreamRelayed(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}, nil)

	resp := env.post(t, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	got := readAll(t, resp.Body)
	if strings.Count(got, "data: ") != 3 || !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Fatalf("unexpected stream %q", got)
	}
	if !strings.Contains(got, `"content":"Hi"`) {
		t.Fatalf("content chunk missing: %q", got)
	}
	if got := env.copilot.last(t).Header.Get("Accept"); got != "text/event-stream" {
		t.Fatalf("unexpected accept %q", got)
	}
}

func TestMessagesTranslated(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionJSON)
	}, nil)

	resp := env.post(t, "/v1/messages", `{
		"model":"claude-sonnet-4-20250514",
		"max_tokens":256,
		"system":"Be brief.",
		"messages":[{"role":"user","content":"Say hello"}]
	}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Role       string `json:"role"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" || !strings.HasPrefix(out.ID, "msg_") {
		t.Fatalf("unexpected envelope %+v", out)
	}
	if out.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("client model name must be echoed, got %q", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "Hello there" || out.StopReason != "end_turn" {
		t.Fatalf("unexpected content %+v", out)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}

	var up struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(env.copilot.last(t).Body, &up); err != nil {
		t.Fatalf("decode upstream: %v", err)
	}
	if up.Model != "claude-sonnet-4" || up.MaxTokens != 256 {
		t.Fatalf("unexpected upstream request %+v", up)
	}
	if len(up.Messages) != 2 || up.Messages[0].Role != "system" || up.Messages[0].Content != "Be brief." || up.Messages[1].Role != "user" {
		t.Fatalf("unexpected upstream messages %+v", up.Messages)
	}
}

func TestMessagesStreamInterruptedEmitsOneError(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		// Two of five chunks, then the connection ends.
		writeSSE(w,
			`{"id":"chatcmpl-9","object":"chat.completion.chunk","created":1,"model":"claude-sonnet-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"chatcmpl-9","object":"chat.completion.chunk","created":1,"model":"claude-sonnet-4","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		)
	}, nil)

	resp := env.post(t, "/v1/messages", `{"model":"claude-sonnet-4","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	got := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(got, "event: message_start") || !strings.Contains(got, `"text":"Hel"`) {
		t.Fatalf("partial content missing: %q", got)
	}
	if n := strings.Count(got, "event: error\n"); n != 1 {
		t.Fatalf("expected exactly one error event, got %d in %q", n, got)
	}
	if strings.Contains(got, "event: message_stop") {
		t.Fatalf("interrupted stream must not look complete: %q", got)
	}
	if !strings.Contains(got, `"id":"msg_9"`) {
		t.Fatalf("message id should derive from the upstream id: %q", got)
	}
}

func TestMessagesStreamComplete(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"claude-sonnet-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
			`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"claude-sonnet-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`,
			`[DONE]`,
		)
	}, nil)

	resp := env.post(t, "/v1/messages", `{"model":"claude-sonnet-4","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	got := readAll(t, resp.Body)
	for _, want := range []string{"event: message_start", "event: content_block_start", "event: content_block_delta", "event: content_block_stop", "event: message_delta", "event: message_stop"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "event: error") {
		t.Fatalf("unexpected error event: %q", got)
	}
}

func TestImageRejectedForTextOnlyModel(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, nil)

	resp := env.post(t, "/v1/messages", `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}}
	]}]}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "invalid_request_error") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}

	resp = env.post(t, "/v1/chat/completions", `{"model":"claude-sonnet-4","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}}
	]}]}`)
	body = readAll(t, resp.Body)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "messages[0].content[1]") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
}

func TestImageForwardedToVisionModel(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatCompletionJSON)
	}, nil)
	resp := env.post(t, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.test/cat.png"}}
	]}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := env.copilot.last(t).Header.Get("Copilot-Vision-Request"); got != "true" {
		t.Fatalf("vision header missing, got %q", got)
	}
}

func TestUpstreamUnauthorizedInvalidatesToken(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"token expired","type":"authentication_error"}}`)
	}, nil)

	resp := env.post(t, "/v1/messages", `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, `"type":"error"`) {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if env.tokens.invalidated.Load() != 1 {
		t.Fatalf("expected the token to be invalidated once, got %d", env.tokens.invalidated.Load())
	}
	if snap := env.srv.health.Snapshot(); snap.Status != HealthAuthProblem {
		t.Fatalf("unexpected upstream health %+v", snap)
	}
}

func TestUpstreamErrorForwardedToOpenAIClients(t *testing.T) {
	upstreamBody := `{"error":{"message":"model overloaded","type":"server_error","code":"overloaded"}}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, upstreamBody)
	}, nil)
	resp := env.post(t, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if got := readAll(t, resp.Body); resp.StatusCode != http.StatusServiceUnavailable || got != upstreamBody {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, got)
	}
}

func TestTokenFailureRendersAuthenticationError(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, nil)
	env.tokens.mu.Lock()
	env.tokens.err = &apierr.AuthenticationError{Message: "not logged in", Err: config.ErrNoCredentials}
	env.tokens.mu.Unlock()

	resp := env.post(t, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, "authentication_error") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
}

func TestResponsesTranslated(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatCompletionJSON)
	}, nil)

	resp := env.post(t, "/v1/responses", `{"model":"gpt-4o","instructions":"Be brief.","input":"Say hello"}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "response" || out.Status != "completed" || out.Model != "gpt-4o" || !strings.HasPrefix(out.ID, "resp_") {
		t.Fatalf("unexpected envelope %+v", out)
	}
	if len(out.Output) != 1 || out.Output[0].Type != "message" || out.Output[0].Content[0].Text != "Hello there" {
		t.Fatalf("unexpected output %+v", out.Output)
	}
	if up := env.copilot.last(t); up.Path != "/chat/completions" {
		t.Fatalf("translate mode must call chat completions, got %q", up.Path)
	}
}

func TestResponsesStreamTranslated(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"chatcmpl-7","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
			`{"id":"chatcmpl-7","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}, nil)
	resp := env.post(t, "/v1/responses", `{"model":"gpt-4o","stream":true,"input":"hi"}`)
	got := readAll(t, resp.Body)
	for _, want := range []string{"event: response.created", "event: response.output_text.delta", "event: response.completed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestResponsesPassthrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"resp_up","object":"response","status":"completed","output":[]}`)
	}, func(c *config.ServerConfig) {
		c.ResponsesMode = config.ResponsesModePassthrough
	})

	resp := env.post(t, "/v1/responses", `{"model":"gpt-4o","service_tier":"flex","input":"hi","store":false}`)
	body := readAll(t, resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"id":"resp_up"`) {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	up := env.copilot.last(t)
	if up.Path != "/responses" {
		t.Fatalf("unexpected upstream path %q", up.Path)
	}
	res := gjson.GetManyBytes(up.Body, "service_tier", "store", "input")
	if res[0].Exists() || !res[1].Exists() || res[2].String() != "hi" {
		t.Fatalf("unexpected upstream body %s", up.Body)
	}
}

func TestResponsesRejectsPreviousResponseID(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, nil)
	resp := env.post(t, "/v1/responses", `{"model":"gpt-4o","input":"hi","previous_response_id":"resp_1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestModelsListing(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.ts.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out modelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("unexpected listing %+v", out)
	}
	if out.Data[0].ID != "gpt-4o" || out.Data[0].OwnedBy != "Azure OpenAI" || out.Data[0].Object != "model" || out.Data[0].Created == 0 {
		t.Fatalf("unexpected model %+v", out.Data[0])
	}
}

func TestHealthDoesNotCallUpstream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, nil)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.BindMode != BindLoopback || out.APIKeyRequired || !out.Token.Valid {
		t.Fatalf("unexpected health %+v", out)
	}
	if out.Upstream.Status != HealthUnknown || out.Server.Port != config.DefaultPort {
		t.Fatalf("unexpected health details %+v", out)
	}
	if env.models.calls.Load() != 0 {
		t.Fatal("health must not list models")
	}
	if !out.Upstream.ModelsCachedAt.IsZero() {
		t.Fatalf("no listing cached yet, got %v", out.Upstream.ModelsCachedAt)
	}
}

func TestHealthReportsCachedModels(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, nil)
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.models.cachedAt = fetched

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Upstream.ModelsCachedAt.Equal(fetched) || out.Upstream.ModelCount != 3 {
		t.Fatalf("unexpected upstream block %+v", out.Upstream)
	}
	if env.models.calls.Load() != 0 {
		t.Fatal("health must not list models")
	}
}

func TestRemoteRequestWithoutKeyRejected(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, func(c *config.ServerConfig) {
		c.ListenAddr = "0.0.0.0:24680"
		c.APIKey = "s3cret"
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	r.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "authentication_error") {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "192.0.2.10:40000"
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", w.Code)
	}
}

func TestDrainingRejectsNewProxyRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.srv.draining.Store(true)
	resp := env.post(t, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}
}

func TestListenFallsBackWhenPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	ln, err := Listen(taken.Addr().String())
	if err != nil {
		t.Fatalf("fallback listen: %v", err)
	}
	defer ln.Close()
	if ln.Addr().String() == taken.Addr().String() {
		t.Fatal("expected a different port")
	}
}

func TestServeWritesAndRemovesRegistration(t *testing.T) {
	copilot := newCopilotFake(t, func(w http.ResponseWriter, r *http.Request) {})
	cfg := *config.NewDefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	regPath := filepath.Join(t.TempDir(), "server.json")
	srv, err := NewServer(Deps{
		Config:           cfg,
		Tokens:           &fakeTokens{base: copilot.URL},
		Models:           &fakeModels{},
		Upstream:         provider.NewClient(llmclient.NewSession(cfg.Upstream), time.Second),
		RegistrationPath: regPath,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := Listen(cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	port := ln.Addr().(*net.TCPAddr).Port
	deadline := time.Now().Add(2 * time.Second)
	for {
		reg, err := ReadRegistration(regPath)
		if err == nil {
			if reg.Port != port || reg.Host != "127.0.0.1" || reg.PID == 0 {
				t.Fatalf("unexpected registration %+v", reg)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration not written: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	if _, err := ReadRegistration(regPath); err == nil {
		t.Fatal("registration must be removed on shutdown")
	}
}
