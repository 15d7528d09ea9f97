package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/canonical"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/metrics"
	"github.com/Polly2014/CopilotX/pkg/provider"
	"github.com/Polly2014/CopilotX/pkg/registry"
	"github.com/Polly2014/CopilotX/pkg/stream"
	"github.com/Polly2014/CopilotX/pkg/translate"
	"github.com/Polly2014/CopilotX/pkg/version"
)

const maxRequestBody = 32 << 20

const (
	routeChat      = "/v1/chat/completions"
	routeMessages  = "/v1/messages"
	routeResponses = "/v1/responses"
)

func (s *Server) modeFor(route string) string {
	switch route {
	case routeChat:
		return config.ResponsesModePassthrough
	case routeMessages:
		return config.ResponsesModeTranslate
	case routeResponses:
		return s.cfg.ResponsesMode
	}
	return ""
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "copilotx",
		"version": version.String(),
		"endpoints": []string{
			"GET /health",
			"GET /v1/models",
			"POST " + routeChat,
			"POST " + routeMessages,
			"POST " + routeResponses,
		},
	})
}

type healthResponse struct {
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	BindMode       string         `json:"bind_mode"`
	APIKeyRequired bool           `json:"api_key_required"`
	ResponsesMode  string         `json:"responses_mode"`
	Token          auth.Status    `json:"token"`
	Upstream       UpstreamHealth `json:"upstream"`
	Server         Registration   `json:"server"`
}

// handleHealth never touches the upstream; it reports cached state only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tok := s.deps.Tokens.Status()
	resp := healthResponse{
		Status:         "ok",
		Version:        version.String(),
		BindMode:       s.policy.BindMode(),
		APIKeyRequired: s.policy.KeyRequired(),
		ResponsesMode:  s.cfg.ResponsesMode,
		Token:          tok,
		Upstream:       s.health.Snapshot(),
	}
	if models, at, ok := s.deps.Models.Cached(); ok {
		resp.Upstream.ModelsCachedAt = at
		if resp.Upstream.ModelCount == 0 {
			resp.Upstream.ModelCount = len(models)
		}
	}
	if !tok.LoggedIn {
		resp.Status = "unauthenticated"
	}
	if reg := s.registration.Load(); reg != nil {
		resp.Server = *reg
	} else {
		host, port, _ := net.SplitHostPort(s.cfg.ListenAddr)
		p, _ := strconv.Atoi(port)
		resp.Server = Registration{Host: host, Port: p, PID: os.Getpid(), Version: version.String()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Models.List(r.Context(), false)
	if err != nil {
		s.upstreamFailed(provider.ModelsPath, time.Now(), err)
		writeError(w, protocolOpenAI, err)
		return
	}
	created := time.Now().Unix()
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		if !m.Selectable() {
			continue
		}
		out.Data = append(out.Data, modelEntry{ID: m.ID, Object: "model", Created: created, OwnedBy: registry.OwnedBy(m)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatCompletions forwards the client body as is, apart from the model
// name, and relays the upstream stream untouched.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, protocolOpenAI)
	if !ok {
		return
	}
	info, err := translate.InspectChatBody(body)
	if err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}
	if strings.TrimSpace(info.Model) == "" {
		writeError(w, protocolOpenAI, apierr.Invalid("model is required"))
		return
	}
	if resolved := s.models.Resolve(info.Model); resolved != info.Model {
		if body, err = sjson.SetBytes(body, "model", resolved); err != nil {
			writeError(w, protocolOpenAI, &apierr.InvalidRequestError{Message: "rewrite model", Err: err})
			return
		}
		info.Model = resolved
	}
	if err := s.checkPassthroughVision(r.Context(), info); err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}

	opts := provider.CallOptions{Vision: info.Vision, Agent: info.Agent}
	if info.Stream {
		s.relay(w, r, protocolOpenAI, provider.ChatCompletionsPath, body, opts, stream.NewChatPassthrough(), routeChat, info.Model)
		return
	}
	out, ok := s.post(w, r, protocolOpenAI, provider.ChatCompletionsPath, body, opts)
	if !ok {
		return
	}
	var usage struct {
		Usage openai.Usage `json:"usage"`
	}
	if json.Unmarshal(out, &usage) == nil {
		metrics.ObserveUsage(info.Model, usage.Usage.PromptTokens, usage.Usage.CompletionTokens)
	}
	writeRaw(w, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, protocolAnthropic)
	if !ok {
		return
	}
	req, err := translate.MessagesToCanonical(body)
	if err != nil {
		writeError(w, protocolAnthropic, err)
		return
	}
	clientModel := req.Model
	payload, opts, err := s.upstreamPayload(r.Context(), req)
	if err != nil {
		writeError(w, protocolAnthropic, err)
		return
	}
	if req.Stream {
		enc := stream.NewMessagesEncoder(clientModel)
		s.relay(w, r, protocolAnthropic, provider.ChatCompletionsPath, payload, opts, stream.NewTranslated(enc), routeMessages, req.Model)
		return
	}
	resp, ok := s.postTranslated(w, r, protocolAnthropic, payload, opts, req.Model)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, translate.MessagesFromCanonical(resp, clientModel))
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, protocolOpenAI)
	if !ok {
		return
	}
	if s.cfg.ResponsesMode == config.ResponsesModePassthrough {
		s.responsesPassthrough(w, r, body)
		return
	}
	req, err := translate.ResponsesToCanonical(body)
	if err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}
	clientModel, tools := req.Model, req.Tools
	payload, opts, err := s.upstreamPayload(r.Context(), req)
	if err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}
	if req.Stream {
		enc := stream.NewResponsesEncoder(clientModel, tools)
		s.relay(w, r, protocolOpenAI, provider.ChatCompletionsPath, payload, opts, stream.NewTranslated(enc), routeResponses, req.Model)
		return
	}
	resp, ok := s.postTranslated(w, r, protocolOpenAI, payload, opts, req.Model)
	if !ok {
		return
	}
	resp.Model = clientModel
	writeJSON(w, http.StatusOK, translate.ResponsesFromCanonical(resp, tools))
}

func (s *Server) responsesPassthrough(w http.ResponseWriter, r *http.Request, body []byte) {
	out, info, err := translate.PrepareResponsesPassthrough(body, s.models)
	if err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}
	if err := s.checkPassthroughVision(r.Context(), info); err != nil {
		writeError(w, protocolOpenAI, err)
		return
	}
	opts := provider.CallOptions{Vision: info.Vision, Agent: info.Agent}
	if info.Stream {
		s.relay(w, r, protocolOpenAI, provider.ResponsesPath, out, opts, stream.NewResponsesPassthrough(), routeResponses, info.Model)
		return
	}
	raw, ok := s.post(w, r, protocolOpenAI, provider.ResponsesPath, out, opts)
	if !ok {
		return
	}
	writeRaw(w, raw)
}

// upstreamPayload resolves the model, checks images against it and renders
// the upstream chat-completions body.
func (s *Server) upstreamPayload(ctx context.Context, req *canonical.Request) ([]byte, provider.CallOptions, error) {
	req.Model = s.models.Resolve(req.Model)
	hasImages := req.HasImages()
	up, err := translate.UpstreamRequest(req, s.capabilities(ctx, req.Model, hasImages))
	if err != nil {
		return nil, provider.CallOptions{}, err
	}
	payload, err := json.Marshal(up)
	if err != nil {
		return nil, provider.CallOptions{}, fmt.Errorf("encode upstream request: %w", err)
	}
	return payload, provider.CallOptions{Vision: hasImages, Agent: req.AgentInitiated()}, nil
}

// capabilities only consults the registry when images are present. A failed
// lookup lets the upstream decide; a model missing from a good listing is
// treated as text-only.
func (s *Server) capabilities(ctx context.Context, model string, needVision bool) translate.Capabilities {
	caps := translate.Capabilities{Model: model}
	if !needVision {
		return caps
	}
	m, ok, err := s.deps.Models.Lookup(ctx, model)
	if err != nil {
		logger.Warn("model lookup failed, forwarding images unchecked", "model", model, "err", err)
		caps.Vision = true
		return caps
	}
	caps.Vision = ok && m.Vision()
	return caps
}

func (s *Server) checkPassthroughVision(ctx context.Context, info translate.PassthroughInfo) error {
	if !info.Vision || s.capabilities(ctx, info.Model, true).Vision {
		return nil
	}
	return &apierr.UnsupportedContentError{Model: info.Model, Turn: info.ImageTurn, Part: info.ImagePart, PartType: "image"}
}

func (s *Server) target(ctx context.Context) (provider.Target, error) {
	tok, err := s.deps.Tokens.Token(ctx)
	if err != nil {
		return provider.Target{}, err
	}
	return provider.Target{BaseURL: tok.APIBase, Token: tok.Value}, nil
}

// post makes a buffered upstream call. On failure the error has already been
// written to w.
func (s *Server) post(w http.ResponseWriter, r *http.Request, proto protocol, endpoint string, body []byte, opts provider.CallOptions) ([]byte, bool) {
	started := time.Now()
	tgt, err := s.target(r.Context())
	if err != nil {
		s.upstreamFailed(endpoint, started, err)
		writeError(w, proto, err)
		return nil, false
	}
	out, err := s.deps.Upstream.Post(r.Context(), tgt, endpoint, body, opts)
	if err != nil {
		s.upstreamFailed(endpoint, started, err)
		writeError(w, proto, err)
		return nil, false
	}
	s.health.RecordProxyResult(time.Since(started), http.StatusOK, nil)
	return out, true
}

func (s *Server) postTranslated(w http.ResponseWriter, r *http.Request, proto protocol, payload []byte, opts provider.CallOptions, model string) (canonical.Response, bool) {
	out, ok := s.post(w, r, proto, provider.ChatCompletionsPath, payload, opts)
	if !ok {
		return canonical.Response{}, false
	}
	var cr openai.ChatCompletionResponse
	if err := json.Unmarshal(out, &cr); err != nil {
		writeError(w, proto, &apierr.UpstreamError{StatusCode: http.StatusBadGateway, Message: "decode upstream response: " + err.Error()})
		return canonical.Response{}, false
	}
	resp := translate.UpstreamResponseToCanonical(&cr)
	metrics.ObserveUsage(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, true
}

// relay opens an upstream stream and pumps it through t to the client. Errors
// before the first byte are rendered as ordinary error responses; after that
// the transducer owns the client stream.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, proto protocol, endpoint string, body []byte, opts provider.CallOptions, t stream.Transducer, route, model string) {
	started := time.Now()
	tgt, err := s.target(r.Context())
	if err != nil {
		s.upstreamFailed(endpoint, started, err)
		writeError(w, proto, err)
		return
	}
	resp, err := s.deps.Upstream.Stream(r.Context(), tgt, endpoint, body, opts)
	if err != nil {
		s.upstreamFailed(endpoint, started, err)
		writeError(w, proto, err)
		return
	}
	defer resp.Body.Close()
	s.health.RecordProxyResult(time.Since(started), resp.StatusCode, nil)

	stream.PrepareHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	err = stream.Pump(r.Context(), resp.Body, t, stream.NewWriter(w), s.cfg.StreamIdleTimeout())
	var interrupted *apierr.StreamInterruptedError
	switch {
	case errors.As(err, &interrupted):
		reason := "closed"
		if interrupted.Reason == apierr.ReasonIdleTimeout {
			reason = "idle_timeout"
		}
		metrics.StreamInterruptions.WithLabelValues(route, reason).Inc()
		logger.Warn("upstream stream interrupted", "route", route, "model", model, "err", err)
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away mid-stream", "route", route)
	case err != nil:
		logger.Warn("stream relay failed", "route", route, "err", err)
	}

	switch t := t.(type) {
	case *stream.Translated:
		u := t.Response().Usage
		metrics.ObserveUsage(model, u.InputTokens, u.OutputTokens)
	case *stream.ChatPassthrough:
		in, out := t.Usage()
		metrics.ObserveUsage(model, in, out)
	}
}

// upstreamFailed records a failed call. A 401 means the Copilot token went
// bad before its expiry, so the next request exchanges a new one.
func (s *Server) upstreamFailed(endpoint string, started time.Time, err error) {
	status := 0
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.StatusCode
		metrics.UpstreamErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		if status == http.StatusUnauthorized {
			s.deps.Tokens.Invalidate()
		}
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.health.RecordProxyResult(time.Since(started), status, err)
	logger.Warn("upstream call failed", "endpoint", endpoint, "status", status, "err", err)
}

func readBody(w http.ResponseWriter, r *http.Request, proto protocol) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, proto, apierr.Invalid("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, proto, &apierr.InvalidRequestError{Message: "read request body", Err: err})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
