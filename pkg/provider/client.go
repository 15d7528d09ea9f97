// Package provider is the HTTP client for the Copilot API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/llmclient"
)

const (
	ModelsPath          = "/models"
	ChatCompletionsPath = "/chat/completions"
	ResponsesPath       = "/responses"

	maxErrorBody = 64 * 1024
)

type ModelLimits struct {
	MaxContextWindowTokens int `json:"max_context_window_tokens,omitempty"`
	MaxOutputTokens        int `json:"max_output_tokens,omitempty"`
	MaxPromptTokens        int `json:"max_prompt_tokens,omitempty"`
}

type ModelSupports struct {
	Vision            bool `json:"vision,omitempty"`
	ToolCalls         bool `json:"tool_calls,omitempty"`
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
	Streaming         bool `json:"streaming,omitempty"`
}

type ModelCapabilities struct {
	Family   string        `json:"family,omitempty"`
	Type     string        `json:"type,omitempty"`
	Limits   ModelLimits   `json:"limits"`
	Supports ModelSupports `json:"supports"`
}

// ModelCard is one entry of the Copilot models listing.
type ModelCard struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name,omitempty"`
	Vendor             string            `json:"vendor,omitempty"`
	Version            string            `json:"version,omitempty"`
	Object             string            `json:"object,omitempty"`
	Preview            bool              `json:"preview,omitempty"`
	PickerEnabled      *bool             `json:"model_picker_enabled,omitempty"`
	Capabilities       ModelCapabilities `json:"capabilities"`
	SupportedEndpoints []string          `json:"supported_endpoints,omitempty"`
}

func (m ModelCard) Vision() bool { return m.Capabilities.Supports.Vision }

// Selectable reports whether the model is offered in the model picker. An
// absent flag counts as enabled.
func (m ModelCard) Selectable() bool { return m.PickerEnabled == nil || *m.PickerEnabled }

type modelListResponse struct {
	Data   []ModelCard `json:"data"`
	Models []ModelCard `json:"models"`
}

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("copilot %s status %d: %s", e.Endpoint, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Unwrap exposes the parsed upstream error for apierr.Classify.
func (e *HTTPError) Unwrap() error { return apierr.ParseUpstream(e.StatusCode, e.Body) }

func IsAuthError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// Target is where and as whom a request is sent.
type Target struct {
	BaseURL string
	Token   string
}

// CallOptions carry the per-request Copilot hints.
type CallOptions struct {
	Vision bool
	Agent  bool
}

type Client struct {
	session llmclient.Session
	client  *http.Client
	stream  *http.Client
}

// NewClient builds a client whose buffered calls are bounded by
// requestTimeout. Streaming calls have no overall deadline; only the wait for
// response headers is bounded.
func NewClient(session llmclient.Session, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
	}
	rt := session.WrapRoundTripper(transport)
	return &Client{
		session: session,
		client:  &http.Client{Timeout: requestTimeout, Transport: rt},
		stream:  &http.Client{Transport: rt},
	}
}

func (c *Client) ListModels(ctx context.Context, t Target) ([]ModelCard, error) {
	req, err := c.newRequest(ctx, http.MethodGet, t, ModelsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, ModelsPath); err != nil {
		return nil, err
	}
	var out modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	all := out.Data
	if len(all) == 0 {
		all = out.Models
	}
	cards := make([]ModelCard, 0, len(all))
	for _, m := range all {
		if strings.TrimSpace(m.ID) == "" || !m.Selectable() {
			continue
		}
		if m.Object == "" {
			m.Object = "model"
		}
		cards = append(cards, m)
	}
	return cards, nil
}

// Post sends a buffered request and returns the response body.
func (c *Client) Post(ctx context.Context, t Target, endpoint string, body []byte, opts CallOptions) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, t, endpoint, body)
	if err != nil {
		return nil, err
	}
	applyCallOptions(req.Header, opts)
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, endpoint); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Stream sends a streaming request. On success the caller owns resp.Body.
func (c *Client) Stream(ctx context.Context, t Target, endpoint string, body []byte, opts CallOptions) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, t, endpoint, body)
	if err != nil {
		return nil, err
	}
	applyCallOptions(req.Header, opts)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, endpoint); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method string, t Target, endpoint string, body []byte) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(t.BaseURL, "/"))
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("invalid copilot api base %q", t.BaseURL)
	}
	u.Path = JoinPath(u.Path, endpoint)
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	return req, nil
}

func applyCallOptions(h http.Header, opts CallOptions) {
	if opts.Agent {
		h.Set("X-Initiator", "agent")
	} else {
		h.Set("X-Initiator", "user")
	}
	if opts.Vision {
		h.Set("copilot-vision-request", "true")
	}
}

func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: b}
}

// JoinPath appends endpoint to a base path without doubling slashes.
func JoinPath(basePath, endpoint string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	return path.Join(base, path.Clean("/"+strings.TrimSpace(endpoint)))
}
