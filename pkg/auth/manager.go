package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/llmclient"
	"github.com/Polly2014/CopilotX/pkg/logutil"
)

const (
	refreshKey            = "copilot-token"
	defaultRefreshTimeout = 30 * time.Second
	maxTokenBody          = 64 * 1024
)

var logger = logutil.Prefixed("auth")

type Options struct {
	Store          *config.CredentialStore
	Upstream       config.UpstreamConfig
	HTTPClient     *http.Client
	Margin         time.Duration
	RefreshTimeout time.Duration
	// OnRefresh is called after every exchange attempt with its outcome.
	OnRefresh func(err error)
}

// Manager hands out valid Copilot tokens. At most one exchange is in flight;
// concurrent callers wait for and share its result.
type Manager struct {
	store     *config.CredentialStore
	upstream  config.UpstreamConfig
	session   llmclient.Session
	client    *http.Client
	margin    time.Duration
	timeout   time.Duration
	onRefresh func(error)
	now       func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	githubToken string
	current     AccessToken
	invalid     bool
	refreshes   int
	lastErr     error
	lastRefresh time.Time
}

// NewManager loads the stored credential. A missing credential is not an
// error here; Token reports it on first use.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	m := &Manager{
		store:     opts.Store,
		upstream:  opts.Upstream,
		session:   llmclient.NewSession(opts.Upstream),
		client:    opts.HTTPClient,
		margin:    opts.Margin,
		timeout:   opts.RefreshTimeout,
		onRefresh: opts.OnRefresh,
		now:       time.Now,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: defaultRefreshTimeout}
	}
	if m.margin <= 0 {
		m.margin = 60 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = defaultRefreshTimeout
	}
	if err := m.ReloadCredential(); err != nil && !errors.Is(err, config.ErrNoCredentials) {
		return nil, err
	}
	return m, nil
}

// Token returns a token with more than the refresh margin left, exchanging a
// new one when needed. A caller whose ctx ends stops waiting but the shared
// exchange keeps running for the others.
func (m *Manager) Token(ctx context.Context) (AccessToken, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// Invalidate forces the next Token call to exchange, typically after the
// upstream rejected the current token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.invalid = true
	m.mu.Unlock()
	logger.Debug("copilot token invalidated")
}

func (m *Manager) cached() (AccessToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.invalid || !m.current.Usable(m.now(), m.margin) {
		return AccessToken{}, false
	}
	return m.current, true
}

func (m *Manager) refresh(ctx context.Context) (AccessToken, error) {
	// A caller may have queued behind an exchange that just finished.
	if tok, ok := m.cached(); ok {
		return tok, nil
	}
	m.mu.RLock()
	gh := m.githubToken
	m.mu.RUnlock()
	if gh == "" {
		return AccessToken{}, &apierr.AuthenticationError{Message: "not logged in", Err: config.ErrNoCredentials}
	}

	tok, err := m.exchange(ctx, gh)
	if m.onRefresh != nil {
		m.onRefresh(err)
	}
	m.mu.Lock()
	if err != nil {
		m.lastErr = err
		m.mu.Unlock()
		logger.Warn("copilot token refresh failed", "err", err)
		return AccessToken{}, err
	}
	stale := m.githubToken != gh
	if !stale {
		m.current = tok
		m.invalid = false
		m.refreshes++
		m.lastErr = nil
		m.lastRefresh = tok.IssuedAt
	}
	m.mu.Unlock()
	if stale {
		logger.Debug("credential changed during refresh; result not cached")
		return tok, nil
	}
	logger.Info("copilot token refreshed", "expires_in", tok.ExpiresIn(m.now()).Round(time.Second), "api_base", tok.APIBase)
	m.writeBack(gh, tok)
	return tok, nil
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int64  `json:"refresh_in"`
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

func (m *Manager) exchange(ctx context.Context, githubToken string) (AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.upstream.TokenURL, nil)
	if err != nil {
		return AccessToken{}, refreshError("build request", 0, err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	m.session.Apply(req.Header)

	resp, err := m.client.Do(req)
	if err != nil {
		return AccessToken{}, refreshError("request failed", 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return AccessToken{}, refreshError("read response", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return AccessToken{}, &apierr.AuthenticationError{
			Message: "GitHub token is invalid or expired, run `copilotx auth login` again",
			Err:     &apierr.RefreshFailure{StatusCode: resp.StatusCode, Reason: "github token rejected"},
		}
	case resp.StatusCode == http.StatusForbidden:
		return AccessToken{}, &apierr.AuthenticationError{
			Message: "GitHub Copilot is not enabled for this account",
			Err:     &apierr.RefreshFailure{StatusCode: resp.StatusCode, Reason: "no copilot subscription"},
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return AccessToken{}, refreshError(strings.TrimSpace(string(body)), resp.StatusCode, nil)
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return AccessToken{}, refreshError("decode response", resp.StatusCode, err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return AccessToken{}, refreshError("response has no token", resp.StatusCode, nil)
	}
	now := m.now()
	claims := ParseClaims(out.Token)
	tok := AccessToken{
		Value:     out.Token,
		IssuedAt:  now,
		ExpiresAt: expiryFrom(out.ExpiresAt, claims, now),
		RefreshIn: time.Duration(out.RefreshIn) * time.Second,
		APIBase:   apiBaseFrom(out.Endpoints.API, claims, m.upstream.APIBaseFallback),
		Claims:    claims,
	}
	if !tok.ExpiresAt.After(now) {
		// The local clock is ahead of the token service.
		logger.Warn("copilot token expiry is in the past, using relative lifetime", "expires_at", tok.ExpiresAt, "refresh_in", tok.RefreshIn)
		tok.ExpiresAt = now.Add(defaultLifetime)
		if tok.RefreshIn > 0 {
			tok.ExpiresAt = now.Add(tok.RefreshIn)
		}
	}
	return tok, nil
}

func refreshError(reason string, status int, err error) error {
	return &apierr.AuthenticationError{
		Message: "copilot token refresh failed",
		Err:     &apierr.RefreshFailure{StatusCode: status, Reason: reason, Err: err},
	}
}

// writeBack caches the exchanged token in the credential file so a restart
// can reuse it.
func (m *Manager) writeBack(githubToken string, tok AccessToken) {
	creds, err := m.store.Load()
	if err != nil || creds.GitHubToken != githubToken {
		return
	}
	creds.CopilotToken = tok.Value
	creds.ExpiresAt = tok.ExpiresAt.UTC().Format(time.RFC3339)
	creds.APIBaseURL = tok.APIBase
	if err := m.store.Save(creds); err != nil {
		logger.Warn("write back copilot token", "err", err)
	}
}

// ReloadCredential re-reads the credential file. A changed GitHub token drops
// the current access token; a removed file logs the manager out.
func (m *Manager) ReloadCredential() error {
	creds, err := m.store.Load()
	if errors.Is(err, config.ErrNoCredentials) {
		m.mu.Lock()
		wasLoggedIn := m.githubToken != ""
		m.githubToken = ""
		m.current = AccessToken{}
		m.mu.Unlock()
		if wasLoggedIn {
			logger.Info("credentials removed")
		}
		return err
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if creds.GitHubToken == m.githubToken {
		return nil
	}
	changed := m.githubToken != ""
	m.githubToken = creds.GitHubToken
	m.current = AccessToken{}
	m.invalid = false
	m.lastErr = nil
	if exp, ok := creds.Expiry(); ok && creds.CopilotToken != "" {
		claims := ParseClaims(creds.CopilotToken)
		m.current = AccessToken{
			Value:     creds.CopilotToken,
			ExpiresAt: exp,
			APIBase:   apiBaseFrom(creds.APIBaseURL, claims, m.upstream.APIBaseFallback),
			Claims:    claims,
		}
	}
	if changed {
		logger.Info("credentials changed, token will be refreshed")
	}
	return nil
}

// Status is a point-in-time view of the manager for health reporting.
type Status struct {
	LoggedIn         bool      `json:"logged_in"`
	Valid            bool      `json:"valid"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
	APIBase          string    `json:"api_base,omitempty"`
	SKU              string    `json:"sku,omitempty"`
	RefreshCount     int       `json:"refresh_count"`
	LastRefresh      time.Time `json:"last_refresh,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	st := Status{
		LoggedIn:     m.githubToken != "",
		Valid:        !m.invalid && m.current.Usable(now, 0),
		APIBase:      m.current.APIBase,
		SKU:          m.current.SKU(),
		RefreshCount: m.refreshes,
		LastRefresh:  m.lastRefresh,
	}
	if st.Valid {
		st.ExpiresInSeconds = int64(m.current.ExpiresIn(now) / time.Second)
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// APIBase returns the API base of the current token, or the configured
// fallback when there is none yet.
func (m *Manager) APIBase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.APIBase != "" {
		return m.current.APIBase
	}
	return m.upstream.APIBaseFallback
}
