package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	appDirName            = "copilotx"
	defaultConfigFileName = "copilotx.toml"

	DefaultHost = "127.0.0.1"
	DefaultPort = 24680

	ResponsesModeTranslate   = "translate"
	ResponsesModePassthrough = "passthrough"

	APIKeyEnv = "COPILOTX_API_KEY"
)

type UpstreamConfig struct {
	TokenURL        string `toml:"token_url"`
	APIBaseFallback string `toml:"api_base_fallback"`
	EditorVersion   string `toml:"editor_version"`
	PluginVersion   string `toml:"editor_plugin_version"`
	UserAgent       string `toml:"user_agent"`
	IntegrationID   string `toml:"integration_id"`
	APIVersion      string `toml:"api_version"`
}

type OAuthConfig struct {
	ClientID       string `toml:"client_id"`
	Scope          string `toml:"scope"`
	DeviceCodeURL  string `toml:"device_code_url"`
	AccessTokenURL string `toml:"access_token_url"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr                string            `toml:"listen_addr"`
	APIKey                    string            `toml:"api_key,omitempty"`
	LogLevel                  string            `toml:"log_level"`
	RequestTimeoutSeconds     int               `toml:"request_timeout_seconds"`
	StreamIdleTimeoutSeconds  int               `toml:"stream_idle_timeout_seconds"`
	TokenRefreshMarginSeconds int               `toml:"token_refresh_margin_seconds"`
	ModelsCacheTTLSeconds     int               `toml:"models_cache_ttl_seconds"`
	ResponsesMode             string            `toml:"responses_mode"`
	ModelAliases              map[string]string `toml:"model_aliases,omitempty"`
	Upstream                  UpstreamConfig    `toml:"upstream"`
	OAuth                     OAuthConfig       `toml:"oauth"`
	TLS                       TLSConfig         `toml:"tls"`
}

func homeJoin(fallback string, elem ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(append([]string{home}, elem...)...)
}

func DefaultServerConfigPath() string {
	return homeJoin(defaultConfigFileName, ".config", appDirName, defaultConfigFileName)
}

func DefaultCredentialsPath() string {
	return homeJoin("credentials.toml", ".config", appDirName, "credentials.toml")
}

func DefaultModelsCachePath() string {
	return homeJoin("models-cache.json", ".cache", appDirName, "models-cache.json")
}

func DefaultRegistrationPath() string {
	return homeJoin("server.json", ".cache", appDirName, "server.json")
}

func DefaultTLSCacheDir() string {
	return homeJoin("tls-autocert", ".cache", appDirName, "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:                net.JoinHostPort(DefaultHost, strconv.Itoa(DefaultPort)),
		LogLevel:                  "info",
		RequestTimeoutSeconds:     120,
		StreamIdleTimeoutSeconds:  300,
		TokenRefreshMarginSeconds: 60,
		ModelsCacheTTLSeconds:     300,
		ResponsesMode:             ResponsesModeTranslate,
		Upstream: UpstreamConfig{
			TokenURL:        "https://api.github.com/copilot_internal/v2/token",
			APIBaseFallback: "https://api.githubcopilot.com",
			EditorVersion:   "vscode/1.108.0",
			PluginVersion:   "copilot-chat/0.36.1",
			UserAgent:       "GitHubCopilotChat/0.36.1",
			IntegrationID:   "vscode-chat",
			APIVersion:      "2025-10-01",
		},
		OAuth: OAuthConfig{
			ClientID:       "Iv1.b507a08c87ecfe98",
			Scope:          "read:user",
			DeviceCodeURL:  "https://github.com/login/device/code",
			AccessTokenURL: "https://github.com/login/oauth/access_token",
		},
		TLS: TLSConfig{
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes the defaults when path does not exist yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	enc.SetIndentSymbol("  ")
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort(DefaultHost, strconv.Itoa(DefaultPort))
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.StreamIdleTimeoutSeconds <= 0 {
		c.StreamIdleTimeoutSeconds = 300
	}
	if c.TokenRefreshMarginSeconds <= 0 {
		c.TokenRefreshMarginSeconds = 60
	}
	if c.ModelsCacheTTLSeconds <= 0 {
		c.ModelsCacheTTLSeconds = 300
	}
	c.ResponsesMode = strings.ToLower(strings.TrimSpace(c.ResponsesMode))
	if c.ResponsesMode == "" {
		c.ResponsesMode = ResponsesModeTranslate
	}
	aliases := make(map[string]string, len(c.ModelAliases))
	for from, to := range c.ModelAliases {
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from != "" && to != "" {
			aliases[from] = to
		}
	}
	c.ModelAliases = aliases
	c.Upstream.TokenURL = strings.TrimSpace(c.Upstream.TokenURL)
	c.Upstream.APIBaseFallback = strings.TrimRight(strings.TrimSpace(c.Upstream.APIBaseFallback), "/")
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.ResponsesMode != ResponsesModeTranslate && c.ResponsesMode != ResponsesModePassthrough {
		return fmt.Errorf("responses_mode must be %q or %q, got %q", ResponsesModeTranslate, ResponsesModePassthrough, c.ResponsesMode)
	}
	if c.StreamIdleTimeoutSeconds < c.RequestTimeoutSeconds {
		return fmt.Errorf("stream_idle_timeout_seconds (%d) must not be shorter than request_timeout_seconds (%d)", c.StreamIdleTimeoutSeconds, c.RequestTimeoutSeconds)
	}
	for name, raw := range map[string]string{
		"upstream.token_url":         c.Upstream.TokenURL,
		"upstream.api_base_fallback": c.Upstream.APIBaseFallback,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

// EffectiveAPIKey returns the gateway secret, preferring the environment.
func (c ServerConfig) EffectiveAPIKey() string {
	if v := strings.TrimSpace(os.Getenv(APIKeyEnv)); v != "" {
		return v
	}
	return c.APIKey
}

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c ServerConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

func (c ServerConfig) TokenRefreshMargin() time.Duration {
	return time.Duration(c.TokenRefreshMarginSeconds) * time.Second
}

func (c ServerConfig) ModelsCacheTTL() time.Duration {
	return time.Duration(c.ModelsCacheTTLSeconds) * time.Second
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string { return s.path }

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update applies mutator to a copy, then normalizes, validates and persists it
// before swapping it in.
func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cfg.clone()
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func (c *ServerConfig) clone() ServerConfig {
	cp := *c
	if c.ModelAliases != nil {
		cp.ModelAliases = make(map[string]string, len(c.ModelAliases))
		for k, v := range c.ModelAliases {
			cp.ModelAliases[k] = v
		}
	}
	return cp
}
