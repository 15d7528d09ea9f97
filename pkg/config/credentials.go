package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrNoCredentials = errors.New("not logged in: run `copilotx auth login`")

// Credentials is the persisted login record. The GitHub token is the
// long-lived identity; the Copilot token fields cache the last exchange.
type Credentials struct {
	GitHubToken  string `toml:"github_token"`
	CopilotToken string `toml:"copilot_token,omitempty"`
	ExpiresAt    string `toml:"expires_at,omitempty"`
	APIBaseURL   string `toml:"api_base_url,omitempty"`
	UpdatedAt    string `toml:"updated_at,omitempty"`
}

func (c Credentials) Expiry() (time.Time, bool) {
	if strings.TrimSpace(c.ExpiresAt) == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// CredentialStore reads and writes the credential file. The directory is kept
// at 0700 and the file at 0600.
type CredentialStore struct {
	mu   sync.Mutex
	path string
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

func (s *CredentialStore) Path() string { return s.path }

func (s *CredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := toml.Unmarshal(b, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	c.GitHubToken = strings.TrimSpace(c.GitHubToken)
	if c.GitHubToken == "" {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

func (s *CredentialStore) Save(c Credentials) error {
	if strings.TrimSpace(c.GitHubToken) == "" {
		return errors.New("github token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("chmod credentials dir: %w", err)
	}
	if err := Save(s.path, &c); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Delete removes the credential file. Deleting a missing file is not an error.
func (s *CredentialStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
