package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/llmclient"
	"github.com/Polly2014/CopilotX/pkg/metrics"
	"github.com/Polly2014/CopilotX/pkg/provider"
	"github.com/Polly2014/CopilotX/pkg/registry"
)

// loadConfig reads the server config, falling back to defaults when the file
// does not exist yet.
func loadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.NewDefaultServerConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// gateway wires the long-lived components every command that talks to
// Copilot needs.
type gateway struct {
	store  *config.CredentialStore
	tokens *auth.Manager
	client *provider.Client
	models *registry.Registry
}

func newGateway(cfg config.ServerConfig) (*gateway, error) {
	store := config.NewCredentialStore(config.DefaultCredentialsPath())
	tokens, err := auth.NewManager(auth.Options{
		Store:     store,
		Upstream:  cfg.Upstream,
		Margin:    cfg.TokenRefreshMargin(),
		OnRefresh: metrics.ObserveRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	client := provider.NewClient(llmclient.NewSession(cfg.Upstream), cfg.RequestTimeout())
	models := registry.New(tokens, client, registry.Options{
		TTL:       cfg.ModelsCacheTTL(),
		CachePath: config.DefaultModelsCachePath(),
	})
	return &gateway{store: store, tokens: tokens, client: client, models: models}, nil
}
