package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/cache"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/proxy"
)

var (
	authConfigPath string
	loginToken     string
)

func init() {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the GitHub login",
	}
	authCmd.PersistentFlags().StringVar(&authConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a GitHub token or the device flow",
		RunE:  runLogin,
	}
	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "", "GitHub token to store (defaults to $GITHUB_TOKEN, then the device flow)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show login, token and server state",
		RunE:  runStatus,
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewCredentialStore(config.DefaultCredentialsPath())
			if err := store.Delete(); err != nil {
				return err
			}
			if err := cache.Remove(config.DefaultModelsCachePath()); err != nil {
				return fmt.Errorf("remove models cache: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}

	authCmd.AddCommand(loginCmd, statusCmd, logoutCmd)
	rootCmd.AddCommand(authCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(authConfigPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	token := strings.TrimSpace(loginToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	if token == "" {
		if token, err = deviceLogin(ctx, cmd, cfg.OAuth); err != nil {
			return err
		}
	}

	store := config.NewCredentialStore(config.DefaultCredentialsPath())
	if err := store.Save(config.Credentials{GitHubToken: token, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}); err != nil {
		return err
	}
	gw, err := newGateway(*cfg)
	if err != nil {
		return err
	}
	tok, err := gw.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("github token saved to %s but the copilot token exchange failed: %w", store.Path(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in. Copilot plan: %s, token valid for %s.\n", orDash(tok.SKU()), tok.ExpiresIn(time.Now()).Round(time.Second))
	return nil
}

func deviceLogin(ctx context.Context, cmd *cobra.Command, oauth config.OAuthConfig) (string, error) {
	flow := auth.NewDeviceFlow(oauth, nil)
	code, err := flow.RequestCode(ctx)
	if err != nil {
		return "", err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open %s and enter the code %s\n", code.VerificationURI, code.UserCode)
	fmt.Fprintln(out, "Waiting for authorization...")
	token, err := flow.Poll(ctx, code)
	if err != nil {
		return "", fmt.Errorf("device login: %w", err)
	}
	return token, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(authConfigPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	gw, err := newGateway(*cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if _, err := gw.tokens.Token(ctx); errors.Is(err, config.ErrNoCredentials) {
		fmt.Fprintln(out, "Not logged in. Run `copilotx auth login`.")
	} else if err != nil {
		fmt.Fprintf(out, "Logged in, but the copilot token exchange failed: %v\n", err)
	} else {
		st := gw.tokens.Status()
		fmt.Fprintln(out, "Logged in.")
		fmt.Fprintf(out, "  plan        %s\n", orDash(st.SKU))
		fmt.Fprintf(out, "  api base    %s\n", st.APIBase)
		fmt.Fprintf(out, "  expires in  %s\n", time.Duration(st.ExpiresInSeconds)*time.Second)
	}
	fmt.Fprintf(out, "  credentials %s\n", gw.store.Path())

	reg, err := proxy.ReadRegistration(config.DefaultRegistrationPath())
	switch {
	case errors.Is(err, cache.ErrNotFound):
		fmt.Fprintln(out, "Server not running.")
	case err != nil:
		return fmt.Errorf("read server registration: %w", err)
	default:
		fmt.Fprintf(out, "Server running at %s:%d (pid %d, %s, up %s)\n", reg.Host, reg.Port, reg.PID, reg.Version, time.Since(reg.StartedAt).Round(time.Second))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
