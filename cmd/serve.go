package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/logutil"
	"github.com/Polly2014/CopilotX/pkg/proxy"
	"github.com/Polly2014/CopilotX/pkg/version"
)

var (
	serveConfigPath string
	serveHost       string
	servePort       int
)

var serveLog = logutil.Prefixed("serve")

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if err := applyListenOverrides(cmd, cfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := newGateway(*cfg)
			if err != nil {
				return err
			}
			go func() {
				if err := gw.tokens.Watch(ctx); err != nil {
					serveLog.Warn("credential watcher stopped", "err", err)
				}
			}()

			srv, err := proxy.NewServer(proxy.Deps{
				Config:           *cfg,
				Tokens:           gw.tokens,
				Models:           gw.models,
				Upstream:         gw.client,
				RegistrationPath: config.DefaultRegistrationPath(),
			})
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			if cfg.TLS.Enabled {
				printBanner(cmd.OutOrStdout(), "https://"+cfg.TLS.Domain, srv.Policy(), gw.tokens.Status())
				return srv.Run(ctx)
			}
			ln, err := proxy.Listen(cfg.ListenAddr)
			if err != nil {
				return err
			}
			printBanner(cmd.OutOrStdout(), "http://"+ln.Addr().String(), srv.Policy(), gw.tokens.Status())
			return srv.Serve(ctx, ln)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override the listen host (0.0.0.0 exposes the gateway on every interface)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the listen port")
	rootCmd.AddCommand(serveCmd)
}

func applyListenOverrides(cmd *cobra.Command, cfg *config.ServerConfig) error {
	if !cmd.Flags().Changed("host") && !cmd.Flags().Changed("port") {
		return nil
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen_addr %q: %w", cfg.ListenAddr, err)
	}
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		if servePort < 0 || servePort > 65535 {
			return fmt.Errorf("invalid port %d", servePort)
		}
		port = strconv.Itoa(servePort)
	}
	cfg.ListenAddr = net.JoinHostPort(host, port)
	return nil
}

var (
	bannerTitle = lipgloss.NewStyle().Bold(true)
	bannerLabel = lipgloss.NewStyle().Faint(true).Width(12)
	bannerWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func printBanner(w io.Writer, baseURL string, policy *proxy.AccessPolicy, st auth.Status) {
	key := "not required"
	if policy.KeyRequired() {
		key = "required for non-local clients"
	}
	login := "ok"
	switch {
	case !st.LoggedIn:
		login = bannerWarn.Render("not logged in, run `copilotx auth login`")
	case st.SKU != "":
		login = "ok (" + st.SKU + ")"
	}
	fmt.Fprintln(w, bannerTitle.Render("CopilotX "+version.String()))
	fmt.Fprintln(w, bannerLabel.Render("Listening")+baseURL)
	fmt.Fprintln(w, bannerLabel.Render("Bind")+policy.BindMode())
	fmt.Fprintln(w, bannerLabel.Render("API key")+key)
	fmt.Fprintln(w, bannerLabel.Render("Login")+login)
	fmt.Fprintln(w, bannerLabel.Render("OpenAI")+baseURL+"/v1")
	fmt.Fprintln(w, bannerLabel.Render("Anthropic")+baseURL)
	if policy.BindMode() == proxy.BindAll && !policy.KeyRequired() {
		fmt.Fprintln(w, bannerWarn.Render("Warning: exposed on all interfaces without an API key"))
	}
	fmt.Fprintln(w)
}
