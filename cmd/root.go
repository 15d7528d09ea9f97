package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Polly2014/CopilotX/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "copilotx",
	Short: "GitHub Copilot as an OpenAI and Anthropic compatible API",
	Long:  "CopilotX exposes a GitHub Copilot subscription through the chat completions, responses and messages APIs.",
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel)
	}
}
