package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/wizard"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run the server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configServerPath)
			if err != nil {
				return err
			}
			return wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg)
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
