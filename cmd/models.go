package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Polly2014/CopilotX/pkg/config"
	"github.com/Polly2014/CopilotX/pkg/registry"
)

var modelsConfigPath string

func init() {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the models available to this Copilot account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(modelsConfigPath)
			if err != nil {
				return err
			}
			gw, err := newGateway(*cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout()+30*time.Second)
			defer cancel()
			models, err := gw.models.List(ctx, true)
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), modelsTable(models))
			return nil
		},
	}
	modelsCmd.Flags().StringVar(&modelsConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(modelsCmd)
}

func modelsTable(models []registry.ModelDescriptor) string {
	sorted := append([]registry.ModelDescriptor(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "VENDOR", "VISION", "TOOLS")
	for _, m := range sorted {
		if !m.Selectable() {
			continue
		}
		t.Row(m.ID, m.Name, registry.OwnedBy(m), yesNo(m.Vision()), yesNo(m.Capabilities.Supports.ToolCalls))
	}
	return t.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
