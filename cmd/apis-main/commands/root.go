package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hyphae/apis-main/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "apis-main",
		Short: "Unit control plane for an energy-interchange cluster",
		Long: `apis-main runs the control plane of one unit in a peer-to-peer energy
interchange cluster.

It deploys the unit's subsystems in order, keeps the hardware capability
document cached, and reconciles the cluster-wide operation mode with this
unit's local override.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "apis-main.yaml", "unit config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newModeCommand())
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}

func loadConfig() (*config.UnitConfig, error) {
	return config.LoadUnitConfig(configPath)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
