package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyphae/apis-main/pkg/unit"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the unit",
		Long: `Start every subsystem of the unit in order and keep running until
interrupted.

Startup order:
  1. cluster-store  shared key/value store holding the global mode
  2. hwconfig       periodic hardware capability reload
  3. policy         cluster policy document
  4. opmode         global and local operation mode services
  5. httpapi        HTTP binding (when enabled)

If any step fails the remaining steps are not started and the command exits
non-zero, so that a process manager can restart the unit.`,
		Example: `  # Run with the default config file
  apis-main run

  # Run with a specific config
  apis-main run --config /etc/apis/E001.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("config", configPath).
				Str("unit", cfg.Unit.ID).
				Msg("Starting unit")

			u, err := unit.New(cfg)
			if err != nil {
				return err
			}
			return u.Run(cmd.Context())
		},
	}

	return cmd
}
