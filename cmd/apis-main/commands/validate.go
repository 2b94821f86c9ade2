package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyphae/apis-main/pkg/config"
	"github.com/hyphae/apis-main/pkg/hwconfig"
	"github.com/hyphae/apis-main/pkg/opmode"
)

// ValidationReport is the result of the validate command.
type ValidationReport struct {
	UnitID           string   `json:"unitId"`
	HwConfigFile     string   `json:"hwConfigFile"`
	RefreshingPeriod string   `json:"refreshingPeriod"`
	PolicyFile       string   `json:"policyFile"`
	PolicyMode       string   `json:"policyOperationMode,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the unit config and the documents it names",
		Long: `Validate the unit configuration file, then load the hardware config and
policy documents it references.

This command checks:
  - unit config syntax and required fields
  - hardware config document parses (comments allowed)
  - policy document parses (comments allowed)
  - the policy's declared operation mode is a legal global mode

An illegal policy mode is only a warning: a running unit falls back to 'stop'.`,
		Example: `  apis-main validate --config /etc/apis/E001.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			report, err := validateDocuments(cmd, cfg)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "unit %s: configuration is valid\n", report.UnitID)
			fmt.Fprintf(out, "  hardware config: %s (refresh every %s)\n", report.HwConfigFile, report.RefreshingPeriod)
			fmt.Fprintf(out, "  policy:          %s\n", report.PolicyFile)
			for _, w := range report.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
			return nil
		},
	}

	return cmd
}

func validateDocuments(cmd *cobra.Command, cfg *config.UnitConfig) (*ValidationReport, error) {
	report := &ValidationReport{
		UnitID:       cfg.Unit.ID,
		HwConfigFile: cfg.HwConfigFile,
		PolicyFile:   cfg.PolicyFile,
	}

	doc, err := hwconfig.FileSource{Path: cfg.HwConfigFile}.Load(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("hardware config: %w", err)
	}
	period := hwconfig.DefaultRefreshingPeriod
	if p, ok := doc.RefreshingPeriod(); ok {
		period = p
	}
	report.RefreshingPeriod = period.String()
	if _, ok := doc.BatteryNominalCapacityWh(); !ok {
		report.Warnings = append(report.Warnings, "hardware config has no batteryNominalCapacityWh")
	}

	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	policy, err := config.ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	switch raw := policy["operationMode"].(type) {
	case nil:
		report.Warnings = append(report.Warnings, "policy declares no operationMode, units fall back to 'stop'")
	case string:
		report.PolicyMode = raw
		if _, ok := opmode.ParseGlobalMode(raw); !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("policy operationMode '%s' not supported, units fall back to 'stop'", raw))
		}
	default:
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("policy operationMode %v is not a string, units fall back to 'stop'", raw))
	}

	for _, w := range report.Warnings {
		log.Warn().Str("unit", cfg.Unit.ID).Msg(w)
	}
	return report, nil
}
