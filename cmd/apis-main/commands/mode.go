package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyphae/apis-main/pkg/httpapi"
	"github.com/hyphae/apis-main/pkg/opmode"
)

var (
	apiAddr    string
	apiTimeout time.Duration
)

func newModeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Inspect and change operation modes of a running unit",
		Long: `Talk to the HTTP binding of a running unit to read or change the
cluster-wide (global) operation mode and this unit's local override.

Global modes: autonomous, heteronomous, stop, manual
Local modes:  heteronomous, stop

Setting a mode without a value clears it: a cleared global mode follows the
policy, a cleared local mode follows the global one.`,
	}

	cmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "unit HTTP address (default: http.listenAddress from the config)")
	cmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newModeGetCommand())
	cmd.AddCommand(newModeSetCommand())
	cmd.AddCommand(newModeShowCommand())

	return cmd
}

func newModeGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "get <global|local>",
		Short:     "Print the stored global or local mode",
		Example:   `  apis-main mode get global`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"global", "local"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp httpapi.ModeResponse
			if err := client.do(cmd.Context(), http.MethodGet, modePath(args[0]), nil, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Mode == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), *resp.Mode)
			return nil
		},
	}
}

func newModeSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <global|local> [mode]",
		Short: "Set or clear the global or local mode",
		Example: `  # Stop the whole cluster
  apis-main mode set global stop

  # Let this unit follow the global mode again
  apis-main mode set local`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := args[0]
			if scope != "global" && scope != "local" {
				return fmt.Errorf("unknown scope %q, want global or local", scope)
			}
			req := httpapi.ModeRequest{}
			if len(args) == 2 {
				value := args[1]
				if err := checkModeValue(scope, value); err != nil {
					return err
				}
				req.Mode = &value
			}

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp httpapi.SetResponse
			if err := client.do(cmd.Context(), http.MethodPut, modePath(scope), req, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s operation mode updated by unit %s\n", scope, resp.UnitID)
			return nil
		},
	}
}

func newModeShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print global, local and effective modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var modes opmode.Modes
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/operation-modes", nil, &modes); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), modes)
			}
			local := "null"
			if modes.Local != opmode.LocalUnset {
				local = modes.Local.String()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "global:    %s\n", modes.Global)
			fmt.Fprintf(out, "local:     %s\n", local)
			fmt.Fprintf(out, "effective: %s\n", modes.Effective)
			return nil
		},
	}
}

// checkModeValue rejects values the unit would discard, so the operator
// sees the mistake instead of a silently cleared mode.
func checkModeValue(scope, value string) error {
	if scope == "global" {
		if _, ok := opmode.ParseGlobalMode(value); !ok {
			return fmt.Errorf("unsupported global mode %q, want one of %s", value, strings.Join(opmode.GlobalModeNames, ", "))
		}
		return nil
	}
	if _, ok := opmode.ParseLocalMode(value); !ok {
		return fmt.Errorf("unsupported local mode %q, want one of %s", value, strings.Join(opmode.LocalModeNames, ", "))
	}
	return nil
}

func modePath(scope string) string {
	return "/api/v1/operation-mode/" + scope
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	addr := apiAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("no --addr given and config unusable: %w", err)
		}
		if !cfg.HTTP.Enabled {
			return nil, fmt.Errorf("http binding is disabled in %s", configPath)
		}
		addr = cfg.HTTP.ListenAddress
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: apiTimeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr httpapi.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
