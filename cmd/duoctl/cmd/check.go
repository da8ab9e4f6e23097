package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TroyNeubauer/duo-enforcer/pkg/clierror"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify upstream credentials and connectivity",
	Long: `Probe the authentication provider with the configured credentials.

Examples:
  duoctl check --config /etc/duo-enforcer/config.yaml
  DUO_IKEY=... DUO_SKEY=... DUO_API_HOST=... duoctl check`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := duoapi.NewClient(duoapi.Credentials{
			IntegrationKey: cfg.Upstream.IntegrationKey,
			SecretKey:      cfg.Upstream.SecretKey,
			APIHost:        cfg.Upstream.APIHost,
		}, duoapi.WithSkewWindow(cfg.Upstream.SkewWindow))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if _, err := client.Ping(ctx); err != nil {
			fmt.Printf("Reachability: %s (%v)\n", color.RedString("FAIL"), err)
			return clierror.UpstreamFailed(cfg.Upstream.APIHost)
		}
		fmt.Printf("Reachability: %s\n", color.GreenString("OK"))

		if _, err := client.Check(ctx); err != nil {
			fmt.Printf("Credentials:  %s (%v)\n", color.RedString("FAIL"), err)
			return clierror.UpstreamFailed(cfg.Upstream.APIHost)
		}
		fmt.Printf("Credentials:  %s\n", color.GreenString("OK"))
		fmt.Printf("Host:         %s\n", cfg.Upstream.APIHost)
		return nil
	},
}
