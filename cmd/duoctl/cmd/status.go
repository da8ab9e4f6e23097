package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDaemonClient(serverURL)

		var resp struct {
			Status        string `json:"status"`
			Version       string `json:"version"`
			UptimeSeconds int64  `json:"uptimeSeconds"`
			Upstream      string `json:"upstream"`
			Locked        int    `json:"lockedPrincipals"`
			CachedEntries int    `json:"cachedVerdicts"`
		}
		if err := client.get(cmd.Context(), "/api/status", &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		upstream := color.GreenString(resp.Upstream)
		if resp.Upstream != "reachable" {
			upstream = color.RedString(resp.Upstream)
		}

		fmt.Printf("Daemon:   %s (%s)\n", resp.Status, resp.Version)
		fmt.Printf("Uptime:   %ds\n", resp.UptimeSeconds)
		fmt.Printf("Upstream: %s\n", upstream)
		fmt.Printf("Locked:   %d principals\n", resp.Locked)
		fmt.Printf("Cached:   %d verdicts\n", resp.CachedEntries)
		return nil
	},
}
