package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TroyNeubauer/duo-enforcer/pkg/timeutil"
)

func init() {
	lockoutCmd.AddCommand(lockoutListCmd)
	lockoutCmd.AddCommand(lockoutClearCmd)
	rootCmd.AddCommand(lockoutCmd)
}

var lockoutCmd = &cobra.Command{
	Use:   "lockout",
	Short: "Inspect and clear principal lockouts",
}

type lockoutEntry struct {
	Principal   string `json:"principal"`
	Locked      bool   `json:"locked"`
	Failures    int    `json:"failures,omitempty"`
	LockedUntil string `json:"lockedUntil,omitempty"`
}

var lockoutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently locked principals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDaemonClient(serverURL)

		var entries []lockoutEntry
		if err := client.get(cmd.Context(), "/api/v1/lockout", &entries); err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(entries)
		}

		if len(entries) == 0 {
			fmt.Println("No principals are locked out.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PRINCIPAL\tFAILURES\tLOCKED UNTIL")
		for _, e := range entries {
			until := e.LockedUntil
			if ts, err := time.Parse(time.RFC3339, e.LockedUntil); err == nil {
				until = fmt.Sprintf("%s (%s)", e.LockedUntil, timeutil.Relative(ts))
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", e.Principal, e.Failures, until)
		}
		return w.Flush()
	},
}

var lockoutClearCmd = &cobra.Command{
	Use:   "clear <principal>",
	Short: "Clear a principal's lockout",
	Long: `Clear a principal's lockout and failure count in the running daemon.

Examples:
  duoctl lockout clear bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDaemonClient(serverURL)

		var resp lockoutEntry
		body := map[string]string{"principal": args[0]}
		if err := client.post(cmd.Context(), "/api/v1/lockout/clear", body, &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}
		fmt.Printf("%s %s\n", color.GreenString("Cleared"), args[0])
		return nil
	},
}
