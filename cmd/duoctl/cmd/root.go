// Package cmd implements the duoctl CLI commands.
package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/TroyNeubauer/duo-enforcer/internal/policy"
	"github.com/TroyNeubauer/duo-enforcer/internal/version"
	"github.com/TroyNeubauer/duo-enforcer/pkg/clierror"
)

var (
	// Global flags
	configPath   string
	serverURL    string
	outputFormat string

	// Loaded by PersistentPreRunE for commands that need it, and by
	// evaluate --direct on demand.
	cfg *policy.Config
)

// configFreeCommands run without a validated config file: they either talk
// only to the running daemon or need nothing at all. evaluate is listed
// because its default path goes through the daemon; the --direct path loads
// the config itself.
var configFreeCommands = map[string]bool{
	"help":       true,
	"completion": true,
	"version":    true,
	"evaluate":   true,
	"list":       true,
	"clear":      true,
	"status":     true,
}

var rootCmd = &cobra.Command{
	Use:   "duoctl",
	Short: "Operator CLI for the second-factor enforcement daemon",
	Long: `duoctl manages and queries the duo-enforcerd daemon.

It can probe upstream connectivity, request one-shot enforcement
decisions, and inspect or clear principal lockouts.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFreeCommands[cmd.Name()] {
			return nil
		}

		var err error
		cfg, err = policy.Load(configPath)
		if err != nil {
			return clierror.ConfigInvalid(err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// OutputFormat reports the selected output format for error rendering in
// main.
func OutputFormat() string {
	return outputFormat
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:4550", "Base URL of the running daemon")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text|json)")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
