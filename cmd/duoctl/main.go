// duoctl is the operator CLI for the second-factor enforcement daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/TroyNeubauer/duo-enforcer/cmd/duoctl/cmd"
	"github.com/TroyNeubauer/duo-enforcer/pkg/clierror"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var cliErr *clierror.CLIError
		if errors.As(err, &cliErr) {
			clierror.PrintError(cliErr, cmd.OutputFormat())
			os.Exit(cliErr.ExitCode)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(clierror.ExitGeneral)
	}
}
