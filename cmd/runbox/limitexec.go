package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// limitExecCmd is the limit shim the sandbox re-executes this binary as.
var limitExecCmd = &cobra.Command{
	Use:                sandbox.LimitExecCommand + " --cpu N --cpu-hard N --mem BYTES -- command [args...]",
	Short:              "Apply resource limits and exec a command",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.LimitExecMain(args))
	},
}

func init() {
	rootCmd.AddCommand(limitExecCmd)
}
