// Package cmd contains a CLI to merge, sign and verify MigTD policies.
package cmd

import (
	"errors"
	"io"
	"os"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/verify"
	"github.com/spf13/cobra"
)

var (
	quiet   bool
	verbose bool
)

// RootCmd is the entrypoint for migtd-policy.
var RootCmd = &cobra.Command{
	Use: "migtd-policy",
	Long: `Command line tool for MigTD migration policies

Merges platform collateral into a policy template, signs the result with a
P-384 key and verifies signed policies, either as files or embedded in the
configuration firmware volume of an IGVM image.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if verbose {
			logger.Init("migtd-policy", false, false, os.Stderr)
			logger.SetLevel(1)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false,
		"print only the requested output")
	RootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false,
		"log extra detail to stderr")
	hideHelp(RootCmd)
}

// Exit codes.
const (
	ExitOK = iota
	ExitFailure
	// ExitFMSPCAbsent reports a verified policy lacking the requested FMSPC.
	ExitFMSPCAbsent
)

// ExitCode maps the error returned by RootCmd.Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, verify.ErrFMSPCAbsent):
		return ExitFMSPCAbsent
	default:
		return ExitFailure
	}
}

// Progress messages go to stdout unless --quiet is set.
func progressOutput() io.Writer {
	if quiet {
		return io.Discard
	}
	return os.Stdout
}
