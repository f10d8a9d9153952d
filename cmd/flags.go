package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/migtd/policy-tools/verify"
	"github.com/spf13/cobra"
)

var (
	output        string
	input         string
	certChainPath string
	fmspc         string
	checkValidity bool
)

// Disable the "help" subcommand (and just use the -h/--help flags).
// This should be called on all commands with subcommands.
// See https://github.com/spf13/cobra/issues/587 for why this is needed.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// Lets this command specify an output file, for use with dataOutput().
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&output, "output", "",
		"output file (defaults to stdout)")
}

// Lets this command specify an input file, for use with dataInput().
func addInputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&input, "input", "",
		"input file (defaults to stdin)")
}

// Lets this command specify the PEM policy issuer chain, leaf then root.
func addCertChainFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&certChainPath, "cert-chain", "",
		"PEM file holding the policy signing certificate followed by its root CA")
}

// Lets this command check the verified collateral for an FMSPC.
func addFMSPCFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&fmspc, "fmspc", "",
		"FMSPC (12 hex digits) that must be present in the policy collateral, exit code 2 if absent")
}

// Lets this command turn certificate validity period checks on or off.
func addCheckValidityFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&checkValidity, "check-validity", true,
		"check certificate validity periods against the current time")
}

func verifyOptions() *verify.Options {
	if checkValidity {
		return verify.DefaultOptions()
	}
	return verify.OfflineOptions()
}

// alwaysError implements io.ReadWriter by always returning an error
type alwaysError struct {
	error
}

func (ae alwaysError) Write([]byte) (int, error) {
	return 0, ae.error
}

func (ae alwaysError) Read(_ []byte) (n int, err error) {
	return 0, ae.error
}

// Handle to output data file. If there is an issue opening the file, the Writer
// returned will return the error upon any call to Write()
func dataOutput() io.Writer {
	if output == "" {
		return os.Stdout
	}

	file, err := os.Create(output)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

// Handle to input data file. If there is an issue opening the file, the Reader
// returned will return the error upon any call to Read()
func dataInput() io.Reader {
	if input == "" {
		return os.Stdin
	}

	file, err := os.Open(input)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

// readFlagFile reads the file named by a required path flag.
func readFlagFile(flag, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("--%s is required", flag)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading --%s: %w", flag, err)
	}
	return b, nil
}

// writeOutput writes data to the --output file or stdout.
func writeOutput(data []byte) error {
	w := dataOutput()
	if c, ok := w.(io.Closer); ok && w != os.Stdout {
		defer c.Close()
	}
	_, err := w.Write(data)
	return err
}
