package cmd

import (
	"os"
	"testing"

	"github.com/migtd/policy-tools/measure"
)

func makeTempFile(tb testing.TB, content []byte) string {
	tb.Helper()
	file, err := os.CreateTemp(tb.TempDir(), "migtd_policy_test_*")
	if err != nil {
		tb.Fatal(err)
	}
	defer file.Close()
	if content != nil {
		if _, err := file.Write(content); err != nil {
			tb.Fatal(err)
		}
	}
	return file.Name()
}

// runCmd executes RootCmd with args. Package level flag values survive
// between Execute calls, so the optional ones are reset first.
func runCmd(tb testing.TB, args ...string) error {
	tb.Helper()
	output, input, fmspc = "", "", ""
	certChainPath, policyPath = "", ""
	savePolicyPath, saveChainPath = "", ""
	quiet, checkValidity = false, true
	quoteSource, reportData = "vtpm", nil
	*quoteOpts = *measure.DefaultOptions()
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}
