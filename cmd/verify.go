package cmd

import (
	"fmt"
	"io"

	"github.com/migtd/policy-tools/verify"
	"github.com/spf13/cobra"
)

var policyPath string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a signed policy against its issuer chain",
	Long: `Verify a signed policy against its issuer chain

Checks the signed policy in --policy with the leaf certificate of the chain in
--cert-chain, and that the leaf was issued by the chain root. With --fmspc, the
verified collateral must also contain that FMSPC; if it does not, the command
exits with code 2.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readFlagFile("policy", policyPath)
		if err != nil {
			return err
		}
		chain, err := readFlagFile("cert-chain", certChainPath)
		if err != nil {
			return err
		}
		res, err := verify.NewFilePipeline(doc, chain, verifyOptions()).Run()
		if err != nil {
			return err
		}
		out := progressOutput()
		fmt.Fprintln(out, "Policy signature and issuer chain verified successfully.")
		return checkFMSPC(out, res)
	},
}

// checkFMSPC reports whether the --fmspc value is present in the verified
// collateral.
func checkFMSPC(out io.Writer, res *verify.Result) error {
	if fmspc == "" {
		return nil
	}
	if err := res.CheckFMSPC(fmspc); err != nil {
		fmt.Fprintf(out, "Collateral does NOT contain FMSPC: %s\n", fmspc)
		return err
	}
	fmt.Fprintf(out, "Collateral contains FMSPC: %s\n", fmspc)
	return nil
}

func init() {
	RootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&policyPath, "policy", "", "signed policy JSON file")
	addCertChainFlag(verifyCmd)
	addFMSPCFlag(verifyCmd)
	addCheckValidityFlag(verifyCmd)
}
