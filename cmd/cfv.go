package cmd

import (
	"fmt"
	"strconv"

	"github.com/migtd/policy-tools/cfv"
	"github.com/spf13/cobra"
)

var cfvSize string

var cfvCmd = &cobra.Command{
	Use:   "cfv",
	Short: "Work with configuration firmware volumes",
	Args:  cobra.NoArgs,
}

var cfvBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a CFV holding a signed policy and its issuer chain",
	Long: `Build a CFV holding a signed policy and its issuer chain

Writes a firmware volume of --size bytes with the signed policy (--policy)
and the PEM issuer chain (--cert-chain) stored as raw files under the GUIDs
MigTD reads them from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.ParseUint(cfvSize, 0, 64)
		if err != nil {
			return fmt.Errorf("parsing --size: %w", err)
		}
		doc, err := readFlagFile("policy", policyPath)
		if err != nil {
			return err
		}
		chain, err := readFlagFile("cert-chain", certChainPath)
		if err != nil {
			return err
		}
		vol, err := cfv.Build(size, []cfv.File{
			{Name: cfv.PolicyFileGUID, Data: doc},
			{Name: cfv.PolicyIssuerChainFileGUID, Data: chain},
		})
		if err != nil {
			return err
		}
		return writeOutput(vol)
	},
}

func init() {
	RootCmd.AddCommand(cfvCmd)
	cfvCmd.AddCommand(cfvBuildCmd)
	hideHelp(cfvCmd)
	cfvBuildCmd.Flags().StringVar(&policyPath, "policy", "", "signed policy JSON file")
	cfvBuildCmd.Flags().StringVar(&cfvSize, "size", "0x40000", "volume size in bytes, a multiple of 4 KiB")
	addCertChainFlag(cfvBuildCmd)
	addOutputFlag(cfvBuildCmd)
}
