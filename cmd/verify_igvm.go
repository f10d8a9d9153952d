package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/migtd/policy-tools/cfv"
	"github.com/migtd/policy-tools/verify"
	"github.com/spf13/cobra"
)

var (
	igvmPath        string
	imageLayoutPath string
	metadataPath    string
	savePolicyPath  string
	saveChainPath   string
)

var verifyIGVMCmd = &cobra.Command{
	Use:   "verify-igvm",
	Short: "Verify the policy embedded in an IGVM image",
	Long: `Verify the policy embedded in an IGVM image

Locates the configuration firmware volume (CFV) in the page data of the IGVM
image in --igvm, using the CFV size from --image-layout and the CFV runtime
address from --metadata. The policy and its issuer chain are read from the
CFV and verified. The FMSPCs found in the policy collateral are listed; with
--fmspc, a missing FMSPC exits with code 2.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := progressOutput()
		fmt.Fprintf(out, "1. Loading build configuration\n   image layout: %s\n   metadata: %s\n", imageLayoutPath, metadataPath)
		layout, err := readFlagFile("image-layout", imageLayoutPath)
		if err != nil {
			return err
		}
		meta, err := readFlagFile("metadata", metadataPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "2. Reading IGVM file: %s\n", igvmPath)
		image, err := readFlagFile("igvm", igvmPath)
		if err != nil {
			return err
		}

		p := verify.NewPipeline(image, layout, meta, verifyOptions())
		p.OnTransition = func(s verify.State) { reportState(out, s) }
		res, err := p.Run()
		if err != nil {
			fmt.Fprintf(out, "   FAILED: %v\n", err)
			return err
		}
		if err := saveBlob(out, "policy", savePolicyPath, res.Policy); err != nil {
			return err
		}
		if err := saveBlob(out, "issuer chain", saveChainPath, res.Chain); err != nil {
			return err
		}

		v := res.Verified
		fmt.Fprintf(out, "   policy version: %s\n", v.Policy.Version)
		if v.CollateralRootCA != nil {
			fmt.Fprintf(out, "   collateral root CA converted to DER (%d bytes)\n", len(v.CollateralRootCA))
		}
		fmt.Fprintln(out, "7. FMSPCs in policy collateral:")
		fmspcs := res.FMSPCs()
		if len(fmspcs) == 0 {
			fmt.Fprintln(out, "   none")
		}
		for _, f := range fmspcs {
			fmt.Fprintf(out, "   - %s\n", f)
		}
		if fmspc != "" {
			fmt.Fprintf(out, "8. Checking collateral for FMSPC %s\n", fmspc)
		}
		if err := checkFMSPC(out, res); err != nil {
			return err
		}
		fmt.Fprintln(out, "IGVM image carries a valid signed policy.")
		return nil
	},
}

func reportState(out io.Writer, s verify.State) {
	switch s {
	case verify.CfvExtracted:
		fmt.Fprintln(out, "3. Configuration firmware volume extracted")
	case verify.PolicyBlobFound:
		fmt.Fprintf(out, "4. Policy found in CFV (GUID %s)\n", cfv.PolicyFileGUID)
	case verify.ChainBlobFound:
		fmt.Fprintf(out, "5. Issuer chain found in CFV (GUID %s)\n", cfv.PolicyIssuerChainFileGUID)
	case verify.StructureParsed:
		fmt.Fprintln(out, "6. Policy and issuer chain parsed")
	case verify.SignatureVerified:
		fmt.Fprintln(out, "   policy signature verified with issuer chain")
	}
}

func saveBlob(out io.Writer, what, path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("saving %s: %w", what, err)
	}
	fmt.Fprintf(out, "   %s saved to %s\n", what, path)
	return nil
}

func init() {
	RootCmd.AddCommand(verifyIGVMCmd)
	verifyIGVMCmd.Flags().StringVar(&igvmPath, "igvm", "", "IGVM image file")
	verifyIGVMCmd.Flags().StringVar(&imageLayoutPath, "image-layout", "config/image_layout.json", "image layout JSON holding the CFV size")
	verifyIGVMCmd.Flags().StringVar(&metadataPath, "metadata", "config/metadata.json", "metadata JSON holding the CFV runtime address")
	verifyIGVMCmd.Flags().StringVar(&savePolicyPath, "save-policy", "", "write the extracted policy to this file")
	verifyIGVMCmd.Flags().StringVar(&saveChainPath, "save-chain", "", "write the extracted issuer chain to this file")
	addFMSPCFlag(verifyIGVMCmd)
	addCheckValidityFlag(verifyIGVMCmd)
}
