package cmd

import (
	"github.com/migtd/policy-tools/policy"
	"github.com/spf13/cobra"
)

var (
	templatePath         string
	collateralsPath      string
	servtdCollateralPath string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge collateral into a policy template",
	Long: `Merge collateral into a policy template

Combines the policy template (--template), the platform collateral
(--collaterals) and the ServTD collateral (--servtd-collateral) into the
canonical unsigned policy payload. Collateral is indexed by FMSPC; an FMSPC
given twice with different collateral is an error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		template, err := readFlagFile("template", templatePath)
		if err != nil {
			return err
		}
		collaterals, err := readFlagFile("collaterals", collateralsPath)
		if err != nil {
			return err
		}
		servtd, err := readFlagFile("servtd-collateral", servtdCollateralPath)
		if err != nil {
			return err
		}
		payload, err := policy.Merge(template, collaterals, servtd)
		if err != nil {
			return err
		}
		return writeOutput(payload)
	},
}

func init() {
	RootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&templatePath, "template", "", "policy template JSON file")
	mergeCmd.Flags().StringVar(&collateralsPath, "collaterals", "", "platform collateral JSON file")
	mergeCmd.Flags().StringVar(&servtdCollateralPath, "servtd-collateral", "", "ServTD collateral JSON file")
	addOutputFlag(mergeCmd)
}
