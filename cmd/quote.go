package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-configfs-tsm/configfs/configfsi"
	"github.com/google/go-configfs-tsm/configfs/linuxtsm"
	"github.com/migtd/policy-tools/measure"
	"github.com/spf13/cobra"
)

var (
	quoteSource string
	reportData  []byte
	quoteOpts   = measure.DefaultOptions()
	// ConfigfsClient can be set to serve configfs-tsm requests in tests.
	ConfigfsClient configfsi.Client
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Read TD measurements",
	Args:  cobra.NoArgs,
}

var quoteExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the TD identity of the running MigTD",
	Long: `Extract the TD identity of the running MigTD

Reads a TD report from the Azure vTPM (--source=vtpm) or a TDX quote through
configfs-tsm (--source=configfs) and writes the TD identity it describes as
policy collateral JSON. The request is attempted --attempts times, --delay
apart, before failing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(reportData) > measure.ReportDataSize {
			return fmt.Errorf("--report-data is %d bytes, at most %d allowed", len(reportData), measure.ReportDataSize)
		}
		opts := *quoteOpts
		copy(opts.ReportData[:], reportData)

		var src measure.Source
		switch quoteSource {
		case "vtpm":
			tpm, err := openTpm()
			if err != nil {
				return err
			}
			defer tpm.Close()
			src = &measure.VTPMSource{TPM: tpm}
		case "configfs":
			client := ConfigfsClient
			if client == nil {
				var err error
				if client, err = linuxtsm.MakeClient(); err != nil {
					return fmt.Errorf("failed to create linuxtsm configfs client: %w", err)
				}
			}
			src = &measure.ConfigfsSource{Client: client}
		default:
			return fmt.Errorf("unknown --source %q, want vtpm or configfs", quoteSource)
		}

		id, err := measure.Extract(context.Background(), src, &opts)
		if err != nil {
			return err
		}
		if err := id.Validate(); err != nil {
			return err
		}
		out, err := json.MarshalIndent(id, "", "  ")
		if err != nil {
			return err
		}
		return writeOutput(append(out, '\n'))
	},
}

func init() {
	RootCmd.AddCommand(quoteCmd)
	quoteCmd.AddCommand(quoteExtractCmd)
	hideHelp(quoteCmd)
	f := quoteExtractCmd.Flags()
	f.StringVar(&quoteSource, "source", "vtpm", "report source: vtpm or configfs")
	f.BytesHexVar(&reportData, "report-data", nil, "hex encoded report data, up to 48 bytes, zero padded")
	f.StringVar(&quoteOpts.MRSigner, "mrsigner", quoteOpts.MRSigner, "hex MRSIGNER recorded in the identity")
	f.Uint16Var(&quoteOpts.ISVSVN, "isvsvn", quoteOpts.ISVSVN, "ISV SVN recorded in the identity")
	f.Uint16Var(&quoteOpts.ISVProdID, "isvprodid", quoteOpts.ISVProdID, "ISV product ID recorded in the identity")
	f.BoolVar(&quoteOpts.ZeroRTMRs, "zero-rtmrs", quoteOpts.ZeroRTMRs, "record all RTMRs as zero, as Azure CVM reports them")
	f.Uint64Var(&quoteOpts.Attempts, "attempts", quoteOpts.Attempts, "number of report requests before failing")
	f.DurationVar(&quoteOpts.Delay, "delay", 5*time.Second, "wait between report requests")
	addOutputFlag(quoteExtractCmd)
}
