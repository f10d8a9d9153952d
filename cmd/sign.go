package cmd

import (
	"fmt"
	"io"

	"github.com/migtd/policy-tools/policy"
	"github.com/spf13/cobra"
)

var (
	keyPath   string
	fieldName string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a policy payload",
	Long: `Sign a policy payload

Canonicalizes the payload read from --input (or stdin) and signs it with the
PKCS#8 P-384 private key in --key. The signed document carries the payload
under --field and the hex encoded signature under "signature". The key is
erased from memory once the signature is made.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := io.ReadAll(dataInput())
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		key, err := readFlagFile("key", keyPath)
		if err != nil {
			return err
		}
		env, err := policy.Sign(payload, key, fieldName)
		clear(key)
		if err != nil {
			return err
		}
		doc, err := env.Marshal()
		if err != nil {
			return err
		}
		return writeOutput(doc)
	},
}

func init() {
	RootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&keyPath, "key", "", "PEM PKCS#8 ECDSA P-384 private key")
	signCmd.Flags().StringVar(&fieldName, "field", policy.DefaultFieldName, "envelope field carrying the payload")
	addInputFlag(signCmd)
	addOutputFlag(signCmd)
}
