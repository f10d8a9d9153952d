//go:build !windows

package cmd

import (
	"os"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
)

var tpmPath string

func init() {
	RootCmd.PersistentFlags().StringVar(&tpmPath, "tpm-path", "",
		"path to TPM device (defaults to /dev/tpmrm0 then /dev/tpm0)")
}

// On Linux, we have to pass in the TPM path though a flag
func openImpl() (transport.TPMCloser, error) {
	if tpmPath != "" {
		return linuxtpm.Open(tpmPath)
	}
	tpm, err := linuxtpm.Open("/dev/tpmrm0")
	if os.IsNotExist(err) {
		return linuxtpm.Open("/dev/tpm0")
	}
	return tpm, err
}
