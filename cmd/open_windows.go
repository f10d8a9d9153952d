//go:build windows

package cmd

import (
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/windowstpm"
)

func openImpl() (transport.TPMCloser, error) {
	return windowstpm.Open()
}
