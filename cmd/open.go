package cmd

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2/transport"
)

// ExternalTPM can be set to run tests against an TPM initialized by an
// external package (like the simulator). Setting this value will make all
// commands run against it, and will prevent the cmd package from closing the
// TPM. Setting this value and closing the TPM must be managed by the external
// package.
var ExternalTPM io.ReadWriter

// extTPMWrapper wraps the ExternalTPM so that Close is a no-op.
type extTPMWrapper struct {
	transport.TPM
}

// Close is no-op for extTPMWrapper to prevent it closing the underlying simulator.
func (et extTPMWrapper) Close() error {
	return nil
}

func openTpm() (transport.TPMCloser, error) {
	if ExternalTPM != nil {
		return extTPMWrapper{transport.FromReadWriter(ExternalTPM)}, nil
	}
	tpm, err := openImpl()
	if err != nil {
		return nil, fmt.Errorf("connecting to TPM: %w", err)
	}
	return tpm, nil
}
