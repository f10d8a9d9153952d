package test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

const maxNVBuffer = 1024

// GetSimulator returns a simulated TPM. The test fails if the simulator is
// not closed by the end of the test.
func GetSimulator(tb testing.TB) *simulator.Simulator {
	tb.Helper()
	sim, err := simulator.Get()
	if err != nil {
		tb.Fatalf("Simulator initialization failed: %v", err)
	}
	// Make sure that whatever happens, we close the simulator
	tb.Cleanup(func() {
		if !sim.IsClosed() {
			tb.Error("simulator was not properly closed")
			if err := sim.Close(); err != nil {
				tb.Errorf("when closing simulator: %v", err)
			}
		}
	})
	return sim
}

// DefineNV defines an owner-authorized NV index holding data.
func DefineNV(tb testing.TB, tpm transport.TPM, index uint32, data []byte) {
	tb.Helper()
	def := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: tpm2.TPMHandle(index),
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				OwnerRead:  true,
				OwnerWrite: true,
				AuthRead:   true,
				AuthWrite:  true,
				NoDA:       true,
				NT:         tpm2.TPMNTOrdinary,
			},
			DataSize: uint16(len(data)),
		}),
	}
	if _, err := def.Execute(tpm); err != nil {
		tb.Fatalf("NV_DefineSpace(%#x): %v", index, err)
	}
	pub, err := def.PublicInfo.Contents()
	if err != nil {
		tb.Fatalf("NV public contents: %v", err)
	}
	name, err := tpm2.NVName(pub)
	if err != nil {
		tb.Fatalf("NV name: %v", err)
	}
	for offset := 0; offset < len(data); offset += maxNVBuffer {
		end := min(offset+maxNVBuffer, len(data))
		write := tpm2.NVWrite{
			AuthHandle: tpm2.TPMRHOwner,
			NVIndex:    tpm2.NamedHandle{Handle: pub.NVIndex, Name: *name},
			Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data[offset:end]},
			Offset:     uint16(offset),
		}
		if _, err := write.Execute(tpm); err != nil {
			tb.Fatalf("NV_Write(%#x, offset=%d): %v", index, offset, err)
		}
	}
}

// HCLReport wraps a 1024 byte TD report in the HCL attestation report layout
// the Azure vTPM exposes: a 32 byte "HCLA" header, a 1184 byte hardware
// report area and the request data naming the report type (4, TDX).
func HCLReport(tdReport []byte) []byte {
	const (
		headerSize = 32
		hwSize     = 1184
		reqSize    = 20
	)
	b := make([]byte, headerSize+hwSize+reqSize)
	copy(b, "HCLA")
	binary.LittleEndian.PutUint32(b[4:], 2)
	binary.LittleEndian.PutUint32(b[8:], hwSize)
	copy(b[headerSize:], tdReport)
	req := b[headerSize+hwSize:]
	binary.LittleEndian.PutUint32(req[0:], reqSize)
	binary.LittleEndian.PutUint32(req[4:], 1)
	binary.LittleEndian.PutUint32(req[8:], 4)
	return b
}

// TDReport returns a 1024 byte TD report whose TDINFO MRTD is filled with
// mrtd and whose RTMR0 starts with 0x50.
func TDReport(mrtd byte) []byte {
	b := make([]byte, 1024)
	info := b[512:]
	for i := 16; i < 64; i++ {
		info[i] = mrtd
	}
	info[208] = 0x50
	return b
}
