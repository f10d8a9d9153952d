package measure

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/migtd/policy-tools/internal/test"
)

func TestVTPMSource(t *testing.T) {
	sim := test.GetSimulator(t)
	defer sim.Close()
	tpm := transport.FromReadWriter(sim)
	test.DefineNV(t, tpm, HCLReportIndex, test.HCLReport(rawTDReport()))

	src := &VTPMSource{TPM: tpm}
	var reportData [64]byte
	reportData[0] = 0x99
	for i := 0; i < 2; i++ {
		r, err := src.TDReport(reportData)
		if err != nil {
			t.Fatalf("TDReport() call %d failed: %v", i+1, err)
		}
		if r.MRTD[0] != 0x10 || r.ServTDHash[0] != 0x60 {
			t.Errorf("TDReport() = MRTD %x..., ServTDHash %x..., want 10..., 60...", r.MRTD[:2], r.ServTDHash[:2])
		}
	}

	written, err := readNV(tpm, ReportDataIndex)
	if err != nil {
		t.Fatalf("readNV(%#x) failed: %v", ReportDataIndex, err)
	}
	if !bytes.Equal(written, reportData[:]) {
		t.Errorf("report data index holds %x, want %x", written, reportData)
	}
}

func TestVTPMSourceMissingReport(t *testing.T) {
	sim := test.GetSimulator(t)
	defer sim.Close()
	src := &VTPMSource{TPM: transport.FromReadWriter(sim)}

	opts := fastOptions()
	if _, err := Extract(context.Background(), src, opts); err == nil {
		t.Error("Extract() without an HCL report index succeeded, want error")
	}
}

func TestReadNVChunks(t *testing.T) {
	sim := test.GetSimulator(t)
	defer sim.Close()
	tpm := transport.FromReadWriter(sim)

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}
	const index = 0x01500010
	test.DefineNV(t, tpm, index, data)
	got, err := readNV(tpm, index)
	if err != nil {
		t.Fatalf("readNV() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("readNV() returned %d bytes differing from the %d written", len(got), len(data))
	}
}
