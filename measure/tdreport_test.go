package measure

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/internal/test"
)

// rawTDReport returns a TD report whose TDINFO fields are filled with
// distinct byte values.
func rawTDReport() []byte {
	b := make([]byte, TDReportSize)
	b[reportDataOffset] = 0x42
	info := b[tdInfoOffset:]
	info[tdInfoAttributes] = 0x01
	info[tdInfoXFAM] = 0xE7
	info[tdInfoMRTD] = 0x10
	info[tdInfoMRConfigID] = 0x20
	info[tdInfoMROwner] = 0x30
	info[tdInfoMROwnerConfig] = 0x40
	for i := 0; i < 4; i++ {
		info[tdInfoRTMRs+i*48] = byte(0x50 + i)
	}
	info[tdInfoServTDHash] = 0x60
	return b
}

func TestParseHCLReport(t *testing.T) {
	r, err := parseHCLReport(test.HCLReport(rawTDReport()))
	if err != nil {
		t.Fatalf("parseHCLReport() failed: %v", err)
	}
	checks := []struct {
		name string
		got  byte
		want byte
	}{
		{"reportData", r.ReportData[0], 0x42},
		{"attributes", r.Attributes[0], 0x01},
		{"xfam", r.XFAM[0], 0xE7},
		{"mrtd", r.MRTD[0], 0x10},
		{"mrConfigId", r.MRConfigID[0], 0x20},
		{"mrOwner", r.MROwner[0], 0x30},
		{"mrOwnerConfig", r.MROwnerConfig[0], 0x40},
		{"rtmr0", r.RTMRs[0][0], 0x50},
		{"rtmr3", r.RTMRs[3][0], 0x53},
		{"servtdHash", r.ServTDHash[0], 0x60},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s[0] = %#x, want %#x", c.name, c.got, c.want)
		}
	}
}

func TestParseHCLReportErrors(t *testing.T) {
	good := test.HCLReport(rawTDReport())
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:hclHeaderSize+TDReportSize] }},
		{"signature", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"report type", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[hclRequestDataOffset+8:], 2)
			return b
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.mutate(append([]byte{}, good...))
			if _, err := parseHCLReport(b); !errors.Is(err, errdefs.MalformedInput) {
				t.Errorf("parseHCLReport() = %v, want %v", err, errdefs.MalformedInput)
			}
		})
	}
}
