package measure

import (
	"bytes"
	"encoding/binary"

	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/policy"
)

// TDReportSize is the size of a TDREPORT_STRUCT.
const TDReportSize = 1024

// Offsets into a TDREPORT_STRUCT.
const (
	reportDataOffset = 128
	tdInfoOffset     = 512

	tdInfoAttributes    = 0
	tdInfoXFAM          = 8
	tdInfoMRTD          = 16
	tdInfoMRConfigID    = 64
	tdInfoMROwner       = 112
	tdInfoMROwnerConfig = 160
	tdInfoRTMRs         = 208
	tdInfoServTDHash    = 400
)

// TDReport holds the TD measurements used in a policy TD identity.
type TDReport struct {
	Attributes    [policy.AttributesSize]byte
	XFAM          [policy.AttributesSize]byte
	MRTD          [policy.MeasurementSize]byte
	MRConfigID    [policy.MeasurementSize]byte
	MROwner       [policy.MeasurementSize]byte
	MROwnerConfig [policy.MeasurementSize]byte
	RTMRs         [4][policy.MeasurementSize]byte
	ServTDHash    [policy.MeasurementSize]byte
	ReportData    [64]byte
}

// ParseTDReport decodes a raw TDREPORT_STRUCT.
func ParseTDReport(b []byte) (*TDReport, error) {
	if len(b) < TDReportSize {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "TD report is %d bytes, want %d", len(b), TDReportSize)
	}
	r := &TDReport{}
	copy(r.ReportData[:], b[reportDataOffset:reportDataOffset+64])
	info := b[tdInfoOffset:TDReportSize]
	copy(r.Attributes[:], info[tdInfoAttributes:])
	copy(r.XFAM[:], info[tdInfoXFAM:])
	copy(r.MRTD[:], info[tdInfoMRTD:])
	copy(r.MRConfigID[:], info[tdInfoMRConfigID:])
	copy(r.MROwner[:], info[tdInfoMROwner:])
	copy(r.MROwnerConfig[:], info[tdInfoMROwnerConfig:])
	for i := range r.RTMRs {
		copy(r.RTMRs[i][:], info[tdInfoRTMRs+i*policy.MeasurementSize:])
	}
	copy(r.ServTDHash[:], info[tdInfoServTDHash:])
	return r, nil
}

// HCL report layout: a 32 byte header, a hardware report area sized for the
// largest supported report, then the request data describing it.
const (
	hclHeaderSize        = 32
	hclHWReportSize      = 1184
	hclRequestDataOffset = hclHeaderSize + hclHWReportSize
	hclRequestDataSize   = 20
	hclSignature         = "HCLA"
	// HCLReportTypeTDX is the request data report type of a TD report.
	HCLReportTypeTDX = 4
)

type hclHeader struct {
	Signature   [4]byte
	Version     uint32
	ReportSize  uint32
	RequestType uint32
	Status      uint32
	Reserved    [3]uint32
}

type hclRequestData struct {
	DataSize         uint32
	Version          uint32
	ReportType       uint32
	ReportDataHash   uint32
	VariableDataSize uint32
}

// parseHCLReport returns the TD report embedded in an HCL attestation
// report read from the vTPM.
func parseHCLReport(b []byte) (*TDReport, error) {
	if len(b) < hclRequestDataOffset+hclRequestDataSize {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "HCL report is %d bytes, want at least %d", len(b), hclRequestDataOffset+hclRequestDataSize)
	}
	var hdr hclHeader
	if _, err := binary.Decode(b, binary.LittleEndian, &hdr); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "decoding HCL header: %w", err)
	}
	if !bytes.Equal(hdr.Signature[:], []byte(hclSignature)) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "HCL report signature is %q, want %q", hdr.Signature[:], hclSignature)
	}
	var req hclRequestData
	if _, err := binary.Decode(b[hclRequestDataOffset:], binary.LittleEndian, &req); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "decoding HCL request data: %w", err)
	}
	if req.ReportType != HCLReportTypeTDX {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "HCL report type is %d, want TDX (%d)", req.ReportType, HCLReportTypeTDX)
	}
	return ParseTDReport(b[hclHeaderSize : hclHeaderSize+TDReportSize])
}
