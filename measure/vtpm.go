package measure

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/logger"
)

// NV indices of the Azure vTPM TD report interface.
const (
	// HCLReportIndex holds the HCL report, refreshed on each report data write.
	HCLReportIndex uint32 = 0x01400001
	// ReportDataIndex receives the report data bound into the next report.
	ReportDataIndex uint32 = 0x01400002
)

// VTPMSource reads TD reports through the vTPM of an Azure confidential VM.
type VTPMSource struct {
	TPM transport.TPM
}

// TDReport writes reportData to the vTPM and reads back the TD report.
func (s *VTPMSource) TDReport(reportData [64]byte) (*TDReport, error) {
	if err := writeNV(s.TPM, ReportDataIndex, reportData[:]); err != nil {
		return nil, fmt.Errorf("writing report data to NV index %#x: %w", ReportDataIndex, err)
	}
	raw, err := readNV(s.TPM, HCLReportIndex)
	if err != nil {
		return nil, fmt.Errorf("reading HCL report from NV index %#x: %w", HCLReportIndex, err)
	}
	logger.V(1).Infof("read %d byte HCL report", len(raw))
	return parseHCLReport(raw)
}

// writeNV writes data at offset 0 of index, defining the index first if it
// does not exist.
func writeNV(tpm transport.TPM, index uint32, data []byte) error {
	pub := tpm2.TPMSNVPublic{
		NVIndex: tpm2.TPMHandle(index),
		NameAlg: tpm2.TPMAlgSHA256,
		Attributes: tpm2.TPMANV{
			OwnerWrite: true,
			OwnerRead:  true,
			AuthWrite:  true,
			AuthRead:   true,
			NT:         tpm2.TPMNTOrdinary,
			NoDA:       true,
		},
		DataSize: uint16(len(data)),
	}
	_, err := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(pub),
	}.Execute(tpm)
	if err != nil && !errors.Is(err, tpm2.TPMRCNVDefined) {
		return err
	}
	readPub, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(index)}.Execute(tpm)
	if err != nil {
		return err
	}
	_, err = tpm2.NVWrite{
		AuthHandle: tpm2.TPMRHOwner,
		NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(index), Name: readPub.NVName},
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data},
	}.Execute(tpm)
	return err
}

// readNV reads the full contents of index in blocks of the TPM's NV buffer
// size.
func readNV(tpm transport.TPM, index uint32) ([]byte, error) {
	readPub, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(index)}.Execute(tpm)
	if err != nil {
		return nil, err
	}
	pub, err := readPub.NVPublic.Contents()
	if err != nil {
		return nil, err
	}
	blockSize, err := nvBufferMax(tpm)
	if err != nil {
		return nil, err
	}

	size := int(pub.DataSize)
	out := make([]byte, 0, size)
	for len(out) < size {
		n := min(blockSize, size-len(out))
		rsp, err := tpm2.NVRead{
			AuthHandle: tpm2.TPMRHOwner,
			NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(index), Name: readPub.NVName},
			Size:       uint16(n),
			Offset:     uint16(len(out)),
		}.Execute(tpm)
		if err != nil {
			return nil, err
		}
		out = append(out, rsp.Data.Buffer...)
	}
	return out, nil
}

func nvBufferMax(tpm transport.TPM) (int, error) {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTNVBufferMax),
		PropertyCount: 1,
	}.Execute(tpm)
	if err != nil {
		return 0, err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, err
	}
	if len(props.TPMProperty) == 0 || props.TPMProperty[0].Property != tpm2.TPMPTNVBufferMax {
		return 0, fmt.Errorf("TPM did not report TPM_PT_NV_BUFFER_MAX")
	}
	return int(props.TPMProperty[0].Value), nil
}
