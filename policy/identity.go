package policy

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/migtd/policy-tools/errdefs"
)

// Sizes of TD measurement fields, in bytes.
const (
	MeasurementSize = 48
	AttributesSize  = 8
	FMSPCSize       = 6
)

// TDIdentity is the identity of a trust domain as recorded in collateral.
// All measurement fields are upper-case hex strings.
type TDIdentity struct {
	MRTD          string `json:"mrtd"`
	RTMR0         string `json:"rtmr0"`
	RTMR1         string `json:"rtmr1"`
	RTMR2         string `json:"rtmr2"`
	RTMR3         string `json:"rtmr3"`
	XFAM          string `json:"xfam"`
	Attributes    string `json:"attributes"`
	MRConfigID    string `json:"mrConfigId"`
	MROwner       string `json:"mrOwner"`
	MROwnerConfig string `json:"mrOwnerConfig"`
	MRSigner      string `json:"mrsigner"`
	ServTDHash    string `json:"servtdHash"`
	ISVProdID     uint16 `json:"isvProdId"`
	ISVSVN        uint16 `json:"isvsvn"`
}

// Validate checks the length of every non-empty hex field.
func (id *TDIdentity) Validate() error {
	fields := []struct {
		name  string
		value string
		size  int
	}{
		{"mrtd", id.MRTD, MeasurementSize},
		{"rtmr0", id.RTMR0, MeasurementSize},
		{"rtmr1", id.RTMR1, MeasurementSize},
		{"rtmr2", id.RTMR2, MeasurementSize},
		{"rtmr3", id.RTMR3, MeasurementSize},
		{"xfam", id.XFAM, AttributesSize},
		{"attributes", id.Attributes, AttributesSize},
		{"mrConfigId", id.MRConfigID, MeasurementSize},
		{"mrOwner", id.MROwner, MeasurementSize},
		{"mrOwnerConfig", id.MROwnerConfig, MeasurementSize},
		{"mrsigner", id.MRSigner, MeasurementSize},
		{"servtdHash", id.ServTDHash, MeasurementSize},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := checkHex(f.value, f.size); err != nil {
			return errdefs.Errorf(errdefs.MalformedInput, "tdIdentity.%s: %w", f.name, err)
		}
	}
	return nil
}

// HexField encodes b the way collateral documents spell measurements.
func HexField(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// NormalizeFMSPC checks that s spells a 6-byte FMSPC and returns it in
// upper case.
func NormalizeFMSPC(s string) (string, error) {
	if err := checkHex(s, FMSPCSize); err != nil {
		return "", errdefs.Errorf(errdefs.MalformedInput, "FMSPC %q: %w", s, err)
	}
	return strings.ToUpper(s), nil
}

func checkHex(s string, size int) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != size {
		return fmt.Errorf("got %d bytes, want %d", len(b), size)
	}
	return nil
}
