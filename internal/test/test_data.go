package test

import "strings"

// Sample FMSPC values.
const (
	FMSPC      = "50806F000000"
	OtherFMSPC = "00806F050000"
)

var (
	zeroMeasurement = strings.Repeat("00", 48)
	mrtd            = strings.Repeat("A5", 48)
)

// RawPolicy is a policy template with an unrelated snake_case key and a
// schema key that needs renaming.
var RawPolicy = []byte(`{
  "id": "0f4a9b8e-63c9-4f44-b0c4-6b1d7cb0d1e5",
  "version": "2.0",
  "policy": [
    {
      "migtd": {
        "td_identity": {"mrtd": {"operation": "equal", "reference": "self"}},
        "tcb_status": {"operation": "allow", "reference": ["UpToDate"]}
      }
    }
  ]
}`)

// Collaterals is a platform collateral document with one FMSPC.
var Collaterals = []byte(`{
  "platforms": [
    {
      "fmspc": "50806f000000",
      "tcbMapping": {"evaluationDataNumber": 17, "tcbLevels": [{"tcb": {"isvsvn": 2}, "tcbStatus": "UpToDate"}]},
      "tdIdentity": {
        "mrtd": "` + mrtd + `",
        "rtmr0": "` + zeroMeasurement + `",
        "rtmr1": "` + zeroMeasurement + `",
        "rtmr2": "` + zeroMeasurement + `",
        "rtmr3": "` + zeroMeasurement + `",
        "xfam": "E71A060000000000",
        "attributes": "0000001000000000",
        "isvProdId": 0,
        "isvsvn": 1
      }
    }
  ]
}`)

// ServtdCollateral is a ServTD collateral record.
var ServtdCollateral = []byte(`{
  "tcbMapping": {"id": "tcb-mapping", "svnMappings": [{"tdMeasurements": {"rtmr1": "` + zeroMeasurement + `"}, "isvsvn": 1}]},
  "tdIdentity": {"id": "servtd", "version": 1, "tdAttributes": "0000000000000000"}
}`)

// TCBInfo returns an Intel TDX TCB info document issued for fmspc.
func TCBInfo(fmspc string) string {
	return `{"tcbInfo":{"id":"TDX","version":3,"fmspc":"` + fmspc + `"},"signature":"00"}`
}
