package policy

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"

	"github.com/migtd/policy-tools/errdefs"
)

// Field names of the canonical payload. Downstream deserializers depend on
// these exact spellings.
const (
	FieldID               = "id"
	FieldVersion          = "version"
	FieldPolicy           = "policy"
	FieldCollaterals      = "collaterals"
	FieldServtdCollateral = "servtdCollateral"
	FieldRootCA           = "rootCa"
	FieldPlatforms        = "platforms"
	FieldFMSPC            = "fmspc"
	FieldTCBMapping       = "tcbMapping"
	FieldTDIdentity       = "tdIdentity"
	FieldTCBInfo          = "tcbInfo"

	// DefaultFieldName is the envelope key carrying the signed payload.
	DefaultFieldName = "policyData"
	// FieldSignature is the envelope key carrying the hex signature.
	FieldSignature = "signature"
)

// Payload is a read-only view of a canonical policy payload.
type Payload struct {
	ID               string            `json:"id,omitempty"`
	Version          string            `json:"version"`
	Policy           json.RawMessage   `json:"policy,omitempty"`
	Collaterals      *Collaterals      `json:"collaterals,omitempty"`
	ServtdCollateral *ServtdCollateral `json:"servtdCollateral,omitempty"`
}

// Collaterals holds the FMSPC-indexed platform collateral of a payload.
type Collaterals struct {
	RootCA    string `json:"rootCa,omitempty"`
	Platforms Object `json:"platforms"`
}

// Platform is the collateral set of one FMSPC.
type Platform struct {
	TCBMapping json.RawMessage `json:"tcbMapping"`
	TDIdentity *TDIdentity     `json:"tdIdentity,omitempty"`
	TCBInfo    json.RawMessage `json:"tcbInfo,omitempty"`
}

// ServtdCollateral is the signed TCB mapping and TD identity of the
// service TD. Both records are opaque to this package.
type ServtdCollateral struct {
	TCBMapping json.RawMessage `json:"tcbMapping"`
	TDIdentity json.RawMessage `json:"tdIdentity"`
}

// ParsePayload decodes a canonical payload into its read-only view.
func ParsePayload(canonical []byte) (*Payload, error) {
	if err := checkDocument(canonical); err != nil {
		return nil, err
	}
	p := &Payload{}
	if err := json.Unmarshal(canonical, p); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "decoding policy payload: %w", err)
	}
	if p.Version == "" {
		return nil, errdefs.Errorf(errdefs.MissingRequiredField, "policy payload has no %s", FieldVersion)
	}
	return p, nil
}

// FMSPCs returns the platform FMSPCs in document order.
func (p *Payload) FMSPCs() []string {
	if p.Collaterals == nil {
		return nil
	}
	return p.Collaterals.Platforms.Keys()
}

// Platform returns the collateral of fmspc. The lookup ignores case.
func (p *Payload) Platform(fmspc string) (*Platform, bool, error) {
	if p.Collaterals == nil {
		return nil, false, nil
	}
	for _, key := range p.Collaterals.Platforms.Keys() {
		if !strings.EqualFold(key, fmspc) {
			continue
		}
		raw, _ := p.Collaterals.Platforms.Get(key)
		plat := &Platform{}
		if err := json.Unmarshal(raw, plat); err != nil {
			return nil, false, errdefs.Errorf(errdefs.MalformedInput, "decoding platform %s: %w", key, err)
		}
		return plat, true, nil
	}
	return nil, false, nil
}

// RootCADER returns the DER encoding of the collateral root CA, or nil when
// the payload carries none.
func (p *Payload) RootCADER() ([]byte, error) {
	if p.Collaterals == nil || p.Collaterals.RootCA == "" {
		return nil, nil
	}
	return pemCertToDER([]byte(p.Collaterals.RootCA))
}

func pemCertToDER(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "root CA is not PEM encoded")
	}
	if block.Type != "CERTIFICATE" {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "root CA PEM block is %q, want CERTIFICATE", block.Type)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "parsing root CA: %w", err)
	}
	return block.Bytes, nil
}
