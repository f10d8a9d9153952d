package policy

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/migtd/policy-tools/errdefs"
)

// Envelope is a signed policy document.
type Envelope struct {
	// FieldName is the key under which Payload is carried.
	FieldName string
	// Payload is the canonical payload the signature covers.
	Payload json.RawMessage
	// Signature is the fixed-width r||s ECDSA signature.
	Signature []byte
}

// Marshal returns the wire form of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	obj := NewObject()
	obj.Set(e.fieldName(), e.Payload)
	if err := obj.SetValue(FieldSignature, hex.EncodeToString(e.Signature)); err != nil {
		return nil, err
	}
	return obj.MarshalJSON()
}

func (e *Envelope) fieldName() string {
	if e.FieldName == "" {
		return DefaultFieldName
	}
	return e.FieldName
}

// Sign canonicalizes payload and signs it with the PKCS#8 ECDSA key in
// keyData. An empty fieldName selects DefaultFieldName.
func Sign(payload, keyData []byte, fieldName string) (*Envelope, error) {
	if fieldName == "" {
		fieldName = DefaultFieldName
	}
	if fieldName == FieldSignature {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "field name %q is reserved", FieldSignature)
	}
	canonical, err := canonicalObject(payload)
	if err != nil {
		return nil, err
	}
	env := &Envelope{FieldName: fieldName, Payload: canonical}
	err = WithSigningKey(keyData, func(key *SigningKey) error {
		sig, err := key.Sign(canonical)
		if err != nil {
			return err
		}
		env.Signature = sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ParseEnvelope checks the structure of a signed document and splits it into
// payload and signature. It does not check the signature.
func ParseEnvelope(doc []byte, fieldName string) (*Envelope, error) {
	if fieldName == "" {
		fieldName = DefaultFieldName
	}
	obj, err := ParseObject(doc)
	if err != nil {
		if errors.Is(err, errdefs.MalformedInput) {
			return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "%w", err)
		}
		return nil, err
	}
	payload, ok := obj.Get(fieldName)
	if !ok {
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "missing %q", fieldName)
	}
	if !isObject(payload) {
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "%q is not a JSON object", fieldName)
	}
	rawSig, ok := obj.Get(FieldSignature)
	if !ok {
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "missing %q", FieldSignature)
	}
	if obj.Len() != 2 {
		var extra []string
		for _, k := range obj.Keys() {
			if k != fieldName && k != FieldSignature {
				extra = append(extra, k)
			}
		}
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "unexpected top-level keys %q", extra)
	}
	var sigHex string
	if err := json.Unmarshal(rawSig, &sigHex); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "%q is not a string", FieldSignature)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) == 0 {
		return nil, errdefs.Errorf(errdefs.MalformedEnvelope, "%q is not a hex string", FieldSignature)
	}
	return &Envelope{FieldName: fieldName, Payload: payload, Signature: sig}, nil
}

// VerifyStructure checks the structure of a signed document and returns the
// canonical bytes of its payload.
func VerifyStructure(doc []byte, fieldName string) ([]byte, error) {
	env, err := ParseEnvelope(doc, fieldName)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// VerifySignature checks sig over payload with pub. The digest algorithm is
// the one bound to the curve of pub.
func VerifySignature(payload, sig []byte, pub crypto.PublicKey) error {
	curve, err := RequireSupported(pub)
	if err != nil {
		return err
	}
	r, s, err := curve.decodeSignature(sig)
	if err != nil {
		return err
	}
	if !ecdsa.Verify(pub.(*ecdsa.PublicKey), curve.digest(payload), r, s) {
		return errdefs.Errorf(errdefs.SignatureInvalid, "%v signature does not match payload", curve)
	}
	return nil
}

// Verify checks the envelope signature with pub.
func (e *Envelope) Verify(pub crypto.PublicKey) error {
	return VerifySignature(e.Payload, e.Signature, pub)
}

// Equal reports whether two envelopes carry the same payload and signature.
func (e *Envelope) Equal(other *Envelope) bool {
	return e.fieldName() == other.fieldName() &&
		bytes.Equal(e.Payload, other.Payload) &&
		bytes.Equal(e.Signature, other.Signature)
}
