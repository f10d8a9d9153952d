// Package errdefs defines the failure kinds shared by the policy merge,
// signing, chain verification and firmware volume extraction packages.
//
// Every failure returned by those packages wraps exactly one Kind, so callers
// can classify it with errors.Is or KindOf:
//
//	if errors.Is(err, errdefs.SignatureInvalid) { ... }
package errdefs

import (
	"errors"
	"fmt"
)

// Kind is a failure class. A Kind is itself an error so it can be wrapped
// with fmt.Errorf("...: %w", kind) and matched with errors.Is.
type Kind int

// Failure kinds. The zero value is not a valid kind.
const (
	_ Kind = iota
	// MalformedInput reports unparseable JSON, PEM or binary structure.
	MalformedInput
	// MalformedEnvelope reports a signed document lacking its structural parts.
	MalformedEnvelope
	// UnsupportedKeyAlgorithm reports a key that is not ECDSA on a supported curve.
	UnsupportedKeyAlgorithm
	// SignatureInvalid reports a payload signature that does not verify.
	SignatureInvalid
	// ChainUntrusted reports a leaf certificate not signed by the presented root.
	ChainUntrusted
	// ChainShapeError reports a chain with the wrong number or order of certificates.
	ChainShapeError
	// CertificateExpired reports a certificate outside its validity period.
	CertificateExpired
	// CfvNotFound reports an image without page data at the CFV address.
	CfvNotFound
	// CfvSizeMismatch reports collected CFV bytes differing from the configured size.
	CfvSizeMismatch
	// FvHeaderInvalid reports a malformed firmware volume header.
	FvHeaderInvalid
	// GUIDNotFound reports a firmware volume without the requested file.
	GUIDNotFound
	// DuplicateFmspc reports an FMSPC appearing with conflicting collateral.
	DuplicateFmspc
	// MissingRequiredField reports an absent or empty required sub-document.
	MissingRequiredField
)

var kindNames = map[Kind]string{
	MalformedInput:          "malformed input",
	MalformedEnvelope:       "malformed envelope",
	UnsupportedKeyAlgorithm: "unsupported key algorithm",
	SignatureInvalid:        "signature invalid",
	ChainUntrusted:          "chain untrusted",
	ChainShapeError:         "chain shape error",
	CertificateExpired:      "certificate expired",
	CfvNotFound:             "CFV not found",
	CfvSizeMismatch:         "CFV size mismatch",
	FvHeaderInvalid:         "firmware volume header invalid",
	GUIDNotFound:            "GUID not found",
	DuplicateFmspc:          "duplicate FMSPC",
	MissingRequiredField:    "missing required field",
}

func (k Kind) Error() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown failure kind %d", int(k))
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return k.Error()
}

// KindOf returns the first Kind wrapped by err, or 0 if err carries none.
func KindOf(err error) Kind {
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// Errorf formats a message and wraps kind so that the result matches
// errors.Is(err, kind). Any %w verbs in format are preserved.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
