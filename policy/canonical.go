package policy

import (
	"bytes"

	"github.com/migtd/policy-tools/errdefs"
)

// Canonicalize returns the canonical byte form of a JSON document: the same
// values and key order, with all insignificant whitespace removed. String
// escapes and number spellings are kept exactly as written. Documents with
// duplicate object keys are rejected because their meaning depends on the
// decoder.
//
// Canonicalize is idempotent, and two documents differing only in
// whitespace have the same canonical form.
func Canonicalize(doc []byte) ([]byte, error) {
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	return compactJSON(doc)
}

// canonicalEqual reports whether a and b have the same canonical form.
func canonicalEqual(a, b []byte) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// canonicalObject canonicalizes doc and checks that it is a JSON object.
func canonicalObject(doc []byte) ([]byte, error) {
	c, err := Canonicalize(doc)
	if err != nil {
		return nil, err
	}
	if !isObject(c) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "payload must be a JSON object")
	}
	return c, nil
}
