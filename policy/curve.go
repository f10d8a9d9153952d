package policy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"
	"slices"

	// Register the hashes used by the curve table.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/migtd/policy-tools/errdefs"
)

// Curve identifies an elliptic curve known to the signing codec.
type Curve int

// Known curves. Only the curves in Supported may sign or verify a policy.
const (
	_ Curve = iota
	P256
	P384
	P521
)

// Supported lists the curves enabled for policy signing and verification.
var Supported = []Curve{P384}

type curveAlgorithm struct {
	name  string
	curve func() elliptic.Curve
	oid   asn1.ObjectIdentifier
	hash  crypto.Hash
}

var curveTable = map[Curve]curveAlgorithm{
	P256: {"P-256", elliptic.P256, asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, crypto.SHA256},
	P384: {"P-384", elliptic.P384, asn1.ObjectIdentifier{1, 3, 132, 0, 34}, crypto.SHA384},
	P521: {"P-521", elliptic.P521, asn1.ObjectIdentifier{1, 3, 132, 0, 35}, crypto.SHA512},
}

// Named curves that can appear in a key but have no table entry.
var unknownCurveNames = map[string]string{
	"1.3.132.0.10":          "secp256k1",
	"1.3.132.0.33":          "P-224",
	"1.3.36.3.3.2.8.1.1.7":  "brainpoolP256r1",
	"1.3.36.3.3.2.8.1.1.11": "brainpoolP384r1",
}

func (c Curve) String() string {
	if alg, ok := curveTable[c]; ok {
		return alg.name
	}
	return fmt.Sprintf("curve(%d)", int(c))
}

// Hash returns the digest algorithm bound to c.
func (c Curve) Hash() crypto.Hash {
	return curveTable[c].hash
}

// ScalarSize returns the byte length of one signature component on c.
func (c Curve) ScalarSize() int {
	alg, ok := curveTable[c]
	if !ok {
		return 0
	}
	return (alg.curve().Params().BitSize + 7) / 8
}

// IsSupported reports whether c is enabled for policy signatures.
func (c Curve) IsSupported() bool {
	return slices.Contains(Supported, c)
}

// CurveOf returns the curve of an ECDSA public key.
func CurveOf(pub crypto.PublicKey) (Curve, error) {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found %T key, want ECDSA", pub)
	}
	return curveByName(ecPub.Curve.Params().Name)
}

func curveByName(name string) (Curve, error) {
	for c, alg := range curveTable {
		if alg.name == name {
			return c, nil
		}
	}
	return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "unknown curve %s", name)
}

func curveByOID(oid asn1.ObjectIdentifier) (Curve, error) {
	for c, alg := range curveTable {
		if alg.oid.Equal(oid) {
			return c, nil
		}
	}
	if name, ok := unknownCurveNames[oid.String()]; ok {
		return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found %s, want %s", name, supportedNames())
	}
	return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found curve OID %s, want %s", oid, supportedNames())
}

// RequireSupported returns the curve of pub if it is enabled.
func RequireSupported(pub crypto.PublicKey) (Curve, error) {
	c, err := CurveOf(pub)
	if err != nil {
		return 0, err
	}
	if err := checkSupported(c); err != nil {
		return 0, err
	}
	return c, nil
}

func checkSupported(c Curve) error {
	if !c.IsSupported() {
		return errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found %v, want %s", c, supportedNames())
	}
	return nil
}

func supportedNames() string {
	names := ""
	for i, c := range Supported {
		if i > 0 {
			names += " or "
		}
		names += c.String()
	}
	return names
}

// digest hashes msg with the algorithm bound to c.
func (c Curve) digest(msg []byte) []byte {
	h := c.Hash().New()
	h.Write(msg)
	return h.Sum(nil)
}

// ECC coordinates need to maintain a specific size based on the curve, so we pad the front with zeros.
func (c Curve) intToBytes(n *big.Int) []byte {
	b := n.Bytes()
	size := c.ScalarSize()
	return append(make([]byte, size-len(b)), b...)
}

// encodeSignature returns the fixed-width r||s encoding of a signature.
func (c Curve) encodeSignature(r, s *big.Int) []byte {
	return append(c.intToBytes(r), c.intToBytes(s)...)
}

// decodeSignature splits a fixed-width r||s signature.
func (c Curve) decodeSignature(sig []byte) (r, s *big.Int, err error) {
	size := c.ScalarSize()
	if len(sig) != 2*size {
		return nil, nil, errdefs.Errorf(errdefs.SignatureInvalid, "signature is %d bytes, want %d for %v", len(sig), 2*size, c)
	}
	return new(big.Int).SetBytes(sig[:size]), new(big.Int).SetBytes(sig[size:]), nil
}
