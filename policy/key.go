package policy

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"

	"github.com/migtd/policy-tools/errdefs"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

var keyAlgorithmNames = map[string]string{
	"1.2.840.113549.1.1.1": "RSA",
	"1.3.101.112":          "Ed25519",
	"1.3.101.110":          "X25519",
}

// SigningKey is an ECDSA private key on a supported curve. A SigningKey only
// lives for the duration of a WithSigningKey callback.
type SigningKey struct {
	curve Curve
	key   *ecdsa.PrivateKey
}

// Curve returns the curve of the key.
func (k *SigningKey) Curve() Curve {
	return k.curve
}

// Public returns the public half of the key.
func (k *SigningKey) Public() crypto.PublicKey {
	return &k.key.PublicKey
}

// Sign returns the fixed-width r||s signature over msg.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	if k.key == nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "signing key has been released")
	}
	r, s, err := ecdsa.Sign(rand.Reader, k.key, k.curve.digest(msg))
	if err != nil {
		return nil, err
	}
	return k.curve.encodeSignature(r, s), nil
}

func (k *SigningKey) wipe() {
	if k.key == nil {
		return
	}
	if k.key.D != nil {
		words := k.key.D.Bits()
		for i := range words {
			words[i] = 0
		}
		k.key.D.SetInt64(0)
	}
	k.key = nil
}

// WithSigningKey parses a PKCS#8 private key, in DER or PEM form, and calls
// fn with it. The decoded copy of keyData and the private scalar are zeroed
// before WithSigningKey returns. Copies made inside crypto/x509 and
// crypto/ecdsa while parsing and signing are out of reach and are left to
// the garbage collector; keyData itself belongs to the caller.
func WithSigningKey(keyData []byte, fn func(*SigningKey) error) error {
	der := bytes.Clone(keyData)
	defer clear(der)
	if block, _ := pem.Decode(der); block != nil {
		defer clear(block.Bytes)
		if block.Type != "PRIVATE KEY" {
			return errdefs.Errorf(errdefs.MalformedInput, "key PEM block is %q, want PRIVATE KEY (PKCS#8)", block.Type)
		}
		der = append(der[:0], block.Bytes...)
	}

	curve, err := sniffPKCS8Curve(der)
	if err != nil {
		return err
	}
	if err := checkSupported(curve); err != nil {
		return err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return errdefs.Errorf(errdefs.MalformedInput, "parsing PKCS#8 key: %w", err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found %T key, want ECDSA", parsed)
	}
	key := &SigningKey{curve: curve, key: ecKey}
	defer key.wipe()
	return fn(key)
}

// sniffPKCS8Curve reads the named curve from the AlgorithmIdentifier of a
// PKCS#8 PrivateKeyInfo without parsing the key itself.
func sniffPKCS8Curve(der []byte) (Curve, error) {
	input := cryptobyte.String(der)
	var info, algID cryptobyte.String
	var version int64
	var algOID asn1.ObjectIdentifier
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.ReadASN1Integer(&version) ||
		!info.ReadASN1(&algID, cbasn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&algOID) {
		return 0, errdefs.Errorf(errdefs.MalformedInput, "key is not a PKCS#8 PrivateKeyInfo")
	}
	if !algOID.Equal(oidPublicKeyECDSA) {
		name, ok := keyAlgorithmNames[algOID.String()]
		if !ok {
			name = "algorithm " + algOID.String()
		}
		return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "found %s key, want ECDSA %s", name, supportedNames())
	}
	var curveOID asn1.ObjectIdentifier
	if !algID.ReadASN1ObjectIdentifier(&curveOID) {
		return 0, errdefs.Errorf(errdefs.UnsupportedKeyAlgorithm, "ECDSA key without a named curve, want %s", supportedNames())
	}
	return curveByOID(curveOID)
}
