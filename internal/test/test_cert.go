package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// Chain is a two certificate policy issuer chain with the leaf signing key.
type Chain struct {
	Leaf    *x509.Certificate
	Root    *x509.Certificate
	LeafKey *ecdsa.PrivateKey
	RootKey *ecdsa.PrivateKey
}

// CertOptions adjusts generated certificates.
type CertOptions struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (o *CertOptions) validity() (time.Time, time.Time) {
	notBefore := time.Now().Add(-time.Hour)
	notAfter := time.Now().AddDate(10, 0, 0)
	if o != nil && !o.NotBefore.IsZero() {
		notBefore = o.NotBefore
	}
	if o != nil && !o.NotAfter.IsZero() {
		notAfter = o.NotAfter
	}
	return notBefore, notAfter
}

// GenerateKey returns a fresh ECDSA key on curve.
func GenerateKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("Unable to generate %s key: %v", curve.Params().Name, err)
	}
	return key
}

// GetTestCert returns an x509 Certificate for certKey signed by the provided
// parent certificate and key. If parentCert and parentKey are nil, the
// certificate is self-signed.
func GetTestCert(t testing.TB, name string, certKey *ecdsa.PrivateKey, parentCert *x509.Certificate, parentKey *ecdsa.PrivateKey, opts *CertOptions) *x509.Certificate {
	t.Helper()

	notBefore, notAfter := opts.validity()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("Unable to generate serial number: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"MigTD Policy Test"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if parentCert == nil && parentKey == nil {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.BasicConstraintsValid = true
		template.IsCA = true
		template.MaxPathLenZero = true
		parentCert = template
		parentKey = certKey
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, parentCert, certKey.Public(), parentKey)
	if err != nil {
		t.Fatalf("Unable to create test certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		t.Fatalf("Unable to parse test certificate: %v", err)
	}
	return cert
}

// GetTestChain returns a root CA on rootCurve and a leaf on leafCurve signed
// by it.
func GetTestChain(t testing.TB, leafCurve, rootCurve elliptic.Curve, opts *CertOptions) *Chain {
	t.Helper()
	rootKey := GenerateKey(t, rootCurve)
	root := GetTestCert(t, "Policy Root CA", rootKey, nil, nil, nil)
	leafKey := GenerateKey(t, leafCurve)
	leaf := GetTestCert(t, "Policy Signer", leafKey, root, rootKey, opts)
	return &Chain{Leaf: leaf, Root: root, LeafKey: leafKey, RootKey: rootKey}
}

// GetP384Chain returns a P-384 leaf signed by a P-384 root.
func GetP384Chain(t testing.TB) *Chain {
	t.Helper()
	return GetTestChain(t, elliptic.P384(), elliptic.P384(), nil)
}

// PEM returns the leaf then root certificates, PEM encoded.
func (c *Chain) PEM() []byte {
	return append(CertPEM(c.Leaf), CertPEM(c.Root)...)
}

// CertPEM PEM encodes cert.
func CertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// PKCS8PEM returns key as a PEM encoded PKCS#8 private key.
func PKCS8PEM(t testing.TB, key any) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Unable to marshal PKCS#8 key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
