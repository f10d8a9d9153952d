package verify

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/migtd/policy-tools/errdefs"
)

const pemCertificate = "CERTIFICATE"

// Chain is a policy issuer chain: the leaf that signs policies and the root
// CA that issued it.
type Chain struct {
	Leaf *x509.Certificate
	Root *x509.Certificate
}

// ParseChain decodes a PEM file holding the leaf certificate followed by the
// root certificate.
func ParseChain(data []byte) (*Chain, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCertificate {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "certificate chain block %d is %q, want %q", len(certs), block.Type, pemCertificate)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "parsing certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "certificate chain has %d bytes of non-PEM data after %d certificate(s)", len(bytes.TrimSpace(rest)), len(certs))
	}
	if len(certs) != 2 {
		return nil, errdefs.Errorf(errdefs.ChainShapeError, "certificate chain has %d certificate(s), want leaf then root", len(certs))
	}
	if isSelfIssued(certs[0]) && certs[0].IsCA && !isSelfIssued(certs[1]) {
		return nil, errdefs.Errorf(errdefs.ChainShapeError, "certificate chain is in root then leaf order, want leaf then root")
	}
	return &Chain{Leaf: certs[0], Root: certs[1]}, nil
}

func isSelfIssued(c *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, c.RawSubject)
}

// verifyTrust checks that the root issued the leaf. A self-issued root must
// also carry a valid self-signature.
func (c *Chain) verifyTrust() error {
	if !bytes.Equal(c.Leaf.RawIssuer, c.Root.RawSubject) {
		return errdefs.Errorf(errdefs.ChainUntrusted, "leaf issuer %q does not match root subject %q", c.Leaf.Issuer, c.Root.Subject)
	}
	if err := c.Root.CheckSignature(c.Leaf.SignatureAlgorithm, c.Leaf.RawTBSCertificate, c.Leaf.Signature); err != nil {
		return errdefs.Errorf(errdefs.ChainUntrusted, "leaf %q is not signed by root %q: %w", c.Leaf.Subject, c.Root.Subject, err)
	}
	if isSelfIssued(c.Root) {
		if err := c.Root.CheckSignature(c.Root.SignatureAlgorithm, c.Root.RawTBSCertificate, c.Root.Signature); err != nil {
			return errdefs.Errorf(errdefs.ChainUntrusted, "root %q self-signature: %w", c.Root.Subject, err)
		}
	}
	return nil
}

func (c *Chain) checkValidity(now time.Time) error {
	for _, cert := range []struct {
		role string
		c    *x509.Certificate
	}{{"leaf", c.Leaf}, {"root", c.Root}} {
		if now.Before(cert.c.NotBefore) {
			return errdefs.Errorf(errdefs.CertificateExpired, "%s certificate %q is not valid before %v (now %v)", cert.role, cert.c.Subject, cert.c.NotBefore, now)
		}
		if now.After(cert.c.NotAfter) {
			return errdefs.Errorf(errdefs.CertificateExpired, "%s certificate %q expired at %v (now %v)", cert.role, cert.c.Subject, cert.c.NotAfter, now)
		}
	}
	return nil
}

// RootDER returns the DER encoding of the root certificate.
func (c *Chain) RootDER() []byte {
	return bytes.Clone(c.Root.Raw)
}
