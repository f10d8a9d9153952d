// Package verify checks signed MigTD policies against their issuer chain,
// either directly or after extracting both from an IGVM image.
package verify

import (
	"crypto/x509"
	"encoding/json"
	"time"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/policy"
)

// Options configures policy verification.
type Options struct {
	// CheckValidity enables certificate validity period checks.
	CheckValidity bool
	// Now returns the time validity periods are checked against. A nil Now
	// uses time.Now.
	Now func() time.Time
	// FieldName is the envelope field holding the payload. Empty selects
	// policy.DefaultFieldName.
	FieldName string
}

// DefaultOptions checks certificate validity against the current time.
func DefaultOptions() *Options {
	return &Options{CheckValidity: true, Now: time.Now}
}

// OfflineOptions ignores certificate dates and checks only cryptographic
// relationships.
func OfflineOptions() *Options {
	return &Options{}
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// VerifiedPolicy is a policy whose signature and issuer chain were checked.
type VerifiedPolicy struct {
	// Payload is the canonical payload the signature covers.
	Payload json.RawMessage
	// Policy is the parsed view of Payload.
	Policy *policy.Payload
	Leaf   *x509.Certificate
	Root   *x509.Certificate
	// RootDER is the DER encoding of the chain root.
	RootDER []byte
	// CollateralRootCA is the DER encoding of collaterals.rootCa, if the
	// policy carries one.
	CollateralRootCA []byte
}

// VerifyPolicy checks a signed policy document against a PEM issuer chain.
func VerifyPolicy(envelope, chain []byte, opts *Options) (*VerifiedPolicy, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	p, err := parse(envelope, chain, opts)
	if err != nil {
		return nil, err
	}
	return p.verify(opts)
}

// parsed holds the structurally valid, not yet verified, inputs.
type parsed struct {
	env            *policy.Envelope
	chain          *Chain
	payload        *policy.Payload
	collateralRoot []byte
}

func parse(envelope, chain []byte, opts *Options) (*parsed, error) {
	c, err := ParseChain(chain)
	if err != nil {
		return nil, err
	}
	env, err := policy.ParseEnvelope(envelope, opts.FieldName)
	if err != nil {
		return nil, err
	}
	payload, err := policy.ParsePayload(env.Payload)
	if err != nil {
		return nil, err
	}
	collateralRoot, err := payload.RootCADER()
	if err != nil {
		return nil, err
	}
	return &parsed{env: env, chain: c, payload: payload, collateralRoot: collateralRoot}, nil
}

func (p *parsed) verify(opts *Options) (*VerifiedPolicy, error) {
	c := p.chain
	curve, err := policy.RequireSupported(c.Leaf.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := p.env.Verify(c.Leaf.PublicKey); err != nil {
		return nil, err
	}
	if err := c.verifyTrust(); err != nil {
		return nil, err
	}
	if opts.CheckValidity {
		if err := c.checkValidity(opts.now()); err != nil {
			return nil, err
		}
	}
	logger.V(1).Infof("policy signature verified with %v leaf %q", curve, c.Leaf.Subject)
	return &VerifiedPolicy{
		Payload:          p.env.Payload,
		Policy:           p.payload,
		Leaf:             c.Leaf,
		Root:             c.Root,
		RootDER:          c.RootDER(),
		CollateralRootCA: p.collateralRoot,
	}, nil
}
