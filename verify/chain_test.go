package verify

import (
	"crypto/elliptic"
	"encoding/pem"
	"errors"
	"slices"
	"testing"

	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/internal/test"
)

func TestParseChain(t *testing.T) {
	chain := test.GetP384Chain(t)
	got, err := ParseChain(append(chain.PEM(), "\n\n"...))
	if err != nil {
		t.Fatalf("ParseChain() failed: %v", err)
	}
	if !got.Leaf.Equal(chain.Leaf) || !got.Root.Equal(chain.Root) {
		t.Error("ParseChain() returned certificates in the wrong order")
	}
	if err := got.verifyTrust(); err != nil {
		t.Errorf("verifyTrust() = %v, want nil", err)
	}
}

func TestParseChainErrors(t *testing.T) {
	chain := test.GetP384Chain(t)
	leaf, root := test.CertPEM(chain.Leaf), test.CertPEM(chain.Root)
	keyBlock := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte{1}})
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, errdefs.ChainShapeError},
		{"leaf only", leaf, errdefs.ChainShapeError},
		{"three certificates", slices.Concat(leaf, root, root), errdefs.ChainShapeError},
		{"reversed", slices.Concat(root, leaf), errdefs.ChainShapeError},
		{"trailing data", slices.Concat(chain.PEM(), []byte("junk")), errdefs.MalformedInput},
		{"not a certificate block", slices.Concat(leaf, keyBlock), errdefs.MalformedInput},
		{"bad DER", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30, 0x00}}), errdefs.MalformedInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseChain(tc.data); !errors.Is(err, tc.wantErr) {
				t.Errorf("ParseChain() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestVerifyTrustSelfSignature(t *testing.T) {
	chain := test.GetTestChain(t, elliptic.P384(), elliptic.P256(), nil)
	root := *chain.Root
	root.Signature = append([]byte{}, root.Signature...)
	root.Signature[len(root.Signature)-1] ^= 0xFF
	c := &Chain{Leaf: chain.Leaf, Root: &root}
	if err := c.verifyTrust(); !errors.Is(err, errdefs.ChainUntrusted) {
		t.Errorf("verifyTrust() with a broken root self-signature = %v, want %v", err, errdefs.ChainUntrusted)
	}
}
