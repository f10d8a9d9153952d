package verify

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/migtd/policy-tools/cfv"
	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/igvm"
	"github.com/migtd/policy-tools/internal/test"
)

func TestPipelineIGVMRoundTrip(t *testing.T) {
	chain := test.GetP384Chain(t)
	doc := signedPolicy(t, chain)
	vol := test.GetTestCFV(t, doc, chain.PEM())
	layout, meta := test.BuildConfigJSON(test.CFVSize)

	for _, gpa := range []uint64{igvm.StagingGPA, test.CFVRuntimeAddress} {
		p := NewPipeline(test.GetTestIGVM(t, vol, gpa), layout, meta, DefaultOptions())
		var states []State
		p.OnTransition = func(s State) { states = append(states, s) }

		res, err := p.Run()
		if err != nil {
			t.Fatalf("Run() with CFV at %#x failed: %v", gpa, err)
		}
		want := []State{ConfigLoaded, CfvExtracted, PolicyBlobFound, ChainBlobFound, StructureParsed, SignatureVerified}
		if diff := cmp.Diff(want, states); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
		if !bytes.Equal(res.Policy, doc) || !bytes.Equal(res.Chain, chain.PEM()) || !bytes.Equal(res.CFV, vol) {
			t.Error("Result does not carry the staged documents")
		}
		if err := res.CheckFMSPC(test.FMSPC); err != nil {
			t.Errorf("CheckFMSPC(%s) = %v, want nil", test.FMSPC, err)
		}
		if err := res.CheckFMSPC(test.OtherFMSPC); !errors.Is(err, ErrFMSPCAbsent) {
			t.Errorf("CheckFMSPC(%s) = %v, want %v", test.OtherFMSPC, err, ErrFMSPCAbsent)
		}
		if diff := cmp.Diff([]string{test.FMSPC}, res.FMSPCs()); diff != "" {
			t.Errorf("FMSPCs() mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFilePipeline(t *testing.T) {
	chain := test.GetP384Chain(t)
	p := NewFilePipeline(signedPolicy(t, chain), chain.PEM(), OfflineOptions())
	if p.State() != ChainBlobFound {
		t.Fatalf("NewFilePipeline() state = %v, want %v", p.State(), ChainBlobFound)
	}
	res, err := p.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := res.CheckFMSPC("50806f000000"); err != nil {
		t.Errorf("CheckFMSPC(lower case) = %v, want nil", err)
	}
	err = res.CheckFMSPC("xyz")
	if !errors.Is(err, ErrFMSPCAbsent) || !errors.Is(err, errdefs.MalformedInput) {
		t.Errorf("CheckFMSPC(xyz) = %v, want %v wrapping %v", err, ErrFMSPCAbsent, errdefs.MalformedInput)
	}
}

func TestPipelineStageErrors(t *testing.T) {
	chain := test.GetP384Chain(t)
	doc := signedPolicy(t, chain)
	layout, meta := test.BuildConfigJSON(test.CFVSize)
	vol := test.GetTestCFV(t, doc, chain.PEM())
	image := test.GetTestIGVM(t, vol, igvm.StagingGPA)

	policyOnly, err := cfv.Build(test.CFVSize, []cfv.File{{Name: cfv.PolicyFileGUID, Data: doc}})
	if err != nil {
		t.Fatalf("cfv.Build() failed: %v", err)
	}
	smallLayout, _ := test.BuildConfigJSON(test.CFVSize / 2)
	oddLayout, _ := test.BuildConfigJSON(test.CFVSize + 0x800)
	otherChain := test.GetP384Chain(t)

	tests := []struct {
		name         string
		pipeline     *Pipeline
		wantStage    State
		wantCategory errdefs.Category
		wantKind     errdefs.Kind
	}{
		{"bad layout", NewPipeline(image, []byte("{"), meta, nil), ConfigLoaded, errdefs.Extraction, errdefs.MalformedInput},
		{"junk image", NewPipeline([]byte("not an IGVM image at all"), layout, meta, nil), CfvExtracted, errdefs.Extraction, errdefs.MalformedInput},
		{"no CFV", NewPipeline(test.GetTestIGVM(t, vol, 0x100000), layout, meta, nil), CfvExtracted, errdefs.Extraction, errdefs.CfvNotFound},
		{"size mismatch", NewPipeline(image, oddLayout, meta, nil), CfvExtracted, errdefs.Extraction, errdefs.CfvSizeMismatch},
		{"volume length mismatch", NewPipeline(image, smallLayout, meta, nil), CfvExtracted, errdefs.Extraction, errdefs.FvHeaderInvalid},
		{"no chain file", NewPipeline(test.GetTestIGVM(t, policyOnly, igvm.StagingGPA), layout, meta, nil), ChainBlobFound, errdefs.Extraction, errdefs.GUIDNotFound},
		{"bad envelope", NewFilePipeline([]byte(`{}`), chain.PEM(), nil), StructureParsed, errdefs.Structural, errdefs.MalformedEnvelope},
		{"untrusted", NewFilePipeline(doc, slices.Concat(test.CertPEM(chain.Leaf), test.CertPEM(otherChain.Root)), nil), SignatureVerified, errdefs.Cryptographic, errdefs.ChainUntrusted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.pipeline.Run()
			var se *errdefs.StageError
			if !errors.As(err, &se) {
				t.Fatalf("Run() = %v, want a *errdefs.StageError", err)
			}
			if se.Stage != tc.wantStage.String() || se.Category != tc.wantCategory || se.Kind != tc.wantKind {
				t.Errorf("Run() = {%s, %v, %v}, want {%v, %v, %v}", se.Stage, se.Category, se.Kind, tc.wantStage, tc.wantCategory, tc.wantKind)
			}
			if tc.pipeline.State() != Failed {
				t.Errorf("State() = %v, want %v", tc.pipeline.State(), Failed)
			}
			if err := tc.pipeline.Step(); err != se {
				t.Errorf("Step() after failure = %v, want the original failure", err)
			}
		})
	}
}
