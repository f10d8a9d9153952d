package verify

import (
	"errors"
	"fmt"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/cfv"
	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/igvm"
	"github.com/migtd/policy-tools/policy"
)

// State is a step of the end-to-end verification.
type State int

// Verification states, in order.
const (
	Init State = iota
	ConfigLoaded
	CfvExtracted
	PolicyBlobFound
	ChainBlobFound
	StructureParsed
	SignatureVerified
	Failed
)

var stateNames = [...]string{
	Init:              "Init",
	ConfigLoaded:      "ConfigLoaded",
	CfvExtracted:      "CfvExtracted",
	PolicyBlobFound:   "PolicyBlobFound",
	ChainBlobFound:    "ChainBlobFound",
	StructureParsed:   "StructureParsed",
	SignatureVerified: "SignatureVerified",
	Failed:            "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrFMSPCAbsent reports a verified policy whose collateral lacks a
// requested FMSPC. It is not a verification failure.
var ErrFMSPCAbsent = errors.New("FMSPC absent from policy collateral")

// Pipeline runs verification one state at a time. Any failure moves it to
// Failed, after which every transition fails.
type Pipeline struct {
	// OnTransition, if set, is called after each successful transition.
	OnTransition func(State)

	opts  *Options
	state State
	err   *errdefs.StageError

	imageLayout []byte
	metadata    []byte
	image       []byte

	config *igvm.BuildConfig
	cfv    []byte
	policy []byte
	chain  []byte
	parsed *parsed
	result *Result
}

// NewPipeline verifies the policy and issuer chain carried in the CFV of an
// IGVM image. imageLayout and metadata are the firmware build configuration
// documents.
func NewPipeline(image, imageLayout, metadata []byte, opts *Options) *Pipeline {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Pipeline{opts: opts, state: Init, image: image, imageLayout: imageLayout, metadata: metadata}
}

// NewFilePipeline verifies a policy and issuer chain given directly. It
// starts at ChainBlobFound.
func NewFilePipeline(policyDoc, chain []byte, opts *Options) *Pipeline {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Pipeline{opts: opts, state: ChainBlobFound, policy: policyDoc, chain: chain}
}

// State returns the current state.
func (p *Pipeline) State() State {
	return p.state
}

// Err returns the failure that moved the pipeline to Failed, or nil.
func (p *Pipeline) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

type transition struct {
	from, to State
	// category of failures at this stage; see errdefs.NewStageError.
	category errdefs.Category
	run      func(*Pipeline) error
}

var transitions = []transition{
	{Init, ConfigLoaded, errdefs.Extraction, (*Pipeline).loadConfig},
	{ConfigLoaded, CfvExtracted, errdefs.Extraction, (*Pipeline).extractCFV},
	{CfvExtracted, PolicyBlobFound, errdefs.Extraction, (*Pipeline).findPolicy},
	{PolicyBlobFound, ChainBlobFound, errdefs.Extraction, (*Pipeline).findChain},
	{ChainBlobFound, StructureParsed, errdefs.Structural, (*Pipeline).parseStructure},
	{StructureParsed, SignatureVerified, errdefs.Cryptographic, (*Pipeline).verifySignature},
}

// Step performs the transition out of the current state.
func (p *Pipeline) Step() error {
	if p.state == Failed {
		return p.err
	}
	for _, t := range transitions {
		if t.from != p.state {
			continue
		}
		if err := t.run(p); err != nil {
			p.err = errdefs.NewStageError(t.to.String(), t.category, err)
			p.state = Failed
			logger.V(1).Infof("verification failed reaching %v: %v", t.to, err)
			return p.err
		}
		p.state = t.to
		if p.OnTransition != nil {
			p.OnTransition(p.state)
		}
		return nil
	}
	return fmt.Errorf("no transition out of state %v", p.state)
}

// Run steps the pipeline until the signature is verified or a transition
// fails. A failure is returned as a *errdefs.StageError.
func (p *Pipeline) Run() (*Result, error) {
	for p.state != SignatureVerified {
		if err := p.Step(); err != nil {
			return nil, err
		}
	}
	return p.result, nil
}

func (p *Pipeline) loadConfig() error {
	cfg, err := igvm.LoadBuildConfig(p.imageLayout, p.metadata)
	if err != nil {
		return err
	}
	p.config = cfg
	logger.V(1).Infof("CFV size %#x, runtime address %#x", cfg.CFVSize, cfg.RuntimeAddress)
	return nil
}

func (p *Pipeline) extractCFV() error {
	b, err := igvm.ExtractCFV(p.image, p.config)
	if err != nil {
		return err
	}
	if _, err := cfv.ParseVolume(b, p.config.CFVSize); err != nil {
		return err
	}
	p.cfv = b
	return nil
}

func (p *Pipeline) findPolicy() error {
	b, err := cfv.ExtractFileByGUID(p.cfv, cfv.PolicyFileGUID)
	if err != nil {
		return err
	}
	p.policy = b
	return nil
}

func (p *Pipeline) findChain() error {
	b, err := cfv.ExtractFileByGUID(p.cfv, cfv.PolicyIssuerChainFileGUID)
	if err != nil {
		return err
	}
	p.chain = b
	return nil
}

func (p *Pipeline) parseStructure() error {
	parsed, err := parse(p.policy, p.chain, p.opts)
	if err != nil {
		return err
	}
	p.parsed = parsed
	return nil
}

func (p *Pipeline) verifySignature() error {
	v, err := p.parsed.verify(p.opts)
	if err != nil {
		return err
	}
	p.result = &Result{Verified: v, Policy: p.policy, Chain: p.chain, CFV: p.cfv}
	return nil
}

// Result is the outcome of a successful verification.
type Result struct {
	Verified *VerifiedPolicy
	// Policy and Chain are the verified documents as found.
	Policy []byte
	Chain  []byte
	// CFV is the extracted volume, nil for a file pipeline.
	CFV []byte
}

// FMSPCs lists the FMSPCs of the policy collateral in document order.
func (r *Result) FMSPCs() []string {
	return r.Verified.Policy.FMSPCs()
}

// CheckFMSPC returns ErrFMSPCAbsent when the policy collateral has no
// platform for fmspc. A malformed fmspc names no platform, so it is reported
// as absent too; the error also matches errdefs.MalformedInput.
func (r *Result) CheckFMSPC(fmspc string) error {
	normalized, err := policy.NormalizeFMSPC(fmspc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFMSPCAbsent, err)
	}
	_, ok, err := r.Verified.Policy.Platform(normalized)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFMSPCAbsent, normalized)
	}
	return nil
}
