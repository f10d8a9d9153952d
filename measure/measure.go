// Package measure reads the measurements of the running TD and renders them
// as a policy TD identity.
//
// Reports come either from the Azure vTPM (VTPMSource) or from a TDX quote
// obtained through configfs-tsm (ConfigfsSource). Both can fail transiently
// while the platform is busy, so Extract retries a bounded number of times.
package measure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/logger"
	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/policy"
)

// ReportDataSize is the size of the caller-chosen report data. It is padded
// with zeros to the 64 bytes of a TD report.
const ReportDataSize = 48

// DefaultMRSigner is the MRSIGNER of MigTD builds signed with the default
// key.
const DefaultMRSigner = "8C4F5775D796503E96137F77C68A829A0056AC8DED70140B081B094490C57BFF00000000000000000000000000000000"

// Source produces TD reports bound to caller-chosen report data.
type Source interface {
	TDReport(reportData [64]byte) (*TDReport, error)
}

// Options configures Extract.
type Options struct {
	// ReportData is bound into the report.
	ReportData [ReportDataSize]byte
	// ZeroRTMRs reports all RTMRs as zero. Azure CVM firmware does not
	// extend RTMRs, so its reports carry zeros.
	ZeroRTMRs bool
	// MRSigner, ISVProdID and ISVSVN are not part of a TD report and are
	// copied into the identity as given.
	MRSigner  string
	ISVProdID uint16
	ISVSVN    uint16
	// Attempts bounds the number of report requests.
	Attempts uint64
	// Delay is the wait between attempts.
	Delay time.Duration
}

// DefaultOptions returns the options used for MigTD on Azure: three attempts
// five seconds apart, zeroed RTMRs and the default MRSIGNER.
func DefaultOptions() *Options {
	return &Options{
		ZeroRTMRs: true,
		MRSigner:  DefaultMRSigner,
		ISVSVN:    1,
		Attempts:  3,
		Delay:     5 * time.Second,
	}
}

// ErrAttemptsExhausted reports that every report request failed.
var ErrAttemptsExhausted = errors.New("TD report attempts exhausted")

// Extract requests a TD report from src, retrying failed requests, and
// returns the TD identity it describes. Malformed reports are not retried.
func Extract(ctx context.Context, src Source, opts *Options) (*policy.TDIdentity, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	attempts := max(opts.Attempts, 1)
	var reportData [64]byte
	copy(reportData[:], opts.ReportData[:])

	var report *TDReport
	attempt := uint64(0)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Delay), attempts-1), ctx)
	err := backoff.RetryNotify(
		func() error {
			attempt++
			logger.V(1).Infof("TD report attempt %d of %d", attempt, attempts)
			r, err := src.TDReport(reportData)
			if errors.Is(err, errdefs.MalformedInput) {
				return backoff.Permanent(err)
			}
			report = r
			return err
		},
		b,
		func(err error, _ time.Duration) {
			logger.Warningf("TD report attempt %d of %d failed: %v", attempt, attempts, err)
		})
	if err != nil {
		if errors.Is(err, errdefs.MalformedInput) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrAttemptsExhausted, attempt, err)
	}
	return Identity(report, opts), nil
}

// Identity renders a TD report as a policy TD identity.
func Identity(r *TDReport, opts *Options) *policy.TDIdentity {
	id := &policy.TDIdentity{
		MRTD:          policy.HexField(r.MRTD[:]),
		XFAM:          policy.HexField(r.XFAM[:]),
		Attributes:    policy.HexField(r.Attributes[:]),
		MRConfigID:    policy.HexField(r.MRConfigID[:]),
		MROwner:       policy.HexField(r.MROwner[:]),
		MROwnerConfig: policy.HexField(r.MROwnerConfig[:]),
		MRSigner:      strings.ToUpper(opts.MRSigner),
		ServTDHash:    policy.HexField(r.ServTDHash[:]),
		ISVProdID:     opts.ISVProdID,
		ISVSVN:        opts.ISVSVN,
	}
	rtmrs := r.RTMRs
	if opts.ZeroRTMRs {
		rtmrs = [4][policy.MeasurementSize]byte{}
	}
	id.RTMR0 = policy.HexField(rtmrs[0][:])
	id.RTMR1 = policy.HexField(rtmrs[1][:])
	id.RTMR2 = policy.HexField(rtmrs[2][:])
	id.RTMR3 = policy.HexField(rtmrs[3][:])
	return id
}
