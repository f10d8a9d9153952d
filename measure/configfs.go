package measure

import (
	"fmt"

	"github.com/google/go-configfs-tsm/configfs/configfsi"
	"github.com/google/go-configfs-tsm/report"
	"github.com/google/go-tdx-guest/abi"
	pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/logger"
	"github.com/migtd/policy-tools/errdefs"
	"google.golang.org/protobuf/encoding/prototext"
)

// ConfigfsSource obtains TD measurements from a TDX quote requested through
// the configfs-tsm report interface.
type ConfigfsSource struct {
	Client configfsi.Client
}

// TDReport requests a quote over reportData and returns its TD measurements.
// A quote carries no ServTD hash, so ServTDHash is left zero.
func (s *ConfigfsSource) TDReport(reportData [64]byte) (*TDReport, error) {
	resp, err := report.Get(s.Client, &report.Request{InBlob: reportData[:]})
	if err != nil {
		return nil, fmt.Errorf("requesting configfs-tsm report: %w", err)
	}
	logger.V(1).Infof("configfs-tsm returned %d byte quote", len(resp.OutBlob))
	quote, err := abi.QuoteToProto(resp.OutBlob)
	if err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "parsing TDX quote: %w", err)
	}
	q, ok := quote.(*pb.QuoteV4)
	if !ok {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "unsupported quote type %T", quote)
	}
	logger.V(2).Infof("quote:\n%s", prototext.Format(q))
	return quoteReport(q)
}

type quoteField struct {
	name     string
	dst, src []byte
}

func quoteReport(q *pb.QuoteV4) (*TDReport, error) {
	body := q.GetTdQuoteBody()
	if body == nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "quote has no TD quote body")
	}
	r := &TDReport{}
	fields := []quoteField{
		{"tdAttributes", r.Attributes[:], body.GetTdAttributes()},
		{"xfam", r.XFAM[:], body.GetXfam()},
		{"mrTd", r.MRTD[:], body.GetMrTd()},
		{"mrConfigId", r.MRConfigID[:], body.GetMrConfigId()},
		{"mrOwner", r.MROwner[:], body.GetMrOwner()},
		{"mrOwnerConfig", r.MROwnerConfig[:], body.GetMrOwnerConfig()},
		{"reportData", r.ReportData[:], body.GetReportData()},
	}
	rtmrs := body.GetRtmrs()
	if len(rtmrs) != len(r.RTMRs) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "quote has %d RTMRs, want %d", len(rtmrs), len(r.RTMRs))
	}
	for i := range r.RTMRs {
		fields = append(fields, quoteField{fmt.Sprintf("rtmr%d", i), r.RTMRs[i][:], rtmrs[i]})
	}
	for _, f := range fields {
		if len(f.src) != len(f.dst) {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "quote %s is %d bytes, want %d", f.name, len(f.src), len(f.dst))
		}
		copy(f.dst, f.src)
	}
	return r, nil
}
