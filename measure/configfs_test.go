package measure

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-configfs-tsm/configfs/configfsi"
	"github.com/google/go-configfs-tsm/configfs/faketsm"
	"github.com/google/go-tdx-guest/abi"
	pb "github.com/google/go-tdx-guest/proto/tdx"
	tgtestdata "github.com/google/go-tdx-guest/testing/testdata"
	"github.com/google/logger"
	"github.com/migtd/policy-tools/errdefs"
	"github.com/migtd/policy-tools/policy"
)

func makeFakeConfigfs(outblob []byte) configfsi.Client {
	report := faketsm.Report611(0)
	report.ReadAttr = func(_ *faketsm.ReportEntry, attr string) ([]byte, error) {
		switch attr {
		case "provider":
			return []byte("tdx_guest\n"), nil
		case "outblob":
			return outblob, nil
		}
		return nil, os.ErrNotExist
	}
	return &faketsm.Client{Subsystems: map[string]configfsi.Client{
		"report": report,
	}}
}

func TestConfigfsSource(t *testing.T) {
	quote, err := abi.QuoteToProto(tgtestdata.RawQuote)
	if err != nil {
		t.Fatalf("QuoteToProto() failed: %v", err)
	}
	body := quote.(*pb.QuoteV4).GetTdQuoteBody()

	src := &ConfigfsSource{Client: makeFakeConfigfs(tgtestdata.RawQuote)}
	opts := fastOptions()
	opts.ZeroRTMRs = false
	id, err := Extract(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if want := policy.HexField(body.GetMrTd()); id.MRTD != want {
		t.Errorf("MRTD = %s, want %s", id.MRTD, want)
	}
	if want := policy.HexField(body.GetRtmrs()[2]); id.RTMR2 != want {
		t.Errorf("RTMR2 = %s, want %s", id.RTMR2, want)
	}
	if want := policy.HexField(body.GetXfam()); id.XFAM != want {
		t.Errorf("XFAM = %s, want %s", id.XFAM, want)
	}
	if err := id.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestConfigfsSourceVerboseDump(t *testing.T) {
	logger.SetLevel(2)
	defer logger.SetLevel(0)

	src := &ConfigfsSource{Client: makeFakeConfigfs(tgtestdata.RawQuote)}
	r, err := src.TDReport([64]byte{})
	if err != nil {
		t.Fatalf("TDReport() with quote dumps enabled failed: %v", err)
	}
	quote, err := abi.QuoteToProto(tgtestdata.RawQuote)
	if err != nil {
		t.Fatalf("QuoteToProto() failed: %v", err)
	}
	if want := quote.(*pb.QuoteV4).GetTdQuoteBody().GetMrTd(); !bytes.Equal(r.MRTD[:], want) {
		t.Errorf("MRTD = %x, want %x", r.MRTD, want)
	}
}

func TestConfigfsSourceBadQuote(t *testing.T) {
	src := &ConfigfsSource{Client: makeFakeConfigfs([]byte("not a quote"))}
	if _, err := src.TDReport([64]byte{}); !errors.Is(err, errdefs.MalformedInput) {
		t.Errorf("TDReport() = %v, want %v", err, errdefs.MalformedInput)
	}
}
