package igvm

import (
	"bytes"
	"math"
	"slices"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/errdefs"
)

// StagingGPA is the guest physical address at which IGVM images stage the
// CFV. The loader relocates it to the runtime address.
const StagingGPA uint64 = 0x02000000

// ExtractCFV returns the CFV bytes staged in an IGVM image.
//
// Pages are collected in ascending address order from StagingGPA, or from
// the configured runtime address when nothing is staged, until cfg.CFVSize
// bytes are gathered. A missing page or a page crossing the end of the CFV
// is a size mismatch.
func ExtractCFV(image []byte, cfg *BuildConfig) ([]byte, error) {
	f, err := Parse(image)
	if err != nil {
		return nil, err
	}
	pages, err := indexPages(f.Pages(), cfg.CompatibilityMask)
	if err != nil {
		return nil, err
	}

	start, ok := startAddress(pages, StagingGPA, cfg.RuntimeAddress)
	if !ok {
		return nil, errdefs.Errorf(errdefs.CfvNotFound, "no page data at staging GPA %#x or runtime address %#x", StagingGPA, cfg.RuntimeAddress)
	}
	logger.V(1).Infof("CFV found at GPA %#x (runtime address %#x)", start, cfg.RuntimeAddress)

	if cfg.CFVSize > math.MaxUint64-start {
		return nil, errdefs.Errorf(errdefs.CfvSizeMismatch, "CFV of %#x bytes at GPA %#x overflows the address space", cfg.CFVSize, start)
	}
	var available uint64
	for _, p := range pages {
		available += p.Size()
	}
	if cfg.CFVSize > available {
		return nil, errdefs.Errorf(errdefs.CfvSizeMismatch, "configured CFV size %#x exceeds the %#x bytes of page data in the image", cfg.CFVSize, available)
	}

	cfv := make([]byte, 0, min(cfg.CFVSize, uint64(len(image))))
	end := start + cfg.CFVSize
	for gpa := start; gpa < end; {
		page, ok := pages[gpa]
		if !ok {
			return nil, errdefs.Errorf(errdefs.CfvSizeMismatch, "CFV truncated: collected %#x of %#x bytes, no page at GPA %#x", len(cfv), cfg.CFVSize, gpa)
		}
		cfv = append(cfv, page.Bytes()...)
		gpa += page.Size()
	}
	if uint64(len(cfv)) != cfg.CFVSize {
		return nil, errdefs.Errorf(errdefs.CfvSizeMismatch, "CFV over-length: collected %#x bytes, configured %#x", len(cfv), cfg.CFVSize)
	}
	return cfv, nil
}

// indexPages maps each GPA to its page. Identical duplicates collapse;
// conflicting duplicates must be told apart by the compatibility mask.
func indexPages(pages []*PageData, mask uint32) (map[uint64]*PageData, error) {
	index := make(map[uint64]*PageData)
	for _, p := range pages {
		if mask != 0 && p.CompatibilityMask&mask == 0 {
			continue
		}
		prev, dup := index[p.GPA]
		if !dup {
			index[p.GPA] = p
			continue
		}
		if prev.Size() != p.Size() || !bytes.Equal(prev.Bytes(), p.Bytes()) {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "conflicting page data at GPA %#x (compatibility masks %#x and %#x)", p.GPA, prev.CompatibilityMask, p.CompatibilityMask)
		}
	}
	return index, nil
}

// startAddress returns the first candidate holding a non-zero page.
func startAddress(pages map[uint64]*PageData, candidates ...uint64) (uint64, bool) {
	for _, gpa := range candidates {
		p, ok := pages[gpa]
		if ok && p.Data != nil && slices.ContainsFunc(p.Data, func(b byte) bool { return b != 0 }) {
			return gpa, true
		}
	}
	return 0, false
}
