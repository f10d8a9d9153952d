// Package igvm reads the IGVM guest image format far enough to recover the
// configuration firmware volume embedded in its page data.
package igvm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/migtd/policy-tools/errdefs"
)

// Magic is the IGVM fixed header signature, "IGVM" in little-endian order.
const Magic uint32 = 0x4D564749

// Fixed header sizes per format version.
const (
	fixedHeaderV1Size = 24
	fixedHeaderV2Size = 32
)

// Variable header types.
const (
	TypeSupportedPlatform uint32 = 0x001
	TypeParameterArea     uint32 = 0x301
	TypePageData          uint32 = 0x302

	// Bit 31 marks a header that loaders may ignore if unknown.
	typeMask uint32 = 0x7FFFFFFF
)

// Page sizes.
const (
	PageSize4K uint64 = 0x1000
	PageSize2M uint64 = 0x200000
)

const (
	pageDataSize     = 24
	pageFlag2MB      = 0x1
	variableAlign    = 8
	variableHeadSize = 8
)

// File is a parsed IGVM image.
type File struct {
	Version      uint32
	Architecture uint32
	PageSize     uint32
	// Directives holds the variable headers in file order.
	Directives []Directive
}

// Directive is one variable header. Page data headers are decoded into Page;
// all others are kept as raw bytes.
type Directive struct {
	Type uint32
	Raw  []byte
	Page *PageData
}

// PageData is a page of initial guest memory.
type PageData struct {
	GPA               uint64
	CompatibilityMask uint32
	Flags             uint32
	DataType          uint16
	// Data is the page content. A nil Data is a zero page.
	Data []byte
}

// Size returns the size of the page in bytes.
func (p *PageData) Size() uint64 {
	if p.Flags&pageFlag2MB != 0 {
		return PageSize2M
	}
	return PageSize4K
}

// Bytes returns the page content, expanding zero pages.
func (p *PageData) Bytes() []byte {
	if p.Data == nil {
		return make([]byte, p.Size())
	}
	return p.Data
}

type fixedHeader struct {
	Magic                uint32
	FormatVersion        uint32
	VariableHeaderOffset uint32
	VariableHeaderSize   uint32
	TotalFileSize        uint32
	Checksum             uint32
}

type pageDataHeader struct {
	GPA               uint64
	CompatibilityMask uint32
	FileOffset        uint32
	Flags             uint32
	DataType          uint16
	Reserved          uint16
}

// Parse decodes an IGVM image.
func Parse(b []byte) (*File, error) {
	if len(b) < fixedHeaderV1Size {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM image is %d bytes, fixed header needs %d", len(b), fixedHeaderV1Size)
	}
	var hdr fixedHeader
	if _, err := binary.Decode(b, binary.LittleEndian, &hdr); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "decoding IGVM fixed header: %w", err)
	}
	if hdr.Magic != Magic {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM magic is %#08x, want %#08x", hdr.Magic, Magic)
	}
	f := &File{Version: hdr.FormatVersion}
	fixedSize := fixedHeaderV1Size
	switch hdr.FormatVersion {
	case 1:
	case 2:
		fixedSize = fixedHeaderV2Size
		if len(b) < fixedSize {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM image is %d bytes, v2 fixed header needs %d", len(b), fixedSize)
		}
		f.Architecture = binary.LittleEndian.Uint32(b[24:])
		f.PageSize = binary.LittleEndian.Uint32(b[28:])
	default:
		return nil, errdefs.Errorf(errdefs.MalformedInput, "unsupported IGVM format version %d", hdr.FormatVersion)
	}

	if uint64(hdr.TotalFileSize) != uint64(len(b)) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM total file size is %d, image is %d bytes", hdr.TotalFileSize, len(b))
	}
	start, size := uint64(hdr.VariableHeaderOffset), uint64(hdr.VariableHeaderSize)
	if start < uint64(fixedSize) || start+size > uint64(len(b)) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM variable headers [%#x, %#x) out of range", start, start+size)
	}
	if sum := checksum(b[:fixedSize], b[start:start+size]); sum != hdr.Checksum {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "IGVM checksum is %#08x, computed %#08x", hdr.Checksum, sum)
	}

	vh := b[start : start+size]
	for off := uint64(0); off < size; {
		if size-off < variableHeadSize {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "truncated variable header at %#x", start+off)
		}
		typ := binary.LittleEndian.Uint32(vh[off:])
		length := uint64(binary.LittleEndian.Uint32(vh[off+4:]))
		body := off + variableHeadSize
		if length > size-body {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "variable header %#x at %#x overruns the header section", typ, start+off)
		}
		d := Directive{Type: typ, Raw: vh[body : body+length]}
		if typ&typeMask == TypePageData {
			page, err := decodePage(b, d.Raw)
			if err != nil {
				return nil, errdefs.Errorf(errdefs.MalformedInput, "page data header at %#x: %w", start+off, err)
			}
			d.Page = page
		}
		f.Directives = append(f.Directives, d)
		off = alignUp(body+length, variableAlign)
	}
	return f, nil
}

func decodePage(file, raw []byte) (*PageData, error) {
	if len(raw) < pageDataSize {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "body is %d bytes, want %d", len(raw), pageDataSize)
	}
	var hdr pageDataHeader
	if _, err := binary.Decode(raw, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	page := &PageData{
		GPA:               hdr.GPA,
		CompatibilityMask: hdr.CompatibilityMask,
		Flags:             hdr.Flags,
		DataType:          hdr.DataType,
	}
	if hdr.FileOffset == 0 {
		return page, nil
	}
	end := uint64(hdr.FileOffset) + page.Size()
	if end > uint64(len(file)) {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "page %#x data [%#x, %#x) beyond end of file", hdr.GPA, hdr.FileOffset, end)
	}
	page.Data = file[hdr.FileOffset:end]
	return page, nil
}

// Pages returns the page data directives.
func (f *File) Pages() []*PageData {
	var pages []*PageData
	for _, d := range f.Directives {
		if d.Page != nil {
			pages = append(pages, d.Page)
		}
	}
	return pages
}

// Encode writes f as a version 1 image. Page data is stored after the
// variable headers, one full page per non-zero page.
func (f *File) Encode() ([]byte, error) {
	var vh bytes.Buffer
	var data bytes.Buffer
	type fixup struct {
		pos    int
		offset uint32
	}
	var fixups []fixup
	for _, d := range f.Directives {
		body := d.Raw
		if d.Page != nil {
			if d.Page.Data != nil && uint64(len(d.Page.Data)) != d.Page.Size() {
				return nil, errdefs.Errorf(errdefs.MalformedInput, "page %#x has %d bytes of data, want %d", d.Page.GPA, len(d.Page.Data), d.Page.Size())
			}
			var pb bytes.Buffer
			binary.Write(&pb, binary.LittleEndian, pageDataHeader{
				GPA:               d.Page.GPA,
				CompatibilityMask: d.Page.CompatibilityMask,
				Flags:             d.Page.Flags,
				DataType:          d.Page.DataType,
			})
			body = pb.Bytes()
			if d.Page.Data != nil {
				// FileOffset sits 12 bytes into the body.
				fixups = append(fixups, fixup{pos: vh.Len() + variableHeadSize + 12, offset: uint32(data.Len())})
				data.Write(d.Page.Data)
			}
		}
		binary.Write(&vh, binary.LittleEndian, [2]uint32{d.Type, uint32(len(body))})
		vh.Write(body)
		if pad := int(alignUp(uint64(vh.Len()), variableAlign)) - vh.Len(); pad > 0 {
			vh.Write(make([]byte, pad))
		}
	}

	dataStart := uint32(fixedHeaderV1Size + vh.Len())
	headers := vh.Bytes()
	for _, fx := range fixups {
		binary.LittleEndian.PutUint32(headers[fx.pos:], dataStart+fx.offset)
	}
	hdr := fixedHeader{
		Magic:                Magic,
		FormatVersion:        1,
		VariableHeaderOffset: fixedHeaderV1Size,
		VariableHeaderSize:   uint32(len(headers)),
		TotalFileSize:        dataStart + uint32(data.Len()),
	}
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	fixed := out.Bytes()
	binary.LittleEndian.PutUint32(fixed[20:], checksum(fixed, headers))
	out.Write(headers)
	out.Write(data.Bytes())
	return out.Bytes(), nil
}

// checksum is the CRC32 of the fixed header, with its checksum field read as
// zero, followed by the variable headers.
func checksum(fixed, variable []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(fixed[:20])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(fixed[24:])
	h.Write(variable)
	return h.Sum32()
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// PageDirective wraps p in a page data directive.
func PageDirective(p *PageData) Directive {
	return Directive{Type: TypePageData, Page: p}
}
