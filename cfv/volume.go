// Package cfv reads and writes the configuration firmware volume (CFV) that
// carries the MigTD policy and its issuer chain.
//
// A CFV is a UEFI firmware volume in the FFS2 or FFS3 format. Files are
// looked up the same way the MigTD runtime does it: the first live raw file
// with a matching name wins.
package cfv

import (
	"encoding/binary"
	"sync"

	"github.com/google/logger"
	"github.com/linuxboot/fiano/pkg/guid"
	"github.com/linuxboot/fiano/pkg/uefi"
	"github.com/migtd/policy-tools/errdefs"
)

// Firmware volume constants.
const (
	volumeHeaderSize  = uefi.FirmwareVolumeFixedHeaderSize
	blockMapEntrySize = 8
	fileHeaderSize    = uefi.FileHeaderMinLength
	largeHeaderSize   = uefi.FileHeaderExtMinLength
	volumeRevision    = 2

	// "_FVH" read as a little-endian uint32.
	volumeSignature   uint32 = 0x4856465F
	erasePolarityAttr uint32 = 0x00000800
)

// File types.
const (
	FileTypeRaw = uefi.FVFileTypeRaw
	FileTypePad = uefi.FVFileTypePad
)

// File attributes.
const (
	attribLargeFile uint8 = 0x01
	attribChecksum  uint8 = 0x40
)

// fiano records the erase polarity of the volume it parses in package
// state, so parses are serialized and each volume may set its own polarity.
var fianoMu sync.Mutex

func init() {
	uefi.SuppressErasePolarityError = true
}

// Volume is a parsed firmware volume.
type Volume struct {
	FileSystem    guid.GUID
	Length        uint64
	Attributes    uint32
	ErasePolarity bool
	Blocks        []uefi.Block
	// Files holds the files of the volume in storage order, including
	// deleted and pad files.
	Files []*File
}

// File is one FFS file.
type File struct {
	Name       guid.GUID
	Type       uefi.FVFileType
	Attributes uint8
	// Offset of the file header from the start of the volume.
	Offset uint64
	// Data is the file content following the header.
	Data    []byte
	deleted bool
}

// Live reports whether the runtime would consider the file.
func (f *File) Live() bool {
	return !f.deleted && f.Type != FileTypePad
}

// ParseVolume parses the firmware volume at the start of b. The volume
// length recorded in the header must equal expectedSize; an expectedSize of
// zero accepts any length that fits in b.
func ParseVolume(b []byte, expectedSize uint64) (*Volume, error) {
	hdr, err := checkHeader(b, expectedSize)
	if err != nil {
		return nil, err
	}

	fianoMu.Lock()
	fv, err := uefi.NewFirmwareVolume(b[:hdr.Length], 0, false)
	fianoMu.Unlock()
	if err != nil {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "parsing firmware volume: %w", err)
	}

	v := &Volume{
		FileSystem:    fv.FileSystemGUID,
		Length:        fv.Length,
		Attributes:    fv.Attributes,
		ErasePolarity: fv.Attributes&erasePolarityAttr != 0,
		Blocks:        fv.Blocks,
	}
	var covered uint64
	for _, blk := range fv.Blocks {
		covered += uint64(blk.Count) * uint64(blk.Size)
	}
	if covered != v.Length {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "block map covers %#x bytes, volume length is %#x", covered, v.Length)
	}

	// fiano does not report file offsets; they follow from its walk, which
	// starts at the data offset and aligns every file to 8 bytes.
	offset := fv.DataOffset
	for _, f := range fv.Files {
		offset = uefi.Align8(offset)
		size, headerSize := f.Header.ExtendedSize, f.DataOffset
		if size < headerSize || size > v.Length-offset {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "file %v at %#x has size %#x, %#x bytes remain", f.Header.GUID, offset, size, v.Length-offset)
		}
		state := f.Header.State
		if v.ErasePolarity {
			state = ^state
		}
		v.Files = append(v.Files, &File{
			Name:       f.Header.GUID,
			Type:       f.Header.Type,
			Attributes: uint8(f.Header.Attributes),
			Offset:     offset,
			Data:       f.Buf()[headerSize:size],
			deleted:    !fileLive(state),
		})
		offset += size
	}
	logger.V(1).Infof("firmware volume: %d bytes, %d files", v.Length, len(v.Files))
	return v, nil
}

// checkHeader validates the fixed header fields that fiano accepts as is.
func checkHeader(b []byte, expectedSize uint64) (*uefi.FirmwareVolumeFixedHeader, error) {
	if len(b) < uefi.FirmwareVolumeMinSize {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "volume is %d bytes, header needs %d", len(b), uefi.FirmwareVolumeMinSize)
	}
	var hdr uefi.FirmwareVolumeFixedHeader
	if _, err := binary.Decode(b, binary.LittleEndian, &hdr); err != nil {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "decoding volume header: %w", err)
	}
	if hdr.Signature != volumeSignature {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "signature is %q, want %q", b[40:44], "_FVH")
	}
	if hdr.Revision != volumeRevision {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "revision is %d, want %d", hdr.Revision, volumeRevision)
	}
	if hdr.FileSystemGUID != FFS2GUID && hdr.FileSystemGUID != FFS3GUID {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "file system %v is neither FFS2 nor FFS3", hdr.FileSystemGUID)
	}
	hdrLen := int(hdr.HeaderLen)
	if hdrLen < uefi.FirmwareVolumeMinSize || hdrLen%2 != 0 || hdrLen > len(b) {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "header length %d out of range", hdrLen)
	}
	if sum, err := uefi.Checksum16(b[:hdrLen]); err != nil || sum != 0 {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "header checksum %#04x does not sum to zero (off by %#04x)", hdr.Checksum, sum)
	}
	if expectedSize != 0 && hdr.Length != expectedSize {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "volume length %#x, want %#x", hdr.Length, expectedSize)
	}
	if hdr.Length > uint64(len(b)) || hdr.Length < uint64(hdrLen) {
		return nil, errdefs.Errorf(errdefs.FvHeaderInvalid, "volume length %#x does not fit %d bytes", hdr.Length, len(b))
	}
	return &hdr, nil
}

// fileLive interprets the most significant state bit that is set.
func fileLive(state uefi.FileState) bool {
	switch {
	case state&uefi.FileStateHeaderInvalid != 0:
		return false
	case state&uefi.FileStateDeleted != 0:
		return false
	case state&uefi.FileStateMarkeForUpdate != 0:
		return true
	case state&uefi.FileStateDataValid != 0:
		return true
	}
	return false
}

// FileByGUID returns the first live raw file named g.
func (v *Volume) FileByGUID(g guid.GUID) (*File, error) {
	for _, f := range v.Files {
		if f.Name == g && f.Type == FileTypeRaw && f.Live() {
			return f, nil
		}
	}
	return nil, errdefs.Errorf(errdefs.GUIDNotFound, "no raw file %s in firmware volume", describe(g))
}

// ExtractFileByGUID parses the firmware volume in cfv and returns the data
// of the first live raw file named g.
func ExtractFileByGUID(cfv []byte, g guid.GUID) ([]byte, error) {
	v, err := ParseVolume(cfv, 0)
	if err != nil {
		return nil, err
	}
	f, err := v.FileByGUID(g)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}
