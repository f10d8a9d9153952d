package cfv

import (
	"bytes"
	"encoding/binary"

	"github.com/linuxboot/fiano/pkg/guid"
	"github.com/linuxboot/fiano/pkg/uefi"
	"github.com/migtd/policy-tools/errdefs"
)

// BlockSize is the block size recorded in the block map of built volumes.
const BlockSize = 0x1000

const (
	// EFI_FVB2 read/write/lock capabilities and status bits with an erase
	// polarity of one and 8-byte alignment.
	defaultVolumeAttributes = 0x0004FEFF

	maxSmallFileSize = 0xFFFFFF
)

type fileHeader struct {
	Name           guid.GUID
	HeaderChecksum uint8
	FileChecksum   uint8
	Type           uefi.FVFileType
	Attributes     uint8
	Size           [3]uint8
	State          uefi.FileState
}

// Build returns a size byte FFS2 firmware volume holding files, in order.
// Files without a type are stored as raw files. Unused space is erased to
// 0xFF.
func Build(size uint64, files []File) ([]byte, error) {
	if size == 0 || size%BlockSize != 0 {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "volume size %#x is not a positive multiple of %#x", size, BlockSize)
	}
	hdrLen := volumeHeaderSize + 2*blockMapEntrySize
	var buf bytes.Buffer
	hdr := uefi.FirmwareVolumeFixedHeader{
		FileSystemGUID: FFS2GUID,
		Length:         size,
		Signature:      volumeSignature,
		Attributes:     defaultVolumeAttributes,
		HeaderLen:      uint16(hdrLen),
		Revision:       volumeRevision,
	}
	// Writes to a bytes.Buffer cannot fail.
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, uefi.Block{Count: uint32(size / BlockSize), Size: BlockSize})
	binary.Write(&buf, binary.LittleEndian, uefi.Block{})

	out := buf.Bytes()
	// The header length is even, so the checksum cannot fail.
	sum, _ := uefi.Checksum16(out)
	binary.LittleEndian.PutUint16(out[50:], -sum)

	seen := make(map[guid.GUID]bool)
	for _, f := range files {
		if seen[f.Name] {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "file %s added twice", describe(f.Name))
		}
		seen[f.Name] = true
		if pad := int(uefi.Align8(uint64(len(out)))) - len(out); pad > 0 {
			out = append(out, bytes.Repeat([]byte{0xFF}, pad)...)
		}
		out = append(out, encodeFile(f)...)
	}
	if uint64(len(out)) > size {
		return nil, errdefs.Errorf(errdefs.CfvSizeMismatch, "files need %#x bytes, volume is %#x", len(out), size)
	}
	return append(out, bytes.Repeat([]byte{0xFF}, int(size)-len(out))...), nil
}

func encodeFile(f File) []byte {
	fileType := f.Type
	if fileType == 0 {
		fileType = FileTypeRaw
	}
	hdr := fileHeader{
		Name:         f.Name,
		Type:         fileType,
		Attributes:   f.Attributes &^ (attribLargeFile | attribChecksum),
		FileChecksum: uefi.EmptyBodyChecksum,
	}
	headerSize := fileHeaderSize
	size := uint64(fileHeaderSize + len(f.Data))
	if size >= maxSmallFileSize {
		hdr.Attributes |= attribLargeFile
		headerSize = largeHeaderSize
		size = uint64(largeHeaderSize + len(f.Data))
	}
	hdr.Size = uefi.Write3Size(size)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	if headerSize == largeHeaderSize {
		binary.Write(&buf, binary.LittleEndian, size)
	}
	out := buf.Bytes()
	// The header checksum covers the header with the file checksum and
	// state read as zero.
	out[16] = -(uefi.Checksum8(out) - uefi.EmptyBodyChecksum)
	// Inverted for an erase polarity of one.
	out[23] = ^uint8(uefi.FileStateValid)
	return append(out, f.Data...)
}
