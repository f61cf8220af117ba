// Package image builds bootable flash images from ELF binaries,
// following the ESP-IDF bootloader format (and its historical
// direct-boot predecessor): header synthesis, segment merging and
// alignment, the XOR checksum byte, and the appended SHA-256. Flash
// parameters are written into the header by Build, which parses the
// ELF on every call; there is no step that re-patches an image that
// was already built.
package image

import (
	"crypto/sha256"

	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/proto"
)

// Format selects between the default ESP-IDF bootloader format and
// the historical direct-boot format.
type Format int

const (
	FormatIDF Format = iota
	FormatDirectBoot
)

// AppDescriptorMagic identifies an embedded app descriptor record.
const AppDescriptorMagic = 0xABCD5432

// AppDescriptorOffset is the fixed offset, relative to image start,
// where a descriptor record is expected: immediately
// after the main header and the first segment's own 8-byte header.
const AppDescriptorOffset = headerSize + 8

// AppDescriptor is the subset of the embedded descriptor record the
// builder validates: its MMU page size must equal the page size the
// image was built with.
type AppDescriptor struct {
	Magic       uint32
	MMUPageSize uint32
}

// ErrAppDescriptorMismatch indicates the descriptor embedded in the
// ELF declares a different MMU page size than the build requested.
var ErrAppDescriptorMismatch = errors.New("image: app descriptor MMU page size mismatch")

// ErrMissingAppDescriptor indicates RequireAppDescriptor was set but
// no descriptor magic was found at AppDescriptorOffset.
var ErrMissingAppDescriptor = errors.New("image: missing app descriptor")

// Options controls how Build assembles the final image.
type Options struct {
	Target               chip.Target
	FlashParams          chip.FlashParams
	Format               Format
	HashAppended         bool
	MMUPageSize          uint32
	RequireAppDescriptor bool
}

// Build parses elfBytes and produces the final bootable image bytes
// for opts.Target, in opts.Format.
func Build(elfBytes []byte, opts Options) ([]byte, error) {
	segments, entry, err := ExtractSegments(elfBytes, opts.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}
	flashSegs := make([]Segment, 0, len(segments))
	for _, s := range segments {
		if s.Kind == Flash {
			flashSegs = append(flashSegs, s)
		}
	}
	if len(flashSegs) == 0 {
		return nil, errors.Trace(ErrNoLoadableSegments)
	}

	switch opts.Format {
	case FormatDirectBoot:
		return buildDirectBoot(flashSegs), nil
	default:
		return buildIDF(flashSegs, entry, opts)
	}
}

func buildDirectBoot(segments []Segment) []byte {
	// Direct-boot format: a single contiguous load, entry is the first
	// instruction of the first segment, no header magic transformation,
	// no SHA appended.
	var out []byte
	for _, s := range segments {
		out = append(out, s.Data...)
	}
	return out
}

func buildIDF(segments []Segment, entry uint32, opts Options) ([]byte, error) {
	modeByte, sizeFreqByte := opts.FlashParams.HeaderBytes()
	h := Header{
		SegmentCount:     byte(len(segments)),
		FlashModeByte:    modeByte,
		FlashSizeFreq:    sizeFreqByte,
		EntryAddr:        entry,
		ChipID:           opts.Target.ImageChipID,
		MinChipRevLegacy: byte(opts.Target.MinChipRevision),
		MinChipRevFull:   uint16(opts.Target.MinChipRevision),
		HashAppended:     opts.HashAppended,
	}

	out := h.Encode()
	for _, s := range segments {
		segHeader := make([]byte, 8)
		segHeader[0] = byte(s.Addr)
		segHeader[1] = byte(s.Addr >> 8)
		segHeader[2] = byte(s.Addr >> 16)
		segHeader[3] = byte(s.Addr >> 24)
		padded := alignUp16(len(s.Data))
		segHeader[4] = byte(padded)
		segHeader[5] = byte(padded >> 8)
		segHeader[6] = byte(padded >> 16)
		segHeader[7] = byte(padded >> 24)
		out = append(out, segHeader...)
		out = append(out, s.Data...)
		if pad := padded - len(s.Data); pad > 0 {
			out = append(out, make([]byte, pad)...)
		}
	}

	if opts.RequireAppDescriptor || opts.MMUPageSize != 0 {
		desc, err := readAppDescriptor(out)
		if err != nil {
			if opts.RequireAppDescriptor {
				return nil, errors.Trace(err)
			}
		} else if opts.MMUPageSize != 0 && desc.MMUPageSize != opts.MMUPageSize {
			return nil, errors.Annotatef(ErrAppDescriptorMismatch, "descriptor declares 0x%x, build requested 0x%x", desc.MMUPageSize, opts.MMUPageSize)
		}
	}

	// Pad the whole image to a 16-byte boundary and write the XOR
	// checksum at the last byte of that padding block,
	// folding over the real segment bytes only (not segment headers or
	// padding).
	checksum := byte(proto.ChecksumSeed)
	for _, s := range segments {
		for _, b := range s.Data {
			checksum ^= b
		}
	}
	total := alignUp16(len(out) + 1)
	pad := total - len(out)
	out = append(out, make([]byte, pad)...)
	out[len(out)-1] = checksum

	if opts.HashAppended {
		sum := sha256.Sum256(out)
		out = append(out, sum[:]...)
	}

	return out, nil
}

// readAppDescriptor reads the descriptor record at AppDescriptorOffset
// out of a partially built image.
func readAppDescriptor(img []byte) (AppDescriptor, error) {
	if len(img) < AppDescriptorOffset+8 {
		return AppDescriptor{}, errors.Trace(ErrMissingAppDescriptor)
	}
	magic := le32(img[AppDescriptorOffset:])
	if magic != AppDescriptorMagic {
		return AppDescriptor{}, errors.Trace(ErrMissingAppDescriptor)
	}
	return AppDescriptor{
		Magic:       magic,
		MMUPageSize: le32(img[AppDescriptorOffset+4:]),
	}, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
