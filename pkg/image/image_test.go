package image

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espflash/pkg/chip"
)

// buildTestELF hand-assembles a minimal 32-bit little-endian ELF with
// a single PT_LOAD program header carrying data, so debug/elf can
// parse it without a real toolchain-produced binary. entry is the
// ELF entry point; addr/data describe the one loadable segment.
func buildTestELF(entry, addr uint32, data []byte) []byte {
	const ehsize = 52
	const phentsize = 32

	buf := make([]byte, ehsize+phentsize+len(data))

	// e_ident
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	binary.LittleEndian.PutUint16(buf[16:18], 2)  // e_type: ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 94) // e_machine: EM_XTENSA
	binary.LittleEndian.PutUint32(buf[20:24], 1)  // e_version
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], ehsize) // e_phoff
	binary.LittleEndian.PutUint32(buf[32:36], 0)      // e_shoff
	binary.LittleEndian.PutUint32(buf[36:40], 0)      // e_flags
	binary.LittleEndian.PutUint16(buf[40:42], ehsize)
	binary.LittleEndian.PutUint16(buf[42:44], phentsize)
	binary.LittleEndian.PutUint16(buf[44:46], 1) // e_phnum
	binary.LittleEndian.PutUint16(buf[46:48], 0) // e_shentsize
	binary.LittleEndian.PutUint16(buf[48:50], 0) // e_shnum
	binary.LittleEndian.PutUint16(buf[50:52], 0) // e_shstrndx

	ph := buf[ehsize : ehsize+phentsize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // p_type: PT_LOAD
	dataOff := uint32(ehsize + phentsize)
	binary.LittleEndian.PutUint32(ph[4:8], dataOff)
	binary.LittleEndian.PutUint32(ph[8:12], addr)
	binary.LittleEndian.PutUint32(ph[12:16], addr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[24:28], 5) // p_flags: R+X
	binary.LittleEndian.PutUint32(ph[28:32], 4) // p_align

	copy(buf[dataOff:], data)
	return buf
}

func esp32Target(t *testing.T) chip.Target {
	target, err := chip.Get(chip.ESP32)
	require.NoError(t, err)
	return target
}

const flashLoadAddr = 0x00010000

func TestExtractSegmentsClassifiesFlashAndRAM(t *testing.T) {
	target := esp32Target(t)

	flashELF := buildTestELF(flashLoadAddr, flashLoadAddr, []byte{1, 2, 3, 4})
	segs, entry, err := ExtractSegments(flashELF, target)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, Flash, segs[0].Kind)
	assert.Equal(t, uint32(flashLoadAddr), entry)

	ramELF := buildTestELF(target.Memory.IRAMBase, target.Memory.IRAMBase, []byte{1, 2, 3, 4})
	segs, _, err = ExtractSegments(ramELF, target)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, RAM, segs[0].Kind)
}

func TestExtractSegmentsRejectsELFWithNoLoadableSegments(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, nil)
	_, _, err := ExtractSegments(elfBytes, target)
	assert.ErrorIs(t, err, ErrNoLoadableSegments)
}

func TestBuildIDFStartsWithMagicByte(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	out, err := Build(elfBytes, Options{
		Target:      target,
		FlashParams: chip.DefaultFlashParams(target),
		Format:      FormatIDF,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, byte(IDFMagic), out[0])
	assert.Equal(t, byte(1), out[1]) // SegmentCount
}

func TestBuildIDFChecksumFoldsOnlySegmentData(t *testing.T) {
	target := esp32Target(t)
	data := []byte{1, 2, 3, 4, 5}
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, data)

	out, err := Build(elfBytes, Options{
		Target:      target,
		FlashParams: chip.DefaultFlashParams(target),
		Format:      FormatIDF,
	})
	require.NoError(t, err)

	want := byte(0xEF)
	for _, b := range data {
		want ^= b
	}
	assert.Equal(t, want, out[len(out)-1])
}

func TestBuildIDFSHA256RoundTrips(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, []byte{1, 2, 3, 4, 5, 6, 7})

	out, err := Build(elfBytes, Options{
		Target:       target,
		FlashParams:  chip.DefaultFlashParams(target),
		Format:       FormatIDF,
		HashAppended: true,
	})
	require.NoError(t, err)
	require.True(t, len(out) > sha256.Size)

	body, trailer := out[:len(out)-sha256.Size], out[len(out)-sha256.Size:]
	want := sha256.Sum256(body)
	assert.Equal(t, want[:], trailer)
}

func TestBuildIDFSHA256BitFlipInvalidatesTrailer(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, []byte{1, 2, 3, 4, 5, 6, 7})

	out, err := Build(elfBytes, Options{
		Target:       target,
		FlashParams:  chip.DefaultFlashParams(target),
		Format:       FormatIDF,
		HashAppended: true,
	})
	require.NoError(t, err)

	out[0] ^= 0x01 // flip a bit in the header, well before the trailer

	body, trailer := out[:len(out)-sha256.Size], out[len(out)-sha256.Size:]
	got := sha256.Sum256(body)
	assert.NotEqual(t, trailer, got[:])
}

func TestBuildIDFRequireAppDescriptorFailsWhenAbsent(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, []byte{1, 2, 3, 4})

	_, err := Build(elfBytes, Options{
		Target:               target,
		FlashParams:          chip.DefaultFlashParams(target),
		Format:               FormatIDF,
		RequireAppDescriptor: true,
	})
	assert.ErrorIs(t, err, ErrMissingAppDescriptor)
}

// descriptorSegment builds segment data large enough to hold an app
// descriptor at AppDescriptorOffset once the header and 8-byte segment
// header precede it, with the descriptor's magic/page-size fields set.
func descriptorSegment(magic, mmuPageSize uint32) []byte {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:4], magic)
	binary.LittleEndian.PutUint32(data[4:8], mmuPageSize)
	return data
}

func TestBuildIDFDetectsAppDescriptorMMUPageSizeMismatch(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, descriptorSegment(AppDescriptorMagic, 0x8000))

	_, err := Build(elfBytes, Options{
		Target:      target,
		FlashParams: chip.DefaultFlashParams(target),
		Format:      FormatIDF,
		MMUPageSize: 0x10000,
	})
	assert.ErrorIs(t, err, ErrAppDescriptorMismatch)
}

func TestBuildIDFAcceptsMatchingAppDescriptor(t *testing.T) {
	target := esp32Target(t)
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, descriptorSegment(AppDescriptorMagic, 0x10000))

	out, err := Build(elfBytes, Options{
		Target:      target,
		FlashParams: chip.DefaultFlashParams(target),
		Format:      FormatIDF,
		MMUPageSize: 0x10000,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(IDFMagic), out[0])
}

func TestBuildDirectBootConcatenatesSegmentsWithNoHeader(t *testing.T) {
	target := esp32Target(t)
	data := []byte{0xAA, 0xBB, 0xCC}
	elfBytes := buildTestELF(flashLoadAddr, flashLoadAddr, data)

	out, err := Build(elfBytes, Options{
		Target: target,
		Format: FormatDirectBoot,
	})
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestPlaceAppRejectsImageLargerThanPartition(t *testing.T) {
	target := esp32Target(t)
	_, err := PlaceApp(target, nil, nil, make([]byte, 100), 0x8000, 0x10000, 64)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestPlaceAppOrdersSegmentsByAddress(t *testing.T) {
	target := esp32Target(t)
	plan, err := PlaceApp(target, []byte{1}, []byte{2}, []byte{3}, 0x8000, 0x10000, 16)
	require.NoError(t, err)
	segs := plan.Segments()
	require.Len(t, segs, 3)
	for i := 1; i < len(segs); i++ {
		assert.LessOrEqual(t, segs[i-1].Addr, segs[i].Addr)
	}
}
