package chip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKnownTarget(t *testing.T) {
	target, err := Get(ESP32C6)
	require.NoError(t, err)
	assert.Equal(t, ESP32C6, target.ID)
	assert.NotEmpty(t, target.ChipMagic)
}

func TestGetUnknownTarget(t *testing.T) {
	_, err := Get(ID(999))
	assert.Error(t, err)
}

func TestByMagicResolvesUniqueMatch(t *testing.T) {
	matches := ByMagic(0x00f01d83)
	require.Len(t, matches, 1)
	assert.Equal(t, ESP32, matches[0].ID)
}

func TestByMagicUnknownReturnsEmpty(t *testing.T) {
	assert.Empty(t, ByMagic(0xDEADBEEF))
}

func TestEveryTargetHasBlockSizesAndResetOrder(t *testing.T) {
	for _, id := range []ID{ESP32, ESP32S2, ESP32S3, ESP32C2, ESP32C3, ESP32C6, ESP32H2, ESP32P4, ESP32C5} {
		target, err := Get(id)
		require.NoError(t, err)
		assert.NotZero(t, target.ROMWriteBlockSize)
		assert.NotZero(t, target.StubWriteBlockSize)
		assert.NotEmpty(t, target.ResetOrder)
		assert.NotEmpty(t, target.FlashModes)
	}
}

func TestEveryTargetHasStubAndBootloaderBlobs(t *testing.T) {
	for _, id := range []ID{ESP32, ESP32S2, ESP32S3, ESP32C2, ESP32C3, ESP32C6, ESP32H2, ESP32P4, ESP32C5} {
		target, err := Get(id)
		require.NoError(t, err)

		require.NotNil(t, target.StubBlob, "%s missing stub image", id)
		assert.NotEmpty(t, target.StubBlob.Sections)
		for _, section := range target.StubBlob.Sections {
			assert.NotEmpty(t, section.Data, "%s stub section %q is empty", id, section.Name)
		}

		for _, mhz := range target.XTALFreqsMHz {
			blob, err := target.Bootloader(mhz)
			require.NoError(t, err)
			assert.NotEmpty(t, blob)
		}
	}
}

func TestBootloaderRejectsUnknownXTAL(t *testing.T) {
	target, err := Get(ESP32)
	require.NoError(t, err)

	_, err = target.Bootloader(999)
	assert.Error(t, err)
}

func TestDefaultFlashParamsPicksLargestSize(t *testing.T) {
	target, err := Get(ESP32)
	require.NoError(t, err)
	params := DefaultFlashParams(target)
	assert.Equal(t, 16<<20, params.SizeBytes)
	assert.NoError(t, params.Validate(target))
}

func TestFlashParamsValidateRejectsUnsupportedFrequency(t *testing.T) {
	target, err := Get(ESP32)
	require.NoError(t, err)
	params := FlashParams{SizeBytes: 4 << 20, Mode: QIO, FreqMHz: 120}
	assert.Error(t, params.Validate(target))
}

func TestHeaderBytesEncodesModeAndSizeFreq(t *testing.T) {
	p := FlashParams{SizeBytes: 4 << 20, Mode: DIO, FreqMHz: 40}
	modeByte, sizeFreqByte := p.HeaderBytes()
	assert.Equal(t, byte(0x02), modeByte)
	assert.Equal(t, byte(0x40), sizeFreqByte) // size nibble 4 << 4 | freq nibble 0
}
