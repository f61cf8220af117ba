package efuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espflash/pkg/chip"
)

// fakeReg serves eFuse words out of a map keyed by register address,
// counting reads so tests can assert the burst runs exactly once.
type fakeReg struct {
	words map[uint32]uint32
	reads int
}

func (r *fakeReg) ReadReg(addr uint32) (uint32, error) {
	r.reads++
	return r.words[addr], nil
}

func esp32Target(t *testing.T) chip.Target {
	target, err := chip.Get(chip.ESP32)
	require.NoError(t, err)
	return target
}

func newFakeReg(target chip.Target, words []uint32) *fakeReg {
	m := make(map[uint32]uint32, len(words))
	for i, w := range words {
		m[target.EFuseBase+uint32(i*4)] = w
	}
	return &fakeReg{words: m}
}

func TestLoadBurstRunsOnce(t *testing.T) {
	target := esp32Target(t)
	r := newFakeReg(target, []uint32{0, 0, 0, 0, 0, 0})
	reader := New(r, target)

	require.NoError(t, reader.Load())
	first := r.reads
	require.NoError(t, reader.Load())
	assert.Equal(t, first, r.reads)

	_, _, err := reader.ChipRevision()
	require.NoError(t, err)
	assert.Equal(t, first, r.reads)
}

func TestChipRevisionDecodesMajorMinor(t *testing.T) {
	target := esp32Target(t)
	r := newFakeReg(target, []uint32{0, 0, 0, 0x0301, 0, 0})
	reader := New(r, target)

	major, minor, err := reader.ChipRevision()
	require.NoError(t, err)
	assert.Equal(t, 3, major)
	assert.Equal(t, 1, minor)
}

func TestXTALFreqMHzDecodesSelectionBits(t *testing.T) {
	target := esp32Target(t)
	for _, tc := range []struct {
		word0 uint32
		want  int
	}{
		{0 << 4, 40},
		{1 << 4, 26},
		{2 << 4, 24},
	} {
		r := newFakeReg(target, []uint32{tc.word0, 0, 0, 0, 0, 0})
		got, err := New(r, target).XTALFreqMHz()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestFeaturesDecodesFlagBits(t *testing.T) {
	target := esp32Target(t)
	r := newFakeReg(target, []uint32{0, bitSecureBootEnabled | bitFlashEncrypted, 0, 0, 0, 0})
	feats, err := New(r, target).Features()
	require.NoError(t, err)
	assert.True(t, feats.SecureBootEnabled)
	assert.False(t, feats.USBDisabled)
	assert.True(t, feats.FlashEncrypted)
}
