package flasher

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espflash/pkg/conn"
	"espflash/pkg/image"
	"espflash/pkg/proto"
)

// flashModel is a stateful device double behind fakePort's reply hook:
// a flash array where erase opcodes fill with 0xFF, FLASH_BEGIN +
// FLASH_DATA overlay bytes, SPI_FLASH_MD5 computes a real digest over
// the current contents, and READ_FLASH streams them back. It lets
// tests observe what a sequence of operations actually leaves on
// flash instead of scripting the answers.
type flashModel struct {
	mem       []byte
	writeAddr uint32
	blockSize uint32
}

func newFlashModel(size int, fill byte) *flashModel {
	m := &flashModel{mem: make([]byte, size)}
	for i := range m.mem {
		m.mem[i] = fill
	}
	return m
}

func (m *flashModel) fill(offset, size uint32, b byte) {
	end := offset + size
	if end > uint32(len(m.mem)) {
		end = uint32(len(m.mem))
	}
	for i := offset; i < end; i++ {
		m.mem[i] = b
	}
}

func (m *flashModel) reply(op proto.Opcode, reqData []byte) (data []byte, value uint32, status byte, errCode proto.ErrorCode, extraRaw []byte) {
	le := binary.LittleEndian
	switch op {
	case proto.OpFlashBegin, proto.OpFlashDeflBegin:
		m.blockSize = le.Uint32(reqData[8:12])
		m.writeAddr = le.Uint32(reqData[12:16])
	case proto.OpFlashData:
		size := le.Uint32(reqData[0:4])
		seq := le.Uint32(reqData[4:8])
		block := reqData[16 : 16+size]
		copy(m.mem[m.writeAddr+seq*m.blockSize:], block)
	case proto.OpEraseFlash:
		m.fill(0, uint32(len(m.mem)), 0xFF)
	case proto.OpEraseRegion:
		m.fill(le.Uint32(reqData[0:4]), le.Uint32(reqData[4:8]), 0xFF)
	case proto.OpSpiFlashMD5:
		offset := le.Uint32(reqData[0:4])
		length := le.Uint32(reqData[4:8])
		digest := md5.Sum(m.mem[offset : offset+length])
		return digest[:], 0, 0, 0, nil
	case proto.OpReadFlash:
		offset := le.Uint32(reqData[0:4])
		length := le.Uint32(reqData[4:8])
		return nil, 0, 0, 0, m.mem[offset : offset+length]
	}
	return nil, 0, 0, 0, nil
}

func newModelFlasher(t *testing.T, model *flashModel, mode conn.Mode) *Flasher {
	t.Helper()
	return newTestFlasher(t, &fakePort{reply: model.reply}, mode)
}

func TestEraseRegionLeavesRangeReadingErased(t *testing.T) {
	model := newFlashModel(0x10000, 0xA5)
	f := newModelFlasher(t, model, conn.ModeStub)

	require.NoError(t, f.EraseRegion(0x1000, 0x1000))

	got := make([]byte, 0x1000)
	require.NoError(t, f.ReadFlash(context.Background(), 0x1000, 0x1000, got, nil))
	for i, b := range got {
		require.Equal(t, byte(0xFF), b, "offset 0x%x", 0x1000+i)
	}

	// The sectors either side of the region are untouched.
	assert.Equal(t, byte(0xA5), model.mem[0xFFF])
	assert.Equal(t, byte(0xA5), model.mem[0x2000])
}

func TestEraseFlashThenMD5MatchesKnownDigest(t *testing.T) {
	model := newFlashModel(0x10000, 0x5A)
	f := newModelFlasher(t, model, conn.ModeStub)

	require.NoError(t, f.EraseFlash())

	got, err := f.ChecksumMD5(0x1000, 0x100)
	require.NoError(t, err)
	want := [16]byte{
		0x82, 0x7f, 0x26, 0x3e, 0xf9, 0xfb, 0x63, 0xd0,
		0x54, 0x99, 0xd1, 0x4f, 0xce, 0xf3, 0x2f, 0x60,
	}
	assert.Equal(t, want, got)
}

func TestWriteRawBytesThenReadBack(t *testing.T) {
	model := newFlashModel(0x10000, 0xFF)
	f := newModelFlasher(t, model, conn.ModeStub)

	seg := image.Segment{Addr: 0, Data: []byte{0x01, 0xA0}, Kind: image.Flash}
	require.NoError(t, f.WriteFlash(context.Background(), []image.Segment{seg}, WriteOptions{}))

	got := make([]byte, 2)
	require.NoError(t, f.ReadFlash(context.Background(), 0, 2, got, nil))
	assert.Equal(t, []byte{0x01, 0xA0}, got)
}
