package flasher

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espflash/pkg/conn"
	"espflash/pkg/partition"
	"espflash/pkg/proto"
	"espflash/pkg/reset"
)

// appTestELF hand-assembles a minimal 32-bit little-endian ELF with a
// single PT_LOAD segment, the same shape image's own tests use, so
// FlashApp can run end to end without a toolchain-built binary.
func appTestELF(addr uint32, data []byte) []byte {
	const ehsize = 52
	const phentsize = 32

	buf := make([]byte, ehsize+phentsize+len(data))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 94) // EM_XTENSA
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], addr)
	binary.LittleEndian.PutUint32(buf[28:32], ehsize)
	binary.LittleEndian.PutUint16(buf[40:42], ehsize)
	binary.LittleEndian.PutUint16(buf[42:44], phentsize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	ph := buf[ehsize : ehsize+phentsize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	dataOff := uint32(ehsize + phentsize)
	binary.LittleEndian.PutUint32(ph[4:8], dataOff)
	binary.LittleEndian.PutUint32(ph[8:12], addr)
	binary.LittleEndian.PutUint32(ph[12:16], addr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(data)))
	binary.LittleEndian.PutUint32(ph[24:28], 5)
	binary.LittleEndian.PutUint32(ph[28:32], 4)

	copy(buf[dataOff:], data)
	return buf
}

const appTestCSV = `# Name, Type, SubType, Offset, Size, Flags
nvs,     data, nvs,     0x9000,  0x6000,
factory, app,  factory, 0x10000, 1M,
`

func TestFlashAppWritesBootloaderTableAndApp(t *testing.T) {
	p := &fakePort{reply: okReply}
	f := newTestFlasher(t, p, conn.ModeStub)

	opts := AppOptions{
		ELF:          appTestELF(0x10000, []byte{1, 2, 3, 4}),
		PartitionCSV: []byte(appTestCSV),
	}
	err := f.FlashApp(context.Background(), opts)
	require.NoError(t, err)

	assert.Contains(t, p.ops, proto.OpSpiAttach)
	assert.Contains(t, p.ops, proto.OpSpiSetParams)
	assert.Contains(t, p.ops, proto.OpFlashBegin)
	assert.Contains(t, p.ops, proto.OpFlashData)
	assert.Contains(t, p.ops, proto.OpFlashEnd)

	// Bootloader, partition table, and app: three FLASH_BEGINs.
	begins := 0
	for _, op := range p.ops {
		if op == proto.OpFlashBegin {
			begins++
		}
	}
	assert.Equal(t, 3, begins)
}

func TestFlashAppRejectsOversizePartitionTableBeforeAnyWrite(t *testing.T) {
	// 100 records at 32 bytes each overflow the default 0xC00-byte
	// region once the 32-byte trailer is added.
	var csv strings.Builder
	csv.WriteString("factory, app, factory, 0x10000, 64K,\n")
	for i := 0; i < 99; i++ {
		fmt.Fprintf(&csv, "d%d, data, nvs, 0x%x, 0x1000,\n", i, 0x20000+i*0x1000)
	}

	p := &fakePort{reply: okReply}
	f := newTestFlasher(t, p, conn.ModeStub)

	opts := AppOptions{
		ELF:          appTestELF(0x10000, []byte{1, 2, 3, 4}),
		PartitionCSV: []byte(csv.String()),
	}
	err := f.FlashApp(context.Background(), opts)
	assert.ErrorIs(t, err, partition.ErrRegionTooSmall)
	assert.Empty(t, p.ops)
}

func TestFlashAppRequiresAppPartition(t *testing.T) {
	p := &fakePort{reply: okReply}
	f := newTestFlasher(t, p, conn.ModeStub)

	opts := AppOptions{
		ELF:          appTestELF(0x10000, []byte{1, 2, 3, 4}),
		PartitionCSV: []byte("nvs, data, nvs, 0x9000, 0x6000,\n"),
	}
	err := f.FlashApp(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoAppPartition)
	assert.Empty(t, p.ops)
}

func TestPostResetSoftUsesProtocolOpcodes(t *testing.T) {
	p := &fakePort{reply: okReply}
	f := newTestFlasher(t, p, conn.ModeStub)

	require.NoError(t, f.c.PostReset(reset.ExitSoft))
	assert.Contains(t, p.ops, proto.OpFlashBegin)
	assert.Contains(t, p.ops, proto.OpFlashEnd)
}

func TestPostResetWatchdogProgramsWDT(t *testing.T) {
	p := &fakePort{reply: okReply}
	f := newTestFlasher(t, p, conn.ModeStub)

	require.NoError(t, f.c.PostReset(reset.ExitWatchdog))
	writes := 0
	for _, op := range p.ops {
		if op == proto.OpWriteReg {
			writes++
		}
	}
	assert.Equal(t, 3, writes) // unlock, arm, relock
}
