// Package flasher implements the high-level SPI-flash operations:
// write with optional skip/verify/compression, read, erase, and MD5
// checksum, all built on top of package conn. A single Flasher value
// dispatches opcodes and block sizes from the Connection's current
// mode (ROM vs stub) instead of splitting into two types.
package flasher

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/conn"
	"espflash/pkg/image"
	"espflash/pkg/proto"
)

// ErrCancelled is returned when a caller-supplied context is cancelled
// mid-operation.
var ErrCancelled = errors.New("flasher: operation cancelled")

// ErrVerifyFailed indicates the post-write MD5 check did not match.
var ErrVerifyFailed = errors.New("flasher: verification failed")

// ErrEraseAlignment indicates an erase offset or size was not a
// multiple of the flash sector size.
var ErrEraseAlignment = errors.New("flasher: erase region not sector-aligned")

const sectorSize = 4096

// WriteOptions controls write_flash behavior.
type WriteOptions struct {
	Skip     bool
	Verify   bool
	Compress bool
	Progress Progress
	Reboot   bool
}

// Flasher performs SPI-flash I/O over a Connection. It holds no state
// of its own beyond the Connection reference; Connection.Mode and
// Connection.Target select block sizes and opcodes.
type Flasher struct {
	c *conn.Connection
}

// New wraps c in a Flasher.
func New(c *conn.Connection) *Flasher {
	return &Flasher{c: c}
}

func (f *Flasher) blockSize() uint32 {
	if f.c.Mode == conn.ModeStub {
		return f.c.Target.StubWriteBlockSize
	}
	return f.c.Target.ROMWriteBlockSize
}

// SpiAttach issues SPI_ATTACH so subsequent flash commands address the
// attached chip (implicit in write_flash's contract).
func (f *Flasher) SpiAttach() error {
	req := proto.NewRequest(proto.OpSpiAttach, proto.SpiAttachPayload(0))
	_, err := f.c.Command(req, 3*time.Second)
	return errors.Annotatef(err, "flasher: SPI attach failed")
}

// SetFlashParams issues SPI_SET_PARAMS describing the attached flash
// chip's geometry.
func (f *Flasher) SetFlashParams(p chip.FlashParams) error {
	payload := proto.SpiSetParamsPayload(uint32(p.SizeBytes), 65536, sectorSize, 256, 0xFFFF)
	req := proto.NewRequest(proto.OpSpiSetParams, payload)
	_, err := f.c.Command(req, 3*time.Second)
	return errors.Annotatef(err, "flasher: SPI set params failed")
}

// WriteFlash writes each segment in segments to flash, honoring
// opts.Skip/Verify/Compress, reporting progress through opts.Progress,
// and checking ctx for cancellation between blocks.
func (f *Flasher) WriteFlash(ctx context.Context, segments []image.Segment, opts WriteOptions) error {
	progress := progressOrNoop(opts.Progress)

	for _, seg := range segments {
		if seg.Kind != image.Flash {
			continue
		}
		if err := f.writeSegment(ctx, seg, opts, progress); err != nil {
			return err
		}
	}

	reboot := opts.Reboot
	endOp := proto.OpFlashEnd
	if opts.Compress {
		endOp = proto.OpFlashDeflEnd
	}
	endReq := proto.NewRequest(endOp, proto.FlashEndPayload(reboot))
	// Tolerate either an immediate response or a transport drop from the
	// reboot racing the read.
	if _, err := f.c.Command(endReq, 3*time.Second); err != nil && !reboot {
		return errors.Annotatef(err, "flasher: FLASH_END failed")
	}
	return nil
}

func (f *Flasher) writeSegment(ctx context.Context, seg image.Segment, opts WriteOptions, progress Progress) error {
	progress.Init(seg.Addr, len(seg.Data))

	if opts.Skip {
		match, err := f.regionMatches(seg.Addr, seg.Data)
		if err != nil {
			return errors.Annotatef(err, "flasher: skip check failed at 0x%x", seg.Addr)
		}
		if match {
			glog.V(1).Infof("flasher: skipping segment at 0x%x (%d bytes, already present)", seg.Addr, len(seg.Data))
			progress.Finish(true)
			return nil
		}
	}

	var err error
	if opts.Compress {
		err = f.writeCompressed(ctx, seg, progress)
	} else {
		err = f.writeUncompressed(ctx, seg, progress)
	}
	if err != nil {
		return err
	}

	if opts.Verify {
		progress.Verifying()
		digest, err := f.ChecksumMD5(seg.Addr, uint32(len(seg.Data)))
		if err != nil {
			return errors.Annotatef(err, "flasher: post-write digest failed at 0x%x", seg.Addr)
		}
		want := md5.Sum(seg.Data)
		if digest != want {
			return errors.Annotatef(ErrVerifyFailed, "0x%x: expected %x, got %x", seg.Addr, want, digest)
		}
	}

	progress.Finish(false)
	return nil
}

func (f *Flasher) regionMatches(addr uint32, data []byte) (bool, error) {
	digest, err := f.ChecksumMD5(addr, uint32(len(data)))
	if err != nil {
		return false, err
	}
	return digest == md5.Sum(data), nil
}

func (f *Flasher) writeUncompressed(ctx context.Context, seg image.Segment, progress Progress) error {
	blockSize := int(f.blockSize())
	eraseSize := alignUp(len(seg.Data), sectorSize)
	numBlocks := (len(seg.Data) + blockSize - 1) / blockSize
	if numBlocks == 0 {
		numBlocks = 1
	}

	beginReq := proto.NewRequest(proto.OpFlashBegin, proto.FlashBeginPayload(uint32(eraseSize), uint32(numBlocks), uint32(blockSize), seg.Addr))
	if _, err := f.c.Command(beginReq, eraseTimeout(eraseSize)); err != nil {
		return errors.Annotatef(err, "flasher: FLASH_BEGIN failed at 0x%x", seg.Addr)
	}

	written := 0
	for seq := 0; written < len(seg.Data); seq++ {
		if err := checkCancel(ctx); err != nil {
			f.abortWrite(proto.OpFlashEnd)
			return err
		}
		end := written + blockSize
		if end > len(seg.Data) {
			end = len(seg.Data)
		}
		block := proto.PadBlock(seg.Data[written:end], blockSize)
		checksum := proto.Checksum(block)
		payload := proto.FlashDataPayload(block, uint32(seq))
		req := &proto.Request{Opcode: proto.OpFlashData, Data: payload, Checksum: checksum}
		if _, err := f.c.Command(req, 10*time.Second); err != nil {
			return errors.Annotatef(err, "flasher: FLASH_DATA seq %d failed at 0x%x", seq, seg.Addr)
		}
		written = end
		progress.Update(written)
	}
	return nil
}

func (f *Flasher) writeCompressed(ctx context.Context, seg image.Segment, progress Progress) error {
	var compressed bytes.Buffer
	w, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		return errors.Annotatef(err, "flasher: zlib writer init failed")
	}
	if _, err := w.Write(seg.Data); err != nil {
		return errors.Annotatef(err, "flasher: compression failed")
	}
	if err := w.Close(); err != nil {
		return errors.Annotatef(err, "flasher: compression flush failed")
	}
	compData := compressed.Bytes()

	blockSize := int(f.blockSize())
	eraseSize := alignUp(len(seg.Data), sectorSize)
	numBlocks := (len(compData) + blockSize - 1) / blockSize
	if numBlocks == 0 {
		numBlocks = 1
	}

	beginReq := proto.NewRequest(proto.OpFlashDeflBegin, proto.FlashDeflBeginPayload(uint32(eraseSize), uint32(numBlocks), uint32(blockSize), seg.Addr))
	if _, err := f.c.Command(beginReq, eraseTimeout(eraseSize)); err != nil {
		return errors.Annotatef(err, "flasher: FLASH_DEFL_BEGIN failed at 0x%x", seg.Addr)
	}

	written := 0
	for seq := 0; written < len(compData); seq++ {
		if err := checkCancel(ctx); err != nil {
			f.abortWrite(proto.OpFlashDeflEnd)
			return err
		}
		end := written + blockSize
		if end > len(compData) {
			end = len(compData)
		}
		block := compData[written:end]
		checksum := proto.Checksum(block)
		payload := proto.FlashDeflDataPayload(block, uint32(seq))
		req := &proto.Request{Opcode: proto.OpFlashDeflData, Data: payload, Checksum: checksum}
		if _, err := f.c.Command(req, 10*time.Second); err != nil {
			return errors.Annotatef(err, "flasher: FLASH_DEFL_DATA seq %d failed at 0x%x", seq, seg.Addr)
		}
		written = end
		// Progress reports uncompressed bytes represented so far, scaled
		// by the compression ratio, matching what the caller writes.
		progress.Update(int(float64(written) / float64(len(compData)) * float64(len(seg.Data))))
	}
	return nil
}

func (f *Flasher) abortWrite(endOp proto.Opcode) {
	req := proto.NewRequest(endOp, proto.FlashEndPayload(false))
	f.c.Command(req, 3*time.Second)
}

// ReadFlash reads length bytes starting at offset into sink, in order.
// On stub connections it uses the streaming READ_FLASH opcode with
// flow-control acks; on ROM connections it reads sector by sector.
func (f *Flasher) ReadFlash(ctx context.Context, offset, length uint32, sink []byte, progress Progress) error {
	if uint32(len(sink)) < length {
		return errors.Errorf("flasher: sink too small for %d bytes", length)
	}
	progress = progressOrNoop(progress)
	progress.Init(offset, int(length))

	if f.c.Mode == conn.ModeStub {
		if err := f.readFlashStub(ctx, offset, length, sink, progress); err != nil {
			return err
		}
	} else {
		if err := f.readFlashROM(ctx, offset, length, sink, progress); err != nil {
			return err
		}
	}
	progress.Finish(false)
	return nil
}

const readFlashMaxInFlight = 64

func (f *Flasher) readFlashStub(ctx context.Context, offset, length uint32, sink []byte, progress Progress) error {
	blockSize := f.blockSize()
	req := proto.NewRequest(proto.OpReadFlash, proto.ReadFlashPayload(offset, length, blockSize, readFlashMaxInFlight))
	if _, err := f.c.Command(req, 3*time.Second); err != nil {
		return errors.Annotatef(err, "flasher: READ_FLASH failed at 0x%x", offset)
	}

	port := f.c.RawPort()
	received := uint32(0)
	sinceAck := uint32(0)
	for received < length {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		want := blockSize
		if length-received < want {
			want = length - received
		}
		if err := port.SetReadTimeout(10 * time.Second); err != nil {
			return err
		}
		n, err := port.Read(sink[received : received+want])
		if n > 0 {
			received += uint32(n)
			progress.Update(int(received))
			sinceAck += uint32(n)
		}
		if err != nil && n == 0 {
			return errors.Annotatef(err, "flasher: read error at %d/%d bytes", received, length)
		}
		if sinceAck >= readFlashMaxInFlight || received >= length {
			ack := make([]byte, 4)
			ack[0] = byte(received)
			ack[1] = byte(received >> 8)
			ack[2] = byte(received >> 16)
			ack[3] = byte(received >> 24)
			if _, err := port.Write(ack); err != nil {
				return errors.Annotatef(err, "flasher: failed to ack read progress")
			}
			sinceAck = 0
		}
	}
	return nil
}

func (f *Flasher) readFlashROM(ctx context.Context, offset, length uint32, sink []byte, progress Progress) error {
	received := uint32(0)
	for received < length {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		want := sectorSize
		if int(length-received) < want {
			want = int(length - received)
		}
		// ROM has no streaming read; issue READ_FLASH one sector at a
		// time.
		req := proto.NewRequest(proto.OpReadFlash, proto.ReadFlashPayload(offset+received, uint32(want), uint32(want), 1))
		if _, err := f.c.Command(req, 3*time.Second); err != nil {
			return errors.Annotatef(err, "flasher: sector read failed at 0x%x", offset+received)
		}
		port := f.c.RawPort()
		port.SetReadTimeout(3 * time.Second)
		got := 0
		for got < want {
			n, err := port.Read(sink[received+uint32(got) : received+uint32(want)])
			got += n
			if err != nil && n == 0 {
				return errors.Annotatef(err, "flasher: sector read short at 0x%x", offset+received)
			}
		}
		received += uint32(want)
		progress.Update(int(received))
		ack := make([]byte, 4)
		ack[0] = byte(received)
		port.Write(ack)
	}
	return nil
}

// EraseFlash erases the entire attached chip.
func (f *Flasher) EraseFlash() error {
	if f.c.Mode != conn.ModeStub {
		return errors.Errorf("flasher: full-chip erase requires stub mode")
	}
	req := proto.NewRequest(proto.OpEraseFlash, nil)
	_, err := f.c.Command(req, 60*time.Second)
	return errors.Annotatef(err, "flasher: erase flash failed")
}

// EraseRegion erases [offset, offset+size), requiring both endpoints
// to be 4096-byte aligned.
func (f *Flasher) EraseRegion(offset, size uint32) error {
	if offset%sectorSize != 0 || size%sectorSize != 0 {
		return errors.Annotatef(ErrEraseAlignment, "offset=0x%x size=0x%x", offset, size)
	}
	if f.c.Mode == conn.ModeStub {
		req := proto.NewRequest(proto.OpEraseRegion, proto.EraseRegionPayload(offset, size))
		_, err := f.c.Command(req, eraseTimeout(int(size)))
		return errors.Annotatef(err, "flasher: erase region failed")
	}
	// ROM has no erase-only opcode; emulate by writing 0xFF over the
	// region through FLASH_BEGIN/FLASH_DATA/FLASH_END.
	blank := make([]byte, size)
	for i := range blank {
		blank[i] = 0xFF
	}
	seg := image.Segment{Addr: offset, Data: blank, Kind: image.Flash}
	return f.WriteFlash(context.Background(), []image.Segment{seg}, WriteOptions{})
}

// EraseParts erases each partition's extent in turn.
func (f *Flasher) EraseParts(offsets, sizes []uint32) error {
	for i := range offsets {
		if err := f.EraseRegion(offsets[i], sizes[i]); err != nil {
			return errors.Annotatef(err, "flasher: failed to erase partition %d", i)
		}
	}
	return nil
}

// ChecksumMD5 issues SPI_FLASH_MD5 and returns the 16-byte digest.
func (f *Flasher) ChecksumMD5(offset, length uint32) ([16]byte, error) {
	var digest [16]byte
	req := proto.NewRequest(proto.OpSpiFlashMD5, proto.SpiFlashMD5Payload(offset, length))
	resp, err := f.c.Command(req, 10*time.Second)
	if err != nil {
		return digest, errors.Annotatef(err, "flasher: SPI_FLASH_MD5 failed at 0x%x", offset)
	}
	if len(resp.Data) < 16 {
		return digest, errors.Errorf("flasher: MD5 response too short (%d bytes)", len(resp.Data))
	}
	copy(digest[:], resp.Data[:16])
	return digest, nil
}

// DefaultFlashParams derives default flash parameters for the
// connection's current target.
func (f *Flasher) DefaultFlashParams() chip.FlashParams {
	return chip.DefaultFlashParams(*f.c.Target)
}

func checkCancel(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.Annotatef(ErrCancelled, "%v", ctx.Err())
	default:
		return nil
	}
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func eraseTimeout(size int) time.Duration {
	t := time.Duration(size/(1<<20)+1) * 2 * time.Second
	if t < 3*time.Second {
		return 3 * time.Second
	}
	if t > 60*time.Second {
		return 60 * time.Second
	}
	return t
}
