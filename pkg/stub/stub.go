// Package stub implements the RAM-upload-and-handover sequence that
// replaces ROM bootloader commands with the faster stub loader: a
// MEM_BEGIN/MEM_DATA upload per section, one MEM_END with the
// entry point, then a wait for the stub's OHAI banner before the
// connection switches to stub mode.
package stub

import (
	"time"

	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/conn"
	"espflash/pkg/proto"
)

// BannerTimeout bounds how long to wait for the stub's "OHAI" banner
// after handover before falling back to ROM mode.
const BannerTimeout = 500 * time.Millisecond

// banner is the 4-byte string the stub sends once it starts running.
var banner = [4]byte{'O', 'H', 'A', 'I'}

// Load uploads target's stub image section by section and hands over
// execution, then waits for the banner. On success it returns nil and
// the caller should set Connection.Mode to conn.ModeStub; on banner
// timeout it returns an error and the caller should stay in ROM mode.
func Load(c *conn.Connection, t *chip.Target) error {
	if t.StubBlob == nil {
		return errors.Errorf("stub: target %s has no stub image", t.ID)
	}

	for _, section := range t.StubBlob.Sections {
		if err := uploadSection(c, t, section); err != nil {
			return errors.Annotatef(err, "stub: failed to upload section %q", section.Name)
		}
	}

	endReq := proto.NewRequest(proto.OpMemEnd, proto.MemEndPayload(true, t.StubBlob.Entry))
	if _, err := c.Command(endReq, 3*time.Second); err != nil {
		return errors.Annotatef(err, "stub: MEM_END failed")
	}

	if err := waitForBanner(c); err != nil {
		return errors.Annotatef(err, "stub: banner not received, falling back to ROM mode")
	}
	return nil
}

func uploadSection(c *conn.Connection, t *chip.Target, section chip.StubSection) error {
	blockSize := t.RAMBlockSize
	numBlocks := (uint32(len(section.Data)) + blockSize - 1) / blockSize

	beginReq := proto.NewRequest(proto.OpMemBegin, proto.MemBeginPayload(uint32(len(section.Data)), numBlocks, blockSize, section.Addr))
	if _, err := c.Command(beginReq, 3*time.Second); err != nil {
		return errors.Annotatef(err, "MEM_BEGIN failed for %q", section.Name)
	}

	for seq := uint32(0); seq < numBlocks; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > uint32(len(section.Data)) {
			end = uint32(len(section.Data))
		}
		block := section.Data[start:end]

		payload := proto.MemDataPayload(block, seq)
		dataReq := &proto.Request{Opcode: proto.OpMemData, Data: payload, Checksum: proto.Checksum(block)}
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			if _, err := c.Command(dataReq, 3*time.Second); err != nil {
				lastErr = err
				time.Sleep(50 * time.Millisecond)
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return errors.Annotatef(lastErr, "MEM_DATA seq %d failed for %q", seq, section.Name)
		}
	}
	return nil
}

func waitForBanner(c *conn.Connection) error {
	port := c.RawPort()
	if err := port.SetReadTimeout(BannerTimeout); err != nil {
		return err
	}
	buf := make([]byte, 4)
	read := 0
	deadline := time.Now().Add(BannerTimeout)
	for read < 4 && time.Now().Before(deadline) {
		n, err := port.Read(buf[read:])
		read += n
		if err != nil && n == 0 {
			return errors.Annotatef(err, "stub: read error while waiting for banner")
		}
	}
	if read < 4 || buf[0] != banner[0] || buf[1] != banner[1] || buf[2] != banner[2] || buf[3] != banner[3] {
		return errors.Errorf("stub: banner not observed within %s", BannerTimeout)
	}
	return nil
}
