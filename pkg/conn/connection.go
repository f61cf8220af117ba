// Package conn implements the framed command/response exchange with the
// ROM bootloader and its stub replacement: opening the transport,
// driving the entry sequence, syncing, detecting the chip, and running
// individual commands with timeout and retry. A single Connection
// carries a mode field that flips from ROM to stub once the stub
// loader takes over; nothing here is subclassed per chip or per mode.
package conn

import (
	"bytes"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/proto"
	"espflash/pkg/reset"
	"espflash/pkg/slip"
)

// Mode distinguishes ROM-bootloader opcodes/block sizes from the
// faster set available once the stub is resident.
type Mode int

const (
	ModeROM Mode = iota
	ModeStub
)

// DefaultCommandTimeout is the default per-command timeout for short
// operations.
const DefaultCommandTimeout = 5 * time.Second

// MaxResponseSize bounds a single decoded response frame. Anything
// larger is a framing failure, not a real bootloader reply.
const MaxResponseSize = 64 * 1024

// Connection owns the serial transport, sequence state, and the
// currently selected Target.
type Connection struct {
	port Port

	Target *chip.Target
	Mode   Mode

	lastResetStrategy reset.Kind
	haveLastReset     bool
	suspect           bool

	Baud int
}

// Open opens portName at the initial baud rate (default 115200)
// without yet performing the entry sequence.
func Open(portName string, baud int) (*Connection, error) {
	if baud == 0 {
		baud = 115200
	}
	p, err := OpenSerial(portName, baud)
	if err != nil {
		return nil, errors.Annotatef(err, "conn: failed to open %s", portName)
	}
	return &Connection{port: p, Baud: baud}, nil
}

// FromPort wraps an already-open Port (used by tests, and by callers
// that manage the transport lifecycle themselves).
func FromPort(p Port, baud int) *Connection {
	return &Connection{port: p, Baud: baud}
}

// Close releases the transport.
func (c *Connection) Close() error {
	return c.port.Close()
}

// IntoRawPort surrenders the transport for monitor use and marks the
// Connection unusable.
func (c *Connection) IntoRawPort() Port {
	p := c.port
	c.port = nil
	return p
}

// EnterDownloadMode drives the entry sequence for target's preferred
// reset order (or, before detection, a generic classic/hard fallback),
// then syncs. Each strategy in the chain is tried once, in order; it
// gives up after the last one fails.
func (c *Connection) EnterDownloadMode(order []reset.Kind) error {
	if len(order) == 0 {
		if c.Target != nil {
			order = convertResetOrder(c.Target.ResetOrder)
		}
	}
	if len(order) == 0 {
		order = []reset.Kind{reset.KindClassic, reset.KindHard}
	}
	// A strategy that worked before gets first try on re-entry.
	if c.haveLastReset {
		order = append([]reset.Kind{c.lastResetStrategy}, order...)
	}

	lines, ok := c.port.(reset.Lines)
	if !ok {
		return errors.New("conn: transport does not support line-based reset")
	}

	var lastErr error
	for _, kind := range order {
		if err := c.port.ResetInputBuffer(); err != nil {
			lastErr = err
			continue
		}
		strategy := reset.ByKind(kind)
		if err := strategy(lines); err != nil {
			lastErr = errors.Annotatef(err, "conn: reset strategy %d failed", kind)
			continue
		}
		if err := c.Sync(); err == nil {
			c.lastResetStrategy = kind
			c.haveLastReset = true
			glog.V(1).Infof("conn: entered download mode via reset strategy %d", kind)
			return nil
		} else {
			lastErr = err
		}
	}
	return errors.Annotatef(lastErr, "failed to enter download mode; try a different reset strategy")
}

// Sync sends the SYNC command up to eight times and succeeds on the
// first matching response.
func (c *Connection) Sync() error {
	payload := proto.SyncPayload()
	var lastErr error
	for i := 0; i < 8; i++ {
		req := proto.NewRequest(proto.OpSync, payload)
		if err := c.writeFrame(req); err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		resp, err := c.readMatching(proto.OpSync, 200*time.Millisecond)
		if err == nil && resp.Success() {
			// Drain any trailing sync echoes.
			for j := 0; j < 7; j++ {
				c.readMatching(proto.OpSync, 50*time.Millisecond)
			}
			c.suspect = false
			return nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return errors.Annotatef(lastErr, "conn: sync failed")
}

// DetectChip reads the chip-magic register and resolves it against the
// registry, disambiguating via the security-info register when more
// than one target shares a magic value.
func (c *Connection) DetectChip() (*chip.Target, error) {
	magic, err := c.ReadReg(chip.ChipDetectMagicRegAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "conn: failed to read chip magic")
	}
	matches := chip.ByMagic(magic)
	switch len(matches) {
	case 0:
		return nil, errors.Errorf("conn: unknown chip magic 0x%08x", magic)
	case 1:
		c.Target = &matches[0]
		return c.Target, nil
	default:
		req := proto.NewRequest(proto.OpGetSecurityInfo, nil)
		resp, err := c.Command(req, 1*time.Second)
		if err != nil {
			return nil, errors.Annotatef(err, "conn: chip magic 0x%08x is ambiguous between %d targets and GET_SECURITY_INFO failed", magic, len(matches))
		}
		chipID, ok := proto.SecurityInfoChipID(resp.Data)
		if !ok {
			return nil, errors.Errorf("conn: chip magic 0x%08x is ambiguous and GET_SECURITY_INFO response was too short to disambiguate", magic)
		}
		target, err := disambiguateByChipID(matches, chipID)
		if err != nil {
			return nil, err
		}
		c.Target = target
		return c.Target, nil
	}
}

// disambiguateByChipID picks the candidate whose ImageChipID matches
// chipID, the value GET_SECURITY_INFO reports for the chip actually
// attached. Split out from DetectChip so it can be unit
// tested directly against synthetic targets, independent of whether
// today's registry happens to contain a magic collision.
func disambiguateByChipID(matches []chip.Target, chipID uint32) (*chip.Target, error) {
	for i := range matches {
		if uint32(matches[i].ImageChipID) == chipID {
			return &matches[i], nil
		}
	}
	return nil, errors.Errorf("conn: GET_SECURITY_INFO chip_id 0x%x matched none of %d candidate targets", chipID, len(matches))
}

// Command runs opcode with the given payload and data checksum baked
// in by the caller (via proto.NewRequest), enforcing timeout and
// retrying once on a transport or protocol error.
func (c *Connection) Command(req *proto.Request, timeout time.Duration) (*proto.Response, error) {
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	resp, err := c.tryCommand(req, timeout)
	if err == nil {
		return resp, nil
	}
	glog.Warningf("conn: command 0x%02x failed, retrying once: %v", req.Opcode, err)
	if rerr := c.resync(); rerr != nil {
		return nil, errors.Annotatef(err, "conn: command 0x%02x failed and resync failed: %v", req.Opcode, rerr)
	}
	resp, err2 := c.tryCommand(req, timeout)
	if err2 != nil {
		return nil, errors.Annotatef(err2, "conn: command 0x%02x failed after retry", req.Opcode)
	}
	return resp, nil
}

func (c *Connection) tryCommand(req *proto.Request, timeout time.Duration) (*proto.Response, error) {
	if c.suspect {
		if err := c.resync(); err != nil {
			return nil, errors.Annotatef(err, "conn: suspect connection, resync failed")
		}
	}
	if err := c.writeFrame(req); err != nil {
		c.suspect = true
		return nil, errors.Annotatef(err, "conn: write failed")
	}
	resp, err := c.readMatching(req.Opcode, timeout)
	if err != nil {
		c.suspect = true
		return nil, err
	}
	if respErr := resp.Err(); respErr != nil {
		return resp, errors.Trace(respErr)
	}
	return resp, nil
}

func (c *Connection) resync() error {
	if err := c.Sync(); err != nil {
		return err
	}
	c.suspect = false
	return nil
}

func (c *Connection) writeFrame(req *proto.Request) error {
	frame := slip.Encode(req.Encode())
	_, err := c.port.Write(frame)
	return err
}

// readMatching reads frames until one matches opcode/response
// direction, discarding unrelated frames such as boot log lines
// emitted by a warm device.
func (c *Connection) readMatching(opcode proto.Opcode, timeout time.Duration) (*proto.Response, error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer

	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := c.port.SetReadTimeout(minDuration(remaining, 200*time.Millisecond)); err != nil {
			return nil, err
		}
		chunk := make([]byte, 1024)
		n, err := c.port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil && n == 0 {
			continue
		}

		for {
			frame, rest := slip.ReadFrame(buf.Bytes())
			if frame == nil {
				break
			}
			buf.Reset()
			buf.Write(rest)

			if len(frame) > MaxResponseSize {
				return nil, errors.Errorf("conn: frame exceeds max response size (%d bytes)", len(frame))
			}
			decoded, err := slip.Decode(frame)
			if err != nil {
				glog.V(2).Infof("conn: dropping malformed frame: %v", err)
				continue
			}
			resp, err := proto.DecodeResponse(decoded)
			if err != nil {
				glog.V(2).Infof("conn: dropping undecodable frame: %v", err)
				continue
			}
			if resp.Opcode != opcode {
				glog.V(2).Infof("conn: discarding unsolicited frame for opcode 0x%02x", resp.Opcode)
				continue
			}
			return resp, nil
		}
	}
	return nil, errors.Errorf("conn: timeout waiting for response to opcode 0x%02x", opcode)
}

// convertResetOrder maps a Target's chip-level reset order (chip.ResetKind,
// ordinal-compatible with reset.Kind) to the reset package's own type,
// so EnterDownloadMode can follow a detected target's preferred chain
// on reconnect without package reset importing package chip.
func convertResetOrder(order []chip.ResetKind) []reset.Kind {
	out := make([]reset.Kind, 0, len(order))
	for _, k := range order {
		switch k {
		case chip.ResetClassic:
			out = append(out, reset.KindClassic)
		case chip.ResetUsbJtag:
			out = append(out, reset.KindUsbJtag)
		case chip.ResetHard:
			out = append(out, reset.KindHard)
		case chip.ResetNone:
			out = append(out, reset.KindNone)
		}
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// ReadReg issues READ_REG and returns the register value.
func (c *Connection) ReadReg(addr uint32) (uint32, error) {
	req := proto.NewRequest(proto.OpReadReg, proto.ReadRegPayload(addr))
	resp, err := c.Command(req, 1*time.Second)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg issues WRITE_REG.
func (c *Connection) WriteReg(addr, value, mask, delayUS uint32) error {
	req := proto.NewRequest(proto.OpWriteReg, proto.WriteRegPayload(addr, value, mask, delayUS))
	_, err := c.Command(req, 1*time.Second)
	return err
}

// ChangeBaud issues CHANGE_BAUDRATE, reopens the local port at the new
// rate, and requires a subsequent Sync to succeed, reverting otherwise.
func (c *Connection) ChangeBaud(portName string, newBaud int) error {
	req := proto.NewRequest(proto.OpChangeBaudrate, proto.ChangeBaudratePayload(uint32(newBaud), uint32(c.Baud)))
	if _, err := c.Command(req, 1*time.Second); err != nil {
		return errors.Annotatef(err, "conn: change baud rate command failed")
	}

	oldPort := c.port
	oldBaud := c.Baud
	if err := oldPort.Close(); err != nil {
		return errors.Annotatef(err, "conn: failed to close port before baud change")
	}
	newPort, err := OpenSerial(portName, newBaud)
	if err != nil {
		return errors.Annotatef(err, "conn: failed to reopen port at %d baud", newBaud)
	}
	c.port = newPort
	c.Baud = newBaud
	time.Sleep(100 * time.Millisecond)

	if err := c.Sync(); err != nil {
		glog.Warningf("conn: sync failed after baud change to %d, reverting to %d", newBaud, oldBaud)
		c.port.Close()
		revert, rerr := OpenSerial(portName, oldBaud)
		if rerr != nil {
			return errors.Annotatef(rerr, "conn: failed to revert port after failed baud change")
		}
		c.port = revert
		c.Baud = oldBaud
		return errors.Annotatef(err, "conn: device did not respond at new baud rate, reverted")
	}
	return nil
}

// RawPort exposes the underlying transport for use by higher layers
// (flasher, stub) that need raw Write access for streaming opcodes.
func (c *Connection) RawPort() Port {
	return c.port
}
