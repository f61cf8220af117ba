// Package slip implements the byte-stuffed framing codec used to wrap
// every request and response exchanged with the ROM bootloader and its
// stub replacement. It is a pure transform over byte slices: it knows
// nothing about serial ports, timeouts, or opcodes.
package slip

import (
	"bytes"
	"fmt"
)

// Marker and escape bytes, per the ROM bootloader's SLIP-derived framing.
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in End markers, escaping any literal End/Esc bytes
// it contains.
func Encode(data []byte) []byte {
	buf := make([]byte, 0, len(data)+2)
	buf = append(buf, End)
	for _, b := range data {
		switch b {
		case End:
			buf = append(buf, Esc, EscEnd)
		case Esc:
			buf = append(buf, Esc, EscEsc)
		default:
			buf = append(buf, b)
		}
	}
	buf = append(buf, End)
	return buf
}

// Decode reverses Encode. frame must include both End markers. Any byte
// following Esc other than EscEnd or EscEsc is a protocol error.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != End || frame[len(frame)-1] != End {
		return nil, fmt.Errorf("slip: frame missing end markers")
	}

	var buf bytes.Buffer
	escaped := false
	for i := 1; i < len(frame)-1; i++ {
		b := frame[i]
		if escaped {
			switch b {
			case EscEnd:
				buf.WriteByte(End)
			case EscEsc:
				buf.WriteByte(Esc)
			default:
				return nil, fmt.Errorf("slip: invalid escape sequence 0x%02x", b)
			}
			escaped = false
			continue
		}
		if b == Esc {
			escaped = true
			continue
		}
		buf.WriteByte(b)
	}
	if escaped {
		return nil, fmt.Errorf("slip: truncated escape sequence at end of frame")
	}
	return buf.Bytes(), nil
}

// ReadFrame scans buf for a complete End-delimited frame, returning the
// frame (including its End markers) and whatever bytes follow it. It
// returns a nil frame if buf does not yet contain a complete frame.
func ReadFrame(buf []byte) (frame, rest []byte) {
	start := bytes.IndexByte(buf, End)
	if start < 0 {
		return nil, buf
	}
	end := bytes.IndexByte(buf[start+1:], End)
	if end < 0 {
		return nil, buf[start:]
	}
	end += start + 1
	return buf[start : end+1], buf[end+1:]
}
