package image

import "encoding/binary"

// IDFMagic is the first byte of every ESP-IDF bootable image.
const IDFMagic = 0xE9

// headerSize is the length of the main+extended image header, matching
// the layout esptool and the ESP-IDF bootloader agree on: an 8-byte
// legacy header followed by a 16-byte extended header.
const headerSize = 24

const segmentAlign = 16

// Header is the fixed-size block prefixing an ESP-IDF image.
type Header struct {
	SegmentCount     byte
	FlashModeByte    byte
	FlashSizeFreq    byte
	EntryAddr        uint32
	WPPin            byte
	SPIPinDrv        [3]byte
	ChipID           uint16
	MinChipRevLegacy byte
	MinChipRevFull   uint16
	MaxChipRevFull   uint16
	HashAppended     bool
}

// Encode serializes h into the 24-byte on-flash header layout.
func (h Header) Encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = IDFMagic
	buf[1] = h.SegmentCount
	buf[2] = h.FlashModeByte
	buf[3] = h.FlashSizeFreq
	binary.LittleEndian.PutUint32(buf[4:8], h.EntryAddr)
	buf[8] = h.WPPin
	copy(buf[9:12], h.SPIPinDrv[:])
	binary.LittleEndian.PutUint16(buf[12:14], h.ChipID)
	buf[14] = h.MinChipRevLegacy
	binary.LittleEndian.PutUint16(buf[16:18], h.MinChipRevFull)
	binary.LittleEndian.PutUint16(buf[18:20], h.MaxChipRevFull)
	if h.HashAppended {
		buf[23] = 1
	}
	return buf
}

func alignUp16(n int) int {
	if n%segmentAlign == 0 {
		return n
	}
	return n + (segmentAlign - n%segmentAlign)
}
