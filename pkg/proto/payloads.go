package proto

import "encoding/binary"

// FlashBeginPayload builds the FLASH_BEGIN body: erase size, packet
// count, packet size, and flash offset.
func FlashBeginPayload(eraseSize, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// dataHeaderSize is the length of the (size, sequence, reserved,
// reserved) header that precedes the block bytes in every data command.
const dataHeaderSize = 16

// FlashDataPayload builds a FLASH_DATA body: a 16-byte header (size,
// sequence, two reserved words) followed by the block bytes.
func FlashDataPayload(block []byte, seq uint32) []byte {
	payload := make([]byte, dataHeaderSize+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[dataHeaderSize:], block)
	return payload
}

// FlashEndPayload builds the FLASH_END body. reboot selects the
// post-write reboot policy.
func FlashEndPayload(reboot bool) []byte {
	data := make([]byte, 4)
	if !reboot {
		binary.LittleEndian.PutUint32(data, 1)
	}
	return data
}

// FlashDeflBeginPayload is identical in shape to FlashBeginPayload but
// addresses the compressed-write opcode family.
func FlashDeflBeginPayload(eraseSize, numBlocks, blockSize, offset uint32) []byte {
	return FlashBeginPayload(eraseSize, numBlocks, blockSize, offset)
}

// FlashDeflDataPayload mirrors FlashDataPayload for compressed blocks.
func FlashDeflDataPayload(block []byte, seq uint32) []byte {
	return FlashDataPayload(block, seq)
}

// FlashDeflEndPayload mirrors FlashEndPayload for the compressed-write
// opcode family.
func FlashDeflEndPayload(reboot bool) []byte {
	return FlashEndPayload(reboot)
}

// SpiFlashMD5Payload builds the SPI_FLASH_MD5 body: address and length.
func SpiFlashMD5Payload(addr, length uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], length)
	return data
}

// SpiAttachPayload builds the SPI_ATTACH body. Zero selects the
// target's default SPI pin configuration.
func SpiAttachPayload(config uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], config)
	return data
}

// SpiSetParamsPayload builds the SPI_SET_PARAMS body describing the
// attached flash chip's geometry.
func SpiSetParamsPayload(size, blockSize, sectorSize, pageSize uint32, statusMask uint32) []byte {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:4], 0) // fl_id, unused by ROM
	binary.LittleEndian.PutUint32(data[4:8], size)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], sectorSize)
	binary.LittleEndian.PutUint32(data[16:20], pageSize)
	binary.LittleEndian.PutUint32(data[20:24], statusMask)
	return data
}

// ChangeBaudratePayload builds the CHANGE_BAUDRATE body: new rate then
// the rate the ROM currently thinks it's running at.
func ChangeBaudratePayload(newRate, oldRate uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], newRate)
	binary.LittleEndian.PutUint32(data[4:8], oldRate)
	return data
}

// EraseRegionPayload builds the ERASE_REGION body: offset and size,
// both required to be 4096-byte aligned.
func EraseRegionPayload(offset, size uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// ReadFlashPayload builds the stub-mode READ_FLASH body: offset,
// length, block size, and max frames in flight before an ack is due.
func ReadFlashPayload(offset, length, blockSize, maxInFlight uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], length)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], maxInFlight)
	return data
}

// MemBeginPayload builds the MEM_BEGIN body for a stub section upload:
// total size, block count, block size, and load address.
func MemBeginPayload(size, numBlocks, blockSize, addr uint32) []byte {
	return FlashBeginPayload(size, numBlocks, blockSize, addr)
}

// MemDataPayload builds a MEM_DATA body: size, sequence, two reserved
// words, then the block bytes.
func MemDataPayload(block []byte, seq uint32) []byte {
	return FlashDataPayload(block, seq)
}

// MemEndPayload builds the MEM_END body: a flag word (0 to jump to
// entry immediately, written when execute is true; 1 otherwise) and the
// entry point address.
func MemEndPayload(execute bool, entry uint32) []byte {
	data := make([]byte, 8)
	if execute {
		binary.LittleEndian.PutUint32(data[0:4], 0)
	} else {
		binary.LittleEndian.PutUint32(data[0:4], 1)
	}
	binary.LittleEndian.PutUint32(data[4:8], entry)
	return data
}

// WriteRegPayload builds the WRITE_REG body: address, value, mask, and
// a post-write delay (in microseconds), per the ROM's register API.
func WriteRegPayload(addr, value, mask, delayUS uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], mask)
	binary.LittleEndian.PutUint32(data[12:16], delayUS)
	return data
}

// ReadRegPayload builds the READ_REG body: just the register address.
func ReadRegPayload(addr uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	return data
}

// securityInfoChipIDOffset is where chip_id sits in a GET_SECURITY_INFO
// response payload: 4 bytes of flags, 1 flash_crypt_cnt byte, 7 key
// purpose bytes, then the little-endian chip_id.
const securityInfoChipIDOffset = 12

// SecurityInfoChipID extracts the chip_id field from a GET_SECURITY_INFO
// response payload, used to disambiguate targets that share a
// CHIP_DETECT_MAGIC_REG_ADDR value. ok is false if payload is too short
// to contain the field.
func SecurityInfoChipID(payload []byte) (chipID uint32, ok bool) {
	if len(payload) < securityInfoChipIDOffset+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[securityInfoChipIDOffset : securityInfoChipIDOffset+4]), true
}

// PadBlock copies data into a blockSize-length buffer, filling the
// remainder with 0xFF, the flash erase value. The command checksum
// covers the whole padded block.
func PadBlock(data []byte, blockSize int) []byte {
	if len(data) == blockSize {
		return data
	}
	block := make([]byte, blockSize)
	n := copy(block, data)
	for i := n; i < blockSize; i++ {
		block[i] = 0xFF
	}
	return block
}
