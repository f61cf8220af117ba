// Package chip holds the per-target descriptor registry: chip magic
// values, memory map, peripheral register addresses, and the reset
// fallback order each target prefers. Targets are plain values in a
// table, not types; behavior that differs per chip lives in the
// descriptor's fields.
package chip

import "fmt"

// ID identifies a supported Espressif chip family.
type ID int

// Supported targets.
const (
	Unknown ID = iota
	ESP32
	ESP32S2
	ESP32S3
	ESP32C2
	ESP32C3
	ESP32C6
	ESP32H2
	ESP32P4
	ESP32C5
)

func (id ID) String() string {
	switch id {
	case ESP32:
		return "ESP32"
	case ESP32S2:
		return "ESP32-S2"
	case ESP32S3:
		return "ESP32-S3"
	case ESP32C2:
		return "ESP32-C2"
	case ESP32C3:
		return "ESP32-C3"
	case ESP32C6:
		return "ESP32-C6"
	case ESP32H2:
		return "ESP32-H2"
	case ESP32P4:
		return "ESP32-P4"
	case ESP32C5:
		return "ESP32-C5"
	default:
		return "unknown"
	}
}

// ResetKind names one of the pre-operation entry sequences a target
// may require, in fallback order.
type ResetKind int

// Reset strategies
const (
	ResetClassic ResetKind = iota
	ResetUsbJtag
	ResetHard
	ResetNone
)

// MemoryMap describes the address windows a target exposes.
type MemoryMap struct {
	IRAMBase, IRAMSize uint32
	DRAMBase, DRAMSize uint32
	FlashMMUBase       uint32
	ROMEntry           uint32
}

// Target is an immutable per-chip descriptor. Values are
// constructed once by the registry; callers never mutate them.
type Target struct {
	ID ID

	// ChipMagic values observed on CHIP_DETECT_MAGIC_REG_ADDR. Some
	// targets share a magic with another; conn.DetectChip disambiguates
	// those by issuing GET_SECURITY_INFO and matching on ImageChipID.
	ChipMagic []uint32

	XTALFreqsMHz    []int
	FlashFreqsMHz   []int
	FlashModes      []string
	FlashSizesBytes []int

	Memory MemoryMap

	UARTBase             uint32
	USBSerialJTAGBase    uint32
	WatchdogRegAddr      uint32
	WatchdogDisableWords []uint32
	SPIBase              uint32

	// Bootloader image offset in flash: 0x0 for ESP32/ESP32-S2,
	// 0x1000 for everything else.
	BootloaderOffset uint32

	// ImageChipID is the numeric chip identifier the ESP-IDF image
	// header stores at offset 12.
	ImageChipID uint16

	// EFuseBase is the base address of the eFuse register block read
	// by package efuse.
	EFuseBase uint32

	// DefaultPartitionTableOffset is where the partition table is
	// placed unless the caller overrides it.
	DefaultPartitionTableOffset uint32

	// RAMBlockSize is the maximum MEM_DATA payload per frame when
	// uploading the stub.
	RAMBlockSize uint32

	// ROMWriteBlockSize / StubWriteBlockSize are the FLASH_DATA block
	// sizes used before and after the stub takes over.
	ROMWriteBlockSize  uint32
	StubWriteBlockSize uint32

	// ResetOrder is the deterministic fallback chain of pre-operation
	// reset strategies tried at connect time.
	ResetOrder []ResetKind

	// SupportsDirectBoot reports whether the historical single-segment
	// image format can still be produced for this
	// target.
	SupportsDirectBoot bool

	// MinChipRevision is the lowest chip revision this descriptor
	// supports; images built for a lower revision are rejected.
	MinChipRevision int

	// Bootloader and Stub blobs, keyed by XTAL frequency (MHz), since
	// ROM bootloaders differ by crystal on some targets.
	// register() fills these in with placeholderBootloaderAndStub when
	// a Target literal leaves them nil; see blobs.go.
	BootloaderBlobs map[int][]byte
	StubBlob        *StubImage
}

// Bootloader returns the bootloader blob built for the given crystal
// frequency, or an error if t has no blob for that frequency.
func (t Target) Bootloader(xtalMHz int) ([]byte, error) {
	b, ok := t.BootloaderBlobs[xtalMHz]
	if !ok {
		return nil, fmt.Errorf("chip: %s has no bootloader blob for %dMHz XTAL", t.ID, xtalMHz)
	}
	return b, nil
}

// StubImage is the RAM-resident loader uploaded to replace ROM commands:
// one or more loadable sections plus an entry point.
type StubImage struct {
	Entry    uint32
	Sections []StubSection
}

// StubSection is one relocatable section (text or data) of a stub
// image, with its target load address.
type StubSection struct {
	Name string
	Addr uint32
	Data []byte
}

// CHIP_DETECT_MAGIC_REG_ADDR is the fixed register every target exposes
// chip-identification bits on.
const ChipDetectMagicRegAddr uint32 = 0x40001000

var registry = map[ID]Target{}

func register(t Target) {
	if t.BootloaderBlobs == nil || t.StubBlob == nil {
		blobs, stub := placeholderBootloaderAndStub(t)
		if t.BootloaderBlobs == nil {
			t.BootloaderBlobs = blobs
		}
		if t.StubBlob == nil {
			t.StubBlob = stub
		}
	}
	registry[t.ID] = t
}

// Get returns the descriptor for id, or an error if id is not known.
func Get(id ID) (Target, error) {
	t, ok := registry[id]
	if !ok {
		return Target{}, fmt.Errorf("chip: no registry entry for %s", id)
	}
	return t, nil
}

// ByMagic finds the target(s) whose ChipMagic list contains magic. Most
// targets have a unique magic; when more than one target matches, the
// caller must disambiguate via GET_SECURITY_INFO.
func ByMagic(magic uint32) []Target {
	var matches []Target
	for _, t := range registry {
		for _, m := range t.ChipMagic {
			if m == magic {
				matches = append(matches, t)
				break
			}
		}
	}
	return matches
}

func init() {
	register(Target{
		ID:                          ESP32,
		ImageChipID:                 0x0000,
		EFuseBase:                   0x3ff5a000,
		ChipMagic:                   []uint32{0x00f01d83},
		XTALFreqsMHz:                []int{40, 26},
		FlashFreqsMHz:               []int{40, 26, 20, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40080000, IRAMSize: 0x20000, DRAMBase: 0x3FFB0000, DRAMSize: 0x2C200, FlashMMUBase: 0x400D0000, ROMEntry: 0x40000080},
		UARTBase:                    0x3FF40000,
		WatchdogRegAddr:             0x3FF5F064,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x3FF42000,
		BootloaderOffset:            0x0,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetClassic, ResetHard},
		SupportsDirectBoot:          true,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32S2,
		ImageChipID:                 0x0002,
		EFuseBase:                   0x3f41a000,
		ChipMagic:                   []uint32{0x000007c6},
		XTALFreqsMHz:                []int{40},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40020000, IRAMSize: 0x40000, DRAMBase: 0x3FFB0000, DRAMSize: 0x40000, FlashMMUBase: 0x40080000, ROMEntry: 0x40000080},
		UARTBase:                    0x3F400000,
		USBSerialJTAGBase:           0x60038000,
		WatchdogRegAddr:             0x3F408064,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x3F402000,
		BootloaderOffset:            0x0,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32S3,
		ImageChipID:                 0x0009,
		EFuseBase:                   0x60007000,
		ChipMagic:                   []uint32{0x00000009},
		XTALFreqsMHz:                []int{40},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20, 32 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40370000, IRAMSize: 0x70000, DRAMBase: 0x3FC88000, DRAMSize: 0x78000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		USBSerialJTAGBase:           0x60038000,
		WatchdogRegAddr:             0x6001F064,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32C2,
		ImageChipID:                 0x000c,
		EFuseBase:                   0x60008800,
		ChipMagic:                   []uint32{0x6f51306f},
		XTALFreqsMHz:                []int{40, 26},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x4037C000, IRAMSize: 0x14000, DRAMBase: 0x3FCA0000, DRAMSize: 0x14000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		WatchdogRegAddr:             0x6000804C,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32C3,
		ImageChipID:                 0x0005,
		EFuseBase:                   0x60008800,
		ChipMagic:                   []uint32{0x6921506f, 0x1b31506f},
		XTALFreqsMHz:                []int{40},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x4037C000, IRAMSize: 0x60000, DRAMBase: 0x3FC80000, DRAMSize: 0x60000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		USBSerialJTAGBase:           0x60043000,
		WatchdogRegAddr:             0x6000804C,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32C6,
		ImageChipID:                 0x000d,
		EFuseBase:                   0x600b0800,
		ChipMagic:                   []uint32{0x2CE0806F},
		XTALFreqsMHz:                []int{40},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40800000, IRAMSize: 0x80000, DRAMBase: 0x40800000, DRAMSize: 0x80000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		USBSerialJTAGBase:           0x60043000,
		WatchdogRegAddr:             0x60008084,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32H2,
		ImageChipID:                 0x0010,
		EFuseBase:                   0x600b0800,
		ChipMagic:                   []uint32{0xD7B73E80},
		XTALFreqsMHz:                []int{32},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40800000, IRAMSize: 0x40000, DRAMBase: 0x40800000, DRAMSize: 0x40000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		USBSerialJTAGBase:           0x60043000,
		WatchdogRegAddr:             0x60008084,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32P4,
		ImageChipID:                 0x0012,
		EFuseBase:                   0x5012d000,
		ChipMagic:                   []uint32{0x0BFF5FA5},
		XTALFreqsMHz:                []int{40},
		FlashFreqsMHz:               []int{40, 80, 120},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{2 << 20, 4 << 20, 8 << 20, 16 << 20, 32 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x4FF00000, IRAMSize: 0xC0000, DRAMBase: 0x4FF00000, DRAMSize: 0xC0000, FlashMMUBase: 0x48000000, ROMEntry: 0x40000080},
		UARTBase:                    0x5000C000,
		USBSerialJTAGBase:           0x50002000,
		WatchdogRegAddr:             0x50008084,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x50003000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})

	register(Target{
		ID:                          ESP32C5,
		ImageChipID:                 0x0017,
		EFuseBase:                   0x600b0800,
		ChipMagic:                   []uint32{0x1101406F},
		XTALFreqsMHz:                []int{40, 48},
		FlashFreqsMHz:               []int{40, 80},
		FlashModes:                  []string{"qio", "qout", "dio", "dout"},
		FlashSizesBytes:             []int{1 << 20, 2 << 20, 4 << 20, 8 << 20, 16 << 20},
		Memory:                      MemoryMap{IRAMBase: 0x40800000, IRAMSize: 0x80000, DRAMBase: 0x40800000, DRAMSize: 0x80000, FlashMMUBase: 0x42000000, ROMEntry: 0x40000080},
		UARTBase:                    0x60000000,
		USBSerialJTAGBase:           0x60043000,
		WatchdogRegAddr:             0x60008084,
		WatchdogDisableWords:        []uint32{0},
		SPIBase:                     0x60002000,
		BootloaderOffset:            0x1000,
		DefaultPartitionTableOffset: 0x8000,
		RAMBlockSize:                0x1800,
		ROMWriteBlockSize:           0x400,
		StubWriteBlockSize:          0x4000,
		ResetOrder:                  []ResetKind{ResetUsbJtag, ResetClassic, ResetHard},
		SupportsDirectBoot:          false,
		MinChipRevision:             0,
	})
}
