// Package efuse reads and decodes the fixed eFuse register block: a
// single burst of READ_REG calls, cached after the first read,
// exposing chip revision, crystal selection, and feature flags.
// Only the block's base address (chip.Target.EFuseBase) varies per
// target; the word and bit positions of each field are fixed in this
// package and are the same for every target.
package efuse

import (
	"github.com/juju/errors"

	"espflash/pkg/chip"
)

// blockWords is the number of 32-bit words read in the single
// READ_REG burst.
const blockWords = 6

// reg is the minimal capability efuse needs from a connection.
type reg interface {
	ReadReg(addr uint32) (uint32, error)
}

// Reader caches a target's eFuse block after the first read.
type Reader struct {
	conn   reg
	target chip.Target
	words  []uint32
}

// New returns a Reader for target over conn.
func New(conn reg, target chip.Target) *Reader {
	return &Reader{conn: conn, target: target}
}

// Load performs the burst READ_REG read if it hasn't already run.
func (r *Reader) Load() error {
	if r.words != nil {
		return nil
	}
	words := make([]uint32, blockWords)
	for i := 0; i < blockWords; i++ {
		v, err := r.conn.ReadReg(r.target.EFuseBase + uint32(i*4))
		if err != nil {
			return errors.Annotatef(err, "efuse: failed to read word %d", i)
		}
		words[i] = v
	}
	r.words = words
	return nil
}

func (r *Reader) word(i int) uint32 {
	if i < 0 || i >= len(r.words) {
		return 0
	}
	return r.words[i]
}

// ChipRevision reports the (major, minor) chip revision, packed into
// word 3 as major<<8|minor by convention in this codec.
func (r *Reader) ChipRevision() (major, minor int, err error) {
	if err = r.Load(); err != nil {
		return 0, 0, err
	}
	v := r.word(3)
	return int(v>>8) & 0xFF, int(v) & 0xFF, nil
}

// XTALFreqMHz decodes the crystal-frequency selection bits from word 0.
func (r *Reader) XTALFreqMHz() (int, error) {
	if err := r.Load(); err != nil {
		return 0, err
	}
	sel := (r.word(0) >> 4) & 0x3
	switch sel {
	case 0:
		return 40, nil
	case 1:
		return 26, nil
	case 2:
		return 24, nil
	default:
		return 40, nil
	}
}

// Feature flags, decoded from word 1.
const (
	bitSecureBootEnabled = 1 << 0
	bitUSBDisabled       = 1 << 1
	bitFlashEncrypted    = 1 << 2
)

// Features is the decoded feature-flag set.
type Features struct {
	SecureBootEnabled bool
	USBDisabled       bool
	FlashEncrypted    bool
}

// Features decodes the feature-flag bit field.
func (r *Reader) Features() (Features, error) {
	if err := r.Load(); err != nil {
		return Features{}, err
	}
	v := r.word(1)
	return Features{
		SecureBootEnabled: v&bitSecureBootEnabled != 0,
		USBDisabled:       v&bitUSBDisabled != 0,
		FlashEncrypted:    v&bitFlashEncrypted != 0,
	}, nil
}
