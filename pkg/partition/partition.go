// Package partition implements the CSV/binary partition-table codec:
// record types, binary encode/decode with the MD5 trailer, and a
// line-oriented CSV parser/writer. Binary round trips are byte-exact;
// CSV round trips are exact after whitespace normalization.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

// Magic is the fixed 2-byte marker at the start of every binary
// record.
const Magic uint16 = 0x50AA

// terminatorMarker ends the record stream before the reserved+MD5
// trailer.
const terminatorMarker uint16 = 0xEBEB

const recordSize = 32
const labelSize = 16
const reservedSize = 14
const md5Size = 16
const trailerSize = 2 + reservedSize + md5Size // terminator + reserved + md5

// DefaultRegionSize is the maximum binary table size the codec will
// emit unless overridden.
const DefaultRegionSize = 0xC00

// Type is a partition's coarse kind.
type Type byte

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

// Well-known subtypes.
const (
	SubtypeFactory byte = 0x00
	SubtypeOTAMin  byte = 0x10
	SubtypeOTAMax  byte = 0x1F
	SubtypeTest    byte = 0x20

	SubtypeNVS      byte = 0x02
	SubtypePHY      byte = 0x01
	SubtypeOTAData  byte = 0x00
	SubtypeCoredump byte = 0x03
	SubtypeNVSKeys  byte = 0x04
	SubtypeEFuseEmu byte = 0x05
)

// Flag bits.
const (
	FlagEncrypted uint32 = 1 << 0
)

// Entry is one partition-table row.
type Entry struct {
	Name    string
	Type    Type
	Subtype byte
	Offset  uint32
	Size    uint32
	Flags   uint32
}

// Table is an ordered, validated list of entries.
type Table struct {
	Entries []Entry
}

var (
	// ErrOverlap indicates two entries occupy overlapping flash ranges.
	ErrOverlap = errors.New("partition: entries overlap")
	// ErrMisaligned indicates an offset violates its type's alignment rule.
	ErrMisaligned = errors.New("partition: misaligned offset")
	// ErrTooSmall indicates a size is smaller than one flash sector.
	ErrTooSmall = errors.New("partition: size below one flash sector")
	// ErrLabelTooLong indicates a label exceeds 16 bytes once UTF-8 encoded.
	ErrLabelTooLong = errors.New("partition: label exceeds 16 bytes")
	// ErrDoesNotFit indicates the table exceeds the declared flash size.
	ErrDoesNotFit = errors.New("partition: table does not fit declared flash size")
	// ErrRegionTooSmall indicates the binary table exceeds the configured region.
	ErrRegionTooSmall = errors.New("partition: binary table exceeds configured region size")
	// ErrBadMD5 indicates a binary table's MD5 trailer does not match.
	ErrBadMD5 = errors.New("partition: MD5 trailer mismatch")
)

const sectorSize = 0x1000
const appAlign = 0x10000

// Validate checks alignment, minimum size, label length, non-overlap,
// and fit within flashSize (flashSize == 0 skips the fit check).
// Errors cite the entry's index and name; CSVTable.Validate cites its
// CSV source line instead.
func (t Table) Validate(flashSize uint32) error {
	labeled := make([]labeledEntry, len(t.Entries))
	for i, e := range t.Entries {
		labeled[i] = labeledEntry{Entry: e, label: fmt.Sprintf("entry %d (%s)", i, e.Name)}
	}
	return validateEntries(labeled, flashSize)
}

// labeledEntry pairs an Entry with the description Validate should
// cite for it in an error message (an index for a plain Table, a
// source line for a CSVTable).
type labeledEntry struct {
	Entry
	label string
}

// validateEntries is the invariant check shared by Table.Validate and
// CSVTable.Validate; only how each entry is labeled in error text
// differs between the two callers.
func validateEntries(entries []labeledEntry, flashSize uint32) error {
	sorted := append([]labeledEntry(nil), entries...)
	sortLabeledByOffset(sorted)

	for i, e := range sorted {
		if e.Offset%sectorSize != 0 {
			return errors.Annotatef(ErrMisaligned, "%s: offset 0x%x not 0x1000-aligned", e.label, e.Offset)
		}
		if e.Type == TypeApp && e.Offset%appAlign != 0 {
			return errors.Annotatef(ErrMisaligned, "%s: app offset 0x%x not 0x10000-aligned", e.label, e.Offset)
		}
		if e.Size < sectorSize {
			return errors.Annotatef(ErrTooSmall, "%s: size 0x%x", e.label, e.Size)
		}
		if len(e.Name) > labelSize {
			return errors.Annotatef(ErrLabelTooLong, "%s: label %q", e.label, e.Name)
		}
		if i > 0 {
			prev := sorted[i-1]
			if e.Offset < prev.Offset+prev.Size {
				return errors.Annotatef(ErrOverlap, "%s at 0x%x overlaps %s ending at 0x%x", e.label, e.Offset, prev.label, prev.Offset+prev.Size)
			}
		}
		if flashSize != 0 && e.Offset+e.Size > flashSize {
			return errors.Annotatef(ErrDoesNotFit, "%s ends at 0x%x, flash size is 0x%x", e.label, e.Offset+e.Size, flashSize)
		}
	}
	return nil
}

func sortLabeledByOffset(entries []labeledEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Offset < entries[j-1].Offset; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// EncodeBinary serializes t into its on-flash binary form: one
// 32-byte record per entry, then a 2-byte terminator marker, 14
// reserved bytes, and a 16-byte MD5 over every entry record byte.
// It refuses to produce output longer than regionSize (0 uses
// DefaultRegionSize).
func (t Table) EncodeBinary(regionSize uint32) ([]byte, error) {
	if regionSize == 0 {
		regionSize = DefaultRegionSize
	}

	var records bytes.Buffer
	for _, e := range t.Entries {
		rec := make([]byte, recordSize)
		binary.LittleEndian.PutUint16(rec[0:2], Magic)
		rec[2] = byte(e.Type)
		rec[3] = e.Subtype
		binary.LittleEndian.PutUint32(rec[4:8], e.Offset)
		binary.LittleEndian.PutUint32(rec[8:12], e.Size)
		copy(rec[12:12+labelSize], []byte(e.Name))
		binary.LittleEndian.PutUint32(rec[28:32], e.Flags)
		records.Write(rec)
	}

	sum := md5.Sum(records.Bytes())

	var out bytes.Buffer
	out.Write(records.Bytes())
	binary.Write(&out, binary.LittleEndian, terminatorMarker)
	out.Write(make([]byte, reservedSize))
	out.Write(sum[:])

	if out.Len() > int(regionSize) {
		return nil, errors.Annotatef(ErrRegionTooSmall, "table is %d bytes, region is %d bytes", out.Len(), regionSize)
	}
	return out.Bytes(), nil
}

// DecodeBinary parses a binary partition table, validating the MD5
// trailer.
func DecodeBinary(data []byte) (Table, error) {
	var entries []Entry
	off := 0
	for {
		if off+2 > len(data) {
			return Table{}, errors.Errorf("partition: truncated table at offset %d", off)
		}
		marker := binary.LittleEndian.Uint16(data[off : off+2])
		if marker == terminatorMarker {
			break
		}
		if marker != Magic {
			return Table{}, errors.Errorf("partition: bad record magic 0x%04x at offset %d", marker, off)
		}
		if off+recordSize > len(data) {
			return Table{}, errors.Errorf("partition: truncated record at offset %d", off)
		}
		rec := data[off : off+recordSize]
		label := bytes.TrimRight(rec[12:12+labelSize], "\x00")
		entries = append(entries, Entry{
			Name:    string(label),
			Type:    Type(rec[2]),
			Subtype: rec[3],
			Offset:  binary.LittleEndian.Uint32(rec[4:8]),
			Size:    binary.LittleEndian.Uint32(rec[8:12]),
			Flags:   binary.LittleEndian.Uint32(rec[28:32]),
		})
		off += recordSize
	}

	recordsLen := off
	trailerStart := off
	if trailerStart+trailerSize > len(data) {
		return Table{}, errors.Errorf("partition: truncated trailer")
	}
	gotMD5 := data[trailerStart+2+reservedSize : trailerStart+trailerSize]
	wantMD5 := md5.Sum(data[:recordsLen])
	if !bytes.Equal(gotMD5, wantMD5[:]) {
		return Table{}, errors.Trace(ErrBadMD5)
	}

	return Table{Entries: entries}, nil
}

// FindApp returns the partition the application image should be
// flashed to: the factory partition when present, otherwise the
// lowest-numbered OTA slot.
func (t Table) FindApp() (Entry, bool) {
	var best Entry
	found := false
	for _, e := range t.Entries {
		if e.Type != TypeApp {
			continue
		}
		if e.Subtype == SubtypeFactory {
			return e, true
		}
		if !found || e.Subtype < best.Subtype {
			best = e
			found = true
		}
	}
	return best, found
}

func typeName(t Type) string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("%d", t)
	}
}
