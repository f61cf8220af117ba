package partition

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// subtypeNames maps the CSV's keyword subtypes to their numeric form.
var subtypeNames = map[Type]map[string]byte{
	TypeApp: {
		"factory": SubtypeFactory,
		"test":    SubtypeTest,
		"ota_0":   0x10, "ota_1": 0x11, "ota_2": 0x12, "ota_3": 0x13,
		"ota_4": 0x14, "ota_5": 0x15, "ota_6": 0x16, "ota_7": 0x17,
		"ota_8": 0x18, "ota_9": 0x19, "ota_10": 0x1A, "ota_11": 0x1B,
		"ota_12": 0x1C, "ota_13": 0x1D, "ota_14": 0x1E, "ota_15": 0x1F,
	},
	TypeData: {
		"ota":      SubtypeOTAData,
		"phy":      SubtypePHY,
		"nvs":      SubtypeNVS,
		"coredump": SubtypeCoredump,
		"nvs_keys": SubtypeNVSKeys,
		"efuse":    SubtypeEFuseEmu,
	},
}

// ParseError carries the 1-based source line number a CSV error
// occurred on.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("partition: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CSVTable is a Table parsed from CSV source, carrying each entry's
// 1-based source line alongside it so Validate can cite the real line
// an overlap or misalignment came from.
type CSVTable struct {
	Table
	Lines []int
}

// Validate overrides Table.Validate so errors cite the CSV line an
// offending entry came from instead of its position in the table.
func (t CSVTable) Validate(flashSize uint32) error {
	labeled := make([]labeledEntry, len(t.Entries))
	for i, e := range t.Entries {
		line := 0
		if i < len(t.Lines) {
			line = t.Lines[i]
		}
		labeled[i] = labeledEntry{Entry: e, label: fmt.Sprintf("line %d (%s)", line, e.Name)}
	}
	return validateEntries(labeled, flashSize)
}

// ParseCSV parses the partition-table CSV grammar: six
// comma-separated fields per line, `#` comments, blank offsets
// auto-placed sequentially after the previous entry.
func ParseCSV(src string) (CSVTable, error) {
	var entries []Entry
	var lines []int
	nextOffset := uint32(0)

	scanner := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) > 6 {
			// The flags field is itself a comma list; glue the overflow
			// back together.
			fields = append(fields[:5], strings.Join(fields[5:], ","))
		}
		if len(fields) != 6 {
			return CSVTable{}, &ParseError{Line: lineNo, Err: errors.Errorf("expected 6 fields, got %d", len(fields))}
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		typ, err := parseType(fields[1])
		if err != nil {
			return CSVTable{}, &ParseError{Line: lineNo, Err: err}
		}
		subtype, err := parseSubtype(typ, fields[2])
		if err != nil {
			return CSVTable{}, &ParseError{Line: lineNo, Err: err}
		}

		var offset uint32
		if fields[3] == "" {
			offset = alignOffset(nextOffset, typ)
		} else {
			v, err := parseNumber(fields[3])
			if err != nil {
				return CSVTable{}, &ParseError{Line: lineNo, Err: errors.Annotatef(err, "offset")}
			}
			offset = uint32(v)
		}

		size, err := parseSize(fields[4])
		if err != nil {
			return CSVTable{}, &ParseError{Line: lineNo, Err: errors.Annotatef(err, "size")}
		}

		flags, err := parseFlags(fields[5])
		if err != nil {
			return CSVTable{}, &ParseError{Line: lineNo, Err: err}
		}

		entries = append(entries, Entry{
			Name:    fields[0],
			Type:    typ,
			Subtype: subtype,
			Offset:  offset,
			Size:    size,
			Flags:   flags,
		})
		lines = append(lines, lineNo)
		nextOffset = offset + size
	}
	if err := scanner.Err(); err != nil {
		return CSVTable{}, errors.Annotatef(err, "partition: failed to read CSV")
	}
	return CSVTable{Table: Table{Entries: entries}, Lines: lines}, nil
}

func alignOffset(off uint32, t Type) uint32 {
	align := uint32(sectorSize)
	if t == TypeApp {
		align = appAlign
	}
	if off%align == 0 {
		return off
	}
	return off + (align - off%align)
}

func parseType(s string) (Type, error) {
	switch s {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	default:
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return 0, errors.Errorf("unknown partition type %q", s)
		}
		return Type(n), nil
	}
}

func parseSubtype(t Type, s string) (byte, error) {
	if names, ok := subtypeNames[t]; ok {
		if v, ok := names[s]; ok {
			return v, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("unknown subtype %q for type %s", s, typeName(t))
	}
	return byte(n), nil
}

func parseNumber(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// parseSize accepts decimal, hex (0x-prefixed), or K/M-suffixed sizes.
func parseSize(s string) (uint32, error) {
	if s == "" {
		return 0, errors.New("missing size")
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k"):
		mult = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := parseNumber(s)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid size %q", s)
	}
	return uint32(v * mult), nil
}

func parseFlags(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	var flags uint32
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(f) {
		case "encrypted":
			flags |= FlagEncrypted
		case "":
		default:
			return 0, errors.Errorf("unknown flag %q", f)
		}
	}
	return flags, nil
}

// WriteCSV renders t back to the CSV grammar ParseCSV accepts, with
// hex offsets/sizes and symbolic type/subtype names where known.
func WriteCSV(t Table) string {
	var b strings.Builder
	b.WriteString("# Name,   Type, SubType, Offset,  Size, Flags\n")
	for _, e := range t.Entries {
		subtypeStr := subtypeToString(e.Type, e.Subtype)
		flagsStr := ""
		if e.Flags&FlagEncrypted != 0 {
			flagsStr = "encrypted"
		}
		fmt.Fprintf(&b, "%s, %s, %s, 0x%x, 0x%x, %s\n", e.Name, typeName(e.Type), subtypeStr, e.Offset, e.Size, flagsStr)
	}
	return b.String()
}

func subtypeToString(t Type, subtype byte) string {
	if names, ok := subtypeNames[t]; ok {
		for name, v := range names {
			if v == subtype {
				return name
			}
		}
	}
	return fmt.Sprintf("0x%02x", subtype)
}
