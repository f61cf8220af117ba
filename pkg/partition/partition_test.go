package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x6000,
phy_init, data, phy,     0xf000,  0x1000,
factory,  app,  factory, 0x10000, 0x100000,
`

func TestParseCSVThenEncodeBinaryMatchesS4(t *testing.T) {
	table, err := ParseCSV(sampleCSV)
	require.NoError(t, err)
	require.NoError(t, table.Validate(4<<20))

	bin, err := table.EncodeBinary(0)
	require.NoError(t, err)

	// Scenario S4: the nvs record is first and matches the literal layout.
	rec := bin[0:32]
	assert.Equal(t, []byte{0xAA, 0x50}, rec[0:2])
	assert.Equal(t, byte(1), rec[2]) // type=data
	assert.Equal(t, byte(2), rec[3]) // subtype=nvs
	assert.Equal(t, uint32(0x9000), leU32(rec[4:8]))
	assert.Equal(t, uint32(0x6000), leU32(rec[8:12]))
	assert.Equal(t, "nvs", string(trimZero(rec[12:28])))
}

func TestBinaryRoundTrip(t *testing.T) {
	table, err := ParseCSV(sampleCSV)
	require.NoError(t, err)
	bin, err := table.EncodeBinary(0)
	require.NoError(t, err)

	decoded, err := DecodeBinary(bin)
	require.NoError(t, err)
	require.Len(t, decoded.Entries, len(table.Entries))
	for i := range table.Entries {
		assert.Equal(t, table.Entries[i], decoded.Entries[i])
	}

	bin2, err := decoded.EncodeBinary(0)
	require.NoError(t, err)
	assert.Equal(t, bin, bin2)
}

func TestCSVRoundTrip(t *testing.T) {
	table, err := ParseCSV(sampleCSV)
	require.NoError(t, err)
	csv := WriteCSV(table.Table)
	table2, err := ParseCSV(csv)
	require.NoError(t, err)
	assert.Equal(t, table.Entries, table2.Entries)

	csv2 := WriteCSV(table2.Table)
	assert.Equal(t, csv, csv2)
}

func TestCSVOverlapCitesSourceLine(t *testing.T) {
	const csv = `# Name,   Type, SubType, Offset,  Size, Flags
a,        data, nvs,     0x9000,  0x6000,
b,        data, phy,     0xa000,  0x1000,
`
	table, err := ParseCSV(csv)
	require.NoError(t, err)

	err = table.Validate(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverlap)
	assert.Contains(t, err.Error(), "line 3")
}

func TestDecodeBinaryRejectsCorruptMD5(t *testing.T) {
	table, err := ParseCSV(sampleCSV)
	require.NoError(t, err)
	bin, err := table.EncodeBinary(0)
	require.NoError(t, err)
	bin[len(bin)-1] ^= 0xFF // corrupt the last MD5 byte

	_, err = DecodeBinary(bin)
	assert.ErrorIs(t, err, ErrBadMD5)
}

func TestValidateRejectsOverlap(t *testing.T) {
	table := Table{Entries: []Entry{
		{Name: "a", Type: TypeData, Subtype: SubtypeNVS, Offset: 0x9000, Size: 0x6000},
		{Name: "b", Type: TypeData, Subtype: SubtypePHY, Offset: 0xA000, Size: 0x1000},
	}}
	err := table.Validate(0)
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestValidateRejectsMisalignedOffset(t *testing.T) {
	table := Table{Entries: []Entry{
		{Name: "a", Type: TypeData, Subtype: SubtypeNVS, Offset: 0x9001, Size: 0x6000},
	}}
	err := table.Validate(0)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestValidateRejectsAppNotAligned64K(t *testing.T) {
	table := Table{Entries: []Entry{
		{Name: "factory", Type: TypeApp, Subtype: SubtypeFactory, Offset: 0x1000, Size: 0x100000},
	}}
	err := table.Validate(0)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestEncodeBinaryRejectsOversizeRegion(t *testing.T) {
	var entries []Entry
	offset := uint32(0x10000)
	for i := 0; i < 100; i++ {
		entries = append(entries, Entry{Name: "p", Type: TypeData, Subtype: SubtypeNVS, Offset: offset, Size: 0x1000})
		offset += 0x1000
	}
	table := Table{Entries: entries}
	_, err := table.EncodeBinary(0)
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
