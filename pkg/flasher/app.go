package flasher

import (
	"context"

	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/image"
	"espflash/pkg/partition"
)

// ErrNoAppPartition is returned when the supplied partition table has
// no APP entry to place the application in.
var ErrNoAppPartition = errors.New("flasher: partition table has no app partition")

// AppOptions describes a full application flash: the linked ELF, the
// partition table (CSV or binary form), and the optional overrides a
// caller can apply on top of the target's defaults.
type AppOptions struct {
	ELF []byte

	// Exactly one of PartitionCSV / PartitionBin supplies the table.
	PartitionCSV []byte
	PartitionBin []byte

	// Bootloader overrides the registry blob; XTALFreqMHz selects which
	// registry blob is used when Bootloader is nil (0 picks the
	// target's first declared crystal).
	Bootloader  []byte
	XTALFreqMHz int

	// PartitionTableOffset and PartitionRegionSize both fall back to
	// their defaults (the target's table offset, 0xC00) when zero.
	PartitionTableOffset uint32
	PartitionRegionSize  uint32

	// FlashParams with a zero SizeBytes means "derive from the target".
	FlashParams chip.FlashParams

	Format      image.Format
	MMUPageSize uint32

	Write WriteOptions
}

// FlashApp builds the complete bootable layout for opts.ELF -
// bootloader, partition table, application image - and writes it to
// the target. The partition table is validated and encoded before
// anything touches the wire, so an oversized or inconsistent table
// fails without issuing a single flash opcode.
func (f *Flasher) FlashApp(ctx context.Context, opts AppOptions) error {
	t := f.c.Target
	if t == nil {
		return errors.New("flasher: no target selected")
	}

	params := opts.FlashParams
	if params.SizeBytes == 0 {
		params = f.DefaultFlashParams()
	}
	if err := params.Validate(*t); err != nil {
		return errors.Trace(err)
	}

	table, err := resolveTable(opts, uint32(params.SizeBytes))
	if err != nil {
		return errors.Trace(err)
	}
	tableBin, err := table.EncodeBinary(opts.PartitionRegionSize)
	if err != nil {
		return errors.Trace(err)
	}
	app, ok := table.FindApp()
	if !ok {
		return errors.Trace(ErrNoAppPartition)
	}

	appImage, err := image.Build(opts.ELF, image.Options{
		Target:       *t,
		FlashParams:  params,
		Format:       opts.Format,
		HashAppended: opts.Format == image.FormatIDF,
		MMUPageSize:  opts.MMUPageSize,
	})
	if err != nil {
		return errors.Trace(err)
	}

	bootloader := opts.Bootloader
	if bootloader == nil {
		xtal := opts.XTALFreqMHz
		if xtal == 0 {
			xtal = t.XTALFreqsMHz[0]
		}
		bootloader, err = t.Bootloader(xtal)
		if err != nil {
			return errors.Trace(err)
		}
	}

	tableOffset := opts.PartitionTableOffset
	if tableOffset == 0 {
		tableOffset = t.DefaultPartitionTableOffset
	}
	plan, err := image.PlaceApp(*t, bootloader, tableBin, appImage, tableOffset, app.Offset, app.Size)
	if err != nil {
		return errors.Trace(err)
	}

	if err := f.SpiAttach(); err != nil {
		return errors.Trace(err)
	}
	if err := f.SetFlashParams(params); err != nil {
		return errors.Trace(err)
	}
	return f.WriteFlash(ctx, plan.Segments(), opts.Write)
}

// resolveTable parses and validates whichever partition-table form the
// caller supplied.
func resolveTable(opts AppOptions, flashSize uint32) (partition.Table, error) {
	switch {
	case opts.PartitionBin != nil:
		table, err := partition.DecodeBinary(opts.PartitionBin)
		if err != nil {
			return partition.Table{}, err
		}
		return table, table.Validate(flashSize)
	case opts.PartitionCSV != nil:
		csvTable, err := partition.ParseCSV(string(opts.PartitionCSV))
		if err != nil {
			return partition.Table{}, err
		}
		return csvTable.Table, csvTable.Validate(flashSize)
	default:
		return partition.Table{}, errors.New("flasher: no partition table supplied")
	}
}
