package image

import (
	"github.com/juju/errors"

	"espflash/pkg/chip"
)

// ErrImageTooLarge is returned when a built app image does not fit
// the partition it was resolved to, with both sizes in the message.
var ErrImageTooLarge = errors.New("image: app image does not fit target partition")

// Plan is the complete set of flash writes needed to install an
// application: the bootloader, the partition table, and the app
// image, each at their resolved offsets.
type Plan struct {
	Bootloader Segment
	Partition  Segment
	App        Segment
}

// PlaceApp resolves the companion segments around appImage, given the
// bootloader and partition-table binaries, and the app's partition
// offset/size from the partition table. It fails with both sizes
// reported if appImage does not fit partSize.
func PlaceApp(t chip.Target, bootloader, partitionTable, appImage []byte, partitionTableOffset, appOffset, partSize uint32) (Plan, error) {
	if uint32(len(appImage)) > partSize {
		return Plan{}, errors.Annotatef(ErrImageTooLarge, "app is %d bytes, partition holds %d bytes", len(appImage), partSize)
	}
	if partitionTableOffset == 0 {
		partitionTableOffset = 0x8000
	}
	return Plan{
		Bootloader: Segment{Addr: t.BootloaderOffset, Data: bootloader, Kind: Flash},
		Partition:  Segment{Addr: partitionTableOffset, Data: partitionTable, Kind: Flash},
		App:        Segment{Addr: appOffset, Data: appImage, Kind: Flash},
	}, nil
}

// Segments returns the plan as an ordered, address-sorted segment
// list ready for the flasher engine.
func (p Plan) Segments() []Segment {
	segs := []Segment{p.Bootloader, p.Partition, p.App}
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j].Addr < segs[j-1].Addr; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
	return segs
}
