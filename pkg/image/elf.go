package image

import (
	"bytes"
	"debug/elf"
	"sort"

	"github.com/juju/errors"

	"espflash/pkg/chip"
)

// ErrNoLoadableSegments is returned when an ELF has no PT_LOAD
// program headers with non-zero file size.
var ErrNoLoadableSegments = errors.New("image: ELF has no loadable segments")

// ExtractSegments parses elfBytes and returns the merged, sorted list
// of loadable segments destined for t's memory map, split into Flash
// or RAM kind by which window they fall in. Segments
// with FileSize == 0 (pure .bss) are dropped; they carry no bytes to
// flash.
func ExtractSegments(elfBytes []byte, t chip.Target) ([]Segment, uint32, error) {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, 0, errors.Annotatef(err, "image: failed to parse ELF")
	}
	defer f.Close()

	type raw struct {
		addr uint32
		data []byte
	}
	var segs []raw
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, 0, errors.Annotatef(err, "image: failed to read segment at 0x%x", prog.Vaddr)
		}
		segs = append(segs, raw{addr: uint32(prog.Vaddr), data: data})
	}
	if len(segs) == 0 {
		return nil, 0, errors.Trace(ErrNoLoadableSegments)
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].addr < segs[j].addr })

	merged := []raw{segs[0]}
	for _, s := range segs[1:] {
		last := &merged[len(merged)-1]
		if s.addr == last.addr+uint32(len(last.data)) {
			last.data = append(last.data, s.data...)
			continue
		}
		merged = append(merged, s)
	}

	out := make([]Segment, 0, len(merged))
	for _, s := range merged {
		out = append(out, Segment{Addr: s.addr, Data: s.data, Kind: classify(s.addr, t)})
	}
	return out, uint32(f.Entry), nil
}

func classify(addr uint32, t chip.Target) Kind {
	m := t.Memory
	if addr >= m.IRAMBase && addr < m.IRAMBase+m.IRAMSize {
		return RAM
	}
	if addr >= m.DRAMBase && addr < m.DRAMBase+m.DRAMSize {
		return RAM
	}
	return Flash
}
