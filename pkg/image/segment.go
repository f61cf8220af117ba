package image

// Kind distinguishes the two destinations a Segment can target.
type Kind int

const (
	Flash Kind = iota
	RAM
)

// Segment is a contiguous (address, bytes) block destined for RAM or
// flash. Flash segments are further split into write blocks by the
// flasher engine; RAM segments are left out of the image by Build and
// skipped by the flasher.
type Segment struct {
	Addr uint32
	Data []byte
	Kind Kind
}

// End returns the address one past the last byte of the segment.
func (s Segment) End() uint32 {
	return s.Addr + uint32(len(s.Data))
}
