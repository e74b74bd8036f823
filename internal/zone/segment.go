package zone

import "github.com/forgeengine/memsys/internal/region"

// segment is one contiguous slab of memory acquired from a region.Provider.
// A zone starts with exactly one segment and, if growable, acquires more as
// its first-fit search keeps failing.
type segment struct {
	buf    []byte
	cursor int // next unused offset into buf
}

// newSegment acquires size bytes from p and wraps them as a fresh segment
// with nothing carved out of it yet.
func newSegment(p region.Provider, size int) (*segment, error) {
	buf, err := p.Acquire(size)
	if err != nil {
		return nil, err
	}

	return &segment{buf: buf}, nil
}

// remaining reports how many bytes of buf have never been handed to a block.
func (s *segment) remaining() int {
	return len(s.buf) - s.cursor
}

// carve reserves n fresh bytes at the end of the segment's used region and
// returns their offset. Callers must have already checked remaining() >= n.
func (s *segment) carve(n int) int {
	off := s.cursor
	s.cursor += n

	return off
}
