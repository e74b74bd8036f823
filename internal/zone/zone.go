package zone

import (
	"encoding/binary"

	"github.com/forgeengine/memsys/internal/memerr"
	"github.com/forgeengine/memsys/internal/region"
)

// Zone is one independently-managed pool: a chain of segments, a set of
// size-segregated free lists threading through them, and running
// total/used counters. The small zone and the main zone are each one Zone;
// the dispatch between them lives in Allocator.
type Zone struct {
	name     string
	provider region.Provider
	growable bool
	growBy   int

	segments   []*segment
	head, tail *block

	freeHeads [bucketCount]*block

	total int
	used  int
}

// New creates a growable zone seeded with one segment of initialSize
// bytes, growing by growBy bytes (rounded up as needed) whenever a
// request can't be satisfied.
func New(name string, initialSize, growBy int, provider region.Provider) (*Zone, error) {
	z := &Zone{name: name, provider: provider, growable: true, growBy: growBy}
	if err := z.addSegment(initialSize); err != nil {
		return nil, err
	}

	return z, nil
}

// NewSmall creates a fixed-capacity zone that never grows; exhausting it
// is a fatal condition rather than a trigger for acquiring more memory.
func NewSmall(name string, size int, provider region.Provider) (*Zone, error) {
	z := &Zone{name: name, provider: provider, growable: false}
	if err := z.addSegment(size); err != nil {
		return nil, err
	}

	return z, nil
}

func (z *Zone) addSegment(size int) error {
	seg, err := newSegment(z.provider, size)
	if err != nil {
		return err
	}

	if len(z.segments) > 0 {
		sep := &block{seg: z.tail.seg, offset: z.tail.seg.cursor, id: -zoneMagic, tag: TagGeneral}
		z.linkAfter(z.tail, sep)
		z.tail = sep
	}

	z.segments = append(z.segments, seg)

	free := &block{seg: seg, offset: seg.carve(len(seg.buf)), size: len(seg.buf), tag: TagFree}
	if z.head == nil {
		z.head = free
	}
	z.linkAfter(z.tail, free)
	z.tail = free
	z.freeListInsert(free)

	z.total += len(seg.buf)

	return nil
}

func (z *Zone) linkAfter(at, b *block) {
	if at == nil {
		return
	}

	b.prev = at
	b.next = at.next
	if at.next != nil {
		at.next.prev = b
	}
	at.next = b
	if z.tail == at {
		z.tail = b
	}
}

func (z *Zone) unlink(b *block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if z.head == b {
		z.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if z.tail == b {
		z.tail = b.prev
	}
	b.prev, b.next = nil, nil
}

// alloc carves out a block of the requested tag and payload size, growing
// the zone if it is allowed to and the current segments have no fit.
func (z *Zone) alloc(tag Tag, size int) (*block, error) {
	if tag == TagFree || tag == TagStatic {
		memerr.Fatal("tag_malloc", z.name, size, "invalid tag %s for dynamic allocation", tag)
	}
	if size <= 0 {
		memerr.Fatal("tag_malloc", z.name, size, "invalid allocation size")
	}

	payload := alignUp(size, wordSize)
	total := alignUp(payload+guardBytes, wordSize)

	b := z.findFit(total)
	if b == nil && z.growable {
		growSize := z.growBy
		if total+guardBytes > growSize {
			growSize = alignUp(total*2, wordSize)
		}
		if err := z.addSegment(growSize); err != nil {
			return nil, err
		}
		b = z.findFit(total)
	}

	if b == nil {
		memerr.Fatal("tag_malloc", z.name, size, "out of memory")
	}

	z.freeListRemove(b)
	z.split(b, total)

	b.tag = tag
	b.id = zoneMagic
	b.owner = z
	binary.LittleEndian.PutUint32(b.guard(), guardPattern)
	z.used += b.size

	return b, nil
}

// split carves off b's trailing bytes beyond need into a new free block
// when the leftover is big enough to be useful on its own.
func (z *Zone) split(b *block, need int) {
	leftover := b.size - need
	if leftover < minFragment {
		return
	}

	nb := &block{seg: b.seg, offset: b.offset + need, size: leftover, tag: TagFree}
	z.linkAfter(b, nb)
	z.freeListInsert(nb)
	b.size = need
}

// free releases b, verifying its integrity, poisoning its payload, and
// coalescing it with any free neighbor sharing its segment.
func (z *Zone) free(b *block) error {
	if b.id != zoneMagic {
		memerr.Fatal("z_free", z.name, b.size, "freed pointer does not point to a valid zone block")
	}
	if b.tag == TagFree {
		memerr.Fatal("z_free", z.name, b.size, "double free")
	}
	if binary.LittleEndian.Uint32(b.guard()) != guardPattern {
		memerr.Fatal("z_free", z.name, b.size, "trailing guard corrupted, heap overrun suspected")
	}

	p := b.payload()
	for i := range p {
		p[i] = poisonByte
	}

	z.used -= b.size

	merged := b
	if prev := merged.prev; prev != nil && prev.seg == merged.seg && prev.tag == TagFree {
		z.freeListRemove(prev)
		prev.size += merged.size
		z.unlink(merged)
		merged = prev
	}
	if next := merged.next; next != nil && next.seg == merged.seg && next.tag == TagFree {
		z.freeListRemove(next)
		merged.size += next.size
		z.unlink(next)
	}

	z.freeListInsert(merged)

	return nil
}

// Used returns the number of bytes currently held by live blocks.
func (z *Zone) Used() int {
	return z.used
}

// Total returns the number of bytes acquired from the region provider
// across every segment this zone has grown to.
func (z *Zone) Total() int {
	return z.total
}

// availableMemory reports total unused bytes across every segment,
// counting both free-list blocks and never-yet-carved segment tail space.
func (z *Zone) availableMemory() int {
	free := z.total - z.used
	for _, s := range z.segments {
		free += s.remaining()
	}

	return free
}

// checkHeap walks the block list and panics on any structural corruption:
// broken physical adjacency within a segment, two adjacent free blocks
// that should have coalesced, or a live block with a stale id.
func (z *Zone) checkHeap() {
	for b := z.head; b != nil; b = b.next {
		if b.next != nil && b.next.prev != b {
			memerr.Fatal("check_heap", z.name, b.size, "block list back-link is inconsistent")
		}
		if b.isSeparator() {
			continue
		}
		if b.tag != TagFree && b.id != zoneMagic {
			memerr.Fatal("check_heap", z.name, b.size, "live block has corrupted id")
		}
		if b.next != nil && !b.next.isSeparator() && b.next.seg == b.seg {
			if b.next.offset != b.offset+b.size {
				memerr.Fatal("check_heap", z.name, b.size, "block list is not physically contiguous")
			}
			if b.tag == TagFree && b.next.tag == TagFree {
				memerr.Fatal("check_heap", z.name, b.size, "adjacent free blocks should have been coalesced")
			}
		}
	}
}
