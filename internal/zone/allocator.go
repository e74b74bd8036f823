// Package zone implements a tagged small-object allocator split across a
// growable main pool and a fixed-size small pool, modeled on the classic
// Z_Malloc/Z_TagMalloc/Z_Free/Z_FreeTags family: every live block carries
// an owner tag, single blocks free individually, and whole tag classes can
// be torn down in one call without the caller tracking pointers itself.
package zone

import (
	"unsafe"

	"github.com/forgeengine/memsys/internal/memerr"
	"github.com/forgeengine/memsys/internal/region"
)

// Allocator is the single entry point callers use: it owns one growable
// main zone and one fixed small zone, and dispatches every request to the
// right one by tag.
type Allocator struct {
	Main, Small *Zone

	ptrIndex map[unsafe.Pointer]*block
}

// NewAllocator builds the small zone (fixed at smallSize bytes) and then
// the main zone (mainInit bytes, growing by mainGrow whenever exhausted),
// acquiring their backing memory from provider.
func NewAllocator(mainInit, mainGrow, smallSize int, provider region.Provider) (*Allocator, error) {
	small, err := NewSmall("small", smallSize, provider)
	if err != nil {
		return nil, err
	}

	main, err := New("main", mainInit, mainGrow, provider)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		Main:     main,
		Small:    small,
		ptrIndex: make(map[unsafe.Pointer]*block),
	}, nil
}

func (a *Allocator) zoneFor(tag Tag) *Zone {
	if tag == TagSmall {
		return a.Small
	}

	return a.Main
}

// AllocTag is Z_TagMalloc: a raw, un-zeroed allocation under tag.
func (a *Allocator) AllocTag(tag Tag, size int) (unsafe.Pointer, error) {
	z := a.zoneFor(tag)

	b, err := z.alloc(tag, size)
	if err != nil {
		return nil, err
	}

	ptr := b.ptr()
	a.ptrIndex[ptr] = b

	return ptr, nil
}

// Alloc is Z_Malloc: a zero-filled TagGeneral allocation from the main zone.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	ptr, err := a.AllocTag(TagGeneral, size)
	if err != nil {
		return nil, err
	}

	clear(a.ptrIndex[ptr].payload())

	return ptr, nil
}

// AllocSmall is S_Malloc: a raw allocation from the small zone.
func (a *Allocator) AllocSmall(size int) (unsafe.Pointer, error) {
	return a.AllocTag(TagSmall, size)
}

// Free is Z_Free. Freeing nil, or a pointer this allocator never handed
// out, is a drop error rather than a panic; freeing a static string is a
// silent no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return memerr.Drop("z_free", "", 0, "free of nil pointer")
	}
	if IsStatic(ptr) {
		return nil
	}

	b, ok := a.ptrIndex[ptr]
	if !ok {
		return memerr.Drop("z_free", "", 0, "free of pointer not owned by this allocator")
	}

	if err := b.owner.free(b); err != nil {
		return err
	}

	delete(a.ptrIndex, ptr)

	return nil
}

// FreeTags is Z_FreeTags: every live block under tag, in both zones, is
// freed in block-list order so neighboring same-tag blocks coalesce the
// same way a sequence of individual Free calls would. It returns the count
// of blocks freed, so a second consecutive call with nothing left to match
// returns 0.
func (a *Allocator) FreeTags(tag Tag) (int, error) {
	if tag == TagFree || tag == TagStatic {
		memerr.Fatal("z_free_tags", "", 0, "invalid tag %s for bulk free", tag)
	}

	count := 0

	for _, z := range [...]*Zone{a.Main, a.Small} {
		var victims []*block
		for b := z.head; b != nil; b = b.next {
			if !b.isSeparator() && b.tag == tag {
				victims = append(victims, b)
			}
		}

		for _, b := range victims {
			ptr := b.ptr()
			if err := z.free(b); err != nil {
				return count, err
			}
			delete(a.ptrIndex, ptr)
			count++
		}
	}

	return count, nil
}

// AvailableMemory is Z_AvailableMemory: total unused bytes across both zones.
func (a *Allocator) AvailableMemory() int {
	return a.Main.availableMemory() + a.Small.availableMemory()
}

// CheckHeap validates both zones' internal structure, panicking on the
// first corruption found.
func (a *Allocator) CheckHeap() {
	a.Main.checkHeap()
	a.Small.checkHeap()
}
