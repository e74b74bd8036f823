// Package hunk implements a double-ended stack allocator: permanent
// allocations grow from one end of a single fixed arena, temporary
// allocations grow from the other end in strict LIFO order, and the two
// sides are never allowed to overlap. It is deliberately simpler than
// package zone: there is no free list and no per-block coalescing,
// because nothing here is ever freed except by discarding a whole
// contiguous run from one end.
package hunk

import (
	"unsafe"

	"github.com/forgeengine/memsys/internal/memerr"
	"github.com/forgeengine/memsys/internal/region"
	"github.com/forgeengine/memsys/internal/zone"
)

// cacheline is the alignment boundary every permanent allocation's size is
// rounded up to.
const cacheline = 64

// wordSize is the alignment boundary a temporary allocation's size is
// rounded up to.
var wordSize = int(unsafe.Sizeof(uintptr(0)))

// Preference names which end of the arena a permanent allocation would
// like to land on. It is a hint, not a pin: see Alloc for when it runs the
// side-swap heuristic in swapBanks. PreferDontCare always runs it.
type Preference int

const (
	PreferLow Preference = iota
	PreferHigh
	PreferDontCare
)

func (p Preference) String() string {
	switch p {
	case PreferHigh:
		return "high"
	case PreferDontCare:
		return "dontcare"
	default:
		return "low"
	}
}

func (p Preference) other() Preference {
	if p == PreferHigh {
		return PreferLow
	}

	return PreferHigh
}

// bank is the bookkeeping record for one physical end of the arena: how
// far permanent allocations have claimed (permanent), how far the LIFO
// temp stack currently reaches on top of that (temp, always >= permanent),
// the high-water mark temp has ever reached (tempHighwater, never
// decreases except on Clear), and a saved permanent offset for
// SetMark/ClearToMark (mark).
type bank struct {
	growsUp       bool // true for the low end; offsets grow away from 0
	mark          int
	permanent     int
	temp          int
	tempHighwater int
}

// addr turns a byte count claimed from this bank's end into an absolute
// offset into the arena buffer.
func (b *bank) addr(bufLen, claimed, size int) int {
	if b.growsUp {
		return claimed
	}

	return bufLen - claimed - size
}

// tempBlock is one entry in the LIFO stack of temporary allocations living
// on the non-permanent end.
type tempBlock struct {
	side         Preference
	offset, size int
	freed        bool
}

// Hunk is one double-ended stack arena, plus the fallback path
// AllocTemp/FreeTemp use while the arena itself has not been carved yet
// (spec.md's "the Hunk temporary API falls back to the Zone when the Hunk
// is not yet initialized").
type Hunk struct {
	name string
	buf  []byte

	initialized bool
	fallback    *zone.Allocator
	fallbackSet map[unsafe.Pointer]struct{}

	banks    [2]bank // index 0 = low end, index 1 = high end
	permSide Preference

	temp      []*tempBlock
	tempIndex map[unsafe.Pointer]*tempBlock
}

func bankIndex(p Preference) int {
	if p == PreferHigh {
		return 1
	}

	return 0
}

// New acquires size bytes from provider and returns a fresh, fully
// initialized Hunk with nothing allocated. Permanent allocations start on
// the low end, per spec.md §4.2.
func New(name string, size int, provider region.Provider) (*Hunk, error) {
	buf, err := provider.Acquire(size)
	if err != nil {
		return nil, err
	}

	h := &Hunk{
		name:        name,
		buf:         buf,
		initialized: true,
		tempIndex:   make(map[unsafe.Pointer]*tempBlock),
	}
	h.banks[0].growsUp = true
	h.banks[1].growsUp = false

	return h, nil
}

// NewUninitialized returns a Hunk with no arena yet: AllocTemp/FreeTemp
// delegate to fallback (ordinarily the main zone allocator, tag GENERAL)
// until Init is called. Alloc is not valid on an uninitialized Hunk.
func NewUninitialized(fallback *zone.Allocator) *Hunk {
	return &Hunk{
		fallback:    fallback,
		fallbackSet: make(map[unsafe.Pointer]struct{}),
	}
}

// Init carves out the arena for a Hunk previously built with
// NewUninitialized, transitioning it from fallback-via-zone mode into
// serving its own permanent/temp allocations directly.
func (h *Hunk) Init(name string, size int, provider region.Provider) error {
	buf, err := provider.Acquire(size)
	if err != nil {
		return err
	}

	h.name = name
	h.buf = buf
	h.banks = [2]bank{}
	h.banks[0].growsUp = true
	h.banks[1].growsUp = false
	h.permSide = PreferLow
	h.tempIndex = make(map[unsafe.Pointer]*tempBlock)
	h.temp = nil
	h.initialized = true

	return nil
}

func (h *Hunk) bank(p Preference) *bank {
	return &h.banks[bankIndex(p)]
}

// swapBanks is the side-swap heuristic of spec.md §4.2: it never swaps
// while any temp allocation is live on the current temp side, and
// otherwise exchanges which bank serves permanent vs. temp only if the
// temp side has strictly more touched-but-unused slack
// (tempHighwater - permanent) than the permanent side does.
func (h *Hunk) swapBanks() {
	tempBank := h.bank(h.permSide.other())
	if tempBank.temp != tempBank.permanent {
		return
	}

	permBank := h.bank(h.permSide)
	tempSlack := tempBank.tempHighwater - tempBank.permanent
	permSlack := permBank.tempHighwater - permBank.permanent

	if tempSlack > permSlack {
		h.permSide = h.permSide.other()
	}
}

// remaining reports the still-unclaimed gap between the two ends, per
// spec.md's memory_remaining formula: total - (max(low.permanent,low.temp)
// + max(high.permanent,high.temp)). temp is always >= permanent on a given
// bank, so this simplifies to total - (low.temp + high.temp), but the
// max() is kept explicit to match the spec text literally.
func (h *Hunk) remaining() int {
	maxOf := func(b *bank) int {
		if b.temp > b.permanent {
			return b.temp
		}

		return b.permanent
	}

	return len(h.buf) - maxOf(&h.banks[0]) - maxOf(&h.banks[1])
}

// MemoryRemaining is Hunk_MemoryRemaining.
func (h *Hunk) MemoryRemaining() int {
	return h.remaining()
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc is Hunk_Alloc: a zero-filled permanent allocation on whichever
// side currently serves permanent. PreferDontCare, a live temp allocation
// on the temp side, or a pref naming the side that is not currently
// permanent each run the side-swap heuristic first; pref does not force a
// side, so the allocation lands on the other side whenever swapBanks
// declines to swap. Permanent allocations are never freed individually;
// only Clear and ClearToMark reclaim them.
func (h *Hunk) Alloc(size int, pref Preference) (unsafe.Pointer, error) {
	if !h.initialized {
		memerr.Fatal("hunk_alloc", h.name, size, "hunk arena not initialized")
	}
	if size <= 0 {
		memerr.Fatal("hunk_alloc", h.name, size, "invalid allocation size")
	}

	tempBank := h.bank(h.permSide.other())
	liveTemp := tempBank.temp != tempBank.permanent

	switch {
	case pref == PreferDontCare || liveTemp:
		h.swapBanks()
	case pref != h.permSide:
		h.swapBanks()
	}

	size = alignUp(size, cacheline)

	if h.banks[0].temp+h.banks[1].temp+size > len(h.buf) {
		return nil, memerr.Drop("hunk_alloc", h.name, size, "hunk overflow: %d bytes remaining", h.remaining())
	}

	permBank := h.bank(h.permSide)

	var addr int
	if permBank.growsUp {
		addr = permBank.addr(len(h.buf), permBank.permanent, size)
		permBank.permanent += size
	} else {
		permBank.permanent += size
		addr = permBank.addr(len(h.buf), permBank.permanent, 0)
	}

	permBank.temp = permBank.permanent
	if permBank.tempHighwater < permBank.permanent {
		permBank.tempHighwater = permBank.permanent
	}

	out := h.buf[addr : addr+size]
	clear(out)

	return unsafe.Pointer(&out[0]), nil
}

// AllocTemp is Hunk_AllocateTempMemory: a LIFO, not-zero-filled allocation
// from the side opposite whichever currently serves permanent. Before the
// arena exists (NewUninitialized, Init not yet called), it delegates to
// the fallback zone allocator under tag GENERAL instead.
func (h *Hunk) AllocTemp(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		memerr.Fatal("hunk_alloc_temp", h.name, size, "invalid allocation size")
	}

	if !h.initialized {
		if h.fallback == nil {
			memerr.Fatal("hunk_alloc_temp", h.name, size, "hunk not initialized and no fallback allocator configured")
		}

		ptr, err := h.fallback.AllocTag(zone.TagGeneral, size)
		if err != nil {
			return nil, err
		}

		h.fallbackSet[ptr] = struct{}{}

		return ptr, nil
	}

	h.swapBanks()

	size = alignUp(size, wordSize)

	tempBank := h.bank(h.permSide.other())
	permBank := h.bank(h.permSide)

	if tempBank.temp+permBank.permanent+size > len(h.buf) {
		return nil, memerr.Drop("hunk_alloc_temp", h.name, size, "hunk overflow: %d bytes remaining", h.remaining())
	}

	side := h.permSide.other()
	addr := tempBank.addr(len(h.buf), tempBank.temp, size)
	tempBank.temp += size
	if tempBank.temp > tempBank.tempHighwater {
		tempBank.tempHighwater = tempBank.temp
	}

	tb := &tempBlock{side: side, offset: addr, size: size}
	h.temp = append(h.temp, tb)
	h.tempIndex[unsafe.Pointer(&h.buf[addr])] = tb

	return unsafe.Pointer(&h.buf[addr]), nil
}

// FreeTemp is Hunk_FreeTempMemory. If ptr is the literal top of the temp
// stack, the temp cursor retracts by exactly that block's size. It does
// not keep walking past the new top even if that block turns out to
// already be marked free; reclaiming that space waits for the next Clear
// or ClearTemp. This mirrors how these stacks have always behaved when
// callers don't free strictly in allocation order (spec.md §8 scenario 6).
func (h *Hunk) FreeTemp(ptr unsafe.Pointer) error {
	if ptr == nil {
		return memerr.Drop("hunk_free_temp", h.name, 0, "free of nil pointer")
	}

	if !h.initialized {
		if _, ok := h.fallbackSet[ptr]; ok {
			delete(h.fallbackSet, ptr)

			return h.fallback.Free(ptr)
		}

		return memerr.Drop("hunk_free_temp", h.name, 0, "free of pointer not owned by this hunk's fallback")
	}

	tb, ok := h.tempIndex[ptr]
	if !ok {
		return memerr.Drop("hunk_free_temp", h.name, 0, "free of pointer not owned by this hunk's temp stack")
	}
	if tb.freed {
		memerr.Fatal("hunk_free_temp", h.name, tb.size, "bad temp header magic: double free")
	}

	tb.freed = true

	if len(h.temp) > 0 && h.temp[len(h.temp)-1] == tb {
		h.temp = h.temp[:len(h.temp)-1]
		h.bank(tb.side).temp -= tb.size
		delete(h.tempIndex, ptr)
	}

	return nil
}

// SetMark records the current permanent cursor of each bank into its mark
// (spec.md §4.2: "set_mark records the current permanent cursor of each
// bank"). There is exactly one mark per bank, process-wide, matching the
// source's no-argument Hunk_SetMark/Hunk_ClearToMark/Hunk_CheckMark.
func (h *Hunk) SetMark() {
	h.banks[0].mark = h.banks[0].permanent
	h.banks[1].mark = h.banks[1].permanent
}

// CheckMark reports whether any mark is non-zero. Like the source this
// mirrors, a mark legitimately taken at offset zero is indistinguishable
// from no mark at all; this is a known quirk of the truthy check, not a
// bug introduced here.
func (h *Hunk) CheckMark() bool {
	return h.banks[0].mark != 0 || h.banks[1].mark != 0
}

// ClearToMark resets both banks' permanent and temp cursors to their
// mark, discarding every permanent (and any live temp) allocation made
// since SetMark on either side.
func (h *Hunk) ClearToMark() {
	for i := range h.banks {
		h.banks[i].permanent = h.banks[i].mark
		h.banks[i].temp = h.banks[i].mark
	}

	h.temp = nil
	h.tempIndex = make(map[unsafe.Pointer]*tempBlock)
}

// ClearTemp resets each bank's temp cursor to its permanent cursor,
// discarding every outstanding temp allocation without touching
// permanent data.
func (h *Hunk) ClearTemp() {
	h.banks[0].temp = h.banks[0].permanent
	h.banks[1].temp = h.banks[1].permanent
	h.temp = nil
	h.tempIndex = make(map[unsafe.Pointer]*tempBlock)
}

// Clear zeros all fields of both banks and designates low as the
// permanent side again, per spec.md §4.2.
func (h *Hunk) Clear() {
	h.banks[0] = bank{growsUp: true}
	h.banks[1] = bank{growsUp: false}
	h.permSide = PreferLow
	h.temp = nil
	h.tempIndex = make(map[unsafe.Pointer]*tempBlock)
}
