// Package memsys wires the zone allocator and hunk allocator into one
// runtime, the way the engine's own code expects to reach them: a single
// Init at startup, then package-level calls for every allocation and
// free for the rest of the process's life.
package memsys

import (
	"fmt"
	"unsafe"

	"github.com/forgeengine/memsys/internal/hunk"
	"github.com/forgeengine/memsys/internal/memerr"
	"github.com/forgeengine/memsys/internal/region"
	"github.com/forgeengine/memsys/internal/zone"
)

const (
	megabyte = 1024 * 1024

	defaultHunkMegs = 56
	minHunkMegs     = 48
	defaultZoneMegs = 12
	smallZoneBytes  = 512 * 1024
)

// Config controls the sizes Init builds the runtime with.
type Config struct {
	HunkMegs int
	ZoneMegs int
	Provider region.Provider
}

// Option mutates a Config during Init.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		HunkMegs: defaultHunkMegs,
		ZoneMegs: defaultZoneMegs,
		Provider: region.Default,
	}
}

// WithHunkMegs overrides the hunk arena size. Values below 48MB are
// clamped up to 48, the floor below which level loading reliably runs out
// of permanent space.
func WithHunkMegs(n int) Option {
	return func(c *Config) { c.HunkMegs = n }
}

// WithZoneMegs overrides the main zone's initial and per-growth size.
func WithZoneMegs(n int) Option {
	return func(c *Config) { c.ZoneMegs = n }
}

// WithProvider overrides where backing memory is acquired from.
func WithProvider(p region.Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// Runtime bundles one zone allocator and one hunk allocator, built in the
// fixed order the engine relies on: small zone, then main zone, then hunk.
type Runtime struct {
	Zone *zone.Allocator
	Hunk *hunk.Hunk
}

// GlobalRuntime is the process-wide instance Init populates. Package-level
// functions below are thin wrappers around it.
var GlobalRuntime *Runtime

// Init builds GlobalRuntime from options, replacing any previous instance.
func Init(options ...Option) error {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.HunkMegs < minHunkMegs {
		cfg.HunkMegs = minHunkMegs
	}

	zoneAlloc, err := zone.NewAllocator(cfg.ZoneMegs*megabyte, cfg.ZoneMegs*megabyte, smallZoneBytes, cfg.Provider)
	if err != nil {
		return fmt.Errorf("memsys: init zone allocator: %w", err)
	}

	h, err := hunk.New("hunk", cfg.HunkMegs*megabyte, cfg.Provider)
	if err != nil {
		return fmt.Errorf("memsys: init hunk: %w", err)
	}

	GlobalRuntime = &Runtime{Zone: zoneAlloc, Hunk: h}

	return nil
}

// Shutdown drops the global runtime. It does not release any backing
// memory; the provider's acquisitions live until the process exits.
func Shutdown() {
	GlobalRuntime = nil
}

func mustRuntime(op string) *Runtime {
	if GlobalRuntime == nil {
		memerr.Fatal(op, "", 0, "memsys is not initialized: call Init first")
	}

	return GlobalRuntime
}

// ZMalloc is Z_Malloc: a zero-filled TagGeneral allocation from the main zone.
func ZMalloc(size int) unsafe.Pointer {
	rt := mustRuntime("z_malloc")

	ptr, err := rt.Zone.Alloc(size)
	if err != nil {
		memerr.Fatal("z_malloc", "main", size, "%v", err)
	}

	return ptr
}

// SMalloc is S_Malloc: an allocation from the fixed-size small zone.
func SMalloc(size int) unsafe.Pointer {
	rt := mustRuntime("s_malloc")

	ptr, err := rt.Zone.AllocSmall(size)
	if err != nil {
		memerr.Fatal("s_malloc", "small", size, "%v", err)
	}

	return ptr
}

// ZTagMalloc is Z_TagMalloc: a raw, un-zeroed allocation under tag.
func ZTagMalloc(tag zone.Tag, size int) unsafe.Pointer {
	rt := mustRuntime("z_tag_malloc")

	ptr, err := rt.Zone.AllocTag(tag, size)
	if err != nil {
		memerr.Fatal("z_tag_malloc", "main", size, "%v", err)
	}

	return ptr
}

// ZFree is Z_Free.
func ZFree(ptr unsafe.Pointer) error {
	return mustRuntime("z_free").Zone.Free(ptr)
}

// ZFreeTags is Z_FreeTags: bulk-free every live block under tag, returning
// the count of blocks freed.
func ZFreeTags(tag zone.Tag) (int, error) {
	return mustRuntime("z_free_tags").Zone.FreeTags(tag)
}

// ZAvailableMemory is Z_AvailableMemory.
func ZAvailableMemory() int {
	return mustRuntime("z_available_memory").Zone.AvailableMemory()
}

// ZCheckHeap validates both zones, panicking on the first corruption found.
func ZCheckHeap() {
	mustRuntime("z_check_heap").Zone.CheckHeap()
}

// HunkAlloc is Hunk_Alloc: a permanent allocation; pref is a hint to the
// side-swap heuristic, not a pin (see hunk.Hunk.Alloc). An overflow, which
// hunk.Hunk.Alloc returns as a drop error, is raised here as a fatal panic.
func HunkAlloc(size int, pref hunk.Preference) unsafe.Pointer {
	rt := mustRuntime("hunk_alloc")

	ptr, err := rt.Hunk.Alloc(size, pref)
	if err != nil {
		memerr.Fatal("hunk_alloc", "hunk", size, "%v", err)
	}

	return ptr
}

// HunkAllocateTemp is Hunk_AllocateTempMemory.
func HunkAllocateTemp(size int) unsafe.Pointer {
	rt := mustRuntime("hunk_allocate_temp_memory")

	ptr, err := rt.Hunk.AllocTemp(size)
	if err != nil {
		memerr.Fatal("hunk_allocate_temp_memory", "hunk", size, "%v", err)
	}

	return ptr
}

// HunkFreeTemp is Hunk_FreeTempMemory.
func HunkFreeTemp(ptr unsafe.Pointer) error {
	return mustRuntime("hunk_free_temp_memory").Hunk.FreeTemp(ptr)
}

// HunkSetMark is Hunk_SetMark.
func HunkSetMark() {
	mustRuntime("hunk_set_mark").Hunk.SetMark()
}

// HunkClearToMark is Hunk_ClearToMark.
func HunkClearToMark() {
	mustRuntime("hunk_clear_to_mark").Hunk.ClearToMark()
}

// HunkCheckMark is Hunk_CheckMark.
func HunkCheckMark() bool {
	return mustRuntime("hunk_check_mark").Hunk.CheckMark()
}

// HunkClear is Hunk_Clear: wipe everything and designate low as permanent again.
func HunkClear() {
	mustRuntime("hunk_clear").Hunk.Clear()
}

// HunkClearTemp is Hunk_ClearTempMemory.
func HunkClearTemp() {
	mustRuntime("hunk_clear_temp_memory").Hunk.ClearTemp()
}

// HunkMemoryRemaining is Hunk_MemoryRemaining.
func HunkMemoryRemaining() int {
	return mustRuntime("hunk_memory_remaining").Hunk.MemoryRemaining()
}

// Stats is a snapshot of both allocators' usage, for diagnostic overlays
// and periodic logging.
type Stats struct {
	ZoneMainUsed   int
	ZoneMainTotal  int
	ZoneSmallUsed  int
	ZoneSmallTotal int
	ZoneAvailable  int
	HunkRemaining  int
}

// StatsSnapshot reads the current runtime state. It does not mutate anything.
func StatsSnapshot() Stats {
	rt := mustRuntime("memsys_stats")

	return Stats{
		ZoneMainUsed:   rt.Zone.Main.Used(),
		ZoneMainTotal:  rt.Zone.Main.Total(),
		ZoneSmallUsed:  rt.Zone.Small.Used(),
		ZoneSmallTotal: rt.Zone.Small.Total(),
		ZoneAvailable:  rt.Zone.AvailableMemory(),
		HunkRemaining:  rt.Hunk.MemoryRemaining(),
	}
}
