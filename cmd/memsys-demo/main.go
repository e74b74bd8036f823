// Command memsys-demo exercises the zone and hunk allocators end to end:
// tagged allocation and bulk free on the zone side, and permanent/temp
// allocation with marks on the hunk side.
package main

import (
	"fmt"
	"log"

	"github.com/forgeengine/memsys/internal/hunk"
	"github.com/forgeengine/memsys/internal/memsys"
	"github.com/forgeengine/memsys/internal/zone"
)

func main() {
	if err := memsys.Init(memsys.WithZoneMegs(8), memsys.WithHunkMegs(48)); err != nil {
		log.Fatalf("memsys: init: %v", err)
	}
	defer memsys.Shutdown()

	fmt.Println("Zone allocator")
	fmt.Println("--------------")

	general := memsys.ZMalloc(256)
	fmt.Printf("ZMalloc(256)      -> %p\n", general)

	pack1 := memsys.ZTagMalloc(zone.TagPack, 1024)
	pack2 := memsys.ZTagMalloc(zone.TagPack, 2048)
	fmt.Printf("ZTagMalloc(PACK)  -> %p, %p\n", pack1, pack2)

	small := memsys.SMalloc(64)
	fmt.Printf("SMalloc(64)       -> %p\n", small)

	stats := memsys.StatsSnapshot()
	fmt.Printf("main zone used=%d/%d  small zone used=%d/%d\n",
		stats.ZoneMainUsed, stats.ZoneMainTotal, stats.ZoneSmallUsed, stats.ZoneSmallTotal)

	freed, err := memsys.ZFreeTags(zone.TagPack)
	if err != nil {
		log.Fatalf("memsys: z_free_tags: %v", err)
	}
	fmt.Printf("ZFreeTags(PACK) released %d blocks\n", freed)

	if err := memsys.ZFree(general); err != nil {
		log.Fatalf("memsys: z_free: %v", err)
	}
	if err := memsys.ZFree(small); err != nil {
		log.Fatalf("memsys: z_free: %v", err)
	}

	memsys.ZCheckHeap()
	fmt.Println("ZCheckHeap passed")

	fmt.Println()
	fmt.Println("Hunk allocator")
	fmt.Println("--------------")

	memsys.HunkAlloc(4096, hunk.PreferLow) // e.g. a level's static geometry
	memsys.HunkSetMark()

	memsys.HunkAlloc(8192, hunk.PreferLow) // scratch permanent data we may want to discard
	fmt.Printf("hunk remaining after two permanent allocs: %d\n", memsys.HunkMemoryRemaining())

	loadBuf := memsys.HunkAllocateTemp(16384)
	fmt.Printf("HunkAllocateTemp(16384) -> %p\n", loadBuf)

	if err := memsys.HunkFreeTemp(loadBuf); err != nil {
		log.Fatalf("memsys: hunk_free_temp: %v", err)
	}

	memsys.HunkClearToMark()
	fmt.Printf("hunk remaining after ClearToMark: %d\n", memsys.HunkMemoryRemaining())

	side := memsys.HunkAlloc(1024, hunk.PreferDontCare)
	fmt.Printf("HunkAlloc(dontcare) let the side-swap heuristic pick a side -> %p\n", side)

	memsys.HunkClear()
	fmt.Printf("hunk remaining after Clear: %d\n", memsys.HunkMemoryRemaining())
}
