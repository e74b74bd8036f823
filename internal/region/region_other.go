//go:build !unix

package region

import (
	"fmt"
	"unsafe"
)

// acquire falls back to Go's own zeroed heap allocation on platforms with
// no unix-style mmap, the same placeholder strategy the teacher's
// allocateSystemMemory used: over-allocate by one alignment and slice
// forward to the first aligned byte.
func acquire(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: invalid size %d", size)
	}

	buf := make([]byte, size+Align)
	base := int(uintptr(unsafe.Pointer(&buf[0])))
	offset := alignUp(base) - base

	return buf[offset : offset+size : offset+size], nil
}
