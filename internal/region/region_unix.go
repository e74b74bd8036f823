//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// acquire maps a fresh anonymous, zeroed page range directly from the
// kernel. mmap-backed regions are already page aligned, which satisfies
// Align (64 bytes) with room to spare.
func acquire(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: invalid size %d", size)
	}

	mapped := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %d bytes: %w", mapped, err)
	}

	return mem[:size:mapped], nil
}
