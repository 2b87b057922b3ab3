//go:build unix

package safepoint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is the three-page protected memory block. It is mapped once at
// process start and intentionally never unmapped or relocated: poll sites
// embed its addresses for the lifetime of the process.
type Region struct {
	mem      []byte
	pageSize uintptr
}

// NewRegion maps the region read-only. All pages start out accessible; pages
// are flipped to no-access only while some reason holds them enabled.
func NewRegion() (*Region, error) {
	pageSize := uintptr(unix.Getpagesize())
	mem, err := unix.Mmap(-1, 0, int(pageSize)*NumPages,
		unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Region{mem: mem, pageSize: pageSize}, nil
}

// protect flips one page between read-only and no-access. A failure here
// means the reserved region itself is gone, which has no recovery.
func (r *Region) protect(idx int, prot pageProt) {
	p := unix.PROT_READ
	if prot == protNone {
		p = unix.PROT_NONE
	}
	page := r.mem[uintptr(idx)*r.pageSize : uintptr(idx+1)*r.pageSize]
	if err := unix.Mprotect(page, p); err != nil {
		panic(fmt.Sprintf("safepoint: mprotect page %d: %v", idx, err))
	}
}
