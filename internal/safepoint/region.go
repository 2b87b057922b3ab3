package safepoint

import "unsafe"

// Page indexes within the region.
const (
	// PageInterrupt is the interrupt-pending page, loaded only by the
	// primary worker.
	PageInterrupt = 0
	// PagePrimaryGC is the GC page observed by the primary worker.
	PagePrimaryGC = 1
	// PageWorkerGC is the GC page observed by all other workers.
	PageWorkerGC = 2

	// NumPages is the size of the region in pages.
	NumPages = 3
)

// wordSize is the offset applied to the published address of the worker GC
// page, so a single word-sized load spans the page boundary marker.
const wordSize = unsafe.Sizeof(uintptr(0))

type pageProt int

const (
	protRead pageProt = iota
	protNone
)

// Base returns the address of the first page.
func (r *Region) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// PageSize returns the OS page size used for the region.
func (r *Region) PageSize() uintptr {
	return r.pageSize
}

// PageAddr returns the address of the page with the given index.
func (r *Region) PageAddr(idx int) uintptr {
	return r.Base() + uintptr(idx)*r.pageSize
}

// PollAddr returns the address a worker's safepoint poll loads from. The
// primary worker polls the primary GC page directly; all other workers poll
// one word into the worker GC page.
func (r *Region) PollAddr(primary bool) uintptr {
	if primary {
		return r.PageAddr(PagePrimaryGC)
	}
	return r.PageAddr(PageWorkerGC) + wordSize
}

// InterruptAddr returns the address of the interrupt-pending page.
func (r *Region) InterruptAddr() uintptr {
	return r.PageAddr(PageInterrupt)
}

// Contains reports whether addr falls inside the region. A faulting load at
// such an address is a safepoint hit, never an application error.
func (r *Region) Contains(addr uintptr) bool {
	base := r.Base()
	return addr >= base && addr < base+uintptr(NumPages)*r.pageSize
}
