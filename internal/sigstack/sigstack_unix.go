//go:build unix

package sigstack

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Stack is one thread's alternate signal stack.
type Stack struct {
	// full is the whole mapping including the guard page; mem is the
	// usable part above it.
	full  []byte
	mem   []byte
	guard uintptr
}

// New maps a new alternate signal stack with one inaccessible guard page
// below it.
func New() (*Stack, error) {
	pageSize := uintptr(unix.Getpagesize())
	full, err := unix.Mmap(-1, 0, int(pageSize)+Size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map signal stack: %w", err)
	}
	if err := unix.Mprotect(full[:pageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(full)
		return nil, fmt.Errorf("failed to protect guard page: %w", err)
	}
	return &Stack{full: full, mem: full[pageSize:], guard: pageSize}, nil
}

// Release unmaps the stack. Only the owning thread may call this, and only
// once it can no longer fault.
func (s *Stack) Release() error {
	full := s.full
	s.full = nil
	s.mem = nil
	return unix.Munmap(full)
}
