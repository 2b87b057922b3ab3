// Package sigstack manages per-thread alternate signal stacks: dedicated
// memory a thread switches to while handling a fault, independent of its
// normal call stack. Each stack is owned by the thread it was installed for
// and released at thread teardown.
package sigstack

import "unsafe"

// Size is the alternate signal stack size. 8 MiB matches the default thread
// stack size and is enough for fault handling and finalizers.
const Size = 8 * 1024 * 1024

// Base returns the lowest usable address of the stack.
func (s *Stack) Base() uintptr {
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Top returns one past the highest usable address of the stack. Stacks grow
// down from here.
func (s *Stack) Top() uintptr {
	return s.Base() + uintptr(len(s.mem))
}

// Contains reports whether addr falls on the stack or its guard page. A
// fault at such an address while already running on this stack means the
// handler itself overflowed, which has no safe recovery.
func (s *Stack) Contains(addr uintptr) bool {
	return addr >= s.Base()-s.guard && addr < s.Top()
}
