package sigtrap

import (
	"runtime/debug"
	"unsafe"
)

// addrError is implemented by the runtime error produced for a fault at a
// mapped-but-inaccessible address while panic-on-fault is enabled.
type addrError interface {
	error
	Addr() uintptr
}

// TrapRead performs a safepoint poll: a single word-sized load from addr. If
// the page is protected the load traps and TrapRead reports the fault; the
// caller runs classification and then resumes. Panics that are not memory
// faults propagate.
func TrapRead(addr uintptr) (f Fault, trapped bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ae, ok := r.(addrError)
		if !ok {
			panic(r)
		}
		f = Fault{Addr: ae.Addr()}
		trapped = true
	}()
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	pollSink = *(*uintptr)(unsafe.Pointer(addr))
	return Fault{}, false
}

// pollSink keeps the poll load from being optimized away.
var pollSink uintptr

