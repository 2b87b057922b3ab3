// Package sigctx models a suspended thread's captured execution context and
// the redirection of that context to a runtime entry point.
//
// Redirection rewrites the captured program counter and stack pointer so
// that, when the interrupted thread resumes, control transfers into the
// entry point instead of the interrupted code. All knowledge of register
// layout and stack conventions lives in the per-architecture accessor; the
// classifier and rendezvous code only see this package's API.
package sigctx

import (
	"reflect"
	"runtime"
	"unsafe"
)

// MaxFrames bounds the number of return addresses captured per context.
const MaxFrames = 512

// Context is an opaque captured execution context. It is valid only between
// a successful suspend acknowledgment and the matching resume, and is owned
// exclusively by the controller during that window.
type Context struct {
	// Saved machine state. Mutated only through the arch accessor.
	pc   uintptr
	sp   uintptr
	link uintptr

	// Sig is the signal number that produced the capture.
	Sig int

	// Frames holds the captured return addresses, leaf first.
	Frames []uintptr

	// pending is the entry point installed by RedirectExecution, run when
	// the suspended thread resumes.
	pending *EntryPoint
}

// EntryPoint is a designated runtime entry point that a redirected context
// resumes into. The function must not return normally; it is expected to
// transfer into the runtime's unwinding or exit path.
type EntryPoint struct {
	name string
	addr uintptr
	fn   func()
}

// NewEntryPoint registers fn as a redirection target. The entry point's
// address identifies it in captured state.
func NewEntryPoint(name string, fn func()) *EntryPoint {
	return &EntryPoint{
		name: name,
		addr: reflect.ValueOf(fn).Pointer(),
		fn:   fn,
	}
}

// Name returns the entry point's diagnostic name.
func (e *EntryPoint) Name() string { return e.name }

// Addr returns the entry point's code address.
func (e *EntryPoint) Addr() uintptr { return e.addr }

// invoke runs the entry point. It panics if the entry point returned
// normally, which the redirection contract forbids.
func (e *EntryPoint) invoke() {
	e.fn()
	panic("sigctx: entry point " + e.name + " returned")
}

// Capture records the calling thread's execution state. skip counts stack
// frames to omit, not including Capture itself.
func Capture(sig int, skip int) *Context {
	var marker byte
	pcs := make([]uintptr, MaxFrames)
	n := runtime.Callers(skip+2, pcs)
	ctx := &Context{
		sp:     uintptr(unsafe.Pointer(&marker)),
		Sig:    sig,
		Frames: pcs[:n],
	}
	if n > 0 {
		ctx.pc = pcs[0]
	}
	return ctx
}

// PC returns the context's saved program counter.
func (c *Context) PC() uintptr { return c.pc }

// SP returns the context's saved stack pointer.
func (c *Context) SP() uintptr { return c.sp }

// Redirected returns the entry point this context was redirected to, or nil.
func (c *Context) Redirected() *EntryPoint { return c.pending }

// Resume transfers control according to the context: into the redirected
// entry point if one is installed (in which case Resume does not return),
// otherwise it returns and the interrupted code continues.
func (c *Context) Resume() {
	if c.pending == nil {
		return
	}
	entry := c.pending
	c.pending = nil
	entry.invoke()
}
