package sigctx

import "unsafe"

// AltStack is the view of a thread's alternate signal stack the redirector
// needs. *sigstack.Stack implements it.
type AltStack interface {
	// Contains reports whether addr lies on the stack.
	Contains(addr uintptr) bool
	// Top returns one past the highest usable address of the stack.
	Top() uintptr
}

// redzoneSize is how far below the current stack pointer the redirected
// frame is placed when already executing on the alternate stack, so the
// still-live handler frame is not smashed.
const redzoneSize = 256

const wordSize = unsafe.Sizeof(uintptr(0))

// RedirectExecution rewrites ctx so that the suspended thread resumes at
// entry instead of the interrupted instruction. The new stack pointer is the
// current one stepped down and realigned when already on the alternate
// stack, and the top of the alternate stack otherwise.
//
// On architectures without saved-state rewriting, and for threads with no
// alternate stack, the entry point is installed for direct invocation
// instead: correctness is preserved, the ability to inspect the interrupted
// frame is lost.
func RedirectExecution(ctx *Context, stack AltStack, entry *EntryPoint) {
	if !archSupported || stack == nil {
		ctx.pending = entry
		return
	}
	sp := ctx.sp
	if stack.Contains(sp) {
		sp = (sp - redzoneSize) &^ uintptr(15)
	} else {
		sp = stack.Top()
	}
	if sp%16 != 0 {
		panic("sigctx: misaligned redirect stack pointer")
	}
	place(ctx, sp, entry.addr)
	ctx.pending = entry
}
