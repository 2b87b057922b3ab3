//go:build amd64

package sigctx

const archSupported = true

// place installs the redirect target. The stack pointer is stepped down one
// word to stand in for the return address a call would have pushed, matching
// the ABI's expected frame shape at function entry.
func place(ctx *Context, sp uintptr, target uintptr) {
	sp -= wordSize
	ctx.sp = sp
	ctx.pc = target
}
