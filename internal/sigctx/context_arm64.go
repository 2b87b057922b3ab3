//go:build arm64

package sigctx

const archSupported = true

// place installs the redirect target. The link register is cleared so an
// unwind out of the entry point terminates instead of walking into the
// interrupted frame.
func place(ctx *Context, sp uintptr, target uintptr) {
	ctx.sp = sp
	ctx.link = 0
	ctx.pc = target
}
