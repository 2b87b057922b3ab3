//go:build !amd64 && !arm64

package sigctx

const archSupported = false

func place(ctx *Context, sp uintptr, target uintptr) {}
