//go:build amd64

package sigctx

import "testing"

func TestRedirectStackSelection(t *testing.T) {
	entry := NewEntryPoint("test-entry", func() { panic("unused") })

	t.Run("off-stack switches to top", func(t *testing.T) {
		ctx := Capture(11, 0)
		stack := fakeStack{base: 0x7f0000000000, top: 0x7f0000800000}
		RedirectExecution(ctx, stack, entry)
		// One word below the top stands in for the pushed return
		// address.
		if got, want := ctx.SP(), stack.top-wordSize; got != want {
			t.Errorf("sp = %#x, want %#x", got, want)
		}
		if got, want := ctx.PC(), entry.Addr(); got != want {
			t.Errorf("pc = %#x, want %#x", got, want)
		}
	})

	t.Run("on-stack steps down past the redzone", func(t *testing.T) {
		ctx := Capture(11, 0)
		// A synthetic range that contains the captured stack pointer
		// makes the redirector treat it as already on the alternate
		// stack.
		stack := fakeStack{base: ctx.SP() - 0x10000, top: ctx.SP() + 0x10000}
		orig := ctx.SP()
		RedirectExecution(ctx, stack, entry)
		want := ((orig - redzoneSize) &^ uintptr(15)) - wordSize
		if got := ctx.SP(); got != want {
			t.Errorf("sp = %#x, want %#x", got, want)
		}
	})

	t.Run("misaligned top panics", func(t *testing.T) {
		ctx := Capture(11, 0)
		stack := fakeStack{base: 0x7f0000000000, top: 0x7f0000800008}
		defer func() {
			if recover() == nil {
				t.Error("misaligned stack top did not panic")
			}
		}()
		RedirectExecution(ctx, stack, entry)
	})
}
