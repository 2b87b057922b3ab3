package sigtrap

import (
	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
)

// Classifier wires fault classification to its collaborators: the safepoint
// manager, the host runtime, the exception registry, backtrace capture, and
// the process exit paths.
type Classifier struct {
	Manager *safepoint.Manager
	Runtime Runtime
	Ex      ExceptionSet

	// Backtrace captures frames from a suspended context into buf and
	// returns the frame count.
	Backtrace func(ctx *sigctx.Context, buf []uintptr) int

	// Fatal reports an unclassified fault with diagnostics and re-raises
	// it with default disposition.
	Fatal func(f Fault, ctx *sigctx.Context)

	// Exit terminates the process immediately, bypassing normal shutdown.
	// Used when the alternate signal stack itself is compromised.
	Exit func(code int)
}

// HandleAccessFault processes an access-violation trap on the calling
// thread, whose worker state is t (nil on a foreign thread). Depending on
// classification it blocks for the GC, redirects ctx into an exception entry
// point, or terminates the process. The caller must resume ctx afterwards.
func (c *Classifier) HandleAccessFault(t Thread, f Fault, ctx *sigctx.Context) {
	restore := c.Runtime.SafeRestore()
	spOnSigStack := false
	if t != nil {
		if ss := t.SignalStack(); ss != nil {
			spOnSigStack = ss.Contains(ctx.SP())
		}
	}
	switch Classify(f, t, c.Manager.Region(), restore != nil, spOnSigStack) {
	case VerdictRetry:
		sigctx.RedirectExecution(ctx, altStack(t), restore)

	case VerdictSafepoint:
		c.Manager.WaitGC()
		// Interrupts are never raised on a non-primary worker.
		if !t.Primary() {
			return
		}
		if t.DeferSignal() {
			c.Manager.DeferInterrupt()
		} else if c.Manager.ConsumeInterrupt() {
			c.Runtime.ClearForceInterrupt()
			c.ThrowInContext(t, c.Ex.Interrupt, ctx)
		}

	case VerdictStackOverflow:
		c.ThrowInContext(t, c.Ex.StackOverflow, ctx)

	case VerdictSignalStack:
		// Already corrupting the stack this handler runs on; nothing
		// can be cleaned up.
		c.Exit(128 + f.Sig)

	case VerdictReadOnly:
		c.ThrowInContext(t, c.Ex.ReadOnlyMemory, ctx)

	case VerdictForeign, VerdictFatal:
		c.Fatal(f, ctx)
	}
}

// HandleArithFault processes a divide-by-zero or overflow trap on the
// calling thread. Only the safe-restore and foreign-thread rules apply
// before redirecting into the divide-error entry point.
func (c *Classifier) HandleArithFault(t Thread, sig int, ctx *sigctx.Context) {
	if restore := c.Runtime.SafeRestore(); restore != nil {
		sigctx.RedirectExecution(ctx, nil, restore)
		return
	}
	if t == nil {
		c.Fatal(Fault{Sig: sig}, ctx)
		return
	}
	c.ThrowInContext(t, c.Ex.DivideError, ctx)
}

// ThrowInContext publishes e as the thread's pending exception (with a
// backtrace captured from ctx, unless a safe-restore point is active) and
// redirects ctx into the thread's exception-dispatch entry point.
func (c *Classifier) ThrowInContext(t Thread, e Exception, ctx *sigctx.Context) {
	if c.Runtime.SafeRestore() == nil {
		buf := make([]uintptr, sigctx.MaxFrames)
		n := c.Backtrace(ctx, buf)
		t.SetPendingException(e, buf[:n])
	}
	sigctx.RedirectExecution(ctx, altStack(t), t.ThrowEntry())
}

// altStack adapts a possibly-nil thread's signal stack to the redirector's
// interface; a typed nil would defeat the redirector's nil check.
func altStack(t Thread) sigctx.AltStack {
	if t == nil {
		return nil
	}
	ss := t.SignalStack()
	if ss == nil {
		return nil
	}
	return ss
}
