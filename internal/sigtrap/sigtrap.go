// Package sigtrap classifies memory-access and arithmetic traps and turns
// them into safepoint blocks, runtime exceptions, or fatal errors.
//
// A trap arrives synchronously on the faulting thread. Classification order
// matters and is fixed: an active safe-restore recovery point supersedes
// everything; a thread with no task context is foreign and fatal; then the
// faulting address decides between safepoint, stack overflow, corrupted
// signal stack, and read-only-memory write; anything else is fatal.
package sigtrap

import (
	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
	"github.com/quiesce-dev/quiesce-go/internal/sigstack"
)

// Exception is an opaque pre-existing runtime exception value.
type Exception interface{}

// ExceptionSet is the registry of singleton exceptions delivered by trap
// classification.
type ExceptionSet struct {
	StackOverflow  Exception
	ReadOnlyMemory Exception
	DivideError    Exception
	Interrupt      Exception
}

// Fault describes a trapped access.
type Fault struct {
	// Addr is the faulting address.
	Addr uintptr
	// Write reports whether the access was a write to read-only mapped
	// memory.
	Write bool
	// Sig is the originating signal number, used for fatal exit codes.
	Sig int
}

// Verdict is the classification of a fault.
type Verdict int

const (
	// VerdictRetry redirects to the active safe-restore recovery point.
	VerdictRetry Verdict = iota
	// VerdictForeign is a fault on a thread with no task context.
	VerdictForeign
	// VerdictSafepoint is a cooperative stop: block until the GC is done,
	// then possibly deliver a pending interrupt on the primary worker.
	VerdictSafepoint
	// VerdictStackOverflow is a fault within the thread's own execution
	// stack bounds.
	VerdictStackOverflow
	// VerdictSignalStack is a fault on the thread's alternate signal
	// stack: the handler is corrupting its own stack and the process must
	// terminate immediately.
	VerdictSignalStack
	// VerdictReadOnly is a write fault against read-only mapped memory.
	VerdictReadOnly
	// VerdictFatal is an unclassified fault.
	VerdictFatal
)

func (v Verdict) String() string {
	switch v {
	case VerdictRetry:
		return "retry"
	case VerdictForeign:
		return "foreign"
	case VerdictSafepoint:
		return "safepoint"
	case VerdictStackOverflow:
		return "stack-overflow"
	case VerdictSignalStack:
		return "signal-stack"
	case VerdictReadOnly:
		return "read-only"
	case VerdictFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Thread is the per-thread state the classifier consults. Implemented by the
// worker registry.
type Thread interface {
	// Primary reports whether this is the designated primary worker, the
	// only one interrupts are delivered to.
	Primary() bool
	// OnStack reports whether addr lies within the thread's execution
	// stack bounds.
	OnStack(addr uintptr) bool
	// SignalStack returns the thread's alternate signal stack, or nil if
	// none is installed.
	SignalStack() *sigstack.Stack
	// DeferSignal reports whether interrupt delivery is currently
	// deferred on this thread.
	DeferSignal() bool
	// SetPendingException publishes the exception and backtrace the throw
	// entry point will dispatch.
	SetPendingException(e Exception, frames []uintptr)
	// ThrowEntry returns the thread's exception-dispatch entry point.
	ThrowEntry() *sigctx.EntryPoint
}

// Runtime is the narrow view of the host runtime the classifier needs.
type Runtime interface {
	// SafeRestore returns the active retryable-operation recovery point,
	// or nil.
	SafeRestore() *sigctx.EntryPoint
	// CheckForceInterrupt reports whether the force-interrupt threshold
	// has been reached.
	CheckForceInterrupt() bool
	// ClearForceInterrupt resets the force-interrupt flag.
	ClearForceInterrupt()
}

// Classify decides what a fault is, in fixed precedence order. It performs
// no side effects; onSigStack additionally requires the captured stack
// pointer to be on the signal stack, mirroring the both-address rule.
func Classify(f Fault, t Thread, region *safepoint.Region, haveRestore bool, spOnSigStack bool) Verdict {
	if haveRestore {
		return VerdictRetry
	}
	if t == nil {
		return VerdictForeign
	}
	if region.Contains(f.Addr) {
		return VerdictSafepoint
	}
	if t.OnStack(f.Addr) {
		return VerdictStackOverflow
	}
	if ss := t.SignalStack(); ss != nil && ss.Contains(f.Addr) && spOnSigStack {
		return VerdictSignalStack
	}
	if f.Write {
		return VerdictReadOnly
	}
	return VerdictFatal
}
