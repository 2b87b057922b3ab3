package workers

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quiesce-dev/quiesce-go/internal/rendezvous"
	"github.com/quiesce-dev/quiesce-go/internal/safeprint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
	"github.com/quiesce-dev/quiesce-go/internal/sigstack"
	"github.com/quiesce-dev/quiesce-go/internal/sigtrap"
)

// Signal numbers recorded in captured contexts. The values follow the
// common Unix assignments; they only feed diagnostics and exit codes.
const (
	sigSegv = 11
	sigUsr2 = 12
)

// Thrown carries a delivered runtime exception out of a redirected entry
// point into the host's dispatch loop.
type Thrown struct {
	Exception sigtrap.Exception
	Frames    []uintptr
}

func (t *Thrown) Error() string {
	return fmt.Sprintf("runtime exception: %v", t.Exception)
}

// Worker is one worker thread's state. The rendezvous request word and the
// alternate signal stack are owned by this thread; other threads reach them
// only through the rendezvous protocol.
type Worker struct {
	index    int
	registry *Registry
	tid      int

	point    rendezvous.Point
	pollAddr uintptr
	sigStack *sigstack.Stack

	// Execution stack bounds for stack-overflow classification; zero
	// until the host publishes them.
	stackLo, stackHi uintptr

	sleeping    atomic.Bool
	ioWait      atomic.Bool
	deferSignal atomic.Int32
	gcWaiting   atomic.Bool
	taskID      atomic.Uint64

	// kicked is the pending asynchronous-signal marker; set by Kick,
	// consumed at poll sites and park wakeups.
	kicked   atomic.Bool
	parkMu   sync.Mutex
	parkCond *sync.Cond

	throwMu       sync.Mutex
	pendingExc    sigtrap.Exception
	pendingFrames []uintptr
	throwEntry    *sigctx.EntryPoint
}

func (w *Worker) init() {
	w.parkCond = sync.NewCond(&w.parkMu)
	w.throwEntry = sigctx.NewEntryPoint(fmt.Sprintf("worker%d-throw", w.index), w.dispatchPending)
}

// dispatchPending transfers the published exception into the host's
// exception dispatch. It never returns normally.
func (w *Worker) dispatchPending() {
	w.throwMu.Lock()
	thrown := &Thrown{Exception: w.pendingExc, Frames: w.pendingFrames}
	w.pendingExc = nil
	w.pendingFrames = nil
	w.throwMu.Unlock()
	panic(thrown)
}

// Index returns the worker's index in the registry.
func (w *Worker) Index() int { return w.index }

// TID returns the worker's OS thread id, or 0 where unavailable.
func (w *Worker) TID() int { return w.tid }

// Primary implements sigtrap.Thread.
func (w *Worker) Primary() bool { return w.index == PrimaryIndex }

// OnStack implements sigtrap.Thread.
func (w *Worker) OnStack(addr uintptr) bool {
	return w.stackLo != 0 && addr >= w.stackLo && addr < w.stackHi
}

// SetStackBounds publishes the thread's execution stack bounds.
func (w *Worker) SetStackBounds(lo, hi uintptr) {
	w.stackLo, w.stackHi = lo, hi
}

// SignalStack implements sigtrap.Thread.
func (w *Worker) SignalStack() *sigstack.Stack { return w.sigStack }

// DeferSignal implements sigtrap.Thread.
func (w *Worker) DeferSignal() bool { return w.deferSignal.Load() > 0 }

// PushDeferSignal enters a region where interrupt delivery is deferred;
// the returned func leaves it.
func (w *Worker) PushDeferSignal() func() {
	w.deferSignal.Add(1)
	return func() { w.deferSignal.Add(-1) }
}

// SetPendingException implements sigtrap.Thread.
func (w *Worker) SetPendingException(e sigtrap.Exception, frames []uintptr) {
	w.throwMu.Lock()
	w.pendingExc = e
	w.pendingFrames = frames
	w.throwMu.Unlock()
}

// ThrowEntry implements sigtrap.Thread.
func (w *Worker) ThrowEntry() *sigctx.EntryPoint { return w.throwEntry }

// SetIOWait records whether the thread is blocked in an I/O wait; a pending
// interrupt is delivered eagerly to a thread in I/O wait.
func (w *Worker) SetIOWait(v bool) { w.ioWait.Store(v) }

// Sleeping reports the sleep-check flag recorded in profiling samples.
func (w *Worker) Sleeping() bool { return w.sleeping.Load() }

// SetTask publishes the identity of the task current on this thread.
func (w *Worker) SetTask(id uint64) { w.taskID.Store(id) }

// TaskID returns the current task identity, or zero.
func (w *Worker) TaskID() uint64 { return w.taskID.Load() }

// SetGCWaiting declares the thread safe for a collection to proceed without
// it; required before StartGC/WaitGC.
func (w *Worker) SetGCWaiting(v bool) { w.gcWaiting.Store(v) }

// GCWaiting reports whether the thread has declared itself waiting.
func (w *Worker) GCWaiting() bool { return w.gcWaiting.Load() }

// Point returns the worker's rendezvous endpoint.
func (w *Worker) Point() *rendezvous.Point { return &w.point }

// Kick delivers the asynchronous rendezvous signal to this thread: the
// pending marker is set and a parked thread is woken. The next poll or park
// wakeup runs the signal handler.
func (w *Worker) Kick() {
	w.kicked.Store(true)
	w.parkMu.Lock()
	w.parkCond.Broadcast()
	w.parkMu.Unlock()
}

// Poll is the safepoint poll site: one word-sized load from the published
// safepoint address, plus consumption of a pending rendezvous signal. It
// blocks while a collection is running; it panics with *Thrown when a
// redirected exception is delivered.
func (w *Worker) Poll() {
	w.CheckSignal()
	f, trapped := sigtrap.TrapRead(w.pollAddr)
	if !trapped {
		return
	}
	f.Sig = sigSegv
	ctx := sigctx.Capture(f.Sig, 1)
	w.registry.classifier.HandleAccessFault(w, f, ctx)
	ctx.Resume()
}

// CheckSignal runs the thread's asynchronous signal handler if a rendezvous
// signal is pending.
func (w *Worker) CheckSignal() {
	if !w.kicked.Swap(false) {
		return
	}
	w.handleRendezvous()
}

// Park blocks the worker in an interruptible sleep until pred holds. The
// sleep-check flag is set for the duration; rendezvous signals delivered
// while parked are handled on wakeup.
func (w *Worker) Park(pred func() bool) {
	w.sleeping.Store(true)
	w.parkMu.Lock()
	for !pred() && !w.kicked.Load() {
		w.parkCond.Wait()
	}
	w.parkMu.Unlock()
	w.sleeping.Store(false)
	w.CheckSignal()
}

// handleRendezvous is the target side of the rendezvous: acknowledge the
// posted request, suspend for GetState, deliver for InterruptCheck, leave
// for ExitRequest.
func (w *Worker) handleRendezvous() {
	req := w.registry.coord.HandleSignal(&w.point, func() *sigctx.Context {
		return sigctx.Capture(sigUsr2, 3)
	})
	switch req {
	case rendezvous.InterruptCheck:
		w.maybeDeliverInterrupt()
	case rendezvous.ExitRequest:
		w.runExit()
	}
}

// maybeDeliverInterrupt delivers the pending interrupt exception if policy
// allows: always when forced, otherwise only when the thread sits in an I/O
// wait with delivery not deferred.
func (w *Worker) maybeDeliverInterrupt() {
	force := w.registry.CheckForceInterrupt()
	if !force && (w.DeferSignal() || !w.ioWait.Load()) {
		return
	}
	w.registry.manager.ConsumeInterrupt()
	if force {
		safeprint.Printf("WARNING: force delivering interrupt exception\n")
	}
	w.registry.ClearForceInterrupt()
	ctx := sigctx.Capture(sigUsr2, 2)
	w.registry.classifier.ThrowInContext(w, w.registry.classifier.Ex.Interrupt, ctx)
	ctx.Resume()
}

// runExit redirects the thread into the registered exit entry point.
func (w *Worker) runExit() {
	entry := w.registry.exitEntry.Load()
	if entry == nil {
		return
	}
	ctx := sigctx.Capture(sigUsr2, 2)
	sigctx.RedirectExecution(ctx, w.altStack(), entry)
	ctx.Resume()
}

// altStack adapts the possibly-nil signal stack for the redirector; a typed
// nil pointer would defeat its nil check.
func (w *Worker) altStack() sigctx.AltStack {
	if w.sigStack == nil {
		return nil
	}
	return w.sigStack
}

// Uninstall releases the worker's alternate signal stack at thread
// teardown.
func (w *Worker) Uninstall() error {
	if w.sigStack == nil {
		return nil
	}
	ss := w.sigStack
	w.sigStack = nil
	return ss.Release()
}
