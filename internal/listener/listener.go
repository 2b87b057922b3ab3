// Package listener implements the signal listener: a single long-lived
// goroutine that owns receipt of the process signal set and drives interrupt
// delivery, critical-signal backtrace capture, profiling sample passes and
// exit orchestration through the per-thread rendezvous.
package listener

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/quiesce-dev/quiesce-go/internal/cycleclock"
	"github.com/quiesce-dev/quiesce-go/internal/fifo"
	"github.com/quiesce-dev/quiesce-go/internal/profbuf"
	"github.com/quiesce-dev/quiesce-go/internal/proftimer"
	"github.com/quiesce-dev/quiesce-go/internal/rendezvous"
	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
	"github.com/quiesce-dev/quiesce-go/internal/safeprint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
	"github.com/quiesce-dev/quiesce-go/internal/workers"
)

// ErrNoProfileBuffer is returned when profiling is started without a
// configured sample buffer.
var ErrNoProfileBuffer = errors.New("no profiling buffer configured")

// Peek parameters: an info signal received while the profiler is idle runs a
// short bounded profiling burst.
const (
	peekInterval = 10 * time.Millisecond
	peekSamples  = 100
)

// Config carries the listener's collaborators.
type Config struct {
	Manager  *safepoint.Manager
	Registry *workers.Registry

	// Backtrace captures frames from a suspended context into buf and
	// returns the frame count. Nil selects the built-in capture.
	Backtrace func(ctx *sigctx.Context, buf []uintptr) int

	// ErrorLogger receives recoverable errors (suspend timeouts, profiler
	// setup failures). Nil means drop them.
	ErrorLogger func(error)

	// Exit and RawExit are replaceable for tests. Exit runs the normal
	// process exit; RawExit terminates without any cleanup.
	Exit    func(code int)
	RawExit func(code int)
}

// reportEntry is one worker's contribution to a deferred diagnostics report.
// Entries are queued during the capture pass and printed only after every
// worker has been resumed.
type reportEntry struct {
	worker  int
	tid     int
	asleep  bool
	skipped bool
	frames  []uintptr
}

// Listener owns the process signal set. Exactly one exists per process.
type Listener struct {
	manager  *safepoint.Manager
	registry *workers.Registry

	backtrace   func(ctx *sigctx.Context, buf []uintptr) int
	errorLogger func(error)
	exit        func(code int)
	rawExit     func(code int)

	policy atomic.Int32

	// fingerprint identifies this process run in critical-signal reports.
	fingerprint string

	timer *proftimer.Timer

	// profMu serializes whole sampling passes; individual suspensions are
	// already serialized by the coordinator.
	profMu  sync.Mutex
	profBuf atomic.Pointer[profbuf.Buffer]
	rng     *rand.Rand

	peek singleflight.Group

	// exitRequests escalates repeated critical exits: the first runs
	// diagnostics and a clean exit, the second a plain exit, later ones an
	// immediate low-level exit.
	exitRequests atomic.Int32

	// deferred holds report entries between the capture pass and the
	// print, which must wait until all workers run again.
	deferred fifo.Queue[reportEntry]
}

// New returns a listener for the given collaborators. Run must be called to
// start it.
func New(cfg Config) (*Listener, error) {
	if cfg.Manager == nil || cfg.Registry == nil {
		return nil, errors.New("listener requires a safepoint manager and a worker registry")
	}
	l := &Listener{
		manager:     cfg.Manager,
		registry:    cfg.Registry,
		backtrace:   cfg.Backtrace,
		errorLogger: cfg.ErrorLogger,
		exit:        cfg.Exit,
		rawExit:     cfg.RawExit,
		fingerprint: uuid.NewString(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if l.backtrace == nil {
		l.backtrace = func(ctx *sigctx.Context, buf []uintptr) int {
			return copy(buf, ctx.Frames)
		}
	}
	if l.errorLogger == nil {
		l.errorLogger = func(error) {}
	}
	if l.exit == nil {
		l.exit = os.Exit
	}
	if l.rawExit == nil {
		l.rawExit = rawExit
	}
	l.timer = proftimer.New(raiseProf)
	return l, nil
}

// SetPolicy installs the interrupt policy.
func (l *Listener) SetPolicy(p Policy) {
	l.policy.Store(int32(p))
}

// Fingerprint returns the process run fingerprint included in reports.
func (l *Listener) Fingerprint() string {
	return l.fingerprint
}

// Run subscribes to the signal set and serves deliveries until ctx is
// cancelled. It is the only goroutine that ever acts on these signals.
func (l *Listener) Run(ctx context.Context) error {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, subscribedSignals()...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			l.timer.Stop()
			return ctx.Err()
		case sig := <-ch:
			l.handle(sig)
		}
	}
}

// handle dispatches one delivered signal.
func (l *Listener) handle(sig os.Signal) {
	kind := classifySignal(sig)
	action := Decide(kind, Policy(l.policy.Load()), l.timer.Running(), l.timer.GraceElapsed())
	switch action {
	case ActionDeliverInterrupt:
		l.deliverInterrupt()
	case ActionExit:
		l.requestExit(signum(sig))
	case ActionReport:
		l.report(signum(sig))
		l.peekProfile()
	case ActionProfile:
		l.profilePass()
	}
}

// deliverInterrupt arms asynchronous delivery to the primary worker. A second
// interrupt arriving while one is still pending forces delivery even if the
// primary is not blocked in an I/O wait.
func (l *Listener) deliverInterrupt() {
	if l.manager.Pending() != safepoint.PendingNone {
		l.registry.SetForceInterrupt()
	}
	l.manager.EnableInterrupt()
	primary := l.registry.Worker(workers.PrimaryIndex)
	l.registry.Coordinator().Post(primary.Point(), rendezvous.InterruptCheck, primary.Kick)
}

// requestExit runs the exit escalation ladder for a critical signal.
func (l *Listener) requestExit(sig int) {
	code := 128 + sig
	switch n := l.exitRequests.Add(1); {
	case n >= 3:
		l.rawExit(code)
	case n == 2:
		l.exit(code)
	default:
		l.registry.SetExitCode(code)
		l.captureAll()
		l.printDeferred(sig)
		l.directPrimaryExit()
	}
}

// directPrimaryExit sends the primary worker into the registered exit entry
// point. If the primary cannot be suspended the request is posted without
// acknowledgment; it takes effect at the primary's next poll.
func (l *Listener) directPrimaryExit() {
	primary := l.registry.Worker(workers.PrimaryIndex)
	coord := l.registry.Coordinator()
	if _, ok := coord.SuspendAndCapture(primary.Point(), primary.Kick); ok {
		coord.Resume(primary.Point(), rendezvous.ExitRequest)
		return
	}
	l.errorLogger(errors.New("could not suspend primary worker for exit, posting exit request"))
	coord.Post(primary.Point(), rendezvous.ExitRequest, primary.Kick)
}

// report captures and prints all-worker backtraces, then continues running.
func (l *Listener) report(sig int) {
	l.captureAll()
	l.printDeferred(sig)
}

// captureAll suspends every worker in turn, in reverse index order so that
// the primary worker is released last, and queues one report entry each.
// Every worker is resumed normally; on exit the redirect is sent separately
// after printing.
func (l *Listener) captureAll() {
	l.profMu.Lock()
	defer l.profMu.Unlock()
	coord := l.registry.Coordinator()
	for i := l.registry.NumWorkers() - 1; i >= 0; i-- {
		w := l.registry.Worker(i)
		ctx, ok := coord.SuspendAndCapture(w.Point(), w.Kick)
		if !ok {
			l.errorLogger(fmt.Errorf("could not suspend worker %d, skipping", i))
			l.deferred.PushBack(reportEntry{worker: i, tid: w.TID(), skipped: true})
			continue
		}
		buf := make([]uintptr, sigctx.MaxFrames)
		n := l.backtrace(ctx, buf)
		l.deferred.PushBack(reportEntry{
			worker: i,
			tid:    w.TID(),
			asleep: w.Sleeping(),
			frames: buf[:n],
		})
		coord.Resume(w.Point(), rendezvous.GetState)
	}
}

// printDeferred drains the queued report entries to stderr. Runs only after
// every worker has been resumed.
func (l *Listener) printDeferred(sig int) {
	running, total := 0, l.registry.NumWorkers()
	entries := make([]reportEntry, 0, total)
	for {
		e, ok := l.deferred.PopFront()
		if !ok {
			break
		}
		if !e.skipped && !e.asleep {
			running++
		}
		entries = append(entries, e)
	}
	safeprint.Printf("\nsignal %d received, run %s: %d of %d workers running\n",
		sig, l.fingerprint, running, total)
	for _, e := range entries {
		if e.skipped {
			safeprint.Printf("worker %d (tid %d): could not suspend\n", e.worker, e.tid)
			continue
		}
		safeprint.Printf("worker %d (tid %d):\n", e.worker, e.tid)
		printFrames(e.frames)
	}
}

// printFrames symbolizes and prints one captured stack.
func printFrames(pcs []uintptr) {
	if len(pcs) == 0 {
		safeprint.Printf("  <no frames>\n")
		return
	}
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		safeprint.Printf("  %s\n      %s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
}

// ConfigureProfile installs a sample buffer with the given word capacity.
func (l *Listener) ConfigureProfile(capacityWords int) {
	l.profBuf.Store(profbuf.New(capacityWords))
}

// StartProfiling arms the profiling timer with the given sample period.
func (l *Listener) StartProfiling(period time.Duration) error {
	if l.profBuf.Load() == nil {
		return ErrNoProfileBuffer
	}
	l.timer.SetPeriod(period)
	if err := l.timer.Start(); err != nil {
		return fmt.Errorf("failed to start profiling: %w", err)
	}
	return nil
}

// StopProfiling deletes the profiling timer. In-flight ticks are absorbed by
// the grace window.
func (l *Listener) StopProfiling() {
	l.timer.Stop()
}

// ProfileRunning reports whether the profiling timer is armed.
func (l *Listener) ProfileRunning() bool {
	return l.timer.Running()
}

// ProfileData returns a copy of the collected sample words, or nil if no
// buffer is configured.
func (l *Listener) ProfileData() []uint64 {
	b := l.profBuf.Load()
	if b == nil {
		return nil
	}
	return b.Data()
}

// ProfileBuffer returns the configured sample buffer, or nil.
func (l *Listener) ProfileBuffer() *profbuf.Buffer {
	return l.profBuf.Load()
}

// profilePass samples every worker once, in a fresh random permutation to
// avoid systematic bias, then re-arms the timer. A full buffer stops the
// timer instead.
func (l *Listener) profilePass() {
	b := l.profBuf.Load()
	if b == nil || b.Full() {
		l.timer.Stop()
		return
	}
	l.samplePass(b)
	if b.Full() {
		l.timer.Stop()
		return
	}
	l.timer.Rearm()
}

// samplePass suspends each worker once and writes one sample block per
// worker.
func (l *Listener) samplePass(b *profbuf.Buffer) {
	l.profMu.Lock()
	defer l.profMu.Unlock()
	coord := l.registry.Coordinator()
	for _, i := range l.rng.Perm(l.registry.NumWorkers()) {
		w := l.registry.Worker(i)
		ctx, ok := coord.SuspendAndCapture(w.Point(), w.Kick)
		if !ok {
			l.errorLogger(fmt.Errorf("could not suspend worker %d for sampling, skipping", i))
			continue
		}
		buf := make([]uintptr, sigctx.MaxFrames)
		n := l.backtrace(ctx, buf)
		b.WriteSample(buf[:n], i, w.TaskID(), cycleclock.Now(), w.Sleeping())
		coord.Resume(w.Point(), rendezvous.GetState)
	}
}

// peekProfile runs a short bounded profiling burst when the profiler is
// otherwise idle. Concurrent triggers share one run.
func (l *Listener) peekProfile() {
	b := l.profBuf.Load()
	if b == nil || l.timer.Running() {
		return
	}
	go func() {
		_, _, _ = l.peek.Do("profile-peek", func() (interface{}, error) {
			b.Reset()
			for i := 0; i < peekSamples && !b.Full(); i++ {
				l.samplePass(b)
				time.Sleep(peekInterval)
			}
			safeprint.Printf("profile peek complete: %d distinct stacks\n", b.NumStacks())
			return nil, nil
		})
	}()
}
