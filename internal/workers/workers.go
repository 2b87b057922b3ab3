// Package workers maintains the registry of worker threads and their
// per-thread runtime state: rendezvous endpoint, safepoint poll address,
// execution stack bounds, alternate signal stack, sleep-check flag and
// current task identity.
//
// A worker is a goroutine locked to its OS thread for its lifetime. Worker 0
// is the primary worker: the only one the interrupt exception is ever
// delivered to.
package workers

import (
	"fmt"
	"sync/atomic"

	"github.com/quiesce-dev/quiesce-go/internal/rendezvous"
	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
	"github.com/quiesce-dev/quiesce-go/internal/sigstack"
	"github.com/quiesce-dev/quiesce-go/internal/sigtrap"
)

// PrimaryIndex is the index of the primary worker.
const PrimaryIndex = 0

// Registry owns the fixed set of worker slots for the process. The worker
// count never changes after construction; the safepoint manager's
// single-worker fast path depends on that.
type Registry struct {
	manager    *safepoint.Manager
	coord      *rendezvous.Coordinator
	classifier *sigtrap.Classifier
	workers    []*Worker

	// safeRestore is the active retryable-operation recovery point.
	safeRestore atomic.Pointer[sigctx.EntryPoint]
	// forceInterrupt is set by interrupt policy when delivery must not
	// wait for an I/O wait.
	forceInterrupt atomic.Bool

	exitEntry atomic.Pointer[sigctx.EntryPoint]

	// exitCode is published before the exit entry point is triggered, for
	// the host's exit handler to report.
	exitCode atomic.Int32
}

// NewRegistry creates slots for n workers.
func NewRegistry(manager *safepoint.Manager, coord *rendezvous.Coordinator, n int) *Registry {
	r := &Registry{
		manager: manager,
		coord:   coord,
		workers: make([]*Worker, n),
	}
	for i := range r.workers {
		w := &Worker{index: i, registry: r}
		w.pollAddr = manager.Region().PollAddr(i == PrimaryIndex)
		w.init()
		r.workers[i] = w
	}
	return r
}

// SetClassifier installs the fault classifier the workers' poll sites report
// to. Must happen before any worker polls.
func (r *Registry) SetClassifier(c *sigtrap.Classifier) {
	r.classifier = c
}

// NumWorkers returns the fixed worker count.
func (r *Registry) NumWorkers() int {
	return len(r.workers)
}

// Worker returns the worker with the given index.
func (r *Registry) Worker(i int) *Worker {
	return r.workers[i]
}

// Coordinator returns the process rendezvous coordinator.
func (r *Registry) Coordinator() *rendezvous.Coordinator {
	return r.coord
}

// SetSafeRestore registers a recovery point for an in-flight retryable
// operation and returns a func that deregisters it.
func (r *Registry) SetSafeRestore(e *sigctx.EntryPoint) (restore func()) {
	old := r.safeRestore.Swap(e)
	return func() { r.safeRestore.Store(old) }
}

// SafeRestore implements sigtrap.Runtime.
func (r *Registry) SafeRestore() *sigctx.EntryPoint {
	return r.safeRestore.Load()
}

// SetForceInterrupt marks that the next interrupt check must deliver.
func (r *Registry) SetForceInterrupt() {
	r.forceInterrupt.Store(true)
}

// CheckForceInterrupt implements sigtrap.Runtime.
func (r *Registry) CheckForceInterrupt() bool {
	return r.forceInterrupt.Load()
}

// ClearForceInterrupt implements sigtrap.Runtime.
func (r *Registry) ClearForceInterrupt() {
	r.forceInterrupt.Store(false)
}

// SetExitEntry installs the entry point ExitRequest redirects into.
func (r *Registry) SetExitEntry(e *sigctx.EntryPoint) {
	r.exitEntry.Store(e)
}

// SetExitCode publishes the process exit code for the exit entry point.
func (r *Registry) SetExitCode(code int) {
	r.exitCode.Store(int32(code))
}

// ExitCode returns the published process exit code.
func (r *Registry) ExitCode() int {
	return int(r.exitCode.Load())
}

// Install prepares the worker slot for the calling thread: allocates and
// installs its alternate signal stack and records its OS thread id. The
// caller must already have locked itself to its OS thread and must call
// Uninstall at teardown.
func (r *Registry) Install(index int) (*Worker, error) {
	if index < 0 || index >= len(r.workers) {
		return nil, fmt.Errorf("worker index %d out of range", index)
	}
	w := r.workers[index]
	ss, err := sigstack.New()
	if err != nil {
		return nil, fmt.Errorf("failed to install signal stack: %w", err)
	}
	w.sigStack = ss
	w.tid = gettid()
	return w, nil
}
