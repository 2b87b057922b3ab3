// Package quiesce provides stop-the-world coordination for a host
// application running interpreter worker threads: protected-page safepoints,
// cooperative thread suspension, asynchronous interrupt delivery, and
// signal-driven backtrace and profiling capture.
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quiesce-dev/quiesce-go/internal/listener"
	"github.com/quiesce-dev/quiesce-go/internal/rendezvous"
	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
	"github.com/quiesce-dev/quiesce-go/internal/safeprint"
	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
	"github.com/quiesce-dev/quiesce-go/internal/sigtrap"
	"github.com/quiesce-dev/quiesce-go/internal/workers"
)

// Singleton exceptions delivered through fault classification. A worker's
// Poll or Park panics with *Thrown carrying one of these.
var (
	ErrStackOverflow  = errors.New("stack overflow")
	ErrReadOnlyMemory = errors.New("write to read-only memory")
	ErrDivideByZero   = errors.New("integer division fault")
	ErrInterrupt      = errors.New("interrupt")
)

// Thrown is a runtime exception delivered on a worker thread; it carries the
// backtrace captured at the point of delivery.
type Thrown = workers.Thrown

// Option to configure the library.
type Option interface {
	apply(*config)
}

type config struct {
	numWorkers      int
	errorLogger     func(err error)
	policy          listener.Policy
	profileWords    int
	profilePeriod   time.Duration
	exitHandler     func(code int)
}

const (
	ENV_WORKERS           = "QUIESCE_WORKERS"
	ENV_EXIT_ON_INTERRUPT = "QUIESCE_EXIT_ON_INTERRUPT"
	ENV_PROFILE_PERIOD    = "QUIESCE_PROFILE_PERIOD"
)

func makeDefaultConfig() config {
	cfg := config{
		numWorkers:  runtime.GOMAXPROCS(0),
		errorLogger: func(err error) {},
		policy:      listener.PolicyDeliver,
		exitHandler: os.Exit,
	}
	if v := os.Getenv(ENV_WORKERS); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.numWorkers = n
		}
	}
	if v := os.Getenv(ENV_EXIT_ON_INTERRUPT); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			cfg.policy = listener.PolicyExitOnInterrupt
		}
	}
	if v := os.Getenv(ENV_PROFILE_PERIOD); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.profilePeriod = d
		}
	}
	return cfg
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithWorkerCount sets the fixed number of worker threads. Defaults to the
// QUIESCE_WORKERS environment variable, then to GOMAXPROCS. The count cannot
// change after Init.
func WithWorkerCount(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.numWorkers = n
	})
}

// WithErrorLogger sets a function to be called with recoverable errors (for
// example for logging them).
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// WithIgnoreInterrupts drops interrupt signals instead of delivering them.
func WithIgnoreInterrupts() Option {
	return optionFunc(func(cfg *config) {
		cfg.policy = listener.PolicyIgnore
	})
}

// WithExitOnInterrupt treats the interrupt signal as a critical exit signal.
// Defaults to the QUIESCE_EXIT_ON_INTERRUPT environment variable.
func WithExitOnInterrupt() Option {
	return optionFunc(func(cfg *config) {
		cfg.policy = listener.PolicyExitOnInterrupt
	})
}

// WithProfileBuffer reserves a profiling sample buffer of the given word
// capacity. Required before profiling or profile peeks can run.
func WithProfileBuffer(capacityWords int) Option {
	return optionFunc(func(cfg *config) {
		cfg.profileWords = capacityWords
	})
}

// WithProfilePeriod starts periodic profiling at Init with the given sample
// period. Defaults to the QUIESCE_PROFILE_PERIOD environment variable;
// requires WithProfileBuffer.
func WithProfilePeriod(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		cfg.profilePeriod = d
	})
}

// WithExitHandler sets the function run on the primary worker when a critical
// signal requests process exit, after host cleanup has had its chance. The
// handler must terminate the process. Defaults to os.Exit.
func WithExitHandler(f func(code int)) Option {
	return optionFunc(func(cfg *config) {
		cfg.exitHandler = f
	})
}

// Init initializes the library: the safepoint region is reserved, the worker
// registry is created, and the signal listener takes ownership of the process
// signal set. Failure to reserve the region is unrecoverable; no handlers are
// installed in that case.
func Init(ctx context.Context, opts ...Option) error {
	if err := singletonProc.start(ctx, opts...); err != nil {
		return fmt.Errorf("failed to initialize quiesce: %w", err)
	}
	return nil
}

// Stop shuts down the signal listener and releases the signal set. The
// safepoint region itself is never released. It is a no-op if Init() hasn't
// been called; Init() can be called again after Stop().
func Stop() {
	singletonProc.stop()
}

// singletonProc is the process state manipulated by Init() / Stop().
var singletonProc = &process{}

// process owns the per-process singletons: safepoint region, worker registry,
// rendezvous coordinator, fault classifier and signal listener.
type process struct {
	mu           sync.Mutex
	activeConfig config
	manager      *safepoint.Manager
	registry     *workers.Registry
	classifier   *sigtrap.Classifier
	listener     *listener.Listener

	cancel context.CancelFunc
	g      *errgroup.Group
}

func (p *process) start(ctx context.Context, opts ...Option) error {
	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := makeDefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.numWorkers < 1 {
		return fmt.Errorf("invalid worker count %d", cfg.numWorkers)
	}
	if cfg.profilePeriod > 0 && cfg.profileWords == 0 {
		return errors.New("profiling period set without a profile buffer")
	}

	manager, err := safepoint.NewManager(cfg.numWorkers)
	if err != nil {
		return err
	}
	registry := workers.NewRegistry(manager, rendezvous.NewCoordinator(), cfg.numWorkers)

	classifier := &sigtrap.Classifier{
		Manager: manager,
		Runtime: registry,
		Ex: sigtrap.ExceptionSet{
			StackOverflow:  ErrStackOverflow,
			ReadOnlyMemory: ErrReadOnlyMemory,
			DivideError:    ErrDivideByZero,
			Interrupt:      ErrInterrupt,
		},
		Backtrace: func(ctx *sigctx.Context, buf []uintptr) int {
			return copy(buf, ctx.Frames)
		},
		Fatal: func(f sigtrap.Fault, ctx *sigctx.Context) {
			safeprint.Printf("fatal: unhandled fault at %#x (signal %d)\n", f.Addr, f.Sig)
			os.Exit(128 + f.Sig)
		},
		Exit: func(code int) { exitRaw(code) },
	}
	registry.SetClassifier(classifier)

	exitHandler := cfg.exitHandler
	registry.SetExitEntry(sigctx.NewEntryPoint("process-exit", func() {
		exitHandler(registry.ExitCode())
		panic("exit handler returned")
	}))

	lst, err := listener.New(listener.Config{
		Manager:     manager,
		Registry:    registry,
		ErrorLogger: cfg.errorLogger,
	})
	if err != nil {
		return err
	}
	lst.SetPolicy(cfg.policy)
	if cfg.profileWords > 0 {
		lst.ConfigureProfile(cfg.profileWords)
	}
	if cfg.profilePeriod > 0 {
		if err := lst.StartProfiling(cfg.profilePeriod); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return lst.Run(runCtx)
	})

	p.activeConfig = cfg
	p.manager = manager
	p.registry = registry
	p.classifier = classifier
	p.listener = lst
	p.cancel = cancel
	p.g = g
	return nil
}

func (p *process) stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.g
	if p.listener != nil {
		p.listener.StopProfiling()
	}
	p.cancel = nil
	p.g = nil
	p.listener = nil
	p.classifier = nil
	p.registry = nil
	p.manager = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	// The listener returns the cancellation; anything else is a real error
	// but there is no one left to hand it to.
	_ = g.Wait()
}

// logError hands an error to the configured error logger, if any.
func (p *process) logError(err error) {
	p.mu.Lock()
	f := p.activeConfig.errorLogger
	p.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// current returns the live process state, or nil before Init.
func (p *process) current() (*safepoint.Manager, *workers.Registry, *listener.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manager, p.registry, p.listener
}

// InstallThread binds the calling goroutine to worker slot index: the
// goroutine is locked to its OS thread and the slot's alternate signal stack
// is installed. The returned Thread is the worker-side API; Uninstall must be
// called at teardown.
func InstallThread(index int) (*Thread, error) {
	_, registry, _ := singletonProc.current()
	if registry == nil {
		return nil, errors.New("not initialized")
	}
	runtime.LockOSThread()
	w, err := registry.Install(index)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return &Thread{w: w}, nil
}

// Thread is the worker-side handle for one installed worker thread. All
// methods must be called from the installed goroutine.
type Thread struct {
	w *workers.Worker
}

// Poll is the safepoint poll site. It blocks while a collection runs and
// panics with *Thrown when an exception is delivered at the safepoint.
func (t *Thread) Poll() { t.w.Poll() }

// Park blocks in an interruptible sleep until pred holds.
func (t *Thread) Park(pred func() bool) { t.w.Park(pred) }

// SetIOWait marks the thread as blocked in an I/O wait; pending interrupts
// are delivered eagerly to such a thread.
func (t *Thread) SetIOWait(v bool) { t.w.SetIOWait(v) }

// DeferSignals enters a region where interrupt delivery is deferred. The
// returned func leaves the region.
func (t *Thread) DeferSignals() func() { return t.w.PushDeferSignal() }

// SetTask publishes the identity of the task running on this thread, recorded
// in profiling samples.
func (t *Thread) SetTask(id uint64) { t.w.SetTask(id) }

// SetStackBounds publishes the thread's execution stack for stack-overflow
// classification.
func (t *Thread) SetStackBounds(lo, hi uintptr) { t.w.SetStackBounds(lo, hi) }

// Uninstall releases the worker slot and unlocks the OS thread.
func (t *Thread) Uninstall() error {
	err := t.w.Uninstall()
	runtime.UnlockOSThread()
	return err
}

// StartGC requests a collection. True means the caller is the collector and
// must call EndGC; false means another thread collected and the call blocked
// until it finished. The calling thread must have marked itself waiting.
func StartGC() (bool, error) {
	manager, _, _ := singletonProc.current()
	if manager == nil {
		return false, errors.New("not initialized")
	}
	return manager.StartGC(), nil
}

// EndGC ends the collection won by StartGC and wakes all waiting threads.
func EndGC() {
	manager, _, _ := singletonProc.current()
	if manager != nil {
		manager.EndGC()
	}
}

// WaitForGC blocks until no collection is in progress.
func WaitForGC() {
	manager, _, _ := singletonProc.current()
	if manager != nil {
		manager.WaitGC()
	}
}

// RaiseInterrupt arms asynchronous interrupt delivery, as if the interrupt
// signal had been received with the default policy.
func RaiseInterrupt() error {
	manager, registry, _ := singletonProc.current()
	if manager == nil {
		return errors.New("not initialized")
	}
	manager.EnableInterrupt()
	primary := registry.Worker(workers.PrimaryIndex)
	registry.Coordinator().Post(primary.Point(), rendezvous.InterruptCheck, primary.Kick)
	return nil
}

// SetSafeRestore registers a recovery entry point for an in-flight retryable
// operation; faults raised while it is set redirect there instead of being
// classified. The returned func deregisters it.
func SetSafeRestore(name string, fn func()) (func(), error) {
	_, registry, _ := singletonProc.current()
	if registry == nil {
		return nil, errors.New("not initialized")
	}
	return registry.SetSafeRestore(sigctx.NewEntryPoint(name, fn)), nil
}

// StartProfiling arms the profiling timer with the given sample period.
func StartProfiling(period time.Duration) error {
	_, _, lst := singletonProc.current()
	if lst == nil {
		return errors.New("not initialized")
	}
	return lst.StartProfiling(period)
}

// StopProfiling deletes the profiling timer.
func StopProfiling() {
	_, _, lst := singletonProc.current()
	if lst != nil {
		lst.StopProfiling()
	}
}

// ProfileData returns a copy of the collected profiling sample words.
func ProfileData() []uint64 {
	_, _, lst := singletonProc.current()
	if lst == nil {
		return nil
	}
	return lst.ProfileData()
}
