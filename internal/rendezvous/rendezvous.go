// Package rendezvous implements the cross-thread suspend/resume protocol: a
// controller pauses one specific worker thread, retrieves its captured
// execution context, and later resumes it, using one atomic request word per
// thread, a shared mutex and two condition variables.
//
// Request word transitions:
//
//	Idle -> GetState | InterruptCheck | ExitRequest   controller posts a request
//	<posted>  -> Acknowledging                        target, on signal entry
//	Acknowledging -> Idle                             target, after publishing
//	                                                  its context (GetState) or
//	                                                  handling the request
//	Idle -> GetState | ExitRequest                    controller posts resume
//	<resume>  -> Idle                                 target, leaving the
//	                                                  rendezvous
//
// Only GetState suspends the target pending release; InterruptCheck and
// ExitRequest are acknowledged without blocking. At most one request per
// thread is outstanding at a time; the word is Idle again strictly before a
// new request may be posted.
package rendezvous

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiesce-dev/quiesce-go/internal/sigctx"
)

// Request is the per-thread rendezvous request word.
type Request int32

const (
	// Acknowledging marks the window between the target observing a
	// request and finishing its side of the protocol. Never posted by a
	// controller.
	Acknowledging Request = -1
	// Idle means no request is outstanding.
	Idle Request = 0
	// GetState asks the target to publish its captured context and block
	// until released.
	GetState Request = 1
	// InterruptCheck asks the target to consider delivering a pending
	// interrupt exception.
	InterruptCheck Request = 2
	// ExitRequest asks the target to run the exit entry point.
	ExitRequest Request = 3
)

func (r Request) String() string {
	switch r {
	case Acknowledging:
		return "acknowledging"
	case Idle:
		return "idle"
	case GetState:
		return "get-state"
	case InterruptCheck:
		return "interrupt-check"
	case ExitRequest:
		return "exit-request"
	default:
		return "invalid"
	}
}

// SuspendTimeout bounds how long a controller waits for a target to
// acknowledge a suspend request. Signal delivery races with thread exit and
// deep system calls; past the timeout the target is skipped.
const SuspendTimeout = time.Second

// Point is one thread's rendezvous endpoint. The zero value is ready for
// use. The request word is written by a controller and read and rewritten by
// the owning thread inside its signal handler; no other thread touches it.
type Point struct {
	request atomic.Int32
}

// Load returns the current request word.
func (p *Point) Load() Request {
	return Request(p.request.Load())
}

// Coordinator serializes all rendezvous activity in the process. The mutex
// is held by a controller for the whole suspend..resume window, so at most
// one thread is ever held suspended at a time.
type Coordinator struct {
	mu sync.Mutex
	// caught is broadcast by a target each time it acknowledges; waited on
	// by controllers.
	caught *sync.Cond
	// release is broadcast by a controller to resume a suspended target;
	// waited on by targets.
	release *sync.Cond

	// captured is the suspended thread's published context. Valid only
	// between a successful SuspendAndCapture and the matching Resume, and
	// owned by the controller during that window.
	captured *sigctx.Context
}

// NewCoordinator returns a ready Coordinator.
func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.caught = sync.NewCond(&c.mu)
	c.release = sync.NewCond(&c.mu)
	return c
}

// SuspendAndCapture posts a GetState request to the target and delivers the
// rendezvous signal through kick. On success it returns the target's
// captured context with the coordinator lock held; the caller owns the
// suspended thread until it calls Resume. On timeout the request is
// reclaimed, the lock is released and (nil, false) is returned: the target
// could not be suspended and must be skipped.
func (c *Coordinator) SuspendAndCapture(p *Point, kick func()) (*sigctx.Context, bool) {
	c.mu.Lock()
	p.request.Store(int32(GetState))
	kick()

	deadline := time.Now().Add(SuspendTimeout)
	// The lock round-trip orders the broadcast after this thread has
	// parked in Wait, so the timeout wakeup cannot be lost.
	timer := time.AfterFunc(SuspendTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.caught.Broadcast()
	})
	defer timer.Stop()

	for p.Load() != Idle && time.Now().Before(deadline) {
		c.caught.Wait()
	}
	if p.Load() != Idle {
		if p.request.CompareAndSwap(int32(GetState), int32(Idle)) {
			// The target never saw the request; nothing to undo.
			c.mu.Unlock()
			return nil, false
		}
		// The target began acknowledging just as the timeout fired.
		// It now either waits for the lock or already parked on the
		// release condition; wait out the acknowledgment.
		for p.Load() != Idle {
			c.caught.Wait()
		}
	}
	return c.captured, true
}

// Resume releases a thread suspended by SuspendAndCapture. req must be
// GetState for an ordinary resume or ExitRequest to direct the target into
// the exit path. Resume returns, with the coordinator lock released, only
// after the target has fully left the rendezvous.
func (c *Coordinator) Resume(p *Point, req Request) {
	if req != GetState && req != ExitRequest {
		panic("rendezvous: invalid resume request " + req.String())
	}
	p.request.Store(int32(req))
	c.release.Broadcast()
	for p.Load() != Idle {
		c.caught.Wait()
	}
	c.captured = nil
	c.mu.Unlock()
}

// Post writes a request that is handled without suspension (InterruptCheck,
// or ExitRequest against a thread that could not be suspended) and delivers
// the rendezvous signal through kick. It does not wait for acknowledgment.
func (c *Coordinator) Post(p *Point, req Request, kick func()) {
	p.request.Store(int32(req))
	kick()
}

// HandleSignal is the target side of the protocol, run by the owning thread
// when the rendezvous signal reaches it. capture is invoked, while the
// request word reads Acknowledging, to publish the thread's context for a
// GetState request.
//
// The returned request tells the caller what to do after HandleSignal:
// nothing for GetState (the suspension already happened inside), interrupt
// delivery for InterruptCheck, the exit path for ExitRequest.
func (c *Coordinator) HandleSignal(p *Point, capture func() *sigctx.Context) Request {
	request := Request(p.request.Swap(int32(Acknowledging)))
	if request == GetState {
		c.mu.Lock()
		c.captured = capture()
		p.request.Store(int32(Idle))
		c.caught.Broadcast()
		c.release.Wait()
		request = Request(p.request.Swap(int32(Idle)))
		c.caught.Broadcast()
		c.mu.Unlock()
		return request
	}
	p.request.Store(int32(Idle))
	return request
}
