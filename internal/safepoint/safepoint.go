// Package safepoint implements the stop-the-world synchronization core: a
// three-page protected memory region that worker threads load from at poll
// sites, per-page enable counters, the GC running flag, and the pending
// interrupt state machine.
//
// The first page is the interrupt-pending page, checked only by the primary
// worker. The second page is the GC page observed by the primary worker. The
// third page is the GC page for all other workers; its published address is
// offset by one machine word so that a single load observes both the GC
// safepoint and the pending-signal marker.
package safepoint

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PendingState encodes which of the interrupt-related pages are currently
// protected on behalf of interrupt delivery, independent of the GC's own use
// of the pages.
type PendingState uint8

const (
	// PendingNone means no interrupt is pending.
	PendingNone PendingState = iota
	// PendingDeferred means at least one interrupt is pending and only the
	// interrupt-pending page is enabled.
	PendingDeferred
	// PendingArmed means at least one interrupt is pending and both the
	// interrupt-pending page and the primary GC page are enabled.
	PendingArmed
)

// Manager owns the safepoint region and all shared stop-the-world state.
//
// The internal lock serializes mutation of the enable counters and the
// pending interrupt state. The GC running flag is read on hot paths with
// plain atomics so that waiters don't contend on the lock with the
// collector.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	region *Region

	// enableCnt counts concurrent reasons each page is protected (at most
	// one for the GC, one for interrupt delivery). A page is inaccessible
	// iff its counter is non-zero. Guarded by mu.
	enableCnt [NumPages]uint8

	// pending is guarded by mu.
	pending PendingState

	// gcRunning is 0 when no collection is in progress and 1 while the
	// winning thread drives a collection.
	gcRunning atomic.Uint32

	// numWorkers is fixed for the lifetime of the process. The lock-free
	// StartGC/EndGC fast path is valid only because this can never grow.
	numWorkers int
}

// NewManager reserves the safepoint region and returns a manager for a
// process with the given fixed worker count. Failure to reserve the region
// is unrecoverable for the caller; there is no fallback protocol.
func NewManager(numWorkers int) (*Manager, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("invalid worker count %d", numWorkers)
	}
	region, err := NewRegion()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve safepoint region: %w", err)
	}
	m := &Manager{
		region:     region,
		numWorkers: numWorkers,
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// Region returns the protected page region.
func (m *Manager) Region() *Region {
	return m.region
}

// enableLocked increments the enable counter for the page and protects it on
// the 0->1 edge. mu must be held.
func (m *Manager) enableLocked(idx int) {
	if m.enableCnt[idx] != 0 {
		// At most one GC reason and one interrupt reason per page.
		if m.enableCnt[idx] >= 2 {
			panic(fmt.Sprintf("safepoint: page %d enabled %d times", idx, m.enableCnt[idx]))
		}
		m.enableCnt[idx]++
		return
	}
	m.enableCnt[idx]++
	m.region.protect(idx, protNone)
}

// disableLocked decrements the enable counter for the page and restores read
// access on the 1->0 edge. mu must be held.
func (m *Manager) disableLocked(idx int) {
	if m.enableCnt[idx] == 0 {
		panic(fmt.Sprintf("safepoint: page %d disabled while not enabled", idx))
	}
	m.enableCnt[idx]--
	if m.enableCnt[idx] != 0 {
		return
	}
	m.region.protect(idx, protRead)
}

// EnablePage protects the page with the given index for one more reason.
func (m *Manager) EnablePage(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enableLocked(idx)
}

// DisablePage removes one reason for the page to be protected.
func (m *Manager) DisablePage(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLocked(idx)
}

// EnableCount returns the current enable counter for the page.
func (m *Manager) EnableCount(idx int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.enableCnt[idx])
}

// StartGC requests the start of a collection. It returns true if the calling
// thread won the race and is now the collector; the caller must eventually
// call EndGC. It returns false if another thread is already collecting, in
// which case StartGC has blocked until that collection finished and the
// result is already applied.
//
// In the multi-worker case the caller must already have declared itself
// waiting in its per-thread state, so that the collector does not wait on it.
func (m *Manager) StartGC() bool {
	if m.numWorkers == 1 {
		m.gcRunning.Store(1)
		return true
	}
	m.mu.Lock()
	// In case multiple threads enter the GC at the same time, only one of
	// them may actually run the collection. It cannot simply be deferred
	// to the primary worker: that one may be running foreign code and
	// take arbitrarily long to reach a safe point.
	if !m.gcRunning.CompareAndSwap(0, 1) {
		m.mu.Unlock()
		m.WaitGC()
		return false
	}
	m.enableLocked(PagePrimaryGC)
	m.enableLocked(PageWorkerGC)
	m.mu.Unlock()
	return true
}

// EndGC ends the collection started by a successful StartGC and wakes every
// thread blocked in WaitGC.
func (m *Manager) EndGC() {
	if m.gcRunning.Load() == 0 {
		panic("safepoint: EndGC without a running GC")
	}
	if m.numWorkers == 1 {
		m.gcRunning.Store(0)
		return
	}
	m.mu.Lock()
	// Page protection must be removed before the flag clears: a thread
	// returning from its safepoint trap would otherwise fault again
	// immediately after observing "not running".
	m.disableLocked(PageWorkerGC)
	m.disableLocked(PagePrimaryGC)
	m.gcRunning.Store(0)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// WaitGC blocks the calling thread until the collection in progress (if any)
// has finished. The caller must have declared itself waiting in its
// per-thread state before calling.
func (m *Manager) WaitGC() {
	for m.gcRunning.Load() != 0 {
		// Block on the condition variable rather than spinning, to keep
		// idle cores quiet while the collector works. Recheck under the
		// lock so a broadcast between the load and the wait is not lost.
		m.mu.Lock()
		if m.gcRunning.Load() != 0 {
			m.cond.Wait()
		}
		m.mu.Unlock()
	}
}

// GCRunning reports whether a collection is currently in progress.
func (m *Manager) GCRunning() bool {
	return m.gcRunning.Load() != 0
}

// EnableInterrupt records a pending interrupt and makes sure both the
// interrupt-pending page and the primary GC page are protected exactly once
// on its behalf.
func (m *Manager) EnableInterrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.pending {
	case PendingNone:
		m.enableLocked(PageInterrupt)
		fallthrough
	case PendingDeferred:
		m.enableLocked(PagePrimaryGC)
		fallthrough
	case PendingArmed:
		m.pending = PendingArmed
	}
}

// DeferInterrupt keeps an interrupt pending but releases the GC page on its
// behalf, so that the primary worker's own safepoint is not tripped while
// delivery is merely deferred.
func (m *Manager) DeferInterrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == PendingArmed {
		m.disableLocked(PagePrimaryGC)
		m.pending = PendingDeferred
	}
}

// ConsumeInterrupt releases both pages held on behalf of interrupt delivery
// and reports whether an interrupt was in fact pending.
func (m *Manager) ConsumeInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := false
	switch m.pending {
	case PendingArmed:
		m.disableLocked(PagePrimaryGC)
		fallthrough
	case PendingDeferred:
		m.disableLocked(PageInterrupt)
		pending = true
		fallthrough
	case PendingNone:
		m.pending = PendingNone
	}
	return pending
}

// Pending returns the current interrupt-pending state.
func (m *Manager) Pending() PendingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
