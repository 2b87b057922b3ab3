//go:build unix

package safepoint_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/quiesce-dev/quiesce-go/internal/safepoint"
)

func newManager(t *testing.T, workers int) *safepoint.Manager {
	t.Helper()
	m, err := safepoint.NewManager(workers)
	if err != nil {
		t.Fatalf("failed to create manager: %s", err)
	}
	return m
}

func TestRegionLayout(t *testing.T) {
	m := newManager(t, 2)
	r := m.Region()

	word := unsafe.Sizeof(uintptr(0))
	if got, want := r.InterruptAddr(), r.Base(); got != want {
		t.Errorf("interrupt addr = %#x, want %#x", got, want)
	}
	if got, want := r.PollAddr(true), r.PageAddr(safepoint.PagePrimaryGC); got != want {
		t.Errorf("primary poll addr = %#x, want %#x", got, want)
	}
	if got, want := r.PollAddr(false), r.PageAddr(safepoint.PageWorkerGC)+word; got != want {
		t.Errorf("worker poll addr = %#x, want %#x", got, want)
	}

	if !r.Contains(r.Base()) {
		t.Error("base not contained in region")
	}
	if !r.Contains(r.Base() + safepoint.NumPages*r.PageSize() - 1) {
		t.Error("last byte not contained in region")
	}
	if r.Contains(r.Base() - 1) {
		t.Error("address below region reported as contained")
	}
	if r.Contains(r.Base() + safepoint.NumPages*r.PageSize()) {
		t.Error("address past region reported as contained")
	}
}

func TestPageCounters(t *testing.T) {
	m := newManager(t, 2)

	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Fatalf("initial enable count = %d, want 0", got)
	}
	m.EnablePage(safepoint.PagePrimaryGC)
	m.EnablePage(safepoint.PagePrimaryGC)
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 2 {
		t.Fatalf("enable count = %d, want 2", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("third enable did not panic")
			}
		}()
		m.EnablePage(safepoint.PagePrimaryGC)
	}()

	m.DisablePage(safepoint.PagePrimaryGC)
	m.DisablePage(safepoint.PagePrimaryGC)
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Fatalf("enable count after disables = %d, want 0", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("disable of unprotected page did not panic")
			}
		}()
		m.DisablePage(safepoint.PagePrimaryGC)
	}()
}

func TestSingleWorkerFastPath(t *testing.T) {
	m := newManager(t, 1)

	if !m.StartGC() {
		t.Fatal("single worker did not win the GC race")
	}
	if !m.GCRunning() {
		t.Error("GC not reported running")
	}
	// No other worker can observe the pages, so none are protected.
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Errorf("primary GC page enable count = %d, want 0", got)
	}
	if got := m.EnableCount(safepoint.PageWorkerGC); got != 0 {
		t.Errorf("worker GC page enable count = %d, want 0", got)
	}
	m.EndGC()
	if m.GCRunning() {
		t.Error("GC still reported running after EndGC")
	}
}

func TestStartGCMutualExclusion(t *testing.T) {
	m := newManager(t, 3)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.StartGC() {
				winners.Add(1)
				if !m.GCRunning() {
					t.Error("winner does not observe a running GC")
				}
				time.Sleep(10 * time.Millisecond)
				m.EndGC()
			} else if m.GCRunning() {
				// A loser returns only after the winner's collection
				// completed.
				t.Error("loser returned while the GC still runs")
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
	if m.GCRunning() {
		t.Error("GC still running after all threads returned")
	}
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Errorf("primary GC page enable count = %d, want 0", got)
	}
	if got := m.EnableCount(safepoint.PageWorkerGC); got != 0 {
		t.Errorf("worker GC page enable count = %d, want 0", got)
	}
}

func TestWaitGCBlocksUntilEnd(t *testing.T) {
	m := newManager(t, 2)

	if !m.StartGC() {
		t.Fatal("did not win the GC race")
	}
	done := make(chan struct{})
	go func() {
		m.WaitGC()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitGC returned while the GC runs")
	case <-time.After(50 * time.Millisecond):
	}

	m.EndGC()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitGC did not return after EndGC")
	}
}

func TestInterruptStateMachine(t *testing.T) {
	m := newManager(t, 2)

	if got := m.Pending(); got != safepoint.PendingNone {
		t.Fatalf("initial pending state = %d, want none", got)
	}

	m.EnableInterrupt()
	if got := m.Pending(); got != safepoint.PendingArmed {
		t.Fatalf("pending state after enable = %d, want armed", got)
	}
	if got := m.EnableCount(safepoint.PageInterrupt); got != 1 {
		t.Errorf("interrupt page enable count = %d, want 1", got)
	}
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 1 {
		t.Errorf("primary GC page enable count = %d, want 1", got)
	}

	// A second enable while armed changes nothing.
	m.EnableInterrupt()
	if got := m.EnableCount(safepoint.PageInterrupt); got != 1 {
		t.Errorf("interrupt page enable count after re-enable = %d, want 1", got)
	}

	m.DeferInterrupt()
	if got := m.Pending(); got != safepoint.PendingDeferred {
		t.Fatalf("pending state after defer = %d, want deferred", got)
	}
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Errorf("primary GC page enable count while deferred = %d, want 0", got)
	}
	if got := m.EnableCount(safepoint.PageInterrupt); got != 1 {
		t.Errorf("interrupt page enable count while deferred = %d, want 1", got)
	}

	// Re-arming from deferred protects the GC page again.
	m.EnableInterrupt()
	if got := m.Pending(); got != safepoint.PendingArmed {
		t.Fatalf("pending state after re-arm = %d, want armed", got)
	}

	if !m.ConsumeInterrupt() {
		t.Fatal("consume reported no pending interrupt")
	}
	if got := m.Pending(); got != safepoint.PendingNone {
		t.Fatalf("pending state after consume = %d, want none", got)
	}
	if got := m.EnableCount(safepoint.PageInterrupt); got != 0 {
		t.Errorf("interrupt page enable count after consume = %d, want 0", got)
	}
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 0 {
		t.Errorf("primary GC page enable count after consume = %d, want 0", got)
	}

	if m.ConsumeInterrupt() {
		t.Error("consume with nothing pending reported an interrupt")
	}
}

func TestInterruptPendingAcrossGC(t *testing.T) {
	m := newManager(t, 2)

	m.EnableInterrupt()
	if !m.StartGC() {
		t.Fatal("did not win the GC race")
	}
	// Page held once for the interrupt, once for the GC.
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 2 {
		t.Errorf("primary GC page enable count during GC = %d, want 2", got)
	}
	m.EndGC()
	if got := m.Pending(); got != safepoint.PendingArmed {
		t.Errorf("pending state after GC = %d, want armed", got)
	}
	if got := m.EnableCount(safepoint.PagePrimaryGC); got != 1 {
		t.Errorf("primary GC page enable count after GC = %d, want 1", got)
	}
	if !m.ConsumeInterrupt() {
		t.Error("interrupt lost across the GC cycle")
	}
}
