// Package proftimer manages the profiling timer: a one-shot timer that
// delivers the multiplexed profiling signal to the process, re-armed by the
// signal listener after each sampling pass.
//
// The profiling signal number is shared with a user-visible meaning, and a
// deleted timer can still have an in-flight signal. Two rules disambiguate:
// a signal counts as a profiling tick only while the timer is running, and
// for a fixed grace window after the timer was last deleted the alternate
// meaning is suppressed.
package proftimer

import (
	"errors"
	"sync"
	"time"
)

// GracePeriod is how long after the timer's deletion signals of its number
// are still attributed to the timer rather than to their alternate meaning.
const GracePeriod = 2 * time.Second

// ErrNotConfigured is returned when the timer has no sample period set.
var ErrNotConfigured = errors.New("profiling timer period not configured")

// ErrRunning is returned when the timer is started while already running.
var ErrRunning = errors.New("profiling timer already running")

// Timer drives profiling ticks. fire delivers the profiling signal to the
// process; it runs on the timer's own goroutine.
type Timer struct {
	fire func()

	mu         sync.Mutex
	period     time.Duration
	running    bool
	gen        uint64
	timer      *time.Timer
	lastDelete time.Time

	// now is replaceable for tests; time.Time carries a monotonic
	// reading, which is what the grace window is measured against.
	now func() time.Time
}

// New returns a timer delivering ticks through fire.
func New(fire func()) *Timer {
	return &Timer{fire: fire, now: time.Now}
}

// SetPeriod configures the sample period for subsequent Start calls.
func (t *Timer) SetPeriod(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = d
}

// Start arms the timer for one tick after the configured period. The
// running flag is set before arming, so the first signal of the profiling
// number is already attributable to the timer.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.period <= 0 {
		return ErrNotConfigured
	}
	if t.running {
		return ErrRunning
	}
	t.running = true
	t.armLocked()
	return nil
}

// Rearm schedules the next tick after a sampling pass. It is a no-op if the
// timer has been stopped.
func (t *Timer) Rearm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.armLocked()
}

func (t *Timer) armLocked() {
	gen := t.gen
	t.timer = time.AfterFunc(t.period, func() {
		t.mu.Lock()
		live := t.running && t.gen == gen
		t.mu.Unlock()
		if live {
			t.fire()
		}
	})
}

// Stop deletes the timer and records the deletion time for the grace
// window. Ticks already in flight may still be delivered; the grace window
// exists for exactly those.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.lastDelete = t.now()
}

// Running reports whether the timer is armed. A profiling-number signal is a
// profiling tick iff this is true at receipt.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// GraceElapsed reports whether the post-deletion grace window has passed,
// i.e. whether a profiling-number signal may be given its alternate,
// non-profiling meaning.
func (t *Timer) GraceElapsed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastDelete.IsZero() {
		return true
	}
	return t.now().Sub(t.lastDelete) > GracePeriod
}
