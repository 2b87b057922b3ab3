// Package framing contains type definitions for the word-level framing
// protocol in the profiling sample buffer and in critical-signal backtrace
// buffers. Consumers of the raw buffers decode against these definitions.
package framing

// The profiling buffer is a flat sequence of words. Each sample block is the
// captured frames (leaf first, never zero) followed by a SampleTrailer and a
// double-zero terminator. Backtrace buffers hold one segment per thread:
// frames followed by a single zero.
const (
	// TrailerWords is the size of a SampleTrailer in buffer words.
	TrailerWords = 4
	// SampleSentinelWords terminates a profiling sample block.
	SampleSentinelWords = 2
	// BacktraceSentinelWords terminates a backtrace segment.
	BacktraceSentinelWords = 1
)

// SampleTrailer is the per-sample metadata written after the frames.
type SampleTrailer struct {
	// ThreadID is the worker index plus one; zero is reserved for the
	// terminator.
	ThreadID uint64
	// TaskID identifies the task current on the thread, or zero.
	TaskID uint64
	// Cycles is a monotonic cycle-counter reading at capture time.
	Cycles uint64
	// Sleeping is the thread's sleep-check state plus one; zero is
	// reserved for the terminator.
	Sleeping uint64
}

// Words returns the trailer in buffer order.
func (t SampleTrailer) Words() [TrailerWords]uint64 {
	return [TrailerWords]uint64{t.ThreadID, t.TaskID, t.Cycles, t.Sleeping}
}

// DecodeTrailer reads a trailer back out of buffer words.
func DecodeTrailer(w []uint64) SampleTrailer {
	return SampleTrailer{ThreadID: w[0], TaskID: w[1], Cycles: w[2], Sleeping: w[3]}
}
