// Package profbuf implements the bounded profiling sample sink: a flat word
// buffer of sample blocks in the framing protocol, plus a hash-keyed index
// of captured stacks for aggregation.
package profbuf

import (
	"sync"
	"unsafe"

	"github.com/minio/highwayhash"

	"github.com/quiesce-dev/quiesce-go/internal/framing"
)

// hashKey is the fixed key for stack hashing. Aggregation only needs
// consistency within a process.
var hashKey [32]byte

// Buffer is the profiling sample sink. Writes happen on the signal listener
// thread while the sampled worker is held suspended; reads may happen
// concurrently from diagnostics surfaces.
type Buffer struct {
	mu     sync.Mutex
	buf    []uint64
	cap    int
	full   bool
	counts map[uint64]int
}

// New returns a sink with room for capacityWords buffer words.
func New(capacityWords int) *Buffer {
	return &Buffer{
		buf:    make([]uint64, 0, capacityWords),
		cap:    capacityWords,
		counts: make(map[uint64]int),
	}
}

// WriteSample appends one sample block: the frames, the trailer, and the
// double-zero terminator. It returns false without writing anything when the
// block does not fit, and marks the buffer full.
func (b *Buffer) WriteSample(frames []uintptr, threadIdx int, taskID uint64, cycles uint64, sleeping bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	need := len(frames) + framing.TrailerWords + framing.SampleSentinelWords
	if len(b.buf)+need > b.cap {
		b.full = true
		return false
	}
	for _, pc := range frames {
		b.buf = append(b.buf, uint64(pc))
	}
	tr := framing.SampleTrailer{
		ThreadID: uint64(threadIdx) + 1,
		TaskID:   taskID,
		Cycles:   cycles,
	}
	tr.Sleeping = 1
	if sleeping {
		tr.Sleeping = 2
	}
	words := tr.Words()
	b.buf = append(b.buf, words[:]...)
	b.buf = append(b.buf, 0, 0)
	b.counts[hashStack(frames)]++
	return true
}

// Full reports whether a write has been rejected for lack of space.
func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full
}

// Len returns the number of words written.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Capacity returns the buffer capacity in words.
func (b *Buffer) Capacity() int {
	return b.cap
}

// Reset clears the buffer and the stack index.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.full = false
	b.counts = make(map[uint64]int)
}

// Data returns a copy of the written words.
func (b *Buffer) Data() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.buf))
	copy(out, b.buf)
	return out
}

// NumStacks returns how many distinct stacks have been sampled.
func (b *Buffer) NumStacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.counts)
}

// StackCount returns how often the given stack has been sampled.
func (b *Buffer) StackCount(frames []uintptr) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[hashStack(frames)]
}

// hashStack hashes the frames of one captured stack, leaf to root.
func hashStack(frames []uintptr) uint64 {
	if len(frames) == 0 {
		return highwayhash.Sum64(nil, hashKey[:])
	}
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(&frames[0])), len(frames)*int(unsafe.Sizeof(uintptr(0))))
	return highwayhash.Sum64(bytes, hashKey[:])
}
