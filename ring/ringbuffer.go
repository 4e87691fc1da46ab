// Package ring implements the mirrored-mapping ring buffer: a
// single-producer/single-consumer byte queue whose readable region is
// always a single contiguous slice, even when the logical write has
// wrapped past the end of the buffer. This is achieved by mapping the same
// physical pages twice, back to back, in virtual memory (see mirror_*.go).
package ring

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrFullNonEmpty is returned by AcquireWrite when the buffer cannot grow
// to fit the requested size because it still holds unread data. The caller
// must apply backpressure and retry once the consumer has drained some of
// the buffer.
var ErrFullNonEmpty = errors.New("ring: buffer full and non-empty")

// DefaultInitialSize is the buffer size used on first allocation when the
// caller does not otherwise specify one.
const DefaultInitialSize = 1 << 20 // 1 MiB, matching Connection's rx/tx buffers.

// Stats is a diagnostic snapshot of a Buffer's state.
type Stats struct {
	Capacity     int
	Available    int
	FreeSpace    int
	BytesWritten uint64
	BytesRead    uint64
}

// Buffer is the mirrored-mapping ring buffer described in spec §4.A. Its
// write side (AcquireWrite/CommitWrite) may run on a different goroutine
// than its read side (AcquireRead/CommitRead), concurrently with it — that
// is the whole point: Connection.Write fills tx from the caller's goroutine
// while the owner's queue drains it. Each side advances only its own
// atomic counter; there must be at most one producer and one consumer.
//
// mapping/capacity only change inside a resize, which the contract
// guarantees happens only while the buffer is logically empty. resizeMu
// still guards them because a concurrent reader observing a torn
// capacity/mapping pair would be a data race even though it can never
// observe torn *data*.
type Buffer struct {
	resizeMu sync.RWMutex
	mapping  mirrorMapping
	capacity uint64
	initial  int

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

// New creates an unallocated Buffer. initialSize is the capacity used for
// the first lazy allocation (rounded up to a whole number of pages); if
// initialSize <= 0, DefaultInitialSize is used.
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = DefaultInitialSize
	}
	return &Buffer{initial: initialSize}
}

// Capacity returns the buffer's current capacity in bytes (0 if
// unallocated).
func (b *Buffer) Capacity() int {
	b.resizeMu.RLock()
	defer b.resizeMu.RUnlock()
	return int(b.capacity)
}

// Available returns the number of unread bytes currently in the buffer.
func (b *Buffer) Available() int {
	return int(b.bytesWritten.Load() - b.bytesRead.Load())
}

// FreeSpace returns capacity - Available.
func (b *Buffer) FreeSpace() int {
	b.resizeMu.RLock()
	defer b.resizeMu.RUnlock()
	return int(b.capacity) - int(b.bytesWritten.Load()-b.bytesRead.Load())
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.resizeMu.RLock()
	defer b.resizeMu.RUnlock()
	w, r := b.bytesWritten.Load(), b.bytesRead.Load()
	return Stats{
		Capacity:     int(b.capacity),
		Available:    int(w - r),
		FreeSpace:    int(b.capacity) - int(w-r),
		BytesWritten: w,
		BytesRead:    r,
	}
}

func roundUpToPage(n int) int {
	pageSize := pageSize()
	if n <= 0 {
		return pageSize
	}
	return ((n + pageSize - 1) / pageSize) * pageSize
}

// AcquireWrite returns a linear slice of at least n writable bytes starting
// at the current write cursor, growing or (re)allocating the mapping as
// described in spec §4.A. The caller must not retain the slice past the
// matching CommitWrite.
func (b *Buffer) AcquireWrite(n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}

	b.resizeMu.Lock()
	defer b.resizeMu.Unlock()

	available := int(b.bytesWritten.Load() - b.bytesRead.Load())
	free := int(b.capacity) - available

	switch {
	case b.capacity == 0:
		size := roundUpToPage(max(b.initial, n))
		m, err := newMirrorMapping(size)
		if err != nil {
			return nil, errors.Wrap(err, "ring: allocate mapping")
		}
		b.mapping = m
		b.capacity = uint64(size)
		free = size - available

	case free >= n:
		// Fast path: room already exists.

	case available == 0:
		size := roundUpToPage(n)
		if b.mapping != nil {
			b.mapping.close()
		}
		m, err := newMirrorMapping(size)
		if err != nil {
			return nil, errors.Wrap(err, "ring: reallocate mapping")
		}
		b.mapping = m
		b.capacity = uint64(size)
		free = size

	default:
		return nil, ErrFullNonEmpty
	}

	writeCursor := int(b.bytesWritten.Load() % b.capacity)
	// The mirror guarantees [writeCursor, writeCursor+n) is valid linear
	// memory for any n <= capacity, even across the wrap boundary.
	return b.mapping.bytes()[writeCursor : writeCursor+n], nil
}

// CommitWrite advances the write cursor by n bytes, making them visible to
// the consumer side.
func (b *Buffer) CommitWrite(n int) {
	if n <= 0 {
		return
	}
	b.resizeMu.RLock()
	writeCursor := int(b.bytesWritten.Load() % b.capacity)
	b.mapping.syncAfterCommitWrite(writeCursor, n)
	b.resizeMu.RUnlock()
	b.bytesWritten.Add(uint64(n))
}

// AcquireRead returns the current read pointer and the number of bytes
// presently available to read. The returned slice is valid linear memory
// for its full length thanks to the mirror, regardless of logical wrap.
func (b *Buffer) AcquireRead() ([]byte, int) {
	b.resizeMu.RLock()
	defer b.resizeMu.RUnlock()

	available := int(b.bytesWritten.Load() - b.bytesRead.Load())
	if available == 0 || b.mapping == nil {
		return nil, 0
	}
	readCursor := int(b.bytesRead.Load() % b.capacity)
	b.mapping.syncBeforeAcquireRead(readCursor, available)
	return b.mapping.bytes()[readCursor : readCursor+available], available
}

// CommitRead advances the read cursor by n bytes, freeing that space for
// the producer.
func (b *Buffer) CommitRead(n int) {
	if n <= 0 {
		return
	}
	b.bytesRead.Add(uint64(n))
}

// Reset zeroes cursors and counters, retaining the mapping (if any).
func (b *Buffer) Reset() {
	b.resizeMu.Lock()
	defer b.resizeMu.Unlock()
	b.bytesWritten.Store(0)
	b.bytesRead.Store(0)
}

// SpliceFrom transfers all of other's available bytes into b with a single
// copy, using the mirror guarantee on both sides. It returns the number of
// bytes moved and ErrFullNonEmpty if b cannot grow to accept them.
func (b *Buffer) SpliceFrom(other *Buffer) (int, error) {
	src, n := other.AcquireRead()
	if n == 0 {
		return 0, nil
	}
	dst, err := b.AcquireWrite(n)
	if err != nil {
		return 0, err
	}
	copy(dst, src)
	b.CommitWrite(n)
	other.CommitRead(n)
	return n, nil
}

// Close releases the buffer's backing mapping. The Buffer must not be used
// afterwards.
func (b *Buffer) Close() error {
	b.resizeMu.Lock()
	defer b.resizeMu.Unlock()
	if b.mapping == nil {
		return nil
	}
	err := b.mapping.close()
	b.mapping = nil
	b.capacity = 0
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// mirrorMapping is the platform-specific double mapping of length
// 2*capacity whose upper half aliases the lower half byte-for-byte.
// Implemented in mirror_linux.go (VM remap) and mirror_fallback.go
// (split-copy emulation for non-Linux hosts, per spec §9's fallback note).
type mirrorMapping interface {
	// bytes returns the full 2*capacity-length mapping, so that indexing
	// [off, off+n) for any 0 <= off < capacity and 0 <= n <= capacity is
	// always in bounds: the upper half mirrors the lower half, making any
	// such slice linear memory that reads/writes the same bytes as the
	// wrapped logical region.
	bytes() []byte
	close() error

	// syncAfterCommitWrite and syncBeforeAcquireRead let a non-aliasing
	// fallback mapping (mirror_fallback.go) re-synchronize its copied
	// mirror half around a write/read that crossed the wrap boundary. A
	// real VM alias (mirror_linux.go) never goes stale, so both are no-ops
	// there.
	syncAfterCommitWrite(writeCursorBefore, n int)
	syncBeforeAcquireRead(readCursor, available int)
}
