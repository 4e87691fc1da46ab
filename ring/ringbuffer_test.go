package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWriteLazyAllocates(t *testing.T) {
	b := New(4096)
	require.Equal(t, 0, b.Capacity())

	buf, err := b.AcquireWrite(10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(buf), 10)
	require.Greater(t, b.Capacity(), 0)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(4096)

	msg := []byte("hello, ring buffer")
	buf, err := b.AcquireWrite(len(msg))
	require.NoError(t, err)
	copy(buf, msg)
	b.CommitWrite(len(msg))

	read, n := b.AcquireRead()
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, read[:n])

	b.CommitRead(n)
	require.Equal(t, 0, b.Available())
}

func TestWrapAroundIntegrity(t *testing.T) {
	b := New(4096)
	cap := b.initial

	// Fill capacity-1, drain capacity-2, so the next write of `cap` bytes
	// straddles the wrap boundary.
	first := make([]byte, cap-1)
	for i := range first {
		first[i] = byte(i)
	}
	buf, err := b.AcquireWrite(len(first))
	require.NoError(t, err)
	copy(buf, first)
	b.CommitWrite(len(first))

	readBuf, n := b.AcquireRead()
	require.Equal(t, cap-1, n)
	b.CommitRead(cap - 2)
	_ = readBuf

	second := make([]byte, cap)
	for i := range second {
		second[i] = byte(200 + i)
	}
	buf, err = b.AcquireWrite(len(second))
	require.NoError(t, err)
	copy(buf, second)
	b.CommitWrite(len(second))

	all, n := b.AcquireRead()
	require.Equal(t, cap+1, n)
	want := append([]byte{first[cap-2]}, second...)
	require.Equal(t, want, all[:n])
	b.CommitRead(n)
}

func TestAcquireWriteFailsWhenFullAndNonEmpty(t *testing.T) {
	b := New(4096)
	cap := b.initial

	buf, err := b.AcquireWrite(cap)
	require.NoError(t, err)
	require.Len(t, buf, cap)
	b.CommitWrite(cap)

	_, err = b.AcquireWrite(1)
	require.ErrorIs(t, err, ErrFullNonEmpty)

	// Draining makes room again.
	_, n := b.AcquireRead()
	b.CommitRead(n)
	_, err = b.AcquireWrite(1)
	require.NoError(t, err)
}

func TestSpliceFrom(t *testing.T) {
	src := New(4096)
	dst := New(4096)

	msg := []byte("splice me")
	buf, err := src.AcquireWrite(len(msg))
	require.NoError(t, err)
	copy(buf, msg)
	src.CommitWrite(len(msg))

	n, err := dst.SpliceFrom(src)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, 0, src.Available())

	read, n := dst.AcquireRead()
	require.Equal(t, msg, read[:n])
}

// TestRandomInterleaving exercises property 1 of spec §8: for any
// sequence of acquire/commit pairs respecting capacity, the stream read
// back equals the stream written, byte for byte.
func TestRandomInterleaving(t *testing.T) {
	b := New(1 << 16)
	rng := rand.New(rand.NewSource(1))

	var written, read []byte
	for i := 0; i < 5000; i++ {
		if rng.Intn(2) == 0 || b.Available() == 0 {
			n := rng.Intn(500) + 1
			buf, err := b.AcquireWrite(n)
			if err == ErrFullNonEmpty {
				continue
			}
			require.NoError(t, err)
			chunk := make([]byte, n)
			rng.Read(chunk)
			copy(buf, chunk)
			b.CommitWrite(n)
			written = append(written, chunk...)
		} else {
			rbuf, n := b.AcquireRead()
			if n == 0 {
				continue
			}
			take := rng.Intn(n) + 1
			read = append(read, rbuf[:take]...)
			b.CommitRead(take)
		}
	}
	// Drain whatever is left.
	rbuf, n := b.AcquireRead()
	read = append(read, rbuf[:n]...)
	b.CommitRead(n)

	require.Equal(t, written[:len(read)], read)
}
