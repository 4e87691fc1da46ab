//go:build linux

package ring

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxMirror implements mirrorMapping with the classic "magic ring buffer"
// trick: reserve a 2*capacity virtual address range, then map the same
// memfd twice — once at the base, once at base+capacity — so the two
// halves alias the same physical pages. Grounded on the mmap-offset
// technique other_examples/romshark-afxdp-bench-go__afxdp.go uses to carve
// multiple regions out of one fd, and the index/publish discipline of
// other_examples/markrussinovich-grpc-go-shmem__ring.go for the SPSC
// counters layered on top in ringbuffer.go.
type linuxMirror struct {
	mem []byte // length 2*capacity
	fd  int
}

func newMirrorMapping(capacity int) (mirrorMapping, error) {
	fd, err := unix.MemfdCreate("cwsp-ring", 0)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "ftruncate")
	}

	// Reserve a contiguous 2*capacity region with no backing, so we
	// control exactly where the two real mappings land.
	reserved, err := unix.Mmap(-1, 0, 2*capacity, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap reserve")
	}
	base := uintptr(unsafe.Pointer(&reserved[0]))

	if err := mmapFixed(fd, 0, base, capacity); err != nil {
		unix.Munmap(reserved)
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap lower half")
	}
	if err := mmapFixed(fd, 0, base+uintptr(capacity), capacity); err != nil {
		unix.Munmap(reserved)
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap upper half")
	}

	return &linuxMirror{mem: reserved, fd: fd}, nil
}

// mmapFixed maps length bytes of fd at offset into the already-reserved
// page at addr, replacing the PROT_NONE reservation there. unix.Mmap does
// not expose MAP_FIXED with an explicit address, so this drops to the raw
// syscall directly; only the PROT_NONE reservation above goes through
// unix.Mmap(-1, ...).
func mmapFixed(fd int, offset int64, addr uintptr, length int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (m *linuxMirror) bytes() []byte { return m.mem }

// syncAfterCommitWrite/syncBeforeAcquireRead are no-ops: the two halves are
// the same physical pages, so they can never disagree.
func (m *linuxMirror) syncAfterCommitWrite(int, int)  {}
func (m *linuxMirror) syncBeforeAcquireRead(int, int) {}

func (m *linuxMirror) close() error {
	err := unix.Munmap(m.mem)
	if cerr := unix.Close(m.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func pageSize() int { return unix.Getpagesize() }
