// Package region implements component A of the PMFS core: the
// address-space primitives every other package builds on. It models a
// byte-addressable region reached by offset from a superblock base,
// exactly the way spec.md describes "persistent offset" throughout.
//
// Everything in this package is deliberately thin. The core never
// manipulates raw pointers outside of it (see spec.md §9, "Raw pointer
// arithmetic into the mapped region" under DESIGN NOTES): callers ask for
// a bounded, non-owning View at an offset and length, and durability
// (flush/fence) is a capability of the Region, not of the view.
package region

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region owns a mapped span of bytes standing in for the persistent
// memory region described by spec.md §1. In production this would be a
// DAX-mapped /dev/pmem device; here it is backed by a plain mmap'd file,
// which gives the same byte-addressable semantics for testing and for
// the cmd/pmfsutil offline tooling. flush/barrier are therefore expressed
// in terms of msync and Go's memory model rather than clflush/sfence —
// see the Flush and Barrier doc comments for the substitution.
type Region struct {
	data []byte
	fd   int
	path string
	size int64
}

// OpenFile maps the file at path, which must already be sized to size
// bytes (callers needing a new region call CreateFile first).
func OpenFile(path string, size int64) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}
	return &Region{data: data, fd: fd, path: path, size: size}, nil
}

// CreateFile creates and maps a fresh, zero-filled region of the given
// size, for use by "pmfsutil format" and by tests.
func CreateFile(path string, size int64) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("region: create %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("region: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}
	return &Region{data: data, fd: fd, path: path, size: size}, nil
}

// NewMemRegion backs a Region with a plain heap slice instead of a
// mapped file. Used by unit tests that exercise the log/btree/index
// logic without touching the filesystem.
func NewMemRegion(size int64) *Region {
	return &Region{data: make([]byte, size), fd: -1, size: size}
}

// Close unmaps and closes the backing file, if any.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
	}
	return err
}

// Size returns the region's total byte length.
func (r *Region) Size() int64 { return r.size }

// View returns a bounded, non-owning slice of the region starting at off
// with the given length. It panics if the range is out of bounds, the
// same way a bad persistent offset would fault a real DAX mapping -
// callers are expected to have validated offsets against the superblock
// and inode invariants before dereferencing them.
func (r *Region) View(off int64, length int) []byte {
	if off < 0 || length < 0 || off+int64(length) > r.size {
		panic(fmt.Sprintf("region: out-of-bounds view off=%d len=%d size=%d", off, length, r.size))
	}
	return r.data[off : off+int64(length)]
}

// PtrToOffset returns the offset of a slice previously obtained from
// View. It is used sparingly, only where a component must recover an
// offset from a view it was handed (e.g. log GC splicing pages).
func (r *Region) PtrToOffset(p []byte) int64 {
	base := uintptr(unsafe.Pointer(&r.data[0]))
	addr := uintptr(unsafe.Pointer(&p[0]))
	return int64(addr - base)
}

// Flush persists length bytes starting at off so they survive a crash.
// On real PMEM this would be a loop of CLFLUSHOPT/CLWB over cachelines
// plus an optional trailing SFENCE (fence); here, since the region is a
// regular mmap, Flush issues msync(MS_SYNC) over the covering page
// range. fence is accepted for interface parity with spec.md §4.A but
// has no separate effect beyond what msync already guarantees.
func (r *Region) Flush(off int64, length int64, fence bool) error {
	if length <= 0 {
		return nil
	}
	if r.fd < 0 {
		// Memory-only region (unit tests): nothing to sync to.
		return nil
	}
	pageSize := int64(unix.Getpagesize())
	start := (off / pageSize) * pageSize
	end := off + length
	if end > r.size {
		end = r.size
	}
	return unix.Msync(r.data[start:end], unix.MS_SYNC)
}

// Barrier is the memory fence paired with a commit-batch's final store
// (spec.md §4.B: "publish_tail... issues a barrier before storing the
// new tail"). Go's memory model already orders a goroutine's own stores
// before a subsequent atomic store it performs, so here Barrier is a
// documented no-op marking the intended ordering point rather than an
// executable instruction; PersistentStoreU64 is what actually performs
// the ordered, durable publish.
func (r *Region) Barrier() {}

// PersistMark pairs with Barrier to bracket a commit batch, per
// spec.md §4.F ("flush, persist_mark"). Kept as a distinct call (rather
// than folding it into Flush) so call sites read the same as the spec's
// prose and so a future real-PMEM backend has a single place to hook an
// actual non-temporal store drain.
func (r *Region) PersistMark() {}

// PersistentStoreU64 is the single commit-point primitive: publishing a
// new log tail, a new (root, height) pair, or a truncate-list head all
// funnel through here. Natural 8-byte alignment is required and is the
// caller's responsibility, matching spec.md §4.A's assumption that
// persistent_store_u64 is atomic at natural alignment.
func (r *Region) PersistentStoreU64(off int64, value uint64) {
	if off%8 != 0 {
		panic(fmt.Sprintf("region: unaligned persistent store at offset %d", off))
	}
	p := (*uint64)(unsafe.Pointer(&r.data[off]))
	atomic.StoreUint64(p, value)
}

// PersistentLoadU64 is the read-side counterpart of PersistentStoreU64.
func (r *Region) PersistentLoadU64(off int64) uint64 {
	if off%8 != 0 {
		panic(fmt.Sprintf("region: unaligned persistent load at offset %d", off))
	}
	p := (*uint64)(unsafe.Pointer(&r.data[off]))
	return atomic.LoadUint64(p)
}
