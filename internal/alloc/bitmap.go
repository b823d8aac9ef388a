package alloc

import (
	"fmt"
	"sync"

	"github.com/vorteil/pmfs/internal/pmfserr"
	"github.com/vorteil/pmfs/internal/super"
)

// Bitmap is a plain 4 KiB-block usage bitmap, one bit per block,
// packed into uint64 words. Grounded on the teacher's own block-usage
// tracker (pkg/ext/block-usage.go), which uses the same
// "i := bno/64; j := bno%64" bit-indexing idiom; generalized here from
// a one-shot compiler structure into something that both the reference
// allocator and crash recovery (spec.md §4.G's "scan bitmap") can build
// and query.
type Bitmap struct {
	words  []uint64
	blocks int64
}

// NewBitmap allocates a bitmap large enough to track `blocks` 4 KiB
// blocks, all initially free.
func NewBitmap(blocks int64) *Bitmap {
	return &Bitmap{words: make([]uint64, (blocks+63)/64), blocks: blocks}
}

func (b *Bitmap) Set(bno int64)   { b.words[bno/64] |= 1 << uint(bno%64) }
func (b *Bitmap) Clear(bno int64) { b.words[bno/64] &^= 1 << uint(bno%64) }
func (b *Bitmap) IsSet(bno int64) bool {
	return b.words[bno/64]&(1<<uint(bno%64)) != 0
}

// SetRange marks [first, first+count) used.
func (b *Bitmap) SetRange(first, count int64) {
	for i := first; i < first+count; i++ {
		b.Set(i)
	}
}

// ClearRange marks [first, first+count) free.
func (b *Bitmap) ClearRange(first, count int64) {
	for i := first; i < first+count; i++ {
		b.Clear(i)
	}
}

// FirstFreeRun finds the lowest block number starting a run of count
// consecutive free blocks, or false if none exists.
func (b *Bitmap) FirstFreeRun(count int64) (int64, bool) {
	run := int64(0)
	for bno := int64(0); bno < b.blocks; bno++ {
		if b.IsSet(bno) {
			run = 0
			continue
		}
		run++
		if run == count {
			return bno - count + 1, true
		}
	}
	return 0, false
}

// FreeBlocks counts unset bits (free blocks).
func (b *Bitmap) FreeBlocks() int64 {
	var free int64
	for bno := int64(0); bno < b.blocks; bno++ {
		if !b.IsSet(bno) {
			free++
		}
	}
	return free
}

// BitmapAllocator is a reference implementation of alloc.BlockAllocator
// over a Bitmap, sufficient for cmd/pmfsutil and for the test suite.
// It is explicitly a stand-in for the real free-list/range-tree
// allocator spec.md §1 scopes out of this repository; production PMFS
// deployments supply their own.
type BitmapAllocator struct {
	mu     sync.Mutex
	base   int64 // region offset of block unit 0
	bitmap *Bitmap
}

// NewBitmapAllocator reserves [base, base+blocks*4096) as the
// block-addressable region the allocator manages in 4 KiB units.
func NewBitmapAllocator(base int64, blocks int64) *BitmapAllocator {
	return &BitmapAllocator{base: base, bitmap: NewBitmap(blocks)}
}

// Reserve marks an already-used range (e.g. blocks occupied by the
// superblock/inode-table region, or blocks recovery's scan bitmap found
// reachable) as allocated, without going through Allocate.
func (a *BitmapAllocator) Reserve(offset int64, length int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first := (offset - a.base) / super.Block4K.Size()
	count := (length + super.Block4K.Size() - 1) / super.Block4K.Size()
	a.bitmap.SetRange(first, count)
}

func unitsFor(count int64, kind super.BlockKind) int64 {
	return count * kind.Size() / super.Block4K.Size()
}

func (a *BitmapAllocator) Allocate(count int64, kind super.BlockKind) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	units := unitsFor(count, kind)
	first, ok := a.bitmap.FirstFreeRun(units)
	if !ok {
		return 0, fmt.Errorf("%w: no run of %d blocks available", pmfserr.ErrNoSpace, units)
	}
	a.bitmap.SetRange(first, units)
	return a.base + first*super.Block4K.Size(), nil
}

func (a *BitmapAllocator) Free(base int64, count int64, kind super.BlockKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if base < a.base {
		return fmt.Errorf("%w: free of offset below managed region", pmfserr.ErrInvalid)
	}
	units := unitsFor(count, kind)
	first := (base - a.base) / super.Block4K.Size()
	a.bitmap.ClearRange(first, units)
	return nil
}

// FreeBlocks reports the allocator's current free-space count in 4 KiB
// units.
func (a *BitmapAllocator) FreeBlocks() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitmap.FreeBlocks()
}
