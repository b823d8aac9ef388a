package itable

import (
	"testing"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

const modeDirForTest = 0040755

// newTestTable builds an inode table over `inodesCount` pre-existing
// slots worth of data blocks, with the table inode's own header parked
// past the end of the allocator's managed range (see the blockmap and
// ilog test helpers for the same precaution). Block 0 is reserved
// because offset 0 is the null block-map root/slot value.
func newTestTable(t *testing.T, dataBlocks int64, inodesCount uint64) *Table {
	t.Helper()
	selfOff := dataBlocks * super.PageSize
	r := region.NewMemRegion(selfOff + super.PageSize)
	al := alloc.NewBitmapAllocator(0, dataBlocks)
	al.Reserve(0, super.PageSize)
	self := &super.Inode{Mode: modeDirForTest, LinksCount: 1}
	m := &blockmap.Map{R: r, Alloc: al, InodeOff: selfOff}

	slotsPerBlock := super.Block4K.Size() / super.InodeSize
	blocksNeeded := (int64(inodesCount) - super.FreeInodeHintStart + slotsPerBlock - 1) / slotsPerBlock
	if blocksNeeded > 0 {
		if _, err := m.Alloc(self, 0, blocksNeeded); err != nil {
			t.Fatalf("seeding inode table blocks: %v", err)
		}
	}
	sb := &super.Superblock{
		RootInodeOffset:      1 * super.PageSize,
		BlocknodeInodeOffset: 2 * super.PageSize,
		InodeTableOffset:     selfOff,
	}
	return New(r, sb, m, self, inodesCount)
}

func TestAllocateFindsFreeSlot(t *testing.T) {
	tbl := newTestTable(t, 64, super.FreeInodeHintStart+8)
	ino, off, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ino != super.FreeInodeHintStart {
		t.Fatalf("ino = %d, want %d (first free slot)", ino, super.FreeInodeHintStart)
	}
	if off == 0 {
		t.Fatalf("expected nonzero slot offset")
	}
	if tbl.FreeInodeHint != ino+1 {
		t.Fatalf("FreeInodeHint = %d, want %d", tbl.FreeInodeHint, ino+1)
	}
}

func TestAllocateSkipsLiveSlots(t *testing.T) {
	tbl := newTestTable(t, 64, super.FreeInodeHintStart+8)
	first, off1, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	live := super.ReadInodeAt(tbl.R, off1)
	live.Mode = modeDirForTest
	live.LinksCount = 1
	super.WriteInodeAt(tbl.R, off1, live)

	second, _, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("Allocate (second): %v", err)
	}
	if second == first {
		t.Fatalf("second allocation returned the still-live inode %d again", first)
	}
}

func TestFreeMarksSlotReusable(t *testing.T) {
	tbl := newTestTable(t, 64, super.FreeInodeHintStart+8)
	ino, off, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	live := super.ReadInodeAt(tbl.R, off)
	live.Mode = modeDirForTest
	live.LinksCount = 1
	super.WriteInodeAt(tbl.R, off, live)

	if err := tbl.Free(ino, 123); err != nil {
		t.Fatalf("Free: %v", err)
	}
	got := super.ReadInodeAt(tbl.R, off)
	if got.Dtime != 123 {
		t.Fatalf("Dtime = %d, want 123", got.Dtime)
	}
	if tbl.FreeInodeHint > ino {
		t.Fatalf("FreeInodeHint = %d, should retreat to <= %d after Free", tbl.FreeInodeHint, ino)
	}
}

func TestAllocateExtendsTableWhenExhausted(t *testing.T) {
	// inodesCount == FreeInodeHintStart leaves no allocatable slot,
	// forcing the very first Allocate to grow the table by a block.
	tbl := newTestTable(t, 64, super.FreeInodeHintStart)
	before := tbl.InodesCount
	ino, _, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ino != super.FreeInodeHintStart {
		t.Fatalf("ino = %d, want %d", ino, super.FreeInodeHintStart)
	}
	if tbl.InodesCount <= before {
		t.Fatalf("InodesCount did not grow: before=%d after=%d", before, tbl.InodesCount)
	}
}

func TestOffset(t *testing.T) {
	tbl := newTestTable(t, 64, super.FreeInodeHintStart+8)
	off, ok := tbl.Offset(super.FreeInodeHintStart)
	if !ok {
		t.Fatalf("Offset: slot should exist")
	}
	if off == 0 {
		t.Fatalf("expected nonzero offset")
	}
	if _, ok := tbl.Offset(super.FreeInodeHintStart + 1000); ok {
		t.Fatalf("Offset: expected no backing slot far beyond the table")
	}
}

// TestOffsetResolvesReservedInodes confirms the three reserved inodes
// (root, blocknode-list, the inode-table inode itself) resolve to their
// fixed superblock-region offsets rather than being looked up in the
// table's own slot array, which they predate (spec.md §6).
func TestOffsetResolvesReservedInodes(t *testing.T) {
	tbl := newTestTable(t, 64, super.FreeInodeHintStart+8)

	cases := []struct {
		ino  uint64
		want int64
	}{
		{super.RootIno, tbl.SB.RootInodeOffset},
		{super.BlocknodeIno, tbl.SB.BlocknodeInodeOffset},
		{super.InodeTableIno, tbl.SB.InodeTableOffset},
	}
	for _, c := range cases {
		off, ok := tbl.Offset(c.ino)
		if !ok {
			t.Fatalf("Offset(%d): expected a resolved reserved-inode offset", c.ino)
		}
		if off != c.want {
			t.Fatalf("Offset(%d) = %#x, want %#x", c.ino, off, c.want)
		}
	}
}
