package trunclist

import (
	"testing"

	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

func newTestList(t *testing.T, numInodes int) (*List, map[uint64]int64, func(uint64) (int64, bool)) {
	t.Helper()
	size := int64(2*super.SBSize) + int64(numInodes)*super.InodeSize
	if min := int64(2*super.SBSize + 2*super.InodeSize); size < min {
		size = min // the smallest region super.Format accepts
	}
	r := region.NewMemRegion(size)
	sb, err := super.Format(r, super.PageSize, super.Fanout, false)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	offs := make(map[uint64]int64, numInodes)
	base := int64(2 * super.SBSize)
	for i := 0; i < numInodes; i++ {
		ino := uint64(i + 1)
		off := base + int64(i)*super.InodeSize
		super.WriteInodeAt(r, off, &super.Inode{LinksCount: 1})
		offs[ino] = off
	}
	offsetOf := func(ino uint64) (int64, bool) {
		off, ok := offs[ino]
		return off, ok
	}
	return New(r, sb), offs, offsetOf
}

func TestAddPushesOntoHead(t *testing.T) {
	l, offs, _ := newTestList(t, 3)
	l.Add(offs[1], 1, 4096)
	if l.SB.TruncateListHead != 1 {
		t.Fatalf("TruncateListHead = %d, want 1", l.SB.TruncateListHead)
	}
	l.Add(offs[2], 2, 8192)
	if l.SB.TruncateListHead != 2 {
		t.Fatalf("TruncateListHead = %d, want 2", l.SB.TruncateListHead)
	}
	second := super.ReadInodeAt(l.R, offs[2])
	if second.TruncNext != 1 {
		t.Fatalf("inode 2's TruncNext = %d, want 1", second.TruncNext)
	}
}

func TestRemoveHeadOfList(t *testing.T) {
	l, offs, offsetOf := newTestList(t, 3)
	l.Add(offs[1], 1, 100)
	l.Add(offs[2], 2, 200)

	l.Remove(2, offsetOf)
	if l.SB.TruncateListHead != 1 {
		t.Fatalf("TruncateListHead = %d, want 1 after removing head", l.SB.TruncateListHead)
	}
}

func TestRemoveMiddleOfList(t *testing.T) {
	l, offs, offsetOf := newTestList(t, 3)
	l.Add(offs[1], 1, 100)
	l.Add(offs[2], 2, 200)
	l.Add(offs[3], 3, 300)
	// list is now head -> 3 -> 2 -> 1

	l.Remove(2, offsetOf)

	var seen []uint64
	l.Walk(offsetOf, func(ino uint64, size uint64) { seen = append(seen, ino) })
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 1 {
		t.Fatalf("walk after removing middle = %v, want [3 1]", seen)
	}
}

func TestWalkVisitsEveryPendingInode(t *testing.T) {
	l, offs, offsetOf := newTestList(t, 3)
	l.Add(offs[1], 1, 111)
	l.Add(offs[2], 2, 222)
	l.Add(offs[3], 3, 333)

	sizes := map[uint64]uint64{}
	var order []uint64
	l.Walk(offsetOf, func(ino uint64, size uint64) {
		order = append(order, ino)
		sizes[ino] = size
	})
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("walk order = %v, want [3 2 1] (head-first)", order)
	}
	if sizes[1] != 111 || sizes[2] != 222 || sizes[3] != 333 {
		t.Fatalf("walk sizes = %v", sizes)
	}
}

func TestWalkOnEmptyListVisitsNothing(t *testing.T) {
	l, _, offsetOf := newTestList(t, 1)
	n := 0
	l.Walk(offsetOf, func(uint64, uint64) { n++ })
	if n != 0 {
		t.Fatalf("walk on empty list visited %d entries, want 0", n)
	}
}
