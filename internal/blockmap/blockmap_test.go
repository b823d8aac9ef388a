package blockmap

import (
	"testing"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

// newTestMap places the owning inode's header in a page past the end
// of the allocator's managed range, so interior/data blocks handed out
// by the allocator never alias the inode's own on-disk bytes. Block 0
// is reserved because offset 0 is the null root/slot value.
func newTestMap(t *testing.T, blocks int64) (*Map, *super.Inode) {
	t.Helper()
	inodeOff := blocks * super.PageSize
	r := region.NewMemRegion(inodeOff + super.PageSize)
	al := alloc.NewBitmapAllocator(0, blocks)
	al.Reserve(0, super.PageSize)
	in := &super.Inode{Mode: 0100644, LinksCount: 1}
	return &Map{R: r, Alloc: al, InodeOff: inodeOff}, in
}

func TestAssignAndFindHeight0(t *testing.T) {
	m, in := newTestMap(t, 8)
	if err := m.Assign(in, 0, 0x1000); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got := m.Find(in, 0); got != 0x1000 {
		t.Fatalf("Find(0) = %#x, want %#x", got, 0x1000)
	}
	if got := m.Find(in, 1); got != 0 {
		t.Fatalf("Find(1) = %#x, want 0 (unallocated)", got)
	}
}

func TestAssignGrowsHeightAsNeeded(t *testing.T) {
	m, in := newTestMap(t, 64)
	if err := m.Assign(in, 0, 0xA000); err != nil {
		t.Fatalf("Assign(0): %v", err)
	}
	if in.Height != 0 {
		t.Fatalf("height = %d after first assign, want 0", in.Height)
	}

	far := int64(super.Fanout + 5)
	if err := m.Assign(in, far, 0xB000); err != nil {
		t.Fatalf("Assign(%d): %v", far, err)
	}
	if in.Height == 0 {
		t.Fatalf("expected height growth once block index exceeds fanout^0")
	}
	if got := m.Find(in, far); got != 0xB000 {
		t.Fatalf("Find(%d) = %#x, want %#x", far, got, 0xB000)
	}
	if got := m.Find(in, 0); got != 0xA000 {
		t.Fatalf("Find(0) = %#x, want %#x (original assignment lost after growth)", got, 0xA000)
	}
}

func TestAllocAssignsDataBlocksForDirectories(t *testing.T) {
	m, in := newTestMap(t, 16)
	offs, err := m.Alloc(in, 0, 3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(offs) != 3 {
		t.Fatalf("got %d offsets, want 3", len(offs))
	}
	seen := map[int64]bool{}
	for _, o := range offs {
		if o == 0 {
			t.Fatalf("unexpected zero data offset")
		}
		if seen[o] {
			t.Fatalf("duplicate data offset %#x", o)
		}
		seen[o] = true
	}
	for i, o := range offs {
		if got := m.Find(in, int64(i)); got != o {
			t.Fatalf("Find(%d) = %#x, want %#x", i, got, o)
		}
	}
}

func TestAllocReusesExistingLeaf(t *testing.T) {
	m, in := newTestMap(t, 16)
	first, err := m.Alloc(in, 0, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	second, err := m.Alloc(in, 0, 1)
	if err != nil {
		t.Fatalf("Alloc (re-request): %v", err)
	}
	if first[0] != second[0] {
		t.Fatalf("re-allocating an already-populated block should reuse the existing leaf: got %#x vs %#x", first[0], second[0])
	}
}

func TestTruncateFreesAndClearsLeaves(t *testing.T) {
	m, in := newTestMap(t, 16)
	offs, err := m.Alloc(in, 0, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	in.Size = 4 * super.PageSize

	var freed []int64
	err = m.Truncate(in, 2, 3, func(leaf int64) { freed = append(freed, leaf) })
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if len(freed) != 2 {
		t.Fatalf("freed %d leaves, want 2", len(freed))
	}
	if freed[0] != offs[2] || freed[1] != offs[3] {
		t.Fatalf("freed wrong leaves: got %v, want [%#x %#x]", freed, offs[2], offs[3])
	}
	if got := m.Find(in, 2); got != 0 {
		t.Fatalf("Find(2) after truncate = %#x, want 0", got)
	}
	if got := m.Find(in, 0); got != offs[0] {
		t.Fatalf("Find(0) after truncate = %#x, want %#x (untouched)", got, offs[0])
	}
}

func TestTruncateToZeroClearsRoot(t *testing.T) {
	m, in := newTestMap(t, 16)
	if _, err := m.Alloc(in, 0, 1); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	in.Size = super.PageSize

	if err := m.Truncate(in, 0, 0, func(int64) {}); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if in.Root != 0 {
		t.Fatalf("Root = %#x after truncating the only block, want 0", in.Root)
	}
}

func TestTruncateShrinksHeight(t *testing.T) {
	m, in := newTestMap(t, 2048)
	far := int64(super.Fanout + 5)
	if err := m.Assign(in, far, 0x1000); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if in.Height == 0 {
		t.Fatalf("expected nonzero height")
	}
	in.Size = uint64(far+1) * super.PageSize

	if err := m.Assign(in, 0, 0x2000); err != nil {
		t.Fatalf("Assign(0): %v", err)
	}

	in.Size = super.PageSize
	if err := m.Truncate(in, 1, far, func(int64) {}); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := m.Find(in, 0); got != 0x2000 {
		t.Fatalf("Find(0) after shrink = %#x, want %#x", got, 0x2000)
	}
}

func TestFindRegionAllHoleWhenEmpty(t *testing.T) {
	m, in := newTestMap(t, 8)
	in.Size = 4 * super.PageSize
	blk, ok := m.FindRegion(in, 0, SeekHole)
	if !ok || blk != 0 {
		t.Fatalf("FindRegion(SeekHole) on empty file = (%d, %v), want (0, true)", blk, ok)
	}
	_, ok = m.FindRegion(in, 0, SeekData)
	if ok {
		t.Fatalf("FindRegion(SeekData) on empty file should report no data")
	}
}

func TestFindRegionLocatesDataAndHole(t *testing.T) {
	m, in := newTestMap(t, 16)
	if err := m.Assign(in, 2, 0x5000); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	in.Size = 5 * super.PageSize

	blk, ok := m.FindRegion(in, 0, SeekData)
	if !ok || blk != 2 {
		t.Fatalf("FindRegion(SeekData) from 0 = (%d, %v), want (2, true)", blk, ok)
	}

	blk, ok = m.FindRegion(in, 0, SeekHole)
	if !ok || blk != 0 {
		t.Fatalf("FindRegion(SeekHole) from 0 = (%d, %v), want (0, true)", blk, ok)
	}

	blk, ok = m.FindRegion(in, 3, SeekHole)
	if !ok || blk != 3 {
		t.Fatalf("FindRegion(SeekHole) from 3 = (%d, %v), want (3, true)", blk, ok)
	}
}
