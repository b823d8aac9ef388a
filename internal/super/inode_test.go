package super

import "testing"

// TestInodeWireSize asserts the fixed on-disk inode size spec.md §3
// names, the same struct-size-verification habit as the teacher's own
// pkg/ext4/inode_test.go, adapted here to this package's own Marshal
// round-trip rather than unsafe/reflect offset poking since every field
// here already goes through explicit binary.LittleEndian calls at named
// offsets.
func TestInodeWireSize(t *testing.T) {
	if inodeWireSize > InodeSize {
		t.Fatalf("inode wire layout (%d bytes) exceeds InodeSize (%d)", inodeWireSize, InodeSize)
	}
}

func TestInodeMarshalRoundTrip(t *testing.T) {
	in := &Inode{
		Size: 4096, Blocks: 1, Atime: 1, Mtime: 2, Ctime: 3, Dtime: 0,
		Root: 0x1000, LogHead: 0x2000, LogTail: 0x2040,
		UID: 1000, GID: 1000, LinksCount: 1, Flags: 0, Generation: 7,
		LogPages: 1, Rdev: 0, Mode: ModeRegularForTest, Height: 2,
		BlkType: Block4K, XattrPresent: 0,
		TruncNext: 99, TruncSize: 123456,
	}
	b := in.Marshal()
	if len(b) != InodeSize {
		t.Fatalf("marshal length = %d, want %d", len(b), InodeSize)
	}
	out := UnmarshalInode(b)
	if *out != *in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

// ModeRegularForTest avoids this test depending on any mode-bit
// constants defined outside this package.
const ModeRegularForTest = 0100644

func TestLogHeadTailAlignment(t *testing.T) {
	if OffLogHead%8 != 0 {
		t.Fatalf("OffLogHead (%#x) is not 8-byte aligned", OffLogHead)
	}
	if OffLogTail%8 != 0 {
		t.Fatalf("OffLogTail (%#x) is not 8-byte aligned", OffLogTail)
	}
	if OffRoot%8 != 0 {
		t.Fatalf("OffRoot (%#x) is not 8-byte aligned", OffRoot)
	}
}

func TestInodeOffset(t *testing.T) {
	base := int64(0x10000)
	off := InodeOffset(base, FreeInodeHintStart)
	if off != base {
		t.Fatalf("first slot offset = %#x, want %#x", off, base)
	}
	off2 := InodeOffset(base, FreeInodeHintStart+1)
	if off2 != base+InodeSize {
		t.Fatalf("second slot offset = %#x, want %#x", off2, base+InodeSize)
	}
}

func TestIsFreeIsLive(t *testing.T) {
	in := &Inode{}
	if in.IsFree() {
		t.Fatalf("zero-value inode should not report IsFree")
	}
	in.LinksCount = 1
	if !in.IsLive() {
		t.Fatalf("inode with dtime==0 and links_count>0 should be live")
	}
	in.Dtime = 42
	if in.IsLive() {
		t.Fatalf("inode with nonzero dtime should not be live")
	}
	if !in.IsFree() {
		t.Fatalf("inode with nonzero dtime should be free")
	}
}
