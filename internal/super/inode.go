package super

import (
	"encoding/binary"

	"github.com/vorteil/pmfs/internal/region"
)

// Inode mirrors the fixed, cacheline-aligned persistent inode of
// spec.md §3. Unlike the teacher's pkg/ext4.Inode (which documents
// field offsets purely for reader reference), the field order here is
// deliberately chosen so that LogHead and LogTail land on 8-byte-aligned
// region offsets: log_tail publication is this repository's single
// commit point (spec.md §4.B/§5) and goes through
// region.PersistentStoreU64, which requires natural alignment. The core
// 8-byte fields come first, then 4-byte, then sub-word fields, and the
// two 8-byte truncate-list fields (TruncNext, TruncSize) follow at the
// end, rather than following the spec's prose listing order field-for-field.
type Inode struct {
	Size   uint64 // 0x00 bytes
	Blocks uint64 // 0x08 filesystem-block units
	Atime  uint64 // 0x10
	Mtime  uint64 // 0x18
	Ctime  uint64 // 0x20
	Dtime  uint64 // 0x28 nonzero => freed
	Root   int64  // 0x30 block-map root, persistent offset; 0 iff Blocks == 0
	LogHead int64 // 0x38
	LogTail int64 // 0x40 next write position; the commit point

	UID         uint32 // 0x48
	GID         uint32 // 0x4C
	LinksCount  uint32 // 0x50
	Flags       uint32 // 0x54
	Generation  uint32 // 0x58
	LogPages    uint32 // 0x5C
	Rdev        uint32 // 0x60

	Mode    uint16    // 0x64
	Height  uint8     // 0x66 0..3
	BlkType BlockKind // 0x67
	XattrPresent uint8 // 0x68 "present" bit only, per spec.md §3

	// TruncNext and TruncSize back this inode's truncate-list item
	// (spec.md §4.F): TruncNext is the next inode number on the list
	// (0 == end), TruncSize the pending truncate target in bytes.
	TruncNext uint64 // 0x70
	TruncSize uint64 // 0x78
}

// Byte offsets of the fields a caller may need to update with a single
// aligned atomic store rather than rewriting the whole inode.
const (
	OffLogHead    = 0x38
	OffLogTail    = 0x40
	OffRoot       = 0x30
	OffDtime      = 0x28
	OffHeight     = 0x66
	OffTruncNext  = 0x70
	OffTruncSize  = 0x78
)

const inodeWireSize = 0x78 + 8

func init() {
	if inodeWireSize > InodeSize {
		panic("super: Inode wire layout does not fit InodeSize")
	}
}

// IsFree reports whether the inode is free: dtime != 0 (spec.md §3).
func (in *Inode) IsFree() bool { return in.Dtime != 0 }

// IsLive reports the invariant counterpart: dtime == 0 && links_count > 0.
func (in *Inode) IsLive() bool { return in.Dtime == 0 && in.LinksCount > 0 }

// HasLogged reports whether the inode has ever appended a log entry
// (spec.md §3: log_tail == log_head == 0 iff never logged).
func (in *Inode) HasLogged() bool { return in.LogHead != 0 || in.LogTail != 0 }

func (in *Inode) Marshal() []byte {
	out := make([]byte, InodeSize)
	le := binary.LittleEndian
	le.PutUint64(out[0x00:], in.Size)
	le.PutUint64(out[0x08:], in.Blocks)
	le.PutUint64(out[0x10:], in.Atime)
	le.PutUint64(out[0x18:], in.Mtime)
	le.PutUint64(out[0x20:], in.Ctime)
	le.PutUint64(out[0x28:], in.Dtime)
	le.PutUint64(out[0x30:], uint64(in.Root))
	le.PutUint64(out[0x38:], uint64(in.LogHead))
	le.PutUint64(out[0x40:], uint64(in.LogTail))
	le.PutUint32(out[0x48:], in.UID)
	le.PutUint32(out[0x4C:], in.GID)
	le.PutUint32(out[0x50:], in.LinksCount)
	le.PutUint32(out[0x54:], in.Flags)
	le.PutUint32(out[0x58:], in.Generation)
	le.PutUint32(out[0x5C:], in.LogPages)
	le.PutUint32(out[0x60:], in.Rdev)
	le.PutUint16(out[0x64:], in.Mode)
	out[0x66] = in.Height
	out[0x67] = uint8(in.BlkType)
	out[0x68] = in.XattrPresent
	le.PutUint64(out[0x70:], in.TruncNext)
	le.PutUint64(out[0x78:], in.TruncSize)
	return out
}

func UnmarshalInode(b []byte) *Inode {
	in := &Inode{}
	le := binary.LittleEndian
	in.Size = le.Uint64(b[0x00:])
	in.Blocks = le.Uint64(b[0x08:])
	in.Atime = le.Uint64(b[0x10:])
	in.Mtime = le.Uint64(b[0x18:])
	in.Ctime = le.Uint64(b[0x20:])
	in.Dtime = le.Uint64(b[0x28:])
	in.Root = int64(le.Uint64(b[0x30:]))
	in.LogHead = int64(le.Uint64(b[0x38:]))
	in.LogTail = int64(le.Uint64(b[0x40:]))
	in.UID = le.Uint32(b[0x48:])
	in.GID = le.Uint32(b[0x4C:])
	in.LinksCount = le.Uint32(b[0x50:])
	in.Flags = le.Uint32(b[0x54:])
	in.Generation = le.Uint32(b[0x58:])
	in.LogPages = le.Uint32(b[0x5C:])
	in.Rdev = le.Uint32(b[0x60:])
	in.Mode = le.Uint16(b[0x64:])
	in.Height = b[0x66]
	in.BlkType = BlockKind(b[0x67])
	in.XattrPresent = b[0x68]
	in.TruncNext = le.Uint64(b[0x70:])
	in.TruncSize = le.Uint64(b[0x78:])
	return in
}

// ReadInodeAt loads the persistent inode at the given region offset.
func ReadInodeAt(r *region.Region, off int64) *Inode {
	return UnmarshalInode(r.View(off, InodeSize))
}

// WriteInodeAt stores and flushes the persistent inode at off. Callers
// that need a commit point (publish_tail, height/root update under the
// per-inode lock) issue their own Barrier/PersistMark around this;
// WriteInodeAt itself only guarantees the bytes are flushed, not fenced,
// matching spec.md §4.A's separation of flush from barrier.
func WriteInodeAt(r *region.Region, off int64, in *Inode) {
	view := r.View(off, InodeSize)
	copy(view, in.Marshal())
	_ = r.Flush(off, InodeSize, false)
}

// PublishLogTail is the single commit-point primitive named throughout
// spec.md §4.B/§5: it stores the new log_tail with a barrier before and
// a flush after, and nothing else about the inode is touched.
func PublishLogTail(r *region.Region, inodeOff int64, newTail int64) {
	r.Barrier()
	r.PersistentStoreU64(inodeOff+OffLogTail, uint64(newTail))
	_ = r.Flush(inodeOff+OffLogTail, 8, true)
}

// InodeOffset computes the persistent offset of inode number ino within
// the inode table, given the table's first data block offset. Slot 0 of
// the table corresponds to ino == FreeInodeHintStart.
func InodeOffset(tableBase int64, ino uint64) int64 {
	return tableBase + int64(ino-FreeInodeHintStart)*InodeSize
}
