// Package recovery implements component G of the PMFS core: the
// mount-time crash replay described in spec.md §4.G. It walks the inode
// table, replays each live inode's log through the same
// blockmap.Assign/dirindex.Insert/Remove primitives a running file
// system would have used, and reports (without aborting the whole pass)
// any inode whose log turns out to be corrupt.
package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/dirindex"
	"github.com/vorteil/pmfs/internal/ilog"
	"github.com/vorteil/pmfs/internal/itable"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
	"github.com/vorteil/pmfs/internal/trunclist"
)

// InodeState is the rebuilt DRAM state for one live inode after replay:
// its (possibly rewound) persistent inode view and, for directories,
// the rebuilt index.
type InodeState struct {
	Ino   uint64
	Inode *super.Inode
	Dir   *dirindex.Index // non-nil only for directory inodes
}

// InodeFailure records an inode whose log replay was abandoned partway
// through due to corruption (spec.md §4.G "Failure modes").
type InodeFailure struct {
	Ino uint64
	Err error
}

// Report is the outcome of one full recovery pass.
type Report struct {
	Inodes   map[uint64]*InodeState
	Failures []InodeFailure
	Scan     *alloc.Bitmap
}

// Run performs the full mount-time recovery walk: every live slot in the
// inode table gets its log replayed (rebuilding its block map root via
// blockmap.Assign and, for directories, its dirindex), referenced
// pages and data blocks are marked in scan, and finally the truncate
// list is drained (spec.md §4.G).
//
// isDir reports whether a given inode's Mode marks it as a directory;
// it is a caller-supplied predicate rather than a hardcoded mode-bit
// mask so this package stays agnostic of the exact mode-bit layout
// pmfs.go chooses.
func Run(r *region.Region, sb *super.Superblock, al alloc.BlockAllocator, tbl *itable.Table, tl *trunclist.List, scan *alloc.Bitmap, isDir func(*super.Inode) bool) *Report {
	rep := &Report{Inodes: make(map[uint64]*InodeState), Scan: scan}

	// The reserved inodes (root, blocknode list, the inode table's own
	// header) live at fixed superblock-region offsets rather than in the
	// table's slot array, so they sit outside the FreeInodeHintStart..
	// InodesCount scan below and must be walked explicitly. Root always
	// carries a log (its "." and ".." DIR_LOG entries); the other two
	// are included on the same footing in case anything ever logs
	// against them, and the LogHead==0 check just below skips them when
	// it doesn't.
	for _, ino := range []uint64{super.RootIno, super.BlocknodeIno, super.InodeTableIno} {
		replayInode(r, al, tbl, ino, isDir, rep, scan)
	}

	for ino := uint64(super.FreeInodeHintStart); ino < tbl.InodesCount; ino++ {
		replayInode(r, al, tbl, ino, isDir, rep, scan)
	}

	tl.Walk(tbl.Offset, func(ino uint64, truncateSize uint64) {
		off, ok := tbl.Offset(ino)
		if !ok {
			return
		}
		in := super.ReadInodeAt(r, off)
		bm := &blockmap.Map{R: r, Alloc: al, InodeOff: off}
		lg := &ilog.Log{R: r, Alloc: al, InodeOff: off}
		dir := isDir(in)
		fromBlock := (int64(truncateSize) + super.Block4K.Size() - 1) / super.Block4K.Size()
		toBlock := fromBlock
		if in.Height > 0 {
			toBlock = (1 << (uint(in.Height) * super.MetaBlkShift)) - 1
		}
		// As in a live Truncate, directory leaves are raw data-block
		// offsets (freed outright) while regular-file leaves are
		// FILE_WRITE entry offsets (invalidated, freed only once fully
		// invalid) — spec.md §4.C "truncate", §4.G scenario 6.
		freed := uint64(0)
		in.Size = truncateSize
		_ = bm.Truncate(in, fromBlock, toBlock, func(leaf int64) {
			if dir {
				_ = al.Free(leaf, 1, super.Block4K)
				freed += uint64(in.BlkType.Size() / super.Block4K.Size())
				return
			}
			e := lg.InvalidateFileWrite(leaf)
			if e.IsFullyInvalid() {
				_ = al.Free(e.Block, int64(e.NumPages), in.BlkType)
				freed += uint64(e.NumPages) * uint64(in.BlkType.Size()/super.Block4K.Size())
			}
		})
		if freed > in.Blocks {
			freed = in.Blocks
		}
		in.Blocks -= freed
		super.WriteInodeAt(r, off, in)
		tl.Remove(ino, tbl.Offset)
	})

	return rep
}

// replayInode rebuilds one inode's DRAM state (block map root and, for
// directories, its dirindex) by walking its log, recording the result
// in rep.Inodes. Inodes with no backing slot, a free slot, or an empty
// log are skipped, which is what lets Run walk the reserved inodes and
// the table's allocatable range with the same call.
func replayInode(r *region.Region, al alloc.BlockAllocator, tbl *itable.Table, ino uint64, isDir func(*super.Inode) bool, rep *Report, scan *alloc.Bitmap) {
	off, ok := tbl.Offset(ino)
	if !ok {
		return
	}
	in := super.ReadInodeAt(r, off)
	if in.IsFree() || in.LogHead == 0 {
		return
	}

	state := &InodeState{Ino: ino, Inode: in}
	if isDir(in) {
		state.Dir = dirindex.New()
	}

	// Reset the in-DRAM block map view: spec.md §4.G "zero the
	// in-memory block map, set height = 0" — the persistent root
	// is rebuilt purely from FILE_WRITE/alloc replay below.
	in.Root = 0
	in.Height = 0

	bm := &blockmap.Map{R: r, Alloc: al, InodeOff: off}
	lg := &ilog.Log{R: r, Alloc: al, InodeOff: off}

	scan.SetRange(off/super.Block4K.Size(), 1)
	markPageChain(scan, r, in)

	err := lg.Walk(in, func(we ilog.WalkEntry) error {
		return applyEntry(bm, state, we, scan)
	})
	if err != nil {
		rep.Failures = append(rep.Failures, InodeFailure{Ino: ino, Err: fmt.Errorf("recovery: inode %d: %w", ino, err)})
	}

	rep.Inodes[ino] = state
}

// markPageChain marks every log page reachable from in.LogHead in the
// scan bitmap, walking the same next_page links internal/ilog follows,
// without relying on any unexported ilog helper.
func markPageChain(scan *alloc.Bitmap, r *region.Region, in *super.Inode) {
	cur := in.LogHead
	for cur != 0 {
		scan.SetRange(cur/super.Block4K.Size(), 1)
		b := r.View(cur+super.LastEntry+8, 8)
		cur = int64(binary.LittleEndian.Uint64(b))
	}
}

func applyEntry(bm *blockmap.Map, state *InodeState, we ilog.WalkEntry, scan *alloc.Bitmap) error {
	in := state.Inode

	switch we.Type {
	case ilog.EntryFileWrite:
		e := we.FileWrite
		if !e.IsFullyInvalid() {
			for p := uint32(0); p < e.NumPages; p++ {
				if err := bm.Assign(in, int64(e.Pgoff+p), we.Off); err != nil {
					return err
				}
			}
			scan.SetRange(e.Block/super.Block4K.Size(), int64(e.NumPages)*(in.BlkType.Size()/super.Block4K.Size()))
		}
		in.Size = uint64(e.Size)
		in.Mtime = uint64(e.Mtime)

	case ilog.EntryDirLog:
		e := we.DirLog
		if state.Dir == nil {
			break
		}
		if e.Ino == 0 {
			_ = state.Dir.Remove(e.Name)
		} else {
			_ = state.Dir.Insert(dirindex.Entry{
				Hash:   dirindex.Hash(e.Name),
				Name:   e.Name,
				Ino:    e.Ino,
				FType:  e.FileType,
				LogOff: we.Off,
			})
		}
		in.LinksCount = e.LinksCount
		in.Mtime = uint64(e.Mtime)
		in.Size = uint64(e.Size)

	case ilog.EntrySetAttr:
		e := we.SetAttr
		if e.Mask&ilog.AttrMode != 0 {
			in.Mode = e.Mode
		}
		if e.Mask&ilog.AttrUID != 0 {
			in.UID = uint32(e.UID)
		}
		if e.Mask&ilog.AttrGID != 0 {
			in.GID = uint32(e.GID)
		}
		if e.Mask&ilog.AttrSize != 0 {
			in.Size = uint64(e.Size)
		}
		if e.Mask&ilog.AttrAtime != 0 {
			in.Atime = uint64(e.Atime)
		}
		if e.Mask&ilog.AttrMtime != 0 {
			in.Mtime = uint64(e.Mtime)
		}
		if e.Mask&ilog.AttrCtime != 0 {
			in.Ctime = uint64(e.Ctime)
		}

	case ilog.EntryLinkChange:
		e := we.LinkChange
		in.LinksCount = e.LinksCount
		in.Ctime = e.Ctime
		in.Flags = e.Flags
		in.Generation = e.Generation
	}

	if we.InlineInode != nil {
		// Nothing further to do: the inline inode slot was already
		// populated at append time and is its own persistent inode;
		// recovery reaches it independently via the inode table scan.
		_ = we.InlineInode
	}

	return nil
}
