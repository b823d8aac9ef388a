// Package pmfs ties components B through G (spec.md §2 "data flow")
// into the mutating and read-only operations a persistent-memory file
// system core exposes: Create, Unlink, Write, Truncate, SetAttr, Link,
// Rename, Readdir and Lookup. It is deliberately thin — each method
// packages its effect as one or more log entries, appends and publishes
// them through internal/ilog, then updates the in-DRAM index
// (internal/dirindex for directories, internal/blockmap for files) the
// same way internal/recovery replays them at mount time, matching
// spec.md §2's stated data flow in both directions.
package pmfs

import (
	"fmt"
	"sync"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/dirindex"
	"github.com/vorteil/pmfs/internal/elog"
	"github.com/vorteil/pmfs/internal/ilog"
	"github.com/vorteil/pmfs/internal/itable"
	"github.com/vorteil/pmfs/internal/pmfserr"
	"github.com/vorteil/pmfs/internal/recovery"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
	"github.com/vorteil/pmfs/internal/trunclist"
)

// Mode bits this core cares about, enough to distinguish directories
// from regular files and symlinks for dirindex/recovery's isDir
// predicate; full permission-bit semantics belong to the VFS glue
// spec.md §1 scopes out of this repository.
const (
	ModeDir     uint16 = 1 << 14
	ModeRegular uint16 = 1 << 15
	ModeSymlink uint16 = 1<<15 | 1<<13
)

// MountOptions models the mount-time knobs spec.md §6 leaves as prose
// into a typed struct (SPEC_FULL.md "Configuration"). Unknown options
// passed through cmd/pmfsutil's flag/viper layer are rejected before
// ever reaching here.
type MountOptions struct {
	ChecksumDisabled bool
	Fanout           uint32
}

// inodeHandle bundles the per-inode lock (spec.md §5 "per-inode lock")
// with its cached DRAM state. FS hands these out through handle()
// rather than letting callers reach in directly.
type inodeHandle struct {
	mu  sync.Mutex
	off int64
}

// FS is one mounted PMFS core instance.
type FS struct {
	R   *region.Region
	SB  *super.Superblock
	Log elog.Logger

	alloc alloc.BlockAllocator
	itab  *itable.Table
	tlist *trunclist.List

	inodeMu sync.Mutex
	inodes  map[uint64]*inodeHandle

	dirMu sync.Mutex
	dirs  map[uint64]*dirindex.Index
}

// Open mounts an already-formatted region: reads the superblock, wraps
// the inode-table inode, and replays recovery (spec.md §4.G) before
// returning a ready-to-use FS.
func Open(r *region.Region, al alloc.BlockAllocator, log elog.Logger) (*FS, error) {
	sb, err := super.Read(r)
	if err != nil {
		return nil, err
	}

	tableInode := super.ReadInodeAt(r, sb.InodeTableOffset)
	bm := &blockmap.Map{R: r, Alloc: al, InodeOff: sb.InodeTableOffset}
	// The table grows one block at a time from block 0, so its slot count
	// follows from how many leading blocks the table's block map resolves.
	inodesCount := uint64(super.FreeInodeHintStart)
	slotsPerBlock := uint64(super.Block4K.Size() / super.InodeSize)
	for blk := int64(0); bm.Find(tableInode, blk) != 0; blk++ {
		inodesCount += slotsPerBlock
	}
	itab := itable.New(r, sb, bm, tableInode, inodesCount)
	tlist := trunclist.New(r, sb)

	fs := &FS{
		R: r, SB: sb, Log: log,
		alloc: al, itab: itab, tlist: tlist,
		inodes: make(map[uint64]*inodeHandle),
		dirs:   make(map[uint64]*dirindex.Index),
	}

	scan := alloc.NewBitmap(r.Size() / super.Block4K.Size())
	rep := recovery.Run(r, sb, al, itab, tlist, scan, func(in *super.Inode) bool {
		return in.Mode&ModeDir != 0
	})
	for _, f := range rep.Failures {
		log.Warnf("%v", f.Err)
	}
	for ino, state := range rep.Inodes {
		off, ok := itab.Offset(ino)
		if !ok {
			continue
		}
		super.WriteInodeAt(r, off, state.Inode)
		if state.Dir != nil {
			fs.dirs[ino] = state.Dir
		}
	}

	return fs, nil
}

// Format initializes a fresh region and mounts it, creating the root
// directory with "." and ".." entries per spec.md §4.D.
func Format(r *region.Region, al alloc.BlockAllocator, log elog.Logger, opts MountOptions) (*FS, error) {
	fanout := opts.Fanout
	if fanout == 0 {
		fanout = super.Fanout
	}
	sb, err := super.Format(r, uint32(super.Block4K.Size()), fanout, opts.ChecksumDisabled)
	if err != nil {
		return nil, err
	}

	al.(interface {
		Reserve(offset int64, length int64)
	}).Reserve(0, sb.InodeTableOffset+super.InodeSize)

	root := &super.Inode{Mode: ModeDir | 0755, LinksCount: 2}
	super.WriteInodeAt(r, sb.RootInodeOffset, root)

	tableInode := &super.Inode{}
	super.WriteInodeAt(r, sb.InodeTableOffset, tableInode)

	fs := &FS{
		R: r, SB: sb, Log: log,
		alloc: al,
		itab:  itable.New(r, sb, &blockmap.Map{R: r, Alloc: al, InodeOff: sb.InodeTableOffset}, tableInode, super.FreeInodeHintStart),
		tlist: trunclist.New(r, sb),
		inodes: make(map[uint64]*inodeHandle),
		dirs:   make(map[uint64]*dirindex.Index),
	}

	idx := dirindex.New()
	fs.dirs[super.RootIno] = idx

	if err := fs.appendDirLog(sb.RootInodeOffset, root, &ilog.DirLogEntry{
		FileType: ilog.FTypeDir, Ino: super.RootIno, LinksCount: 2, Name: ".",
	}, idx); err != nil {
		return nil, err
	}
	if err := fs.appendDirLog(sb.RootInodeOffset, root, &ilog.DirLogEntry{
		FileType: ilog.FTypeDir, Ino: super.RootIno, LinksCount: 2, Name: "..",
	}, idx); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FS) handle(ino uint64, off int64) *inodeHandle {
	fs.inodeMu.Lock()
	defer fs.inodeMu.Unlock()
	h, ok := fs.inodes[ino]
	if !ok {
		h = &inodeHandle{off: off}
		fs.inodes[ino] = h
	}
	return h
}

func (fs *FS) appendDirLog(dirOff int64, dir *super.Inode, e *ilog.DirLogEntry, idx *dirindex.Index) error {
	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: dirOff}
	entryOff, newTail, _, err := lg.Append(dir, e.Marshal(), nil)
	if err != nil {
		return fmt.Errorf("pmfs: appending directory entry %q: %w", e.Name, err)
	}
	lg.Publish(dir, newTail)

	if e.Ino == 0 {
		_ = idx.Remove(e.Name)
	} else {
		if err := idx.Insert(dirindex.Entry{Hash: dirindex.Hash(e.Name), Name: e.Name, Ino: e.Ino, FType: e.FileType, LogOff: entryOff}); err != nil {
			return err
		}
	}
	dir.LinksCount = e.LinksCount
	super.WriteInodeAt(fs.R, dirOff, dir)
	return nil
}

// Lookup resolves name within the directory at dirIno, returning the
// target inode number (spec.md §4.D index lookup).
func (fs *FS) Lookup(dirIno uint64, name string) (uint64, error) {
	fs.dirMu.Lock()
	idx, ok := fs.dirs[dirIno]
	fs.dirMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: inode %d is not a directory", pmfserr.ErrInvalid, dirIno)
	}
	e, ok := idx.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", pmfserr.ErrNoEntry, name)
	}
	return e.Ino, nil
}

// Readdir iterates dirIno's live entries in hash order, resuming after
// afterName when non-empty (spec.md §4.D "Readdir").
func (fs *FS) Readdir(dirIno uint64, afterName string, fn func(dirindex.Entry) bool) error {
	fs.dirMu.Lock()
	idx, ok := fs.dirs[dirIno]
	fs.dirMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: inode %d is not a directory", pmfserr.ErrInvalid, dirIno)
	}
	if afterName == "" {
		idx.Iterate(fn)
	} else {
		idx.IterateFrom(afterName, fn)
	}
	return nil
}

// Create allocates a new inode, writes it to its inode-table slot, logs
// its creation as an inline new-inode slot on the directory's DIR_LOG
// entry, and inserts it into the
// directory index (spec.md §4.D "new_inode").
func (fs *FS) Create(dirIno uint64, name string, mode uint16, now uint64) (uint64, error) {
	dirOff, ok := fs.itab.Offset(dirIno)
	if !ok {
		return 0, fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, dirIno)
	}
	fs.dirMu.Lock()
	idx, ok := fs.dirs[dirIno]
	fs.dirMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: inode %d is not a directory", pmfserr.ErrInvalid, dirIno)
	}

	h := fs.handle(dirIno, dirOff)
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := idx.Lookup(name); exists {
		return 0, fmt.Errorf("%w: %q", pmfserr.ErrExist, name)
	}

	ino, ioff, err := fs.itab.Allocate()
	if err != nil {
		return 0, err
	}

	fileType := uint8(ilog.FTypeRegularFile)
	if mode&ModeDir != 0 {
		fileType = ilog.FTypeDir
	} else if mode&ModeSymlink == ModeSymlink {
		fileType = ilog.FTypeSymlink
	}

	newInode := &super.Inode{Mode: mode, LinksCount: 1, Atime: now, Mtime: now, Ctime: now}
	if mode&ModeDir != 0 {
		newInode.LinksCount = 2
	}

	dir := super.ReadInodeAt(fs.R, dirOff)
	e := &ilog.DirLogEntry{
		FileType: fileType, NewInode: true, Ino: ino,
		LinksCount: dir.LinksCount, Mtime: uint32(now), Size: uint32(dir.Size), Name: name,
	}

	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: dirOff}
	entryOff, newTail, _, err := lg.Append(dir, e.Marshal(), newInode)
	if err != nil {
		_ = fs.itab.Free(ino, now)
		return 0, fmt.Errorf("pmfs: creating %q: %w", name, err)
	}
	lg.Publish(dir, newTail)
	super.WriteInodeAt(fs.R, dirOff, dir)
	super.WriteInodeAt(fs.R, ioff, newInode)

	if err := idx.Insert(dirindex.Entry{Hash: dirindex.Hash(name), Name: name, Ino: ino, FType: fileType, LogOff: entryOff}); err != nil {
		// Roll back with a compensating ino=0 entry (spec.md §7
		// "Propagation policy").
		_ = fs.appendDirLog(dirOff, dir, &ilog.DirLogEntry{FileType: fileType, Ino: 0, Name: name}, idx)
		_ = fs.itab.Free(ino, now)
		return 0, err
	}

	if mode&ModeDir != 0 {
		child := dirindex.New()
		fs.dirMu.Lock()
		fs.dirs[ino] = child
		fs.dirMu.Unlock()
		if err := fs.appendDirLog(ioff, newInode, &ilog.DirLogEntry{FileType: ilog.FTypeDir, Ino: ino, LinksCount: 2, Name: "."}, child); err != nil {
			return 0, err
		}
		if err := fs.appendDirLog(ioff, newInode, &ilog.DirLogEntry{FileType: ilog.FTypeDir, Ino: dirIno, LinksCount: dir.LinksCount, Name: ".."}, child); err != nil {
			return 0, err
		}
	}

	return ino, nil
}

// Unlink removes name from dirIno's index and logs ino=0; when the
// target's links_count reaches zero, its blocks/log are queued on the
// truncate list for reclamation rather than freed inline (spec.md §4.F
// "an unlinked-but-still-open inode awaits final block reclamation").
func (fs *FS) Unlink(dirIno uint64, name string, now uint64) error {
	dirOff, ok := fs.itab.Offset(dirIno)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, dirIno)
	}
	fs.dirMu.Lock()
	idx, ok := fs.dirs[dirIno]
	fs.dirMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: inode %d is not a directory", pmfserr.ErrInvalid, dirIno)
	}

	e, ok := idx.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", pmfserr.ErrNoEntry, name)
	}

	h := fs.handle(dirIno, dirOff)
	h.mu.Lock()
	dir := super.ReadInodeAt(fs.R, dirOff)
	err := fs.appendDirLog(dirOff, dir, &ilog.DirLogEntry{FileType: e.FType, Ino: 0, Mtime: uint32(now), Name: name}, idx)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	targetOff, ok := fs.itab.Offset(e.Ino)
	if !ok {
		return nil
	}
	th := fs.handle(e.Ino, targetOff)
	th.mu.Lock()
	defer th.mu.Unlock()

	target := super.ReadInodeAt(fs.R, targetOff)
	if target.LinksCount > 0 {
		target.LinksCount--
	}
	target.Ctime = now
	super.WriteInodeAt(fs.R, targetOff, target)

	if target.LinksCount == 0 {
		fs.tlist.Add(targetOff, e.Ino, 0)
	}
	return nil
}

// Link adds a second directory entry pointing at an existing inode and
// logs a LINK_CHANGE bumping its links_count (SPEC_FULL.md supplemented
// feature 2).
func (fs *FS) Link(dirIno uint64, name string, targetIno uint64, now uint64) error {
	dirOff, ok := fs.itab.Offset(dirIno)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, dirIno)
	}
	targetOff, ok := fs.itab.Offset(targetIno)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, targetIno)
	}
	fs.dirMu.Lock()
	idx, ok := fs.dirs[dirIno]
	fs.dirMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: inode %d is not a directory", pmfserr.ErrInvalid, dirIno)
	}

	th := fs.handle(targetIno, targetOff)
	th.mu.Lock()
	target := super.ReadInodeAt(fs.R, targetOff)
	target.LinksCount++
	fileType := uint8(ilog.FTypeRegularFile)
	if target.Mode&ModeDir != 0 {
		fileType = ilog.FTypeDir
	} else if target.Mode&ModeSymlink == ModeSymlink {
		fileType = ilog.FTypeSymlink
	}

	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: targetOff}
	lc := &ilog.LinkChangeEntry{LinksCount: target.LinksCount, Ctime: now, Flags: target.Flags, Generation: target.Generation}
	_, newTail, _, err := lg.Append(target, lc.Marshal(), nil)
	if err == nil {
		lg.Publish(target, newTail)
		super.WriteInodeAt(fs.R, targetOff, target)
	}
	th.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pmfs: linking %q: %w", name, err)
	}

	dh := fs.handle(dirIno, dirOff)
	dh.mu.Lock()
	defer dh.mu.Unlock()
	dir := super.ReadInodeAt(fs.R, dirOff)
	return fs.appendDirLog(dirOff, dir, &ilog.DirLogEntry{
		FileType: fileType, Ino: targetIno, LinksCount: dir.LinksCount, Mtime: uint32(now), Name: name,
	}, idx)
}

// Rename moves name from oldDir to newName in newDir (SPEC_FULL.md
// supplemented feature 1). It is not atomic across directories: a crash
// between the two publishes is reconciled at the next recovery pass via
// link-count cross-checks, matching spec.md §8's posture on unreachable
// inconsistency rather than inventing stronger atomicity this layer
// lacks the primitives for.
func (fs *FS) Rename(oldDir uint64, oldName string, newDir uint64, newName string, now uint64) error {
	ino, err := fs.Lookup(oldDir, oldName)
	if err != nil {
		return err
	}
	fs.dirMu.Lock()
	srcIdx, okSrc := fs.dirs[oldDir]
	dstIdx, okDst := fs.dirs[newDir]
	fs.dirMu.Unlock()
	if !okSrc || !okDst {
		return fmt.Errorf("%w: rename source or destination is not a directory", pmfserr.ErrInvalid)
	}

	srcOff, _ := fs.itab.Offset(oldDir)
	dstOff, _ := fs.itab.Offset(newDir)
	targetOff, _ := fs.itab.Offset(ino)
	target := super.ReadInodeAt(fs.R, targetOff)
	fileType := uint8(ilog.FTypeRegularFile)
	if target.Mode&ModeDir != 0 {
		fileType = ilog.FTypeDir
	}

	if oldDir == newDir {
		h := fs.handle(oldDir, srcOff)
		h.mu.Lock()
		defer h.mu.Unlock()
		dir := super.ReadInodeAt(fs.R, srcOff)
		if err := fs.appendDirLog(srcOff, dir, &ilog.DirLogEntry{FileType: fileType, Ino: 0, Mtime: uint32(now), Name: oldName}, srcIdx); err != nil {
			return err
		}
		return fs.appendDirLog(srcOff, dir, &ilog.DirLogEntry{FileType: fileType, Ino: ino, Mtime: uint32(now), Name: newName}, dstIdx)
	}

	sh := fs.handle(oldDir, srcOff)
	sh.mu.Lock()
	srcDir := super.ReadInodeAt(fs.R, srcOff)
	err = fs.appendDirLog(srcOff, srcDir, &ilog.DirLogEntry{FileType: fileType, Ino: 0, Mtime: uint32(now), Name: oldName}, srcIdx)
	sh.mu.Unlock()
	if err != nil {
		return err
	}

	dh := fs.handle(newDir, dstOff)
	dh.mu.Lock()
	defer dh.mu.Unlock()
	dstDir := super.ReadInodeAt(fs.R, dstOff)
	return fs.appendDirLog(dstOff, dstDir, &ilog.DirLogEntry{FileType: fileType, Ino: ino, Mtime: uint32(now), Name: newName}, dstIdx)
}

// Write performs a copy-on-write data write at file-block pgoff for
// numPages blocks: it allocates fresh data blocks, logs one FILE_WRITE
// entry covering the range, and assigns the btree leaves to the new
// entry's offset, leaving any previous entry covering the same range to
// be reclaimed by log GC once its invalidation counter reaches
// num_pages (spec.md §4.B/§4.C).
func (fs *FS) Write(ino uint64, pgoff uint32, numPages uint32, size uint64, now uint64) error {
	off, ok := fs.itab.Offset(ino)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, ino)
	}
	h := fs.handle(ino, off)
	h.mu.Lock()
	defer h.mu.Unlock()

	in := super.ReadInodeAt(fs.R, off)
	block, err := fs.alloc.Allocate(int64(numPages), in.BlkType)
	if err != nil {
		return err
	}

	e := &ilog.FileWriteEntry{Block: block, Pgoff: pgoff, NumPages: numPages, Mtime: uint32(now), Size: uint32(size)}
	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: off}
	entryOff, newTail, _, err := lg.Append(in, e.Marshal(), nil)
	if err != nil {
		_ = fs.alloc.Free(block, int64(numPages), in.BlkType)
		return fmt.Errorf("pmfs: writing inode %d: %w", ino, err)
	}
	lg.Publish(in, newTail)

	bm := &blockmap.Map{R: fs.R, Alloc: fs.alloc, InodeOff: off}
	for p := uint32(0); p < numPages; p++ {
		oldLeaf := bm.Find(in, int64(pgoff+p))
		if err := bm.Assign(in, int64(pgoff+p), entryOff); err != nil {
			return err
		}
		// spec.md §4.C "assign": a slot that was already set has its
		// previous FILE_WRITE entry invalidated; the backing data
		// block is only freed once the entry is fully invalid (every
		// page it originally covered has since been superseded).
		if oldLeaf != 0 && oldLeaf != entryOff {
			oe := lg.InvalidateFileWrite(oldLeaf)
			if oe.IsFullyInvalid() {
				_ = fs.alloc.Free(oe.Block, int64(oe.NumPages), in.BlkType)
				in.Blocks -= uint64(oe.NumPages) * uint64(in.BlkType.Size()/super.Block4K.Size())
			}
		}
	}

	in.Size = size
	in.Mtime = now
	in.Blocks += uint64(numPages) * uint64(in.BlkType.Size()/super.Block4K.Size())
	super.WriteInodeAt(fs.R, off, in)
	return nil
}

// Truncate shrinks or extends ino to newSize. Shrinks free block-map
// leaves directly when the caller holds no open references; callers
// that must support "unlink of an open file" publish the intent via
// internal/trunclist.Add instead and let recovery apply it, matching
// spec.md §4.F's two use cases.
func (fs *FS) Truncate(ino uint64, newSize uint64, now uint64) error {
	off, ok := fs.itab.Offset(ino)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, ino)
	}
	h := fs.handle(ino, off)
	h.mu.Lock()
	defer h.mu.Unlock()

	in := super.ReadInodeAt(fs.R, off)
	if newSize >= in.Size {
		in.Size = newSize
		in.Mtime = now
		super.WriteInodeAt(fs.R, off, in)
		return nil
	}

	fromBlock := int64(newSize+uint64(super.Block4K.Size())-1) / super.Block4K.Size()
	toBlock := int64(0)
	if in.Height > 0 {
		toBlock = (int64(1) << (uint(in.Height) * super.MetaBlkShift)) - 1
	}

	bm := &blockmap.Map{R: fs.R, Alloc: fs.alloc, InodeOff: off}
	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: off}
	isDir := in.Mode&ModeDir != 0
	freed := uint64(0)
	in.Size = newSize
	if err := bm.Truncate(in, fromBlock, toBlock, func(leaf int64) {
		if isDir {
			// Directory leaves are raw data-block offsets: free outright
			// (spec.md §4.C "truncate": "at height 1 (directories) it
			// frees data blocks").
			_ = fs.alloc.Free(leaf, 1, super.Block4K)
			freed += uint64(in.BlkType.Size() / super.Block4K.Size())
			return
		}
		// Regular-file leaves are FILE_WRITE entry offsets: invalidate
		// the covered page and only free the entry's backing data once
		// every page it covers has been superseded (spec.md §4.C
		// "truncate": "at height 1 (files) it invalidates and frees data
		// blocks referenced by leaf slots").
		e := lg.InvalidateFileWrite(leaf)
		if e.IsFullyInvalid() {
			_ = fs.alloc.Free(e.Block, int64(e.NumPages), in.BlkType)
			freed += uint64(e.NumPages) * uint64(in.BlkType.Size()/super.Block4K.Size())
		}
	}); err != nil {
		return err
	}
	if freed > in.Blocks {
		freed = in.Blocks
	}
	in.Blocks -= freed

	in.Mtime = now
	super.WriteInodeAt(fs.R, off, in)
	return nil
}

// SetAttr applies a masked attribute update, logging one SET_ATTR entry
// (spec.md §3/§4.G).
func (fs *FS) SetAttr(ino uint64, e *ilog.SetAttrEntry, now uint64) error {
	off, ok := fs.itab.Offset(ino)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, ino)
	}
	h := fs.handle(ino, off)
	h.mu.Lock()
	defer h.mu.Unlock()

	in := super.ReadInodeAt(fs.R, off)
	lg := &ilog.Log{R: fs.R, Alloc: fs.alloc, InodeOff: off}
	_, newTail, _, err := lg.Append(in, e.Marshal(), nil)
	if err != nil {
		return fmt.Errorf("pmfs: setattr inode %d: %w", ino, err)
	}
	lg.Publish(in, newTail)

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
	} else {
		in.Ctime = now
	}
	super.WriteInodeAt(fs.R, off, in)
	return nil
}

// Stat returns a copy of the persistent inode for ino.
func (fs *FS) Stat(ino uint64) (*super.Inode, error) {
	off, ok := fs.itab.Offset(ino)
	if !ok {
		return nil, fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, ino)
	}
	return super.ReadInodeAt(fs.R, off), nil
}

// Close unmaps the backing region. It does not flush any
// still-in-flight mutation beyond what each operation already publishes.
func (fs *FS) Close() error {
	return fs.R.Close()
}
