package ilog

import (
	"encoding/binary"
	"fmt"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/pmfserr"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

// Log is the per-inode append-only metadata log (spec.md §4.B), bound to
// one inode's persistent offset for the duration of a single mutation.
// Callers hold the inode's per-inode lock (spec.md §5) across an
// Append/Publish pair; this type does no locking of its own.
type Log struct {
	R     *region.Region
	Alloc alloc.BlockAllocator
	// InodeOff is the persistent offset of the owning inode, used for
	// the targeted LogHead/LogTail/LogPages stores that avoid
	// rewriting the whole inode on every append.
	InodeOff int64
}

func pageOf(off int64) int64        { return (off / super.PageSize) * super.PageSize }
func alignCacheline(n int64) int64  { return (n + super.CachelineSize - 1) &^ (super.CachelineSize - 1) }

func (l *Log) nextPageOffset(pageBase int64) int64 {
	b := l.R.View(pageBase+super.LastEntry+8, 8)
	return int64(binary.LittleEndian.Uint64(b))
}

func (l *Log) setNextPage(pageBase int64, next int64) {
	v := l.R.View(pageBase+super.LastEntry, super.TailSize)
	for i := range v {
		v[i] = 0
	}
	binary.LittleEndian.PutUint64(v[8:16], uint64(next))
	_ = l.R.Flush(pageBase+super.LastEntry, super.TailSize, true)
}

// allocPageBatch allocates n contiguous 4 KiB pages and links them into
// a chain, the last page's next_page left at 0.
func (l *Log) allocPageBatch(n int64) (int64, error) {
	base, err := l.Alloc.Allocate(n, super.Block4K)
	if err != nil {
		return 0, fmt.Errorf("ilog: allocating %d log pages: %w", n, err)
	}
	for i := int64(0); i < n; i++ {
		next := int64(0)
		if i < n-1 {
			next = base + (i+1)*super.PageSize
		}
		l.setNextPage(base+i*super.PageSize, next)
	}
	return base, nil
}

func (l *Log) persistLogHeadAndPages(in *super.Inode) {
	v := l.R.View(l.InodeOff+super.OffLogHead, 8)
	binary.LittleEndian.PutUint64(v, uint64(in.LogHead))
	_ = l.R.Flush(l.InodeOff+super.OffLogHead, 8, false)
	v2 := l.R.View(l.InodeOff+super.OffLogPages, 4)
	binary.LittleEndian.PutUint32(v2, in.LogPages)
	_ = l.R.Flush(l.InodeOff+super.OffLogPages, 4, false)
}

// Append writes entryBytes at the inode's current log tail, turning
// pages (and growing the chain, triggering GC) as needed, optionally
// reserving a cacheline-aligned inline new-inode slot right after the
// entry (spec.md §4.B "Inline new inode"). It does not publish the new
// tail; callers call Publish once the entry (and inline inode, if any)
// have been flushed, per the two-step commit spec.md §4.B describes.
func (l *Log) Append(in *super.Inode, entryBytes []byte, inlineInode *super.Inode) (entryOff, newTail, inlineOff int64, err error) {

	entryLen := int64(len(entryBytes))
	wantsInline := inlineInode != nil

	if in.LogTail == 0 {
		first, ferr := l.allocPageBatch(1)
		if ferr != nil {
			return 0, 0, 0, ferr
		}
		in.LogHead = first
		in.LogTail = first
		in.LogPages = 1
		l.persistLogHeadAndPages(in)
	}

	for {
		pageBase := pageOf(in.LogTail)
		posInPage := in.LogTail - pageBase

		need := entryLen
		if wantsInline {
			afterEntry := alignCacheline(posInPage + entryLen)
			need = (afterEntry - posInPage) + int64(super.InodeSize)
		}

		if posInPage+need <= super.LastEntry {
			view := l.R.View(pageBase+posInPage, int(entryLen))
			copy(view, entryBytes)
			_ = l.R.Flush(pageBase+posInPage, entryLen, false)

			entryOff = pageBase + posInPage
			newTail = entryOff + entryLen

			if wantsInline {
				inlineOff = pageBase + alignCacheline(posInPage+entryLen)
				iv := l.R.View(inlineOff, super.InodeSize)
				copy(iv, inlineInode.Marshal())
				_ = l.R.Flush(inlineOff, super.InodeSize, false)
				newTail = inlineOff + super.InodeSize
			}
			return entryOff, newTail, inlineOff, nil
		}

		// Doesn't fit (spec.md §6: LAST_ENTRY boundary) — advance to
		// the next page, allocating and GC'ing a fresh batch if the
		// chain doesn't already continue.
		next := l.nextPageOffset(pageBase)
		if next == 0 {
			batch := in.LogPages
			if batch > 256 {
				batch = 256
			}
			if batch < 1 {
				batch = 1
			}
			firstNew, aerr := l.allocPageBatch(int64(batch))
			if aerr != nil {
				return 0, 0, 0, aerr
			}
			l.GC(in)
			l.setNextPage(pageOf(in.LogTail), firstNew)
			in.LogPages += batch
			l.persistLogHeadAndPages(in)
			next = firstNew
		}
		in.LogTail = next
	}
}

// Publish is the single commit point: a barrier, the atomic tail store,
// then a flush (spec.md §4.B/§5).
func (l *Log) Publish(in *super.Inode, newTail int64) {
	super.PublishLogTail(l.R, l.InodeOff, newTail)
	in.LogTail = newTail
}

// pageIsInvalid implements spec.md §4.B's GC predicate: a page is
// invalid iff every FILE_WRITE entry on it is fully invalidated. Any
// other live entry type found on the page (DIR_LOG, SET_ATTR,
// LINK_CHANGE) makes the page ineligible. Append runs GC for every
// kind of inode, and file logs also carry SET_ATTR and LINK_CHANGE
// entries, so this check is what keeps such pages from being recycled.
func (l *Log) pageIsInvalid(pageBase int64) bool {
	pos := int64(0)
	sawFileWrite := false
	for pos < super.LastEntry {
		hdr := l.R.View(pageBase+pos, 1)
		if hdr[0] == 0 {
			break
		}
		t := EntryType(hdr[0])
		switch t {
		case EntryFileWrite:
			e := UnmarshalFileWrite(l.R.View(pageBase+pos, FileWriteSize))
			if !e.IsFullyInvalid() {
				return false
			}
			sawFileWrite = true
			pos += FileWriteSize
		default:
			return false
		}
	}
	return sawFileWrite
}

// GC walks the chain from LogHead to the current tail page, unlinking
// and freeing invalid pages (the tail page is never recycled), then
// updates LogHead/LogPages as a group (spec.md §4.B).
func (l *Log) GC(in *super.Inode) {
	if in.LogHead == 0 {
		return
	}
	tailPage := pageOf(in.LogTail)

	var chain []int64
	cur := in.LogHead
	for {
		chain = append(chain, cur)
		if cur == tailPage {
			break
		}
		next := l.nextPageOffset(cur)
		if next == 0 {
			break
		}
		cur = next
	}

	kept := make([]int64, 0, len(chain))
	for _, p := range chain {
		if p == tailPage {
			kept = append(kept, p)
			continue
		}
		if l.pageIsInvalid(p) {
			_ = l.Alloc.Free(p, 1, super.Block4K)
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		kept = append(kept, tailPage)
	}

	for i := 0; i < len(kept)-1; i++ {
		l.setNextPage(kept[i], kept[i+1])
	}

	in.LogHead = kept[0]
	in.LogPages = uint32(len(kept))
	l.persistLogHeadAndPages(in)
}

// InvalidateFileWrite bumps the invalidation counter of the FILE_WRITE
// entry living at entryOff in place, flushes it, and reports the
// updated entry so the caller (internal/blockmap's Truncate free
// callback, via pmfs.go) can free the entry's backing data block once
// IsFullyInvalid becomes true (spec.md §4.B "Invalidation counter",
// §4.C "assign": "the previous entry is invalidated ... the
// corresponding data block is freed here, since it is no longer
// reachable"). Safe to call once per file-block slot a truncate or
// overwrite supersedes; BumpInvalid saturates rather than overflows.
func (l *Log) InvalidateFileWrite(entryOff int64) *FileWriteEntry {
	view := l.R.View(entryOff, FileWriteSize)
	e := UnmarshalFileWrite(view)
	e.BumpInvalid()
	copy(view, e.Marshal())
	_ = l.R.Flush(entryOff, FileWriteSize, false)
	return e
}

// FreeLog walks the whole chain from LogHead, returning every page to
// the allocator, then clears log_head/log_tail last (spec.md §4.B).
func (l *Log) FreeLog(in *super.Inode) {
	cur := in.LogHead
	for cur != 0 {
		next := l.nextPageOffset(cur)
		_ = l.Alloc.Free(cur, 1, super.Block4K)
		cur = next
	}
	in.LogHead = 0
	in.LogPages = 0

	v := l.R.View(l.InodeOff+super.OffLogHead, 8)
	binary.LittleEndian.PutUint64(v, 0)
	_ = l.R.Flush(l.InodeOff+super.OffLogHead, 8, false)
	v2 := l.R.View(l.InodeOff+super.OffLogPages, 4)
	binary.LittleEndian.PutUint32(v2, 0)
	_ = l.R.Flush(l.InodeOff+super.OffLogPages, 4, false)

	l.Publish(in, 0)
}

// WalkEntry is one decoded log record handed to Walk's callback.
type WalkEntry struct {
	Type        EntryType
	Off         int64
	FileWrite   *FileWriteEntry
	DirLog      *DirLogEntry
	SetAttr     *SetAttrEntry
	LinkChange  *LinkChangeEntry
	InlineInode *super.Inode
}

func (l *Log) peekTypeAndSize(off int64) (EntryType, int) {
	hdr := l.R.View(off, 8)
	t := EntryType(hdr[0])
	switch t {
	case EntryFileWrite, EntrySetAttr, EntryLinkChange:
		return t, 32
	case EntryDirLog:
		return t, int(binary.LittleEndian.Uint16(hdr[4:6]))
	default:
		return t, 0
	}
}

// Walk replays every entry from log_head to log_tail in order, calling
// fn once per entry (spec.md §4.G). It stops at the first malformed
// entry and returns a wrapped pmfserr.ErrIO, matching the "unknown
// entry_type is treated as corruption" policy of spec.md §7 — the
// remainder of this inode's log is abandoned, other inodes continue
// (the caller is expected to catch the error per-inode, not abort the
// whole recovery pass).
func (l *Log) Walk(in *super.Inode, fn func(WalkEntry) error) error {
	if in.LogHead == 0 {
		return nil
	}
	tailPage := pageOf(in.LogTail)
	cur := in.LogHead

	for {
		pos := int64(0)
		for pos < super.LastEntry {
			off := cur + pos
			if cur == tailPage && off >= in.LogTail {
				return nil
			}

			hdr := l.R.View(off, 1)
			if hdr[0] == 0 {
				break
			}

			t, size := l.peekTypeAndSize(off)
			if size <= 0 || pos+int64(size) > super.LastEntry {
				return fmt.Errorf("%w: corrupt log entry type %d at offset %d", pmfserr.ErrIO, t, off)
			}

			we := WalkEntry{Type: t, Off: off}
			nextPos := pos + int64(size)

			switch t {
			case EntryFileWrite:
				we.FileWrite = UnmarshalFileWrite(l.R.View(off, size))
			case EntrySetAttr:
				we.SetAttr = UnmarshalSetAttr(l.R.View(off, size))
			case EntryLinkChange:
				we.LinkChange = UnmarshalLinkChange(l.R.View(off, size))
			case EntryDirLog:
				d := UnmarshalDirLog(l.R.View(off, size))
				if len(d.Name) == 0 {
					// End-of-page marker (spec.md §3): stop scanning
					// this page and follow next_page.
					pos = super.LastEntry
					continue
				}
				we.DirLog = d
				if d.NewInode {
					inlinePos := alignCacheline(pos + int64(size))
					if inlinePos+int64(super.InodeSize) <= super.LastEntry {
						inlineOff := cur + inlinePos
						we.InlineInode = super.ReadInodeAt(l.R, inlineOff)
						nextPos = inlinePos + int64(super.InodeSize)
					}
				}
			}

			if err := fn(we); err != nil {
				return err
			}
			pos = nextPos
		}

		if cur == tailPage {
			return nil
		}
		next := l.nextPageOffset(cur)
		if next == 0 {
			return nil
		}
		cur = next
	}
}
