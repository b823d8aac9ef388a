// Package trunclist implements component F of the PMFS core: the
// persistent singly-linked truncate list (spec.md §4.F). The list links
// together the TruncNext field of pending inodes, headed by the
// superblock's TruncateListHead; it exists so an unlinked-but-open inode
// or a pre-published truncate survives a crash between the free/shrink
// and the moment it would otherwise have been removed.
package trunclist

import (
	"sync"

	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

// List guards the truncate list with a single mutex, matching spec.md
// §4.F's "Acquire list mutex" framing (the free_list spinlocks and
// inode_table_mutex are separate locks in the ordering spec.md §5
// defines; this one is its own, taken only around Add/Remove).
type List struct {
	Mu sync.Mutex

	R  *region.Region
	SB *super.Superblock
}

func New(r *region.Region, sb *super.Superblock) *List {
	return &List{R: r, SB: sb}
}

// Add pushes ino onto the head of the truncate list with a pending
// truncateSize (spec.md §4.F "Add"): the item's next/size fields are
// written and flushed first, then the head pointer is published.
func (l *List) Add(inodeOff int64, ino uint64, truncateSize uint64) {
	l.Mu.Lock()
	defer l.Mu.Unlock()

	in := super.ReadInodeAt(l.R, inodeOff)
	in.TruncNext = l.SB.TruncateListHead
	in.TruncSize = truncateSize
	super.WriteInodeAt(l.R, inodeOff, in)
	l.R.PersistMark()

	super.WriteTruncateListHead(l.R, l.SB, ino)
}

// Remove unlinks ino from the list (spec.md §4.F "Remove"): it walks
// from the head to find ino's predecessor (the head itself, if ino is
// first), rewrites that predecessor's next pointer to ino's TruncNext,
// and flushes. offsetOf resolves an inode number to its persistent
// offset (itable.Table.Offset, in production use).
func (l *List) Remove(ino uint64, offsetOf func(uint64) (int64, bool)) {
	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.SB.TruncateListHead == ino {
		off, ok := offsetOf(ino)
		if !ok {
			return
		}
		victim := super.ReadInodeAt(l.R, off)
		super.WriteTruncateListHead(l.R, l.SB, victim.TruncNext)
		victim.TruncNext = 0
		super.WriteInodeAt(l.R, off, victim)
		return
	}

	prevIno := l.SB.TruncateListHead
	for prevIno != 0 {
		prevOff, ok := offsetOf(prevIno)
		if !ok {
			return
		}
		prev := super.ReadInodeAt(l.R, prevOff)
		if prev.TruncNext == ino {
			victimOff, ok := offsetOf(ino)
			if !ok {
				return
			}
			victim := super.ReadInodeAt(l.R, victimOff)
			prev.TruncNext = victim.TruncNext
			super.WriteInodeAt(l.R, prevOff, prev)
			victim.TruncNext = 0
			super.WriteInodeAt(l.R, victimOff, victim)
			return
		}
		prevIno = prev.TruncNext
	}
}

// Walk visits every inode number currently on the list, head first, for
// mount-time recovery (spec.md §4.G: "walk the truncate list; for each,
// apply the pending truncate... then remove from the list").
func (l *List) Walk(offsetOf func(uint64) (int64, bool), fn func(ino uint64, truncateSize uint64)) {
	ino := l.SB.TruncateListHead
	for ino != 0 {
		off, ok := offsetOf(ino)
		if !ok {
			return
		}
		in := super.ReadInodeAt(l.R, off)
		next := in.TruncNext
		fn(ino, in.TruncSize)
		ino = next
	}
}
