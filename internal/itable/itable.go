// Package itable implements component E of the PMFS core: the inode
// table allocator. The inode table is itself an ordinary file (its own
// inode, block map and log) whose data blocks hold a flat array of
// InodeSize-stride slots; this package only adds the scan-for-free-slot
// and grow-on-exhaustion policy spec.md §4.E describes on top of
// internal/blockmap and internal/super.
package itable

import (
	"fmt"
	"sync"

	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/pmfserr"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

// Table owns the inode-table inode's block map and tracks the free-slot
// scan hint. All methods lock Mu, matching spec.md §5's
// inode_table_mutex ("guards inode allocation/free and directory
// structural changes").
type Table struct {
	Mu sync.Mutex

	R    *region.Region
	SB   *super.Superblock
	Map  *blockmap.Map
	Self *super.Inode // the inode-table inode itself

	InodesCount     uint64
	FreeInodesCount uint64
	FreeInodeHint   uint64
}

// New wraps an already-loaded inode-table inode and its block map handle.
// sb is needed to resolve the reserved inodes (root, blocknode-list, the
// inode-table inode itself) that live at fixed superblock-region offsets
// rather than in the table's slot array (spec.md §6 "Persistent layout").
func New(r *region.Region, sb *super.Superblock, m *blockmap.Map, self *super.Inode, inodesCount uint64) *Table {
	return &Table{
		R:             r,
		SB:            sb,
		Map:           m,
		Self:          self,
		InodesCount:   inodesCount,
		FreeInodeHint: super.FreeInodeHintStart,
	}
}

// reservedOffset returns the fixed superblock-region offset of one of the
// three reserved inodes (spec.md §6), which predate and sit outside the
// table's own slot array.
func (t *Table) reservedOffset(ino uint64) (int64, bool) {
	switch ino {
	case super.RootIno:
		return t.SB.RootInodeOffset, true
	case super.BlocknodeIno:
		return t.SB.BlocknodeInodeOffset, true
	case super.InodeTableIno:
		return t.SB.InodeTableOffset, true
	default:
		return 0, false
	}
}

func (t *Table) slotBlock(ino uint64) int64 {
	bytesPerBlock := super.Block4K.Size()
	slotsPerBlock := bytesPerBlock / super.InodeSize
	slotIdx := int64(ino - super.FreeInodeHintStart)
	return slotIdx / slotsPerBlock
}

func (t *Table) slotOffset(ino uint64) (int64, bool) {
	if ino < super.FreeInodeHintStart {
		return t.reservedOffset(ino)
	}

	bytesPerBlock := super.Block4K.Size()
	slotsPerBlock := bytesPerBlock / super.InodeSize
	slotIdx := int64(ino - super.FreeInodeHintStart)
	blk := slotIdx / slotsPerBlock
	within := slotIdx % slotsPerBlock

	dataBlock := t.Map.Find(t.Self, blk)
	if dataBlock == 0 {
		return 0, false
	}
	return dataBlock + within*super.InodeSize, true
}

// isFreeSlot reports spec.md §4.E's free-slot predicate: "links_count ==
// 0 && (mode == 0 || dtime != 0)".
func isFreeSlot(in *super.Inode) bool {
	return in.LinksCount == 0 && (in.Mode == 0 || in.Dtime != 0)
}

// Allocate scans from FreeInodeHint for a free slot, extending the
// table by one block via the block map when the scan runs off the end
// (spec.md §4.E "Allocate"). It returns the new inode's number and its
// persistent offset, with the slot already zeroed ready for the caller
// to populate.
func (t *Table) Allocate() (uint64, int64, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	for {
		for ino := t.FreeInodeHint; ino < t.InodesCount; ino++ {
			off, ok := t.slotOffset(ino)
			if !ok {
				continue
			}
			in := super.ReadInodeAt(t.R, off)
			if isFreeSlot(in) {
				t.FreeInodeHint = ino + 1
				if t.FreeInodesCount > 0 {
					t.FreeInodesCount--
				}
				zero := &super.Inode{}
				super.WriteInodeAt(t.R, off, zero)
				return ino, off, nil
			}
		}

		bytesPerBlock := super.Block4K.Size()
		slotsPerBlock := bytesPerBlock / super.InodeSize
		nextBlk := t.slotBlock(t.InodesCount + uint64(slotsPerBlock) - 1)
		if _, err := t.Map.Alloc(t.Self, nextBlk, 1); err != nil {
			return 0, 0, fmt.Errorf("itable: extending inode table: %w", err)
		}
		t.InodesCount += uint64(slotsPerBlock)
		t.FreeInodesCount += uint64(slotsPerBlock)
	}
}

// Free clears the inode slot at ino: zeroes root/size, stamps dtime,
// and retreats FreeInodeHint if the freed slot precedes it
// (spec.md §4.E "Free"). The caller is responsible for having already
// freed the inode's log and block map (internal/ilog.FreeLog,
// internal/blockmap.Truncate) before calling this.
func (t *Table) Free(ino uint64, now uint64) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	off, ok := t.slotOffset(ino)
	if !ok {
		return fmt.Errorf("%w: inode %d has no backing slot", pmfserr.ErrInvalid, ino)
	}
	in := super.ReadInodeAt(t.R, off)
	in.Root = 0
	in.Size = 0
	in.Dtime = now
	super.WriteInodeAt(t.R, off, in)

	t.FreeInodesCount++
	if ino < t.FreeInodeHint {
		t.FreeInodeHint = ino
	}
	if t.FreeInodesCount == t.InodesCount-super.FreeInodeHintStart {
		t.FreeInodeHint = super.FreeInodeHintStart
	}
	return nil
}

// Offset returns the persistent offset of inode ino's slot, for callers
// (recovery, pmfs.go) that already know the slot must exist.
func (t *Table) Offset(ino uint64) (int64, bool) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.slotOffset(ino)
}
