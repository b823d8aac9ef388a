// Package blockmap implements component C of the PMFS core: the
// radix/btree block map that maps file-block indices to either data-block
// addresses (directories) or write-log entry offsets (regular files,
// spec.md §4.C). Interior nodes are one 4 KiB page of FANOUT 8-byte
// slots; the root is reached from the owning inode's (Root, Height) pair.
//
// Style follows the teacher's pkg/ext4 block-group/extent code: plain
// structs over encoding/binary-marshaled fixed-size records, no unsafe
// casts, explicit byte offsets documented at the point of use.
package blockmap

import (
	"encoding/binary"
	"fmt"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/pmfserr"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

// SeekMode selects find_region's search direction (spec.md §4.C).
type SeekMode int

const (
	SeekData SeekMode = iota
	SeekHole
)

// Map is a handle bound to one inode's block map. Callers hold the
// inode's per-inode lock across any method that mutates Root/Height.
type Map struct {
	R     *region.Region
	Alloc alloc.BlockAllocator
	// InodeOff is the persistent offset of the owning inode, used only
	// by the (root, height) publish helper.
	InodeOff int64
}

func readSlot(r *region.Region, node int64, i int64) int64 {
	v := r.View(node+i*8, 8)
	return int64(binary.LittleEndian.Uint64(v))
}

func writeSlot(r *region.Region, node int64, i int64, val int64) {
	v := r.View(node+i*8, 8)
	binary.LittleEndian.PutUint64(v, uint64(val))
	_ = r.Flush(node+i*8, 8, false)
}

func newInteriorNode(r *region.Region, al alloc.BlockAllocator) (int64, error) {
	off, err := al.Allocate(1, super.Block4K)
	if err != nil {
		return 0, err
	}
	v := r.View(off, int(super.Block4K.Size()))
	for i := range v {
		v[i] = 0
	}
	_ = r.Flush(off, super.Block4K.Size(), false)
	return off, nil
}

// publishRootHeight persists a new (root, height) pair for the inode at
// inodeOff, under the caller's per-inode lock: root is stored and
// flushed first, then height. The two fields are separate stores and
// no reader-side protocol pairs them, so a reader of the persistent
// inode that does not hold the per-inode lock can observe the new root
// together with the old height.
func publishRootHeight(r *region.Region, inodeOff int64, root int64, height uint8) {
	rv := r.View(inodeOff+super.OffRoot, 8)
	binary.LittleEndian.PutUint64(rv, uint64(root))
	_ = r.Flush(inodeOff+super.OffRoot, 8, true)
	hv := r.View(inodeOff+super.OffHeight, 1)
	hv[0] = height
	_ = r.Flush(inodeOff+super.OffHeight, 1, true)
}

// indexPath returns the slot index at each level from root to leaf for
// block index blk, given height. Level 0 is the root's own slot index
// (or, for height 0, blk itself addresses the leaf directly and no path
// exists).
func indexPath(blk int64, height uint8) []int64 {
	path := make([]int64, height)
	for lvl := int(height) - 1; lvl >= 0; lvl-- {
		shift := uint(lvl) * super.MetaBlkShift
		path[int(height)-1-lvl] = (blk >> shift) % super.Fanout
	}
	return path
}

// Find returns the leaf slot value (a data-block offset or FILE_WRITE
// entry offset) for block index blk, or 0 if the slot (or the subtree
// containing it) is unallocated.
func (m *Map) Find(in *super.Inode, blk int64) int64 {
	if in.Root == 0 {
		return 0
	}
	if in.Height == 0 {
		if blk != 0 {
			return 0
		}
		return in.Root
	}
	node := in.Root
	for _, idx := range indexPath(blk, in.Height) {
		next := readSlot(m.R, node, idx)
		if next == 0 {
			return 0
		}
		node = next
	}
	return node
}

func maxBlockForHeight(height uint8) int64 {
	if height == 0 {
		return 0
	}
	max := int64(1)
	for i := uint8(0); i < height; i++ {
		max *= super.Fanout
	}
	return max - 1
}

// grow wraps the current root in fresh interior nodes, slot 0 each time,
// until fanout^height > lastBlock or the height ceiling is hit
// (spec.md §4.C "Height changes", MaxHeight == 3).
func (m *Map) grow(in *super.Inode, lastBlock int64) error {
	for maxBlockForHeight(in.Height) < lastBlock {
		if in.Height >= super.MaxHeight {
			return fmt.Errorf("%w: block map height ceiling reached", pmfserr.ErrNoSpace)
		}
		node, err := newInteriorNode(m.R, m.Alloc)
		if err != nil {
			return err
		}
		if in.Root != 0 {
			writeSlot(m.R, node, 0, in.Root)
		}
		in.Root = node
		in.Height++
	}
	return nil
}

// Alloc ensures every block in [firstBlock, firstBlock+count) has a live
// leaf slot, allocating interior nodes and, for directories (zeroFill
// true path handled by caller supplying the data), fresh 4 KiB data
// blocks for any absent leaf (spec.md §4.C "alloc"). It returns the
// offsets assigned to each block in order. EOFBLOCKS-on-partial-failure
// is represented by returning the error with the inode left only
// partially populated; the caller is expected to record that via its own
// flag and allow a later truncate to reconcile, matching spec.md's note.
func (m *Map) Alloc(in *super.Inode, firstBlock int64, count int64) ([]int64, error) {
	lastBlock := firstBlock + count - 1
	if err := m.grow(in, lastBlock); err != nil {
		return nil, err
	}

	out := make([]int64, count)
	for i := int64(0); i < count; i++ {
		blk := firstBlock + i
		off, err := m.ensureLeaf(in, blk)
		if err != nil {
			return out, err
		}
		out[i] = off
	}
	publishRootHeight(m.R, m.InodeOff, in.Root, in.Height)
	return out, nil
}

func (m *Map) ensureLeaf(in *super.Inode, blk int64) (int64, error) {
	if in.Height == 0 {
		if in.Root != 0 {
			return in.Root, nil
		}
		data, err := m.Alloc.Allocate(1, super.Block4K)
		if err != nil {
			return 0, err
		}
		in.Root = data
		return data, nil
	}

	node := in.Root
	path := indexPath(blk, in.Height)
	for lvl := 0; lvl < len(path)-1; lvl++ {
		idx := path[lvl]
		next := readSlot(m.R, node, idx)
		if next == 0 {
			n, err := newInteriorNode(m.R, m.Alloc)
			if err != nil {
				return 0, err
			}
			writeSlot(m.R, node, idx, n)
			next = n
		}
		node = next
	}

	lastIdx := path[len(path)-1]
	leaf := readSlot(m.R, node, lastIdx)
	if leaf != 0 {
		return leaf, nil
	}
	data, err := m.Alloc.Allocate(1, super.Block4K)
	if err != nil {
		return 0, err
	}
	writeSlot(m.R, node, lastIdx, data)
	return data, nil
}

// Assign installs entryOff (typically a FILE_WRITE entry's own offset)
// as the leaf slot for blk, growing the tree as necessary. Used by
// regular-file writes, where the leaf slot is a log-entry offset rather
// than a raw data block (spec.md §4.C, §3 "Block map").
func (m *Map) Assign(in *super.Inode, blk int64, entryOff int64) error {
	if err := m.grow(in, blk); err != nil {
		return err
	}
	if in.Height == 0 {
		in.Root = entryOff
		publishRootHeight(m.R, m.InodeOff, in.Root, in.Height)
		return nil
	}

	node := in.Root
	path := indexPath(blk, in.Height)
	for lvl := 0; lvl < len(path)-1; lvl++ {
		idx := path[lvl]
		next := readSlot(m.R, node, idx)
		if next == 0 {
			n, err := newInteriorNode(m.R, m.Alloc)
			if err != nil {
				return err
			}
			writeSlot(m.R, node, idx, n)
			next = n
		}
		node = next
	}
	writeSlot(m.R, node, path[len(path)-1], entryOff)
	publishRootHeight(m.R, m.InodeOff, in.Root, in.Height)
	return nil
}

// nodeIsEmpty reports whether every slot of an interior node is zero.
func (m *Map) nodeIsEmpty(node int64) bool {
	for i := int64(0); i < super.Fanout; i++ {
		if readSlot(m.R, node, i) != 0 {
			return false
		}
	}
	return true
}

// FreeFunc is called by Truncate for each leaf slot value it clears, so
// the caller can invalidate/free the underlying data block or log entry
// the way its inode kind requires (spec.md §4.C: directories free data
// blocks outright; files invalidate the FILE_WRITE entry via
// internal/ilog and only free the data block once fully invalid).
type FreeFunc func(leafValue int64)

// Truncate frees every leaf slot with block index in [fromBlock,
// toBlock], recursively collapsing interior nodes that become fully
// empty, then shrinks the tree's height if the new highest live block no
// longer needs it (spec.md §4.C "truncate", "Height changes: Shrink").
// last_block values are clamped to the tree's current addressable
// maximum per spec.md's "Sparse semantics".
func (m *Map) Truncate(in *super.Inode, fromBlock, toBlock int64, free FreeFunc) error {
	if in.Root == 0 {
		return nil
	}
	maxBlock := maxBlockForHeight(in.Height)
	if in.Height == 0 {
		maxBlock = 0
	}
	if toBlock > maxBlock {
		toBlock = maxBlock
	}
	if fromBlock > toBlock {
		return nil
	}

	if in.Height == 0 {
		if fromBlock <= 0 && 0 <= toBlock {
			free(in.Root)
			in.Root = 0
		}
		publishRootHeight(m.R, m.InodeOff, in.Root, in.Height)
		return nil
	}

	m.truncateNode(in.Root, in.Height, fromBlock, toBlock, free)

	for in.Height > 0 && in.Root != 0 && m.nodeIsEmpty(in.Root) {
		_ = m.Alloc.Free(in.Root, 1, super.Block4K)
		in.Root = 0
		in.Height = 0
	}

	for in.Height > 1 {
		newLast := maxBlockForHeight(in.Height - 1)
		if int64(in.Size)-1 >= 0 && (int64(in.Size)-1)/4096 >= newLast+1 {
			break
		}
		child := readSlot(m.R, in.Root, 0)
		old := in.Root
		in.Root = child
		in.Height--
		_ = m.Alloc.Free(old, 1, super.Block4K)
	}

	publishRootHeight(m.R, m.InodeOff, in.Root, in.Height)
	return nil
}

func (m *Map) truncateNode(node int64, height uint8, fromBlock, toBlock int64, free FreeFunc) {
	span := maxBlockForHeight(height) + 1
	childSpan := span / super.Fanout

	firstIdx := (fromBlock / childSpan)
	lastIdx := (toBlock / childSpan)

	for idx := firstIdx; idx <= lastIdx && idx < super.Fanout; idx++ {
		child := readSlot(m.R, node, idx)
		if child == 0 {
			continue
		}
		childFrom := int64(0)
		if idx == firstIdx {
			childFrom = fromBlock % childSpan
		}
		childTo := childSpan - 1
		if idx == lastIdx {
			childTo = toBlock % childSpan
		}

		if height == 1 {
			free(child)
			writeSlot(m.R, node, idx, 0)
			continue
		}

		m.truncateNode(child, height-1, childFrom, childTo, free)
		if m.nodeIsEmpty(child) {
			_ = m.Alloc.Free(child, 1, super.Block4K)
			writeSlot(m.R, node, idx, 0)
		}
	}
}

// FindRegion implements SEEK_DATA/SEEK_HOLE (spec.md §4.C "find_region"):
// a recursive scan over [offset, lastBlock] returning the first block
// index satisfying the requested mode, or ok=false (ENXIO) for SeekData
// with no match, or lastBlock+1 (end-of-file) for SeekHole.
func (m *Map) FindRegion(in *super.Inode, offset int64, mode SeekMode) (int64, bool) {
	lastBlock := (int64(in.Size) - 1) / super.Block4K.Size()
	if lastBlock < 0 {
		lastBlock = 0
	}
	if in.Height == 0 {
		hasData := in.Root != 0
		if mode == SeekData {
			if hasData && offset <= 0 {
				return 0, true
			}
			return 0, false
		}
		if !hasData && offset <= 0 {
			return 0, true
		}
		// Only block 0 can hold data at height 0.
		if offset < 1 {
			offset = 1
		}
		if offset <= lastBlock {
			return offset, true
		}
		return lastBlock + 1, true
	}

	blk, found := m.scanNode(in.Root, in.Height, 0, offset, lastBlock, mode)
	if found {
		return blk, true
	}
	if mode == SeekHole {
		return lastBlock + 1, true
	}
	return 0, false
}

func (m *Map) scanNode(node int64, height uint8, base int64, offset, lastBlock int64, mode SeekMode) (int64, bool) {
	span := maxBlockForHeight(height) + 1
	childSpan := span / super.Fanout

	for idx := int64(0); idx < super.Fanout; idx++ {
		childBase := base + idx*childSpan
		childLast := childBase + childSpan - 1
		if childLast < offset || childBase > lastBlock {
			continue
		}

		child := readSlot(m.R, node, idx)
		if height == 1 {
			hasData := child != 0
			blk := childBase
			if blk < offset {
				blk = offset
			}
			if mode == SeekData && hasData {
				return blk, true
			}
			if mode == SeekHole && !hasData {
				return blk, true
			}
			continue
		}

		if child == 0 {
			if mode == SeekHole {
				blk := childBase
				if blk < offset {
					blk = offset
				}
				return blk, true
			}
			continue
		}
		if b, ok := m.scanNode(child, height-1, childBase, offset, lastBlock, mode); ok {
			return b, true
		}
	}
	return 0, false
}
