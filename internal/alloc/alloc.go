// Package alloc defines the narrow contract spec.md §1 assigns to the
// block allocator, which this repository treats as an external
// collaborator: "allocate(count, kind) -> base_blocknr | ENOSPC",
// "free(blocknr, count, kind)". Nothing in the PMFS core depends on how
// free space is tracked; it only depends on this interface.
package alloc

import "github.com/vorteil/pmfs/internal/super"

// BlockAllocator hands out and reclaims homogeneous runs of blocks of a
// given kind, returning persistent offsets (not block numbers) since
// every other package in this repository already speaks in offsets.
type BlockAllocator interface {
	// Allocate returns the persistent offset of the first of count
	// contiguous blocks of the given kind, or ErrNoSpace.
	Allocate(count int64, kind super.BlockKind) (base int64, err error)

	// Free returns count contiguous blocks of the given kind, starting
	// at base, to the allocator.
	Free(base int64, count int64, kind super.BlockKind) error
}
