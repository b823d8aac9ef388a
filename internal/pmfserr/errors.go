// Package pmfserr defines the sentinel error taxonomy surfaced at the PMFS
// core boundary, per the error handling design: space, allocation,
// invalid-argument, stale-handle and I/O failures each get one sentinel so
// callers can branch with errors.Is instead of parsing strings.
package pmfserr

import "errors"

var (
	// ErrNoSpace means the block allocator is empty or the block-map
	// height ceiling (3) was reached.
	ErrNoSpace = errors.New("pmfs: no space left on device")

	// ErrNoMem means a DRAM allocation for a helper structure (directory
	// index node, header-table entry, bitmap) failed.
	ErrNoMem = errors.New("pmfs: out of memory")

	// ErrInvalid covers malformed parameters, such as an inode number
	// with no backing slot or a non-directory where a directory is
	// expected.
	ErrInvalid = errors.New("pmfs: invalid argument")

	// ErrStale means an inode with a nonzero dtime was reopened.
	ErrStale = errors.New("pmfs: stale inode handle")

	// ErrIO covers superblock checksum mismatches, unknown log entry
	// types and btree shapes that cannot occur under the invariants.
	ErrIO = errors.New("pmfs: I/O error")

	// ErrExist means an insert collided with an existing (hash, name)
	// directory index key.
	ErrExist = errors.New("pmfs: entry already exists")

	// ErrNoEntry means a directory lookup or removal could not find the
	// named entry.
	ErrNoEntry = errors.New("pmfs: no such entry")

	// ErrReadOnly names the state of a file system marked read-only
	// after a fatal assertion failure (a log chain claiming to continue
	// past its own tail). No code path in this repository returns it:
	// recovery reports a corrupt log through Report.Failures and goes on.
	ErrReadOnly = errors.New("pmfs: file system marked read-only after fatal assertion failure")
)

// Is reports whether err wraps one of this package's sentinels. It is a
// thin convenience over errors.Is so call sites don't need to import both
// this package and the standard errors package for the common case.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
