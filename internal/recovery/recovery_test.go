package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/ilog"
	"github.com/vorteil/pmfs/internal/itable"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
	"github.com/vorteil/pmfs/internal/trunclist"
)

const (
	modeDirBit  = 1 << 14
	modeFileBit = 1 << 15
)

func isDirForTest(in *super.Inode) bool { return in.Mode&modeDirBit != 0 }

// TestRunReplaysDirectoryAndFileLogs builds a small inode table by hand
// (one directory inode with two DIR_LOG entries, one regular file inode
// with one FILE_WRITE entry) and checks that Run rebuilds both inodes'
// block maps and the directory's DRAM index purely by replaying their
// logs, the way a real mount-time recovery would after a crash that left
// the in-DRAM state gone but the log durable.
func TestRunReplaysDirectoryAndFileLogs(t *testing.T) {
	const dataBlocks = 64
	tableSelfOff := int64(dataBlocks) * super.PageSize
	r := region.NewMemRegion(tableSelfOff + super.PageSize)
	al := alloc.NewBitmapAllocator(0, dataBlocks)

	sb := &super.Superblock{}
	tableSelf := &super.Inode{Mode: modeDirBit, LinksCount: 1}
	bmTable := &blockmap.Map{R: r, Alloc: al, InodeOff: tableSelfOff}
	tbl := itable.New(r, sb, bmTable, tableSelf, super.FreeInodeHintStart)

	dirIno, dirOff, err := tbl.Allocate()
	require.NoError(t, err, "allocate dir inode")
	fileIno, fileOff, err := tbl.Allocate()
	require.NoError(t, err, "allocate file inode")

	// Build the directory inode's log: two live entries.
	dirInode := &super.Inode{Mode: modeDirBit, LinksCount: 1}
	dirLog := &ilog.Log{R: r, Alloc: al, InodeOff: dirOff}
	for _, name := range []string{"a.txt", "b.txt"} {
		e := &ilog.DirLogEntry{FileType: ilog.FTypeRegularFile, Ino: fileIno, LinksCount: 1, Mtime: 1, Name: name}
		_, newTail, _, err := dirLog.Append(dirInode, e.Marshal(), nil)
		require.NoErrorf(t, err, "append dir entry %s", name)
		dirLog.Publish(dirInode, newTail)
	}
	dirInode.LinksCount = 1
	super.WriteInodeAt(r, dirOff, dirInode)

	// Build the file inode's log: one FILE_WRITE entry over one data block.
	dataOff, err := al.Allocate(1, super.Block4K)
	require.NoError(t, err, "allocate file data block")
	fileInode := &super.Inode{Mode: modeFileBit, LinksCount: 1}
	fileLog := &ilog.Log{R: r, Alloc: al, InodeOff: fileOff}
	fw := &ilog.FileWriteEntry{Block: dataOff, Pgoff: 0, NumPages: 1, Mtime: 1, Size: super.PageSize}
	_, newTail, _, err := fileLog.Append(fileInode, fw.Marshal(), nil)
	require.NoError(t, err, "append file write")
	fileLog.Publish(fileInode, newTail)
	fileInode.LinksCount = 1
	super.WriteInodeAt(r, fileOff, fileInode)

	tl := trunclist.New(r, sb)
	scan := alloc.NewBitmap(dataBlocks)

	rep := Run(r, sb, al, tbl, tl, scan, isDirForTest)

	require.Emptyf(t, rep.Failures, "unexpected recovery failures: %+v", rep.Failures)

	dirState, ok := rep.Inodes[dirIno]
	require.True(t, ok, "recovery did not report the directory inode")
	require.NotNil(t, dirState.Dir, "directory inode's index was not rebuilt")
	require.Equal(t, 2, dirState.Dir.Len(), "rebuilt directory index entry count")
	for _, name := range []string{"a.txt", "b.txt"} {
		_, found := dirState.Dir.Lookup(name)
		require.Truef(t, found, "rebuilt directory index missing %q", name)
	}

	fileState, ok := rep.Inodes[fileIno]
	require.True(t, ok, "recovery did not report the file inode")
	bm := &blockmap.Map{R: r, Alloc: al, InodeOff: fileOff}
	require.NotZero(t, bm.Find(fileState.Inode, 0), "file inode's block map was not rebuilt from its FILE_WRITE entry")
	require.EqualValues(t, super.PageSize, fileState.Inode.Size)
}

// TestRunSkipsFreeInodes confirms an untouched (never-logged) slot in the
// table does not show up in the recovery report at all.
func TestRunSkipsFreeInodes(t *testing.T) {
	const dataBlocks = 16
	tableSelfOff := int64(dataBlocks) * super.PageSize
	r := region.NewMemRegion(tableSelfOff + super.PageSize)
	al := alloc.NewBitmapAllocator(0, dataBlocks)

	sb := &super.Superblock{}
	tableSelf := &super.Inode{Mode: modeDirBit, LinksCount: 1}
	bmTable := &blockmap.Map{R: r, Alloc: al, InodeOff: tableSelfOff}
	tbl := itable.New(r, sb, bmTable, tableSelf, super.FreeInodeHintStart)

	// Back a few slots with real storage but never log anything against
	// them, then return them to free (Allocate zeroes the slot, which is
	// already the free state Run's IsFree/LogHead==0 check should skip).
	for i := 0; i < 4; i++ {
		_, _, err := tbl.Allocate()
		require.NoErrorf(t, err, "seeding free slot %d", i)
	}

	tl := trunclist.New(r, sb)
	scan := alloc.NewBitmap(dataBlocks)

	rep := Run(r, sb, al, tbl, tl, scan, isDirForTest)
	require.Empty(t, rep.Inodes, "expected no live inodes in a freshly formatted table")
	require.Empty(t, rep.Failures)
}
