package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorteil/pmfs"
	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/itable"
	"github.com/vorteil/pmfs/internal/recovery"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
	"github.com/vorteil/pmfs/internal/trunclist"
)

var checkCmd = &cobra.Command{
	Use:   "check PATH",
	Short: "Run an offline consistency check (fsck) over a PMFS region",
	Long: `check runs the same recovery pass a mount performs over the region:
it replays every live inode's log, which writes rebuilt block-map roots
back to the inodes, drains the truncate list, and reports every inode
whose log is corrupt. It does not cross-check free space or any other
invariant (SPEC_FULL.md's supplemented fsck-style consistency walk).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sz, err := fileSize(args[0])
		if err != nil {
			return err
		}
		r, err := region.OpenFile(args[0], sz)
		if err != nil {
			return fmt.Errorf("pmfsutil check: %w", err)
		}
		defer r.Close()

		sb, err := super.Read(r)
		if err != nil {
			return fmt.Errorf("pmfsutil check: %w", err)
		}

		blocks := sz / super.Block4K.Size()
		al := alloc.NewBitmapAllocator(0, blocks)
		scan := alloc.NewBitmap(blocks)

		tableInode := super.ReadInodeAt(r, sb.InodeTableOffset)
		bm := newBlockmap(r, al, sb.InodeTableOffset)
		inodesCount := uint64(super.FreeInodeHintStart)
		slotsPerBlock := uint64(super.Block4K.Size() / super.InodeSize)
		for blk := int64(0); bm.Find(tableInode, blk) != 0; blk++ {
			inodesCount += slotsPerBlock
		}
		tbl := itable.New(r, sb, bm, tableInode, inodesCount)
		tl := trunclist.New(r, sb)

		rep := recovery.Run(r, sb, al, tbl, tl, scan, func(in *super.Inode) bool {
			return in.Mode&pmfs.ModeDir != 0
		})

		if len(rep.Failures) == 0 {
			log.Infof("check: %s: %d inodes scanned, no corruption found", args[0], len(rep.Inodes))
			return nil
		}

		for _, f := range rep.Failures {
			log.Errorf("check: %v", f.Err)
		}
		return fmt.Errorf("check: %d inode(s) had corrupt logs", len(rep.Failures))
	},
}
