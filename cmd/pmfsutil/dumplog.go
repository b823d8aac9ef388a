package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/ilog"
	"github.com/vorteil/pmfs/internal/itable"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

var flagDumpIno uint64

var dumpLogCmd = &cobra.Command{
	Use:   "dump-log PATH",
	Short: "Print every log entry for one inode",
	Long:  "dump-log replays the log of the inode named by --ino and prints each decoded entry in order, the same walk internal/recovery performs at mount.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sz, err := fileSize(args[0])
		if err != nil {
			return err
		}
		r, err := region.OpenFile(args[0], sz)
		if err != nil {
			return fmt.Errorf("pmfsutil dump-log: %w", err)
		}
		defer r.Close()

		sb, err := super.Read(r)
		if err != nil {
			return fmt.Errorf("pmfsutil dump-log: %w", err)
		}

		blocks := sz / super.Block4K.Size()
		al := alloc.NewBitmapAllocator(0, blocks)
		tableInode := super.ReadInodeAt(r, sb.InodeTableOffset)
		bm := newBlockmap(r, al, sb.InodeTableOffset)
		tbl := itable.New(r, sb, bm, tableInode, super.FreeInodeHintStart)

		off, ok := tbl.Offset(flagDumpIno)
		if !ok {
			return fmt.Errorf("dump-log: inode %d has no backing slot", flagDumpIno)
		}
		in := super.ReadInodeAt(r, off)

		lg := &ilog.Log{R: r, Alloc: al, InodeOff: off}
		n := 0
		err = lg.Walk(in, func(we ilog.WalkEntry) error {
			n++
			printEntry(we)
			return nil
		})
		if err != nil {
			log.Errorf("dump-log: %v", err)
		}
		log.Infof("dump-log: %d entries", n)
		return nil
	},
}

func printEntry(we ilog.WalkEntry) {
	switch we.Type {
	case ilog.EntryFileWrite:
		e := we.FileWrite
		log.Printf("@%#x FILE_WRITE block=%#x pgoff=%d num_pages=%d invalid=%d size=%d",
			we.Off, e.Block, e.Pgoff, e.NumPages, e.InvalidPages, e.Size)
	case ilog.EntryDirLog:
		e := we.DirLog
		log.Printf("@%#x DIR_LOG name=%q ino=%d ftype=%d new_inode=%v",
			we.Off, e.Name, e.Ino, e.FileType, e.NewInode)
	case ilog.EntrySetAttr:
		e := we.SetAttr
		log.Printf("@%#x SET_ATTR mask=%#x mode=%#o size=%d", we.Off, e.Mask, e.Mode, e.Size)
	case ilog.EntryLinkChange:
		e := we.LinkChange
		log.Printf("@%#x LINK_CHANGE links_count=%d", we.Off, e.LinksCount)
	}
}

func init() {
	dumpLogCmd.Flags().Uint64Var(&flagDumpIno, "ino", 0, "inode number whose log to dump")
	_ = dumpLogCmd.MarkFlagRequired("ino")
}
