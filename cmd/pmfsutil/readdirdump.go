package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorteil/pmfs"
	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/dirindex"
	"github.com/vorteil/pmfs/internal/elog"
	"github.com/vorteil/pmfs/internal/region"
	"github.com/vorteil/pmfs/internal/super"
)

var flagReaddirIno uint64

var readdirDumpCmd = &cobra.Command{
	Use:   "readdir-dump PATH",
	Short: "Print the live entries of one directory, in hash order",
	Long:  "readdir-dump mounts the region (running recovery first, which writes the replayed inodes back) and iterates the directory named by --ino exactly as a readdir call would.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sz, err := fileSize(args[0])
		if err != nil {
			return err
		}
		r, err := region.OpenFile(args[0], sz)
		if err != nil {
			return fmt.Errorf("pmfsutil readdir-dump: %w", err)
		}
		defer r.Close()

		blocks := sz / super.Block4K.Size()
		al := alloc.NewBitmapAllocator(0, blocks)

		fs, err := pmfs.Open(r, al, elog.Discard)
		if err != nil {
			return fmt.Errorf("pmfsutil readdir-dump: %w", err)
		}

		n := 0
		err = fs.Readdir(flagReaddirIno, "", func(e dirindex.Entry) bool {
			n++
			log.Printf("%s ino=%d ftype=%d", e.Name, e.Ino, e.FType)
			return true
		})
		if err != nil {
			return fmt.Errorf("pmfsutil readdir-dump: %w", err)
		}
		log.Infof("readdir-dump: %d entries", n)
		return nil
	},
}

func init() {
	readdirDumpCmd.Flags().Uint64Var(&flagReaddirIno, "ino", super.RootIno, "directory inode number to list")
}
