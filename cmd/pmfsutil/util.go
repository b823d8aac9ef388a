package main

import (
	"os"

	"github.com/vorteil/pmfs/internal/alloc"
	"github.com/vorteil/pmfs/internal/blockmap"
	"github.com/vorteil/pmfs/internal/region"
)

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func newBlockmap(r *region.Region, al alloc.BlockAllocator, inodeOff int64) *blockmap.Map {
	return &blockmap.Map{R: r, Alloc: al, InodeOff: inodeOff}
}
