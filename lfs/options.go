package lfs

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/rfw"
	"github.com/mit-pdos/go-lfs/super"
)

// Options control a mount.
type Options struct {
	ReadOnly      bool
	RollForward   bool
	RfwMaxPsegs   uint64 // 0 replays the whole log
	CheckFreelist bool   // verify the free list after mount
	CacheBlocks   uint64
}

func DefaultOptions() Options {
	return Options{
		RollForward: true,
		CacheBlocks: 1024,
	}
}

func (o Options) rfw() rfw.Options {
	return rfw.Options{
		Disabled: !o.RollForward,
		MaxPsegs: o.RfwMaxPsegs,
	}
}

// MkfsOptions choose the on-disk layout of a new file system.
type MkfsOptions struct {
	Version    uint32
	Is64       bool
	SegBlocks  uint64
	Ifpb       uint64 // 0 fits as many entries as a block holds
	MinFreeSeg uint64
}

func DefaultMkfsOptions() MkfsOptions {
	return MkfsOptions{
		Version:    super.VERSION2,
		Is64:       true,
		SegBlocks:  256,
		MinFreeSeg: 2,
	}
}

func (o MkfsOptions) validate() (MkfsOptions, error) {
	if o.Version != super.VERSION1 && o.Version != super.VERSION2 {
		return o, fmt.Errorf("unknown version %d", o.Version)
	}
	if o.Version == super.VERSION1 && o.Is64 {
		return o, fmt.Errorf("version 1 has no 64-bit layout")
	}
	if o.SegBlocks < 8 {
		return o, fmt.Errorf("segments of %d blocks are too small", o.SegBlocks)
	}
	max := disk.BlockSize / ifile.EntrySize(o.Version, o.Is64)
	if o.Ifpb == 0 {
		o.Ifpb = max
	}
	if o.Ifpb > max || o.Ifpb < 4 {
		return o, fmt.Errorf("%d entries per block, want 4..%d", o.Ifpb, max)
	}
	return o, nil
}
