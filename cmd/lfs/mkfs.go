package main

import (
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/lfs"
)

var mkfsFlags struct {
	size      uint64
	version   uint32
	is64      bool
	segBlocks uint64
	ifpb      uint64
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs --size blocks",
	Short: "Create an empty file system image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mo := cfg.Mkfs
		f := cmd.Flags()
		if f.Changed("version") {
			mo.Version = mkfsFlags.version
		}
		if f.Changed("is64") {
			mo.Is64 = mkfsFlags.is64
		}
		if f.Changed("segment-blocks") {
			mo.SegBlocks = mkfsFlags.segBlocks
		}
		if f.Changed("ifpb") {
			mo.Ifpb = mkfsFlags.ifpb
		}
		d, err := disk.NewFileDisk(image, mkfsFlags.size)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := lfs.Mkfs(d, mo); err != nil {
			return err
		}
		ok("made %s: %d blocks, %d-block segments", image, mkfsFlags.size, mo.SegBlocks)
		return nil
	},
}

func init() {
	f := mkfsCmd.Flags()
	f.Uint64Var(&mkfsFlags.size, "size", 64*1024, "Image size in blocks")
	f.Uint32Var(&mkfsFlags.version, "version", 2, "On-disk format version")
	f.BoolVar(&mkfsFlags.is64, "is64", true, "64-bit Ifile layout")
	f.Uint64Var(&mkfsFlags.segBlocks, "segment-blocks", 256, "Blocks per segment")
	f.Uint64Var(&mkfsFlags.ifpb, "ifpb", 0, "Ifile entries per block (0 fills the block)")
	RootCmd.AddCommand(mkfsCmd)
}
