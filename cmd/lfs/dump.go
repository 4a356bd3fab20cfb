package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/lfs"
)

var dumpAll bool

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the superblock, segment usage and Ifile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cfg.Mount
		opts.ReadOnly = true
		return withFs(opts, func(fs *lfs.Fs) error {
			fs.DumpSuper(os.Stdout)
			fmt.Println()
			fs.DumpSegments(os.Stdout, dumpAll)
			fmt.Println()
			fs.DumpIfile(os.Stdout)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the free list and Ifile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cfg.Mount
		opts.ReadOnly, _ = cmd.Flags().GetBool("read-only")
		return withFs(opts, func(fs *lfs.Fs) error {
			if err := fs.CheckFreelist(); err != nil {
				return err
			}
			ok("free list ok, %d files", fs.Superblock().Nfiles)
			return nil
		})
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpAll, "all", false, "Include clean segments")
	checkCmd.Flags().Bool("read-only", true, "Check without recovering")
	RootCmd.AddCommand(dumpCmd)
	RootCmd.AddCommand(checkCmd)
}
