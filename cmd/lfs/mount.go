package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/lfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the image, rolling the log forward, and unmount it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := mountOptions(cmd)
		if n, _ := cmd.Flags().GetUint64("max-psegs"); cmd.Flags().Changed("max-psegs") {
			opts.RfwMaxPsegs = n
		}
		return withFs(opts, func(fs *lfs.Fs) error {
			rep := fs.Report
			if rep.Skipped != "" {
				color.Yellow("roll-forward skipped: %s", rep.Skipped)
				return nil
			}
			fmt.Printf("replayed %d psegs (serial %d..%d, %d..%d)\n",
				rep.Psegs, rep.StartSerial, rep.EndSerial, rep.Start, rep.End)
			fmt.Printf("inodes %d, blocks %d, truncated %d, zero-link %d\n",
				rep.Inodes, rep.Blocks, rep.Truncated, len(rep.ZeroLink))
			if rep.Discarded > 0 {
				color.Yellow("discarded %d psegs of an unfinished write", rep.Discarded)
			}
			rep.WriteTable(os.Stdout)
			return nil
		})
	},
}

func init() {
	mountCmd.Flags().Bool("read-only", false, "Mount read-only; skips roll-forward")
	mountCmd.Flags().Uint64("max-psegs", 0, "Replay at most this many psegs")
	RootCmd.AddCommand(mountCmd)
}
