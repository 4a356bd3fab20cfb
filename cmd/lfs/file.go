package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/lfs"
)

func parseUint(s string, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", what, s)
	}
	return n, nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty file and print its inode number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cfg.Mount, func(fs *lfs.Fs) error {
			ino, err := fs.Create(0644)
			if err != nil {
				return err
			}
			fmt.Println(ino)
			return nil
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write INO LBN DATA",
	Short: "Write DATA at the start of block LBN of a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ino, err := parseUint(args[0], "inode")
		if err != nil {
			return err
		}
		lbn, err := parseUint(args[1], "block")
		if err != nil {
			return err
		}
		return withFs(cfg.Mount, func(fs *lfs.Fs) error {
			return fs.Write(common.Inum(ino), lbn, []byte(args[2]))
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read INO LBN",
	Short: "Print block LBN of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ino, err := parseUint(args[0], "inode")
		if err != nil {
			return err
		}
		lbn, err := parseUint(args[1], "block")
		if err != nil {
			return err
		}
		opts := cfg.Mount
		opts.ReadOnly = true
		return withFs(opts, func(fs *lfs.Fs) error {
			data, err := fs.Read(common.Inum(ino), lbn)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm INO",
	Short: "Remove a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ino, err := parseUint(args[0], "inode")
		if err != nil {
			return err
		}
		return withFs(cfg.Mount, func(fs *lfs.Fs) error {
			return fs.Remove(common.Inum(ino))
		})
	},
}

func init() {
	RootCmd.AddCommand(createCmd)
	RootCmd.AddCommand(writeCmd)
	RootCmd.AddCommand(readCmd)
	RootCmd.AddCommand(rmCmd)
}
