package main

import (
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/config"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/lfs"
	"github.com/mit-pdos/go-lfs/util"
)

var (
	cfgFile string
	image   string
	debug   uint64
	showOps bool
	cfg     config.Config
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "lfs --image path <command>",
	Short: "Log-structured file system tools",
	Long: "lfs makes file system images, mounts them to roll the log forward\n" +
		"after a crash, and inspects the segment usage and Ifile.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(cfgFile); err != nil {
			return err
		}
		cfg = config.Get()
		util.Debug = cfg.Debug
		if cmd.Flags().Changed("debug") {
			util.Debug = debug
		}
		return nil
	},
}

// Execute adds all child commands to the root command sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = time.RFC3339
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetOutput(os.Stderr)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file (default lfs.yaml)")
	RootCmd.PersistentFlags().StringVar(&image, "image", "", "File system image")
	RootCmd.PersistentFlags().Uint64Var(&debug, "debug", 0, "Debug log level")
	RootCmd.PersistentFlags().BoolVar(&showOps, "stats", false, "Print operation and disk latencies")
	RootCmd.MarkPersistentFlagRequired("image")
}

// withFs mounts the image, runs f and unmounts. A read-only mount leaves
// the image untouched.
func withFs(opts lfs.Options, f func(fs *lfs.Fs) error) error {
	fd, err := disk.OpenFileDisk(image)
	if err != nil {
		return err
	}
	d := disk.NewTimedDisk(fd)
	defer d.Close()
	fs, err := lfs.Mount(d, opts)
	if err != nil {
		return err
	}
	if err := f(fs); err != nil {
		return err
	}
	if err := fs.Unmount(); err != nil {
		return err
	}
	if showOps {
		fs.WriteOpStats(os.Stdout)
		d.WriteStats(os.Stdout)
	}
	return nil
}

func mountOptions(cmd *cobra.Command) lfs.Options {
	opts := cfg.Mount
	if cmd.Flags().Changed("read-only") {
		opts.ReadOnly, _ = cmd.Flags().GetBool("read-only")
	}
	return opts
}

func ok(format string, a ...interface{}) {
	color.Green(format, a...)
}
