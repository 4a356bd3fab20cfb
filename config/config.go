// Package config loads file system options from lfs.yaml and the
// environment.
package config

import (
	"errors"
	"strings"

	v "github.com/spf13/viper"

	"github.com/mit-pdos/go-lfs/lfs"
)

type Config struct {
	Mount lfs.Options
	Mkfs  lfs.MkfsOptions
	Debug uint64
}

func setDefaults() {
	o := lfs.DefaultOptions()
	m := lfs.DefaultMkfsOptions()
	v.SetDefault("read_only", o.ReadOnly)
	v.SetDefault("roll_forward", o.RollForward)
	v.SetDefault("rfw_max_psegs", o.RfwMaxPsegs)
	v.SetDefault("check_freelist", o.CheckFreelist)
	v.SetDefault("cache_blocks", o.CacheBlocks)
	v.SetDefault("debug", 0)
	v.SetDefault("mkfs.version", m.Version)
	v.SetDefault("mkfs.is64", m.Is64)
	v.SetDefault("mkfs.segment_blocks", m.SegBlocks)
	v.SetDefault("mkfs.ifpb", m.Ifpb)
	v.SetDefault("mkfs.minfreeseg", m.MinFreeSeg)
}

// LoadConfig reads configuration from cfgFile, or from lfs.yaml in the
// usual places if cfgFile is empty, and from LFS_* environment
// variables. A missing lfs.yaml is not an error.
func LoadConfig(cfgFile string) error {
	setDefaults()
	v.SetEnvPrefix("lfs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return v.ReadInConfig()
	}
	v.SetConfigName("lfs")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/")
	v.AddConfigPath("$HOME/.lfs")
	v.AddConfigPath(".")
	err := v.ReadInConfig()
	var notFound v.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Get returns the loaded configuration.
func Get() Config {
	return Config{
		Mount: lfs.Options{
			ReadOnly:      v.GetBool("read_only"),
			RollForward:   v.GetBool("roll_forward"),
			RfwMaxPsegs:   v.GetUint64("rfw_max_psegs"),
			CheckFreelist: v.GetBool("check_freelist"),
			CacheBlocks:   v.GetUint64("cache_blocks"),
		},
		Mkfs: lfs.MkfsOptions{
			Version:    v.GetUint32("mkfs.version"),
			Is64:       v.GetBool("mkfs.is64"),
			SegBlocks:  v.GetUint64("mkfs.segment_blocks"),
			Ifpb:       v.GetUint64("mkfs.ifpb"),
			MinFreeSeg: v.GetUint64("mkfs.minfreeseg"),
		},
		Debug: v.GetUint64("debug"),
	}
}
