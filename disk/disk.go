// Package disk is the block device under the log. Every operation reports
// failures as errors so that recovery can fail a mount instead of the
// process.
package disk

import (
	gdisk "github.com/tchajed/goose/machine/disk"
)

// Block is a 4096-byte buffer
type Block = []byte

const BlockSize uint64 = gdisk.BlockSize

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// DiskWriteBatch is implemented by disks that can write a run of
// consecutive blocks in one call. A partial segment is written this way.
type DiskWriteBatch interface {
	WriteBatch(startPos uint64, blocks []Block) error
}

// WriteBlocks writes blocks to consecutive addresses starting at
// startPos, batching when d supports it.
func WriteBlocks(d Disk, startPos uint64, blocks []Block) error {
	if bd, ok := d.(DiskWriteBatch); ok {
		return bd.WriteBatch(startPos, blocks)
	}
	for i, b := range blocks {
		if err := d.Write(startPos+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}
