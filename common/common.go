package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	DINOSIZE uint64 = 256 // on-disk inode size
	INOPB    uint64 = disk.BlockSize / DINOSIZE

	NDADDR uint64 = 12                 // direct block pointers per inode
	NINDIR uint64 = disk.BlockSize / 8 // block pointers per indirect block
)

type Inum uint64

// Daddr is a device address in blocks. Two values are reserved:
// UNUSED_DADDR marks a free Ifile slot and ILLEGAL_DADDR an inode that
// has been allocated but not yet written.
type Daddr int64

const (
	NULLINUM   Inum = 0
	IFILE_INUM Inum = 1
	FIRST_INUM Inum = 2

	// ORPHAN_INUM in an Ifile nextfree field marks an unlinked inode that
	// was still referenced. Each on-disk layout stores it as all ones in
	// its own field width.
	ORPHAN_INUM Inum = ^Inum(0)
)

const (
	UNUSED_DADDR  Daddr = 0
	ILLEGAL_DADDR Daddr = -1
)

func DaddrIsBad(a Daddr) bool {
	return a == UNUSED_DADDR || a == ILLEGAL_DADDR
}
