package inode

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
)

const (
	IFMT  uint32 = 0xf000
	IFREG uint32 = 0x8000
	IFDIR uint32 = 0x4000
)

// Dinode is the on-disk inode record, DINOSIZE bytes, INOPB to a block.
type Dinode struct {
	Mode    uint32
	Nlink   uint32
	Inumber common.Inum
	Size    uint64
	Atime   uint64
	Mtime   uint64
	Ctime   uint64
	Gen     uint32
	Flags   uint32
	Uid     uint32
	Gid     uint32
	Blocks  uint64
	Db      [common.NDADDR]common.Daddr
	Ib      common.Daddr
}

func (di *Dinode) String() string {
	return fmt.Sprintf("# %d gen %d nlink %d sz %d db %v ib %d",
		di.Inumber, di.Gen, di.Nlink, di.Size, di.Db, di.Ib)
}

func (di *Dinode) Encode() []byte {
	enc := marshal.NewEnc(common.DINOSIZE)
	enc.PutInt32(di.Mode)
	enc.PutInt32(di.Nlink)
	enc.PutInt(uint64(di.Inumber))
	enc.PutInt(di.Size)
	enc.PutInt(di.Atime)
	enc.PutInt(di.Mtime)
	enc.PutInt(di.Ctime)
	enc.PutInt32(di.Gen)
	enc.PutInt32(di.Flags)
	enc.PutInt32(di.Uid)
	enc.PutInt32(di.Gid)
	enc.PutInt(di.Blocks)
	blks := make([]uint64, common.NDADDR+1)
	for i, a := range di.Db {
		blks[i] = uint64(a)
	}
	blks[common.NDADDR] = uint64(di.Ib)
	enc.PutInts(blks)
	return enc.Finish()
}

func DecodeDinode(b []byte) Dinode {
	var di Dinode
	dec := marshal.NewDec(b)
	di.Mode = dec.GetInt32()
	di.Nlink = dec.GetInt32()
	di.Inumber = common.Inum(dec.GetInt())
	di.Size = dec.GetInt()
	di.Atime = dec.GetInt()
	di.Mtime = dec.GetInt()
	di.Ctime = dec.GetInt()
	di.Gen = dec.GetInt32()
	di.Flags = dec.GetInt32()
	di.Uid = dec.GetInt32()
	di.Gid = dec.GetInt32()
	di.Blocks = dec.GetInt()
	blks := dec.GetInts(common.NDADDR + 1)
	for i := uint64(0); i < common.NDADDR; i++ {
		di.Db[i] = common.Daddr(blks[i])
	}
	di.Ib = common.Daddr(blks[common.NDADDR])
	return di
}

// CopyMeta copies everything but the block pointers from src.
func (di *Dinode) CopyMeta(src *Dinode) {
	di.Mode = src.Mode
	di.Nlink = src.Nlink
	di.Inumber = src.Inumber
	di.Size = src.Size
	di.Atime = src.Atime
	di.Mtime = src.Mtime
	di.Ctime = src.Ctime
	di.Gen = src.Gen
	di.Flags = src.Flags
	di.Uid = src.Uid
	di.Gid = src.Gid
}

// EncodeBlock packs up to INOPB records into an inode block.
func EncodeBlock(dis []Dinode) disk.Block {
	common.Assert(uint64(len(dis)) <= common.INOPB, "%d inodes in one block", len(dis))
	blk := make(disk.Block, disk.BlockSize)
	for i := range dis {
		copy(blk[uint64(i)*common.DINOSIZE:], dis[i].Encode())
	}
	return blk
}

// DecodeBlock returns the records in an inode block; empty slots have
// Inumber 0 and are skipped.
func DecodeBlock(blk disk.Block) []Dinode {
	var dis []Dinode
	for i := uint64(0); i < common.INOPB; i++ {
		di := DecodeDinode(blk[i*common.DINOSIZE:])
		if di.Inumber == common.NULLINUM {
			continue
		}
		dis = append(dis, di)
	}
	return dis
}

func EncodeIndirect(ind []common.Daddr) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	a := make([]uint64, common.NINDIR)
	for i, d := range ind {
		a[i] = uint64(d)
	}
	enc.PutInts(a)
	return enc.Finish()
}

func DecodeIndirect(blk disk.Block) []common.Daddr {
	a := marshal.NewDec(blk).GetInts(common.NINDIR)
	ind := make([]common.Daddr, common.NINDIR)
	for i, x := range a {
		ind[i] = common.Daddr(x)
	}
	return ind
}
