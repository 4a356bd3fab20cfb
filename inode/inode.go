package inode

import (
	"fmt"
	"sort"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
)

// MAXLBN bounds logical block numbers: direct blocks plus one indirect
// block.
const MAXLBN uint64 = common.NDADDR + common.NINDIR

type Inode struct {
	Inum common.Inum
	Dinode

	ref   uint64
	dirty bool

	// blocks written since the last flush, by logical block number
	data map[uint64]disk.Block

	// contents of the indirect block; nil until loaded or created
	ind      []common.Daddr
	indDirty bool
}

func mkInode(di Dinode) *Inode {
	return &Inode{
		Inum:   di.Inumber,
		Dinode: di,
		data:   make(map[uint64]disk.Block),
	}
}

func (ip *Inode) String() string {
	return fmt.Sprintf("ip %d ref %d dirty %v pending %d %v", ip.Inum, ip.ref,
		ip.dirty, len(ip.data), &ip.Dinode)
}

func (ip *Inode) MarkDirty() {
	ip.dirty = true
}

func (ip *Inode) IsDirty() bool {
	return ip.dirty
}

func (ip *Inode) ClearDirty() {
	ip.dirty = false
}

func (ip *Inode) Ref() uint64 {
	return ip.ref
}

// Pending returns the logical block numbers of unwritten blocks, in
// order.
func (ip *Inode) Pending() []uint64 {
	lbns := make([]uint64, 0, len(ip.data))
	for lbn := range ip.data {
		lbns = append(lbns, lbn)
	}
	sort.Slice(lbns, func(i, j int) bool { return lbns[i] < lbns[j] })
	return lbns
}

func (ip *Inode) PendingBlock(lbn uint64) disk.Block {
	return ip.data[lbn]
}

// ClearPending forgets a block once it is in the log.
func (ip *Inode) ClearPending(lbn uint64) {
	delete(ip.data, lbn)
}

func (ip *Inode) IndDirty() bool {
	return ip.indDirty
}

func (ip *Inode) Indirect() []common.Daddr {
	return ip.ind
}

// SetIndirectAddr records where the indirect block was written.
func (ip *Inode) SetIndirectAddr(a common.Daddr) {
	ip.Ib = a
	ip.indDirty = false
}

// bmap maps lbn; the indirect block must already be loaded.
func (ip *Inode) bmap(lbn uint64) common.Daddr {
	if lbn < common.NDADDR {
		return ip.Db[lbn]
	}
	if ip.ind == nil {
		return common.UNUSED_DADDR
	}
	return ip.ind[lbn-common.NDADDR]
}

// setBmap installs a mapping and returns the previous address.
func (ip *Inode) setBmap(lbn uint64, a common.Daddr) common.Daddr {
	var old common.Daddr
	if lbn < common.NDADDR {
		old = ip.Db[lbn]
		ip.Db[lbn] = a
	} else {
		if ip.ind == nil {
			ip.ind = make([]common.Daddr, common.NINDIR)
		}
		old = ip.ind[lbn-common.NDADDR]
		ip.ind[lbn-common.NDADDR] = a
		ip.indDirty = true
	}
	if common.DaddrIsBad(old) && !common.DaddrIsBad(a) {
		ip.Blocks++
	} else if !common.DaddrIsBad(old) && common.DaddrIsBad(a) {
		ip.Blocks--
	}
	return old
}

// lastLbn is one past the highest logical block that may be mapped.
func (ip *Inode) lastLbn() uint64 {
	if ip.ind != nil || !common.DaddrIsBad(ip.Ib) {
		return MAXLBN
	}
	return common.NDADDR
}
