// Package ifile holds the in-memory image of the Ifile: cleaner info,
// the segment-usage table and the per-inode entries that thread the free
// list. Every mutation happens under the segment lock, which the write
// path also holds while laying out partial segments.
package ifile

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

// MAXBLOCKS is the most blocks the Ifile can map (direct plus one
// indirect block).
const MAXBLOCKS uint64 = common.NDADDR + common.NINDIR

type Ifile struct {
	seglock *sync.Mutex
	held    bool

	Sb   *super.Superblock
	Fmt  Format
	Free *Bitmap

	blocks []disk.Block
	daddrs []common.Daddr // on-disk location of each block
	dirty  []bool
	Ib     common.Daddr // indirect block of the Ifile inode
	Gen    uint32       // generation of the Ifile inode
}

func mkIfile(sb *super.Superblock) *Ifile {
	return &Ifile{
		seglock: new(sync.Mutex),
		Sb:      sb,
		Fmt:     FormatFor(sb),
		Free:    MkBitmap(0),
		Ib:      common.UNUSED_DADDR,
		Gen:     1,
	}
}

func (ifl *Ifile) metaBlocks() uint64 {
	return ifl.Sb.Cleansz + ifl.Sb.Segtabsz
}

// MkIfile builds the Ifile of a fresh file system: all segments clean,
// one entry block whose slots from FIRST_INUM on are free.
func MkIfile(sb *super.Superblock) *Ifile {
	ifl := mkIfile(sb)
	for i := uint64(0); i < ifl.metaBlocks(); i++ {
		ifl.appendBlock()
	}
	for sn := uint64(0); sn < sb.Nseg; sn++ {
		su := SegUse{}
		if sb.SegHasSb(sn) {
			su.Flags |= SEGUSE_SUPERBLOCK
		}
		ifl.PutSegUse(sn, su)
	}
	ifl.PutCleaner(CleanerInfo{
		FreeHead: common.NULLINUM,
		FreeTail: common.NULLINUM,
	})
	ifl.appendBlock()
	nino := common.Inum(sb.Ifpb)
	for ino := common.Inum(0); ino < nino; ino++ {
		e := Entry{Version: 1, Daddr: common.UNUSED_DADDR, NextFree: ino + 1}
		if ino < common.FIRST_INUM {
			e.Daddr = common.ILLEGAL_DADDR
			e.NextFree = common.NULLINUM
		}
		if ino == nino-1 {
			e.NextFree = common.NULLINUM
		}
		ifl.PutEntry(ino, e)
	}
	ifl.Free.Resize(uint64(nino))
	if nino > common.FIRST_INUM {
		for ino := common.FIRST_INUM; ino < nino; ino++ {
			ifl.Free.Set(ino)
		}
		ifl.SetFreeHead(common.FIRST_INUM)
		ifl.SetFreeTail(nino - 1)
	}
	return ifl
}

// Load reads the Ifile blocks at daddrs. The free bitmap is empty until
// the allocator rebuilds it.
func Load(bc *buf.Cache, sb *super.Superblock, daddrs []common.Daddr,
	ib common.Daddr, gen uint32) (*Ifile, error) {
	ifl := mkIfile(sb)
	ifl.Ib = ib
	ifl.Gen = gen
	if uint64(len(daddrs)) <= ifl.metaBlocks() {
		return nil, fmt.Errorf("ifile too short: %d blocks", len(daddrs))
	}
	for i, a := range daddrs {
		if common.DaddrIsBad(a) {
			return nil, fmt.Errorf("ifile block %d has no address", i)
		}
		blk, err := bc.ReadCopy(uint64(a))
		if err != nil {
			return nil, fmt.Errorf("ifile block %d: %w", i, err)
		}
		ifl.blocks = append(ifl.blocks, blk)
		ifl.daddrs = append(ifl.daddrs, a)
		ifl.dirty = append(ifl.dirty, false)
	}
	ifl.Free.Resize(uint64(ifl.Maxino()))
	util.DPrintf(1, "ifile: loaded %d blocks maxino %d fmt %s\n",
		len(daddrs), ifl.Maxino(), ifl.Fmt.Name())
	return ifl, nil
}

func (ifl *Ifile) appendBlock() uint64 {
	ifl.blocks = append(ifl.blocks, make(disk.Block, disk.BlockSize))
	ifl.daddrs = append(ifl.daddrs, common.UNUSED_DADDR)
	ifl.dirty = append(ifl.dirty, true)
	return uint64(len(ifl.blocks) - 1)
}

func (ifl *Ifile) SegLock() {
	ifl.seglock.Lock()
	ifl.held = true
}

func (ifl *Ifile) SegUnlock() {
	common.Assert(ifl.held, "segment lock released but not held")
	ifl.held = false
	ifl.seglock.Unlock()
}

func (ifl *Ifile) AssertHeld() {
	common.Assert(ifl.held, "segment lock not held")
}

func (ifl *Ifile) NBlocks() uint64 {
	return uint64(len(ifl.blocks))
}

func (ifl *Ifile) Maxino() common.Inum {
	return common.Inum((ifl.NBlocks() - ifl.metaBlocks()) * ifl.Sb.Ifpb)
}

// Size is the Ifile's length in bytes.
func (ifl *Ifile) Size() uint64 {
	return ifl.NBlocks() * disk.BlockSize
}

func (ifl *Ifile) entryLoc(ino common.Inum) (uint64, uint64) {
	common.Assert(ino < ifl.Maxino(), "ifile entry %d beyond maxino %d", ino, ifl.Maxino())
	blk := ifl.metaBlocks() + uint64(ino)/ifl.Sb.Ifpb
	off := (uint64(ino) % ifl.Sb.Ifpb) * ifl.Fmt.EntrySize()
	return blk, off
}

func (ifl *Ifile) Entry(ino common.Inum) Entry {
	blk, off := ifl.entryLoc(ino)
	return ifl.Fmt.GetEntry(ifl.blocks[blk][off:])
}

func (ifl *Ifile) PutEntry(ino common.Inum, e Entry) {
	blk, off := ifl.entryLoc(ino)
	ifl.Fmt.PutEntry(ifl.blocks[blk][off:], e)
	ifl.dirty[blk] = true
}

// Daddr returns the on-disk address of ino's inode record.
func (ifl *Ifile) Daddr(ino common.Inum) common.Daddr {
	return ifl.Entry(ino).Daddr
}

func (ifl *Ifile) SetDaddr(ino common.Inum, a common.Daddr) {
	e := ifl.Entry(ino)
	e.Daddr = a
	ifl.PutEntry(ino, e)
}

func (ifl *Ifile) Cleaner() CleanerInfo {
	return ifl.Fmt.GetCleaner(ifl.blocks[0])
}

func (ifl *Ifile) PutCleaner(c CleanerInfo) {
	ifl.Fmt.PutCleaner(ifl.blocks[0], c)
	ifl.dirty[0] = true
}

func (ifl *Ifile) FreeHead() common.Inum {
	return ifl.Cleaner().FreeHead
}

func (ifl *Ifile) SetFreeHead(ino common.Inum) {
	c := ifl.Cleaner()
	c.FreeHead = ino
	ifl.PutCleaner(c)
}

func (ifl *Ifile) FreeTail() common.Inum {
	return ifl.Cleaner().FreeTail
}

func (ifl *Ifile) SetFreeTail(ino common.Inum) {
	c := ifl.Cleaner()
	c.FreeTail = ino
	ifl.PutCleaner(c)
}

// SyncCleaner copies the superblock's space counters into the cleaner
// info block before it is written.
func (ifl *Ifile) SyncCleaner() {
	c := ifl.Cleaner()
	c.Clean = uint32(ifl.Sb.Nclean)
	c.Dirty = uint32(ifl.Sb.Nseg - ifl.Sb.Nclean)
	c.Bfree = ifl.Sb.Bfree
	c.Avail = ifl.Sb.Avail
	ifl.PutCleaner(c)
}

// Extend appends one block of free entries to the Ifile. The new
// entries go on the head of the free list. Caller holds the segment
// lock.
func (ifl *Ifile) Extend() error {
	ifl.AssertHeld()
	if ifl.NBlocks() >= MAXBLOCKS {
		return fmt.Errorf("ifile at %d blocks: %w", ifl.NBlocks(), common.ErrNoSpace)
	}
	if ifl.Sb.Avail <= 0 {
		return fmt.Errorf("extend ifile: %w", common.ErrNoSpace)
	}
	ifl.Sb.Avail--

	oldmax := ifl.Maxino()
	ifl.appendBlock()
	newmax := ifl.Maxino()
	ifl.Free.Resize(uint64(newmax))

	oldhead := ifl.FreeHead()
	for ino := oldmax; ino < newmax; ino++ {
		next := ino + 1
		if ino == newmax-1 {
			next = oldhead
		}
		ifl.PutEntry(ino, Entry{
			Version:  1,
			Daddr:    common.UNUSED_DADDR,
			NextFree: next,
		})
		ifl.Free.Set(ino)
	}
	ifl.SetFreeHead(oldmax)
	if oldhead == common.NULLINUM {
		ifl.SetFreeTail(newmax - 1)
	}
	util.DPrintf(1, "ifile: extended to maxino %d\n", newmax)
	return nil
}

// DirtyBlocks lists the Ifile blocks that must be written.
func (ifl *Ifile) DirtyBlocks() []uint64 {
	var bns []uint64
	for i, d := range ifl.dirty {
		if d {
			bns = append(bns, uint64(i))
		}
	}
	return bns
}

// MarkMetaDirty forces the cleaner and segment-usage blocks into the
// next write.
func (ifl *Ifile) MarkMetaDirty() {
	for i := uint64(0); i < ifl.metaBlocks(); i++ {
		ifl.dirty[i] = true
	}
}

// MarkEntryDirty forces the block holding ino's entry into the next
// write.
func (ifl *Ifile) MarkEntryDirty(ino common.Inum) {
	blk, _ := ifl.entryLoc(ino)
	ifl.dirty[blk] = true
}

func (ifl *Ifile) Block(bn uint64) disk.Block {
	return ifl.blocks[bn]
}

func (ifl *Ifile) BlockAddr(bn uint64) common.Daddr {
	return ifl.daddrs[bn]
}

// BlockAddrs returns a copy of the Ifile's block map.
func (ifl *Ifile) BlockAddrs() []common.Daddr {
	a := make([]common.Daddr, len(ifl.daddrs))
	copy(a, ifl.daddrs)
	return a
}

// SetBlockAddr records that block bn was written at a; the block is
// clean until next modified.
func (ifl *Ifile) SetBlockAddr(bn uint64, a common.Daddr) {
	ifl.daddrs[bn] = a
	ifl.dirty[bn] = false
}

// Snapshot returns a copy of every Ifile block, for comparisons.
func (ifl *Ifile) Snapshot() []disk.Block {
	blks := make([]disk.Block, len(ifl.blocks))
	for i, b := range ifl.blocks {
		blks[i] = util.CloneByteSlice(b)
	}
	return blks
}
