package ifile

import (
	"time"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/util"
)

func (ifl *Ifile) segLoc(sn uint64) (uint64, uint64) {
	common.Assert(sn < ifl.Sb.Nseg, "segment %d out of range", sn)
	perblk := disk.BlockSize / ifl.Fmt.SegUseSize()
	return ifl.Sb.Cleansz + sn/perblk, (sn % perblk) * ifl.Fmt.SegUseSize()
}

func (ifl *Ifile) SegUse(sn uint64) SegUse {
	blk, off := ifl.segLoc(sn)
	return ifl.Fmt.GetSegUse(ifl.blocks[blk][off:])
}

func (ifl *Ifile) PutSegUse(sn uint64, su SegUse) {
	blk, off := ifl.segLoc(sn)
	ifl.Fmt.PutSegUse(ifl.blocks[blk][off:], su)
	ifl.dirty[blk] = true
}

// AddSegBytes adjusts the live-byte count of segment sn. A count that
// would go negative is an invariant violation.
func (ifl *Ifile) AddSegBytes(sn uint64, delta int64) {
	su := ifl.SegUse(sn)
	n := int64(su.Nbytes) + delta
	common.Assert(n >= 0, "segment %d byte count %d%+d goes negative",
		sn, su.Nbytes, delta)
	common.Assert(uint64(n) <= ifl.Sb.SegBytes(), "segment %d byte count %d exceeds segment size",
		sn, n)
	su.Nbytes = uint32(n)
	ifl.PutSegUse(sn, su)
}

// AddDaddrBytes adjusts the segment holding a, if a is a real address.
func (ifl *Ifile) AddDaddrBytes(a common.Daddr, delta int64) {
	if common.DaddrIsBad(a) {
		return
	}
	ifl.AddSegBytes(ifl.Sb.Dtosn(a), delta)
}

// MoveInode records that ino's record now lives at a. One record's
// worth of bytes moves between segments when the segment changes.
func (ifl *Ifile) MoveInode(ino common.Inum, a common.Daddr) {
	old := ifl.Daddr(ino)
	nsn := ifl.Sb.Dtosn(a)
	if common.DaddrIsBad(old) || ifl.Sb.Dtosn(old) != nsn {
		ifl.AddDaddrBytes(old, -int64(common.DINOSIZE))
		ifl.AddSegBytes(nsn, int64(common.DINOSIZE))
	}
	ifl.SetDaddr(ino, a)
}

// MarkSegDirty sets the DIRTY flag on sn and reports whether the segment
// was clean before.
func (ifl *Ifile) MarkSegDirty(sn uint64) bool {
	su := ifl.SegUse(sn)
	if su.Flags&SEGUSE_DIRTY != 0 {
		return false
	}
	su.Flags |= SEGUSE_DIRTY
	su.Lastmod = uint64(time.Now().Unix())
	ifl.PutSegUse(sn, su)
	if ifl.Sb.Nclean > 0 {
		ifl.Sb.Nclean--
	}
	return true
}

func (ifl *Ifile) SetSegFlags(sn uint64, set uint32, clear uint32) {
	su := ifl.SegUse(sn)
	su.Flags = (su.Flags | set) &^ clear
	ifl.PutSegUse(sn, su)
}

// CountPseg records one partial segment with ninos inode blocks in sn.
func (ifl *Ifile) CountPseg(sn uint64, ninos uint32) {
	su := ifl.SegUse(sn)
	su.Nsums++
	su.Ninos += ninos
	su.Lastmod = uint64(time.Now().Unix())
	ifl.PutSegUse(sn, su)
}

// NextClean returns the first clean segment after sn, wrapping around.
func (ifl *Ifile) NextClean(sn uint64) (uint64, bool) {
	for i := uint64(1); i <= ifl.Sb.Nseg; i++ {
		s := (sn + i) % ifl.Sb.Nseg
		if ifl.SegUse(s).Flags&(SEGUSE_DIRTY|SEGUSE_ACTIVE) == 0 {
			return s, true
		}
	}
	return 0, false
}

// SegBytesTotal sums the live-byte counts of all segments.
func (ifl *Ifile) SegBytesTotal() uint64 {
	var n uint64
	for sn := uint64(0); sn < ifl.Sb.Nseg; sn++ {
		n += uint64(ifl.SegUse(sn).Nbytes)
	}
	return n
}

// ResetAvail recomputes the clean-segment count and the available and
// free block counts from the segment-usage table.
func (ifl *Ifile) ResetAvail() {
	sb := ifl.Sb
	var nclean uint64
	var avail int64
	var bfree int64
	var dmeta uint64
	for sn := uint64(0); sn < sb.Nseg; sn++ {
		su := ifl.SegUse(sn)
		usable := int64(sb.SegBlocks)
		if sb.SegHasSb(sn) {
			usable--
		}
		if su.Flags&SEGUSE_DIRTY == 0 {
			nclean++
			avail += usable
		}
		live := int64(util.RoundUp(uint64(su.Nbytes), disk.BlockSize))
		bfree += usable - live - int64(su.Nsums)
		dmeta += uint64(su.Nsums) + uint64(su.Ninos)
	}
	if sb.PartialFits(sb.CurSeg, sb.Offset, 0) &&
		ifl.SegUse(sb.CurSeg).Flags&SEGUSE_DIRTY != 0 {
		avail += int64(sb.SegEnd(sb.CurSeg) - sb.Offset)
	}
	avail -= int64(sb.MinFreeSeg * sb.SegBlocks)
	if avail < 0 {
		avail = 0
	}
	sb.Nclean = nclean
	sb.Avail = avail
	sb.Bfree = bfree
	sb.Dmeta = dmeta
	util.DPrintf(1, "ifile: reset avail nclean %d avail %d bfree %d\n",
		nclean, avail, bfree)
}
