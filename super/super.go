// Package super holds the superblock and the arithmetic that maps
// segments to device addresses.
//
// Layout: block 0 holds the first superblock copy. Segments start at
// S0Addr and are SegBlocks blocks long. The first block of segment 0
// holds the second copy; writers skip it. Superblock writes alternate
// between the two copies and mount uses the valid copy written last.
package super

import (
	"fmt"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/util"
)

const (
	MAGIC uint64 = 0x4c46535f474f0001

	VERSION1 uint32 = 1
	VERSION2 uint32 = 2

	PF_CLEAN uint32 = 0x1

	NSB = 2

	S0ADDR uint64 = 1
)

type Superblock struct {
	Version    uint32
	Is64       bool
	Ident      uint64
	Size       uint64 // device size in blocks
	S0Addr     uint64
	SegBlocks  uint64
	Nseg       uint64
	Ifpb       uint64 // Ifile entries per block
	Cleansz    uint64 // Ifile blocks of cleaner info
	Segtabsz   uint64 // Ifile blocks of segment usage
	MinFreeSeg uint64

	// checkpoint state
	Seq     uint64 // bumped on every superblock write
	Serial  uint64
	Offset  common.Daddr // next pseg goes here
	CurSeg  uint64
	NextSeg uint64
	Idaddr  common.Daddr // inode block holding the Ifile inode
	Tstamp  uint64
	PFlags  uint32

	Nfiles uint64
	Avail  int64 // blocks available for new data
	Bfree  int64
	Nclean uint64
	Dmeta  uint64

	slot int // copy the next checkpoint is written to
}

func (sb *Superblock) String() string {
	return fmt.Sprintf("v%d is64 %v serial %d off %d cur %d next %d idaddr %d "+
		"nfiles %d avail %d nclean %d",
		sb.Version, sb.Is64, sb.Serial, sb.Offset, sb.CurSeg, sb.NextSeg,
		sb.Idaddr, sb.Nfiles, sb.Avail, sb.Nclean)
}

func (sb *Superblock) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(MAGIC)
	enc.PutInt32(sb.Version)
	if sb.Is64 {
		enc.PutInt32(1)
	} else {
		enc.PutInt32(0)
	}
	enc.PutInt(sb.Ident)
	enc.PutInts([]uint64{sb.Size, sb.S0Addr, sb.SegBlocks, sb.Nseg,
		sb.Ifpb, sb.Cleansz, sb.Segtabsz, sb.MinFreeSeg})
	enc.PutInts([]uint64{sb.Seq, sb.Serial, uint64(sb.Offset), sb.CurSeg, sb.NextSeg,
		uint64(sb.Idaddr), sb.Tstamp})
	enc.PutInt32(sb.PFlags)
	enc.PutInts([]uint64{sb.Nfiles, uint64(sb.Avail), uint64(sb.Bfree),
		sb.Nclean, sb.Dmeta})
	b := enc.Finish()
	sum := crc32.ChecksumIEEE(b[:disk.BlockSize-4])
	enc2 := marshal.NewEnc(4)
	enc2.PutInt32(sum)
	copy(b[disk.BlockSize-4:], enc2.Finish())
	return b
}

func Decode(b disk.Block) (*Superblock, error) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != MAGIC {
		return nil, fmt.Errorf("bad superblock magic")
	}
	sum := marshal.NewDec(b[disk.BlockSize-4:]).GetInt32()
	if sum != crc32.ChecksumIEEE(b[:disk.BlockSize-4]) {
		return nil, fmt.Errorf("bad superblock checksum")
	}
	sb := &Superblock{}
	sb.Version = dec.GetInt32()
	sb.Is64 = dec.GetInt32() != 0
	sb.Ident = dec.GetInt()
	g := dec.GetInts(8)
	sb.Size, sb.S0Addr, sb.SegBlocks, sb.Nseg = g[0], g[1], g[2], g[3]
	sb.Ifpb, sb.Cleansz, sb.Segtabsz, sb.MinFreeSeg = g[4], g[5], g[6], g[7]
	c := dec.GetInts(7)
	sb.Seq, sb.Serial, sb.Offset = c[0], c[1], common.Daddr(c[2])
	sb.CurSeg, sb.NextSeg = c[3], c[4]
	sb.Idaddr, sb.Tstamp = common.Daddr(c[5]), c[6]
	sb.PFlags = dec.GetInt32()
	n := dec.GetInts(5)
	sb.Nfiles, sb.Avail, sb.Bfree = n[0], int64(n[1]), int64(n[2])
	sb.Nclean, sb.Dmeta = n[3], n[4]
	if sb.Version != VERSION1 && sb.Version != VERSION2 {
		return nil, fmt.Errorf("unknown version %d", sb.Version)
	}
	if sb.SegBlocks < 4 || sb.Nseg == 0 || sb.Ifpb == 0 {
		return nil, fmt.Errorf("bad geometry %d x %d", sb.Nseg, sb.SegBlocks)
	}
	return sb, nil
}

// SbAddr returns the address of superblock copy i.
func SbAddr(i int) uint64 {
	if i == 0 {
		return 0
	}
	return S0ADDR
}

// Read loads the newest valid superblock copy.
func Read(d disk.Disk) (*Superblock, error) {
	var best *Superblock
	var errs []error
	for i := 0; i < NSB; i++ {
		b, err := d.Read(SbAddr(i))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sb, err := Decode(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("superblock %d: %v", i, err))
			continue
		}
		if best == nil || sb.Seq > best.Seq {
			sb.slot = (i + 1) % NSB
			best = sb
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no valid superblock: %v", errs)
	}
	return best, nil
}

// Write stores sb in the copy not used by the last write.
func (sb *Superblock) Write(d disk.Disk) error {
	sb.Seq++
	a := SbAddr(sb.slot)
	if err := d.Write(a, sb.Encode()); err != nil {
		return err
	}
	if err := d.Barrier(); err != nil {
		return err
	}
	sb.slot = (sb.slot + 1) % NSB
	return nil
}

// WriteAll stores sb in every copy; used by mkfs.
func (sb *Superblock) WriteAll(d disk.Disk) error {
	sb.Seq++
	b := sb.Encode()
	for i := 0; i < NSB; i++ {
		if err := d.Write(SbAddr(i), b); err != nil {
			return err
		}
	}
	sb.slot = 1
	return d.Barrier()
}

func (sb *Superblock) Sntod(sn uint64) common.Daddr {
	return common.Daddr(sb.S0Addr + sn*sb.SegBlocks)
}

func (sb *Superblock) Dtosn(a common.Daddr) uint64 {
	return (uint64(a) - sb.S0Addr) / sb.SegBlocks
}

func (sb *Superblock) SegHasSb(sn uint64) bool {
	return sn == 0
}

// SegStart is the first address a pseg may use in segment sn.
func (sb *Superblock) SegStart(sn uint64) common.Daddr {
	if sb.SegHasSb(sn) {
		return sb.Sntod(sn) + 1
	}
	return sb.Sntod(sn)
}

func (sb *Superblock) SegEnd(sn uint64) common.Daddr {
	return sb.Sntod(sn + 1)
}

func (sb *Superblock) SegBytes() uint64 {
	return sb.SegBlocks * disk.BlockSize
}

// InSegments reports whether a is a block inside the segment area.
func (sb *Superblock) InSegments(a common.Daddr) bool {
	return a >= sb.Sntod(0) && a < sb.Sntod(sb.Nseg)
}

// PartialFits reports whether a pseg of n blocks fits in segment sn
// starting at off.
func (sb *Superblock) PartialFits(sn uint64, off common.Daddr, n uint64) bool {
	if off < sb.SegStart(sn) || util.SumOverflows(uint64(off), n) {
		return false
	}
	return uint64(off)+n <= uint64(sb.SegEnd(sn))
}

// Geometry computes a superblock for a fresh file system. The caller
// fills in Ident and the checkpoint state.
func Geometry(size uint64, segBlocks uint64, version uint32, is64 bool,
	ifpb uint64, segUseSize uint64, minfreeseg uint64) (*Superblock, error) {
	if size <= S0ADDR {
		return nil, fmt.Errorf("device too small")
	}
	nseg := (size - S0ADDR) / segBlocks
	if nseg < 4 {
		return nil, fmt.Errorf("need at least 4 segments, have %d", nseg)
	}
	perblk := disk.BlockSize / segUseSize
	sb := &Superblock{
		Version:    version,
		Is64:       is64,
		Size:       size,
		S0Addr:     S0ADDR,
		SegBlocks:  segBlocks,
		Nseg:       nseg,
		Ifpb:       ifpb,
		Cleansz:    1,
		Segtabsz:   (nseg + perblk - 1) / perblk,
		MinFreeSeg: minfreeseg,
		slot:       0,
	}
	return sb, nil
}
