// Package pseg reads and writes partial segments. A partial segment is
// one summary block followed by data blocks, described by FINFOs, and
// inode blocks, whose addresses are listed in the summary's IINFOs.
package pseg

import (
	"fmt"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
)

const (
	SS_MAGIC uint32 = 0x061561

	SS_DIROP uint32 = 0x01 // part of a directory operation
	SS_CONT  uint32 = 0x02 // more partial segments of this write follow

	SUMHDR  uint64 = 64
	FINFOSZ uint64 = 24
	LBNSZ   uint64 = 8
	IINFOSZ uint64 = 8

	// LBN_INDIRECT is the logical block number of an inode's indirect
	// block.
	LBN_INDIRECT int64 = -1
)

type Finfo struct {
	Version    uint32
	Ino        common.Inum
	Lastlength uint32 // bytes used in the last block
	Lbns       []int64
}

type Summary struct {
	Sumsum  uint32
	Datasum uint32
	Flags   uint32
	Nblocks uint32 // including the summary block
	Serial  uint64
	Create  uint64
	Ident   uint64
	Next    common.Daddr // where the log continues after this segment
	Finfos  []Finfo
	Iinfos  []common.Daddr // inode block addresses
}

func (s *Summary) String() string {
	return fmt.Sprintf("ss serial %d flags %#x nblocks %d nfinfo %d ninos %d next %d",
		s.Serial, s.Flags, s.Nblocks, len(s.Finfos), len(s.Iinfos), s.Next)
}

func summarySize(nfinfo uint64, nlbns uint64, ninos uint64) uint64 {
	return SUMHDR + nfinfo*FINFOSZ + nlbns*LBNSZ + ninos*IINFOSZ
}

func (s *Summary) size() uint64 {
	var nlbns uint64
	for _, fi := range s.Finfos {
		nlbns += uint64(len(fi.Lbns))
	}
	return summarySize(uint64(len(s.Finfos)), nlbns, uint64(len(s.Iinfos)))
}

func (s *Summary) Encode() disk.Block {
	common.Assert(s.size() <= disk.BlockSize, "summary of %d bytes", s.size())
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt32(SS_MAGIC)
	enc.PutInt32(0) // sumsum, filled below
	enc.PutInt32(s.Datasum)
	enc.PutInt32(s.Flags)
	enc.PutInt32(uint32(len(s.Iinfos)))
	enc.PutInt32(uint32(len(s.Finfos)))
	enc.PutInt32(s.Nblocks)
	enc.PutInt32(0)
	enc.PutInt(s.Serial)
	enc.PutInt(s.Create)
	enc.PutInt(s.Ident)
	enc.PutInt(uint64(s.Next))
	for _, fi := range s.Finfos {
		enc.PutInt32(uint32(len(fi.Lbns)))
		enc.PutInt32(fi.Version)
		enc.PutInt(uint64(fi.Ino))
		enc.PutInt32(fi.Lastlength)
		enc.PutInt32(0)
		for _, lbn := range fi.Lbns {
			enc.PutInt(uint64(lbn))
		}
	}
	for _, a := range s.Iinfos {
		enc.PutInt(uint64(a))
	}
	b := enc.Finish()
	s.Sumsum = crc32.ChecksumIEEE(b[8:])
	sum := marshal.NewEnc(4)
	sum.PutInt32(s.Sumsum)
	copy(b[4:8], sum.Finish())
	return b
}

// DecodeSummary parses and checks a summary block. Errors mean the block
// is not a valid summary.
func DecodeSummary(b disk.Block) (*Summary, error) {
	dec := marshal.NewDec(b)
	if dec.GetInt32() != SS_MAGIC {
		return nil, fmt.Errorf("bad summary magic")
	}
	s := &Summary{}
	s.Sumsum = dec.GetInt32()
	if s.Sumsum != crc32.ChecksumIEEE(b[8:]) {
		return nil, fmt.Errorf("bad summary checksum")
	}
	s.Datasum = dec.GetInt32()
	s.Flags = dec.GetInt32()
	ninos := uint64(dec.GetInt32())
	nfinfo := uint64(dec.GetInt32())
	s.Nblocks = dec.GetInt32()
	dec.GetInt32()
	s.Serial = dec.GetInt()
	s.Create = dec.GetInt()
	s.Ident = dec.GetInt()
	s.Next = common.Daddr(dec.GetInt())

	used := summarySize(nfinfo, 0, ninos)
	if used > disk.BlockSize {
		return nil, fmt.Errorf("summary counts %d/%d overflow block", nfinfo, ninos)
	}
	var nblocks uint64 = 1 + ninos
	for i := uint64(0); i < nfinfo; i++ {
		n := uint64(dec.GetInt32())
		used += n * LBNSZ
		if used > disk.BlockSize {
			return nil, fmt.Errorf("finfo %d overflows summary", i)
		}
		fi := Finfo{}
		fi.Version = dec.GetInt32()
		fi.Ino = common.Inum(dec.GetInt())
		fi.Lastlength = dec.GetInt32()
		dec.GetInt32()
		fi.Lbns = make([]int64, n)
		for j := range fi.Lbns {
			fi.Lbns[j] = int64(dec.GetInt())
		}
		nblocks += n
		s.Finfos = append(s.Finfos, fi)
	}
	for i := uint64(0); i < ninos; i++ {
		s.Iinfos = append(s.Iinfos, common.Daddr(dec.GetInt()))
	}
	if nblocks != uint64(s.Nblocks) {
		return nil, fmt.Errorf("summary claims %d blocks, describes %d", s.Nblocks, nblocks)
	}
	return s, nil
}

type BlockKind int

const (
	KindData BlockKind = iota
	KindInode
)

// BlockRef is one block of a partial segment, as described by its
// summary.
type BlockRef struct {
	Addr  common.Daddr
	Kind  BlockKind
	Finfo int // index into Finfos for data blocks
	Index int // index into the FINFO's Lbns
}

func (s *Summary) Lbn(r BlockRef) int64 {
	return s.Finfos[r.Finfo].Lbns[r.Index]
}

// Length is the number of bytes of r that hold file data.
func (s *Summary) Length(r BlockRef) uint64 {
	fi := s.Finfos[r.Finfo]
	if r.Index == len(fi.Lbns)-1 {
		return uint64(fi.Lastlength)
	}
	return disk.BlockSize
}

// Blocks lists the blocks of the pseg whose summary is at start, in
// address order. An address listed as an inode block is one; every
// other address takes the next FINFO block.
func (s *Summary) Blocks(start common.Daddr) ([]BlockRef, error) {
	var refs []BlockRef
	off := start + 1
	ino := 0
	fi, idx := 0, 0
	for ino < len(s.Iinfos) || fi < len(s.Finfos) {
		if ino < len(s.Iinfos) && s.Iinfos[ino] == off {
			refs = append(refs, BlockRef{Addr: off, Kind: KindInode})
			ino++
			off++
			continue
		}
		if fi >= len(s.Finfos) {
			return nil, fmt.Errorf("inode block %d not at %d", s.Iinfos[ino], off)
		}
		if idx >= len(s.Finfos[fi].Lbns) {
			fi++
			idx = 0
			continue
		}
		refs = append(refs, BlockRef{Addr: off, Kind: KindData, Finfo: fi, Index: idx})
		idx++
		off++
	}
	return refs, nil
}

// Datasum folds blocks into the data checksum.
func Datasum(blocks []disk.Block) uint32 {
	var sum uint32
	for _, b := range blocks {
		sum = crc32.Update(sum, crc32.IEEETable, b)
	}
	return sum
}
