package ifile

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/super"
)

// Entry is the per-inode record of the Ifile, independent of layout.
type Entry struct {
	Version   uint32
	Daddr     common.Daddr
	NextFree  common.Inum
	AtimeSec  uint64
	AtimeNsec uint32
}

type CleanerInfo struct {
	Clean    uint32
	Dirty    uint32
	Bfree    int64
	Avail    int64
	FreeHead common.Inum
	FreeTail common.Inum
	Flags    uint32
}

const (
	SEGUSE_ACTIVE     uint32 = 0x01
	SEGUSE_DIRTY      uint32 = 0x02
	SEGUSE_SUPERBLOCK uint32 = 0x04
	SEGUSE_ERROR      uint32 = 0x08
	SEGUSE_EMPTY      uint32 = 0x10
	SEGUSE_INVAL      uint32 = 0x20
)

type SegUse struct {
	Nbytes  uint32
	Lastmod uint64
	Nsums   uint32
	Ninos   uint32
	Flags   uint32
}

// Format encodes Ifile records in one of the on-disk layouts. It is
// chosen once at mount by FormatFor.
type Format interface {
	Name() string
	EntrySize() uint64
	GetEntry(b []byte) Entry
	PutEntry(b []byte, e Entry)
	CleanerSize() uint64
	GetCleaner(b []byte) CleanerInfo
	PutCleaner(b []byte, c CleanerInfo)
	SegUseSize() uint64
	GetSegUse(b []byte) SegUse
	PutSegUse(b []byte, s SegUse)
}

func FormatFor(sb *super.Superblock) Format {
	if sb.Version == super.VERSION1 {
		return v1Format{}
	}
	if sb.Is64 {
		return v64Format{}
	}
	return v32Format{}
}

// SegUseSize is the segment-usage record size for a version, needed
// before a superblock exists.
func SegUseSize(version uint32) uint64 {
	if version == super.VERSION1 {
		return v1Format{}.SegUseSize()
	}
	return v32Format{}.SegUseSize()
}

func EntrySize(version uint32, is64 bool) uint64 {
	if version == super.VERSION1 {
		return v1Format{}.EntrySize()
	}
	if is64 {
		return v64Format{}.EntrySize()
	}
	return v32Format{}.EntrySize()
}

const orphan32 uint32 = 0xffffffff

func inumTo32(ino common.Inum) uint32 {
	if ino == common.ORPHAN_INUM {
		return orphan32
	}
	common.Assert(uint64(ino) < uint64(orphan32), "inum %d does not fit 32 bits", ino)
	return uint32(ino)
}

func inumFrom32(x uint32) common.Inum {
	if x == orphan32 {
		return common.ORPHAN_INUM
	}
	return common.Inum(x)
}

func daddrTo32(a common.Daddr) uint32 {
	common.Assert(a >= -1 && a < 1<<31, "daddr %d does not fit 32 bits", a)
	return uint32(int32(a))
}

func daddrFrom32(x uint32) common.Daddr {
	return common.Daddr(int32(x))
}

func put(b []byte, enc marshal.Enc) {
	copy(b, enc.Finish())
}

// 32-bit cleaner info is shared by the legacy and 32-bit layouts.
type cleaner32 struct{}

func (cleaner32) CleanerSize() uint64 { return 28 }

func (cleaner32) GetCleaner(b []byte) CleanerInfo {
	dec := marshal.NewDec(b)
	var c CleanerInfo
	c.Clean = dec.GetInt32()
	c.Dirty = dec.GetInt32()
	c.Bfree = int64(int32(dec.GetInt32()))
	c.Avail = int64(int32(dec.GetInt32()))
	c.FreeHead = common.Inum(dec.GetInt32())
	c.FreeTail = common.Inum(dec.GetInt32())
	c.Flags = dec.GetInt32()
	return c
}

func (cleaner32) PutCleaner(b []byte, c CleanerInfo) {
	enc := marshal.NewEnc(28)
	enc.PutInt32(c.Clean)
	enc.PutInt32(c.Dirty)
	enc.PutInt32(uint32(int32(c.Bfree)))
	enc.PutInt32(uint32(int32(c.Avail)))
	enc.PutInt32(inumTo32(c.FreeHead))
	enc.PutInt32(inumTo32(c.FreeTail))
	enc.PutInt32(c.Flags)
	put(b, enc)
}

// segUse32 is the segment-usage record of the 32- and 64-bit layouts.
type segUse32 struct{}

func (segUse32) SegUseSize() uint64 { return 32 }

func (segUse32) GetSegUse(b []byte) SegUse {
	dec := marshal.NewDec(b)
	var s SegUse
	s.Nbytes = dec.GetInt32()
	dec.GetInt32() // olastmod
	s.Nsums = dec.GetInt32()
	s.Ninos = dec.GetInt32()
	s.Flags = dec.GetInt32()
	dec.GetInt32()
	s.Lastmod = dec.GetInt()
	return s
}

func (segUse32) PutSegUse(b []byte, s SegUse) {
	enc := marshal.NewEnc(32)
	enc.PutInt32(s.Nbytes)
	enc.PutInt32(uint32(s.Lastmod))
	enc.PutInt32(s.Nsums)
	enc.PutInt32(s.Ninos)
	enc.PutInt32(s.Flags)
	enc.PutInt32(0)
	enc.PutInt(s.Lastmod)
	put(b, enc)
}

type v1Format struct {
	cleaner32
}

func (v1Format) Name() string      { return "v1" }
func (v1Format) EntrySize() uint64 { return 20 }

func (v1Format) GetEntry(b []byte) Entry {
	dec := marshal.NewDec(b)
	var e Entry
	e.Version = dec.GetInt32()
	e.Daddr = daddrFrom32(dec.GetInt32())
	e.NextFree = inumFrom32(dec.GetInt32())
	e.AtimeSec = dec.GetInt()
	return e
}

func (v1Format) PutEntry(b []byte, e Entry) {
	enc := marshal.NewEnc(20)
	enc.PutInt32(e.Version)
	enc.PutInt32(daddrTo32(e.Daddr))
	enc.PutInt32(inumTo32(e.NextFree))
	enc.PutInt(e.AtimeSec)
	put(b, enc)
}

func (v1Format) SegUseSize() uint64 { return 20 }

func (v1Format) GetSegUse(b []byte) SegUse {
	dec := marshal.NewDec(b)
	var s SegUse
	s.Nbytes = dec.GetInt32()
	s.Lastmod = uint64(dec.GetInt32())
	s.Nsums = dec.GetInt32()
	s.Ninos = dec.GetInt32()
	s.Flags = dec.GetInt32()
	return s
}

func (v1Format) PutSegUse(b []byte, s SegUse) {
	enc := marshal.NewEnc(20)
	enc.PutInt32(s.Nbytes)
	enc.PutInt32(uint32(s.Lastmod))
	enc.PutInt32(s.Nsums)
	enc.PutInt32(s.Ninos)
	enc.PutInt32(s.Flags)
	put(b, enc)
}

type v32Format struct {
	cleaner32
	segUse32
}

func (v32Format) Name() string      { return "v2-32" }
func (v32Format) EntrySize() uint64 { return 20 }

func (v32Format) GetEntry(b []byte) Entry {
	dec := marshal.NewDec(b)
	var e Entry
	e.Version = dec.GetInt32()
	e.Daddr = daddrFrom32(dec.GetInt32())
	e.NextFree = inumFrom32(dec.GetInt32())
	e.AtimeSec = uint64(dec.GetInt32())
	e.AtimeNsec = dec.GetInt32()
	return e
}

func (v32Format) PutEntry(b []byte, e Entry) {
	enc := marshal.NewEnc(20)
	enc.PutInt32(e.Version)
	enc.PutInt32(daddrTo32(e.Daddr))
	enc.PutInt32(inumTo32(e.NextFree))
	enc.PutInt32(uint32(e.AtimeSec))
	enc.PutInt32(e.AtimeNsec)
	put(b, enc)
}

type v64Format struct {
	segUse32
}

func (v64Format) Name() string      { return "v2-64" }
func (v64Format) EntrySize() uint64 { return 32 }

func (v64Format) GetEntry(b []byte) Entry {
	dec := marshal.NewDec(b)
	var e Entry
	e.Version = dec.GetInt32()
	dec.GetInt32()
	e.Daddr = common.Daddr(dec.GetInt())
	e.NextFree = common.Inum(dec.GetInt())
	e.AtimeSec = uint64(dec.GetInt32())
	e.AtimeNsec = dec.GetInt32()
	return e
}

func (v64Format) PutEntry(b []byte, e Entry) {
	enc := marshal.NewEnc(32)
	enc.PutInt32(e.Version)
	enc.PutInt32(0)
	enc.PutInt(uint64(e.Daddr))
	enc.PutInt(uint64(e.NextFree))
	enc.PutInt32(uint32(e.AtimeSec))
	enc.PutInt32(e.AtimeNsec)
	put(b, enc)
}

func (v64Format) CleanerSize() uint64 { return 48 }

func (v64Format) GetCleaner(b []byte) CleanerInfo {
	dec := marshal.NewDec(b)
	var c CleanerInfo
	c.Clean = dec.GetInt32()
	c.Dirty = dec.GetInt32()
	c.Bfree = int64(dec.GetInt())
	c.Avail = int64(dec.GetInt())
	c.FreeHead = common.Inum(dec.GetInt())
	c.FreeTail = common.Inum(dec.GetInt())
	c.Flags = dec.GetInt32()
	return c
}

func (v64Format) PutCleaner(b []byte, c CleanerInfo) {
	enc := marshal.NewEnc(48)
	enc.PutInt32(c.Clean)
	enc.PutInt32(c.Dirty)
	enc.PutInt(uint64(c.Bfree))
	enc.PutInt(uint64(c.Avail))
	enc.PutInt(uint64(c.FreeHead))
	enc.PutInt(uint64(c.FreeTail))
	enc.PutInt32(c.Flags)
	put(b, enc)
}
