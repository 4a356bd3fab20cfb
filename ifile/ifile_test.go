package ifile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/super"
)

const (
	testSegBlocks uint64 = 64
	testNseg      uint64 = 16
	testIfpb      uint64 = 64
)

func mkSb(t *testing.T, version uint32, is64 bool) *super.Superblock {
	sb, err := super.Geometry(super.S0ADDR+testNseg*testSegBlocks, testSegBlocks,
		version, is64, testIfpb, SegUseSize(version), 1)
	require.NoError(t, err)
	return sb
}

func TestFormats(t *testing.T) {
	for _, tc := range []struct {
		version uint32
		is64    bool
		name    string
		entsz   uint64
		susz    uint64
	}{
		{super.VERSION1, false, "v1", 20, 20},
		{super.VERSION2, false, "v2-32", 20, 32},
		{super.VERSION2, true, "v2-64", 32, 32},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			f := FormatFor(mkSb(t, tc.version, tc.is64))
			assert.Equal(tc.name, f.Name())
			assert.Equal(tc.entsz, f.EntrySize())
			assert.Equal(tc.entsz, EntrySize(tc.version, tc.is64))
			assert.Equal(tc.susz, f.SegUseSize())

			b := make([]byte, disk.BlockSize)
			for _, e := range []Entry{
				{Version: 3, Daddr: 1234, NextFree: 17, AtimeSec: 99},
				{Version: 1, Daddr: common.ILLEGAL_DADDR, NextFree: common.ORPHAN_INUM},
				{Version: 7, Daddr: common.UNUSED_DADDR, NextFree: common.NULLINUM},
			} {
				f.PutEntry(b, e)
				assert.Equal(e, f.GetEntry(b))
			}

			c := CleanerInfo{Clean: 3, Dirty: 13, Bfree: -5, Avail: 400,
				FreeHead: 9, FreeTail: 63, Flags: 1}
			f.PutCleaner(b, c)
			assert.Equal(c, f.GetCleaner(b))

			su := SegUse{Nbytes: 8192, Lastmod: 1700000000, Nsums: 2, Ninos: 1,
				Flags: SEGUSE_DIRTY | SEGUSE_ACTIVE}
			f.PutSegUse(b, su)
			assert.Equal(su, f.GetSegUse(b))
		})
	}
}

func TestWideFields(t *testing.T) {
	b := make([]byte, disk.BlockSize)
	f64 := FormatFor(mkSb(t, super.VERSION2, true))
	e := Entry{Version: 2, Daddr: 1 << 40, NextFree: 1 << 33, AtimeSec: 5, AtimeNsec: 6}
	f64.PutEntry(b, e)
	assert.Equal(t, e, f64.GetEntry(b))

	f32 := FormatFor(mkSb(t, super.VERSION2, false))
	assert.Panics(t, func() { f32.PutEntry(b, e) })

	// 64-bit timestamps survive in the 32-bit layouts' segment usage
	su := SegUse{Lastmod: 1 << 40}
	f32.PutSegUse(b, su)
	assert.Equal(t, su, f32.GetSegUse(b))
}

func TestMkIfile(t *testing.T) {
	assert := assert.New(t)
	sb := mkSb(t, super.VERSION2, true)
	ifl := MkIfile(sb)
	assert.Equal(common.Inum(testIfpb), ifl.Maxino())
	assert.Equal(sb.Cleansz+sb.Segtabsz+1, ifl.NBlocks())
	assert.Equal(common.FIRST_INUM, ifl.FreeHead())
	assert.Equal(common.Inum(testIfpb-1), ifl.FreeTail())
	assert.Equal(common.ILLEGAL_DADDR, ifl.Daddr(common.IFILE_INUM))
	assert.Equal(common.UNUSED_DADDR, ifl.Daddr(common.FIRST_INUM))
	assert.Equal(testIfpb-2, ifl.Free.Count())
	assert.False(ifl.Free.IsSet(common.IFILE_INUM))
	assert.NotZero(ifl.SegUse(0).Flags & SEGUSE_SUPERBLOCK)
	assert.Zero(ifl.SegUse(1).Flags)
	assert.Len(ifl.DirtyBlocks(), int(ifl.NBlocks()))
}

func TestResetAvail(t *testing.T) {
	assert := assert.New(t)
	sb := mkSb(t, super.VERSION2, true)
	ifl := MkIfile(sb)
	ifl.SegLock()
	ifl.ResetAvail()
	ifl.SegUnlock()
	usable := int64(testNseg*testSegBlocks - 1)
	assert.Equal(testNseg, sb.Nclean)
	assert.Equal(usable, sb.Bfree)
	assert.Equal(usable-int64(testSegBlocks), sb.Avail)

	ifl.SegLock()
	assert.True(ifl.MarkSegDirty(3))
	assert.False(ifl.MarkSegDirty(3))
	ifl.AddSegBytes(3, int64(disk.BlockSize)+1)
	ifl.CountPseg(3, 1)
	ifl.ResetAvail()
	ifl.SegUnlock()
	assert.Equal(testNseg-1, sb.Nclean)
	assert.Equal(usable-2-1, sb.Bfree)
	assert.Equal(uint64(2), sb.Dmeta)
}

func TestMoveInode(t *testing.T) {
	assert := assert.New(t)
	sb := mkSb(t, super.VERSION2, true)
	ifl := MkIfile(sb)
	ifl.SegLock()
	defer ifl.SegUnlock()

	ifl.MoveInode(5, sb.Sntod(3)+2)
	assert.Equal(uint32(common.DINOSIZE), ifl.SegUse(3).Nbytes)
	ifl.MoveInode(5, sb.Sntod(3)+7)
	assert.Equal(uint32(common.DINOSIZE), ifl.SegUse(3).Nbytes)
	ifl.MoveInode(5, sb.Sntod(4))
	assert.Zero(ifl.SegUse(3).Nbytes)
	assert.Equal(uint32(common.DINOSIZE), ifl.SegUse(4).Nbytes)
	assert.Equal(sb.Sntod(4), ifl.Daddr(5))
	assert.Equal(uint64(common.DINOSIZE), ifl.SegBytesTotal())

	assert.Panics(func() { ifl.AddSegBytes(3, -1) })
}

func TestExtend(t *testing.T) {
	assert := assert.New(t)
	sb := mkSb(t, super.VERSION2, true)
	ifl := MkIfile(sb)
	ifl.SegLock()
	defer ifl.SegUnlock()
	ifl.ResetAvail()
	avail := sb.Avail

	require.NoError(t, ifl.Extend())
	assert.Equal(common.Inum(2*testIfpb), ifl.Maxino())
	assert.Equal(avail-1, sb.Avail)
	assert.Equal(common.Inum(testIfpb), ifl.FreeHead())
	assert.Equal(common.Inum(testIfpb-1), ifl.FreeTail())
	assert.Equal(common.FIRST_INUM, ifl.Entry(common.Inum(2*testIfpb-1)).NextFree)
	assert.Equal(2*testIfpb-2, ifl.Free.Count())

	sb.Avail = 0
	assert.ErrorIs(ifl.Extend(), common.ErrNoSpace)
}

func TestNextClean(t *testing.T) {
	sb := mkSb(t, super.VERSION2, true)
	ifl := MkIfile(sb)
	ifl.SegLock()
	defer ifl.SegUnlock()
	ifl.MarkSegDirty(1)
	ifl.SetSegFlags(2, SEGUSE_ACTIVE, 0)
	sn, ok := ifl.NextClean(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), sn)
	sn, ok = ifl.NextClean(testNseg - 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), sn)
}

func TestBitmap(t *testing.T) {
	assert := assert.New(t)
	m := MkBitmap(40)
	assert.Equal(uint64(64), m.Len())
	m.Set(3)
	m.Set(39)
	assert.True(m.IsSet(3))
	assert.False(m.IsSet(4))
	assert.False(m.IsSet(1000))
	m.Resize(100)
	assert.True(m.IsSet(39))
	m.Set(99)
	assert.Equal(uint64(3), m.Count())
	m.Clear(3)
	assert.Equal(uint64(2), m.Count())
	m.Reset()
	assert.Zero(m.Count())
}
