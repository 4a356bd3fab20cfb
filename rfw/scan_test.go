package rfw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-lfs/alloc"
	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/pseg"
	"github.com/mit-pdos/go-lfs/super"
)

const (
	testSegBlocks uint64 = 16
	testNseg      uint64 = 16
	testIdent     uint64 = 0x5eed
	testSerial    uint64 = 10
)

type ScanSuite struct {
	suite.Suite
	d   disk.Disk
	sb  *super.Superblock
	ifl *ifile.Ifile
	bc  *buf.Cache
	ic  *inode.Cache
}

func (suite *ScanSuite) SetupTest() {
	size := super.S0ADDR + testNseg*testSegBlocks
	sb, err := super.Geometry(size, testSegBlocks, super.VERSION2, true, 64,
		ifile.SegUseSize(super.VERSION2), 1)
	suite.Require().NoError(err)
	sb.Ident = testIdent
	sb.Serial = testSerial
	sb.CurSeg = 0
	sb.NextSeg = 1
	sb.Offset = sb.SegStart(0)
	suite.sb = sb
	suite.d = disk.NewMemDisk(size)
	suite.ifl = ifile.MkIfile(sb)
	suite.bc = buf.MkCache(suite.d, 64)
	suite.ic = inode.MkCache(suite.bc, suite.ifl)
}

func TestScan(t *testing.T) {
	suite.Run(t, new(ScanSuite))
}

func (suite *ScanSuite) recovery(opts Options) *Recovery {
	al := alloc.MkAlloc(suite.ifl, suite.ic, false)
	w := pseg.MkWriter(suite.bc, suite.ifl, suite.ic)
	return MkRecovery(suite.bc, suite.ifl, suite.ic, al, w, opts)
}

func dataBlock(x byte) disk.Block {
	b := make(disk.Block, disk.BlockSize)
	for i := range b {
		b[i] = x
	}
	return b
}

type testPseg struct {
	serial uint64
	flags  uint32
	ndata  int
	ident  uint64
}

// writePseg puts a pseg of data blocks for inode 5 at off and returns
// where the next one goes.
func (suite *ScanSuite) writePseg(off common.Daddr, p testPseg) common.Daddr {
	if p.ident == 0 {
		p.ident = testIdent
	}
	fi := pseg.Finfo{Version: 1, Ino: 5, Lastlength: uint32(disk.BlockSize)}
	var blocks []disk.Block
	for i := 0; i < p.ndata; i++ {
		fi.Lbns = append(fi.Lbns, int64(i))
		blocks = append(blocks, dataBlock(byte(p.serial)+byte(i)))
	}
	s := &pseg.Summary{
		Datasum: pseg.Datasum(blocks),
		Flags:   p.flags,
		Nblocks: uint32(1 + p.ndata),
		Serial:  p.serial,
		Ident:   p.ident,
		Next:    suite.sb.SegStart(1),
		Finfos:  []pseg.Finfo{fi},
	}
	suite.Require().NoError(suite.d.Write(uint64(off), s.Encode()))
	for i, b := range blocks {
		suite.Require().NoError(suite.d.Write(uint64(off)+1+uint64(i), b))
	}
	return off + common.Daddr(s.Nblocks)
}

func (suite *ScanSuite) TestEmptyLog() {
	b := suite.recovery(Options{}).scan()
	suite.Equal(uint64(0), b.Psegs)
	suite.Equal(suite.sb.Offset, b.End)
	suite.Equal(testSerial, b.EndSerial)
}

func (suite *ScanSuite) TestFollowsLog() {
	off := suite.sb.Offset
	for i := uint64(1); i <= 3; i++ {
		off = suite.writePseg(off, testPseg{serial: testSerial + i, ndata: 2})
	}
	r := suite.recovery(Options{})
	b := r.scan()
	suite.Equal(uint64(3), b.Psegs)
	suite.Equal(off, b.End)
	suite.Equal(uint64(0), b.EndSeg)
	suite.Equal(testSerial+3, b.EndSerial)
	suite.Equal(uint64(0), r.report.Discarded)
}

func (suite *ScanSuite) TestStopsOnSerialGap() {
	off := suite.writePseg(suite.sb.Offset, testPseg{serial: testSerial + 1, ndata: 1})
	suite.writePseg(off, testPseg{serial: testSerial + 3, ndata: 1})
	b := suite.recovery(Options{}).scan()
	suite.Equal(uint64(1), b.Psegs)
	suite.Equal(off, b.End)
}

func (suite *ScanSuite) TestStopsOnDatasum() {
	off := suite.writePseg(suite.sb.Offset, testPseg{serial: testSerial + 1, ndata: 1})
	suite.writePseg(off, testPseg{serial: testSerial + 2, ndata: 2})
	suite.Require().NoError(suite.d.Write(uint64(off)+2, dataBlock(0xff)))
	b := suite.recovery(Options{}).scan()
	suite.Equal(uint64(1), b.Psegs)
}

func (suite *ScanSuite) TestStopsOnIdent() {
	suite.writePseg(suite.sb.Offset, testPseg{serial: testSerial + 1, ndata: 1, ident: 0xbad})
	b := suite.recovery(Options{}).scan()
	suite.Equal(uint64(0), b.Psegs)
}

func (suite *ScanSuite) TestDiscardsUnfinishedWrite() {
	off := suite.writePseg(suite.sb.Offset, testPseg{serial: testSerial + 1, ndata: 1})
	end := off
	off = suite.writePseg(off, testPseg{serial: testSerial + 2, flags: pseg.SS_CONT, ndata: 1})
	suite.writePseg(off, testPseg{serial: testSerial + 3, flags: pseg.SS_CONT, ndata: 1})
	r := suite.recovery(Options{})
	b := r.scan()
	suite.Equal(uint64(1), b.Psegs)
	suite.Equal(end, b.End)
	suite.Equal(testSerial+1, b.EndSerial)
	suite.Equal(uint64(2), r.report.Discarded)
}

func (suite *ScanSuite) TestKeepsFinishedWrite() {
	off := suite.writePseg(suite.sb.Offset, testPseg{serial: testSerial + 1, flags: pseg.SS_CONT, ndata: 1})
	off = suite.writePseg(off, testPseg{serial: testSerial + 2, ndata: 1})
	r := suite.recovery(Options{})
	b := r.scan()
	suite.Equal(uint64(2), b.Psegs)
	suite.Equal(off, b.End)
	suite.Equal(uint64(0), r.report.Discarded)
}

func (suite *ScanSuite) TestFollowsNextSegment() {
	sb := suite.sb
	// fill segment 0 so that no pseg fits after the first
	n := int(sb.SegEnd(0)-sb.Offset) - 2
	off := suite.writePseg(sb.Offset, testPseg{serial: testSerial + 1, ndata: n})
	suite.Require().False(sb.PartialFits(0, off, 2))
	end := suite.writePseg(sb.SegStart(1), testPseg{serial: testSerial + 2, ndata: 3})
	b := suite.recovery(Options{}).scan()
	suite.Equal(uint64(2), b.Psegs)
	suite.Equal(uint64(1), b.EndSeg)
	suite.Equal(end, b.End)
	suite.NotZero(suite.ifl.SegUse(1).Flags & ifile.SEGUSE_DIRTY)
}

func (suite *ScanSuite) TestMaxPsegs() {
	off := suite.sb.Offset
	for i := uint64(1); i <= 3; i++ {
		off = suite.writePseg(off, testPseg{serial: testSerial + i, ndata: 1})
	}
	b := suite.recovery(Options{MaxPsegs: 2}).scan()
	suite.Equal(uint64(2), b.Psegs)
	suite.Equal(testSerial+2, b.EndSerial)
}

func (suite *ScanSuite) TestRunSkips() {
	rep, err := suite.recovery(Options{Disabled: true}).Run()
	suite.NoError(err)
	suite.Equal("disabled", rep.Skipped)

	suite.sb.PFlags = super.PF_CLEAN
	rep, err = suite.recovery(Options{}).Run()
	suite.NoError(err)
	suite.Equal("clean unmount", rep.Skipped)

	suite.sb.PFlags = 0
	suite.sb.Version = super.VERSION1
	rep, err = suite.recovery(Options{}).Run()
	suite.NoError(err)
	suite.NotEmpty(rep.Skipped)
}

func (suite *ScanSuite) TestRunEmptyLog() {
	rep, err := suite.recovery(Options{}).Run()
	suite.Require().NoError(err)
	suite.Empty(rep.Skipped)
	suite.Equal(uint64(0), rep.Psegs)
	suite.Equal(testSerial, suite.sb.Serial)
	suite.Equal(uint64(0), suite.sb.CurSeg)
}

func TestTruncations(t *testing.T) {
	assert := assert.New(t)
	res := &replayed{
		inodes: map[common.Inum]bool{5: true},
		truncs: map[common.Inum][]truncation{
			5: {{serial: 12, size: disk.BlockSize}},
		},
	}
	assert.True(res.truncatedAfter(5, 11, 1))
	assert.True(res.truncatedAfter(5, 11, 2))
	assert.False(res.truncatedAfter(5, 11, 0))
	assert.False(res.truncatedAfter(5, 12, 1))
	assert.False(res.truncatedAfter(6, 0, 1))

	assert.True(res.shrunkAfter(5, 11))
	assert.False(res.shrunkAfter(5, 12))
	assert.False(res.shrunkAfter(6, 0))
}
