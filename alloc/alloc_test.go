package alloc

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/super"
)

const (
	testSegBlocks uint64 = 64
	testNseg      uint64 = 16
	testIfpb      uint64 = 64
)

type AllocSuite struct {
	suite.Suite
	sb  *super.Superblock
	ifl *ifile.Ifile
	ic  *inode.Cache
	a   *Alloc
}

func (suite *AllocSuite) SetupTest() {
	size := super.S0ADDR + testNseg*testSegBlocks
	sb, err := super.Geometry(size, testSegBlocks, super.VERSION2, false,
		testIfpb, ifile.SegUseSize(super.VERSION2), 1)
	suite.Require().NoError(err)
	suite.sb = sb
	suite.ifl = ifile.MkIfile(sb)
	suite.ifl.ResetAvail()
	bc := buf.MkCache(disk.NewMemDisk(size), 64)
	suite.ic = inode.MkCache(bc, suite.ifl)
	suite.a = MkAlloc(suite.ifl, suite.ic, false)
}

func TestAlloc(t *testing.T) {
	suite.Run(t, new(AllocSuite))
}

func (suite *AllocSuite) checkFreelist() {
	suite.Require().NoError(suite.a.CheckFreelist())
}

func (suite *AllocSuite) alloc() (common.Inum, uint32) {
	ino, gen, err := suite.a.Alloc()
	suite.Require().NoError(err)
	return ino, gen
}

// freeList walks the list from the head.
func (suite *AllocSuite) freeList() []common.Inum {
	var inos []common.Inum
	for ino := suite.ifl.FreeHead(); ino != common.NULLINUM; ino = suite.ifl.Entry(ino).NextFree {
		inos = append(inos, ino)
		suite.Require().LessOrEqual(uint64(len(inos)), uint64(suite.ifl.Maxino()))
	}
	return inos
}

func (suite *AllocSuite) TestFresh() {
	suite.Equal(common.Inum(testIfpb), suite.ifl.Maxino())
	suite.Equal(common.FIRST_INUM, suite.ifl.FreeHead())
	suite.Equal(common.Inum(testIfpb-1), suite.ifl.FreeTail())
	suite.Len(suite.freeList(), int(testIfpb)-2)
	suite.checkFreelist()
}

func (suite *AllocSuite) TestExhaustExtends() {
	for i := uint64(0); i < testIfpb-2; i++ {
		ino, gen := suite.alloc()
		suite.Equal(common.FIRST_INUM+common.Inum(i), ino)
		suite.Equal(uint32(1), gen)
		suite.Equal(common.ILLEGAL_DADDR, suite.ifl.Daddr(ino))
		suite.False(suite.ifl.Free.IsSet(ino))
	}
	// the last pop emptied the list and grew the Ifile
	suite.Equal(common.Inum(2*testIfpb), suite.ifl.Maxino())
	suite.checkFreelist()

	ino, gen := suite.alloc()
	suite.Equal(common.Inum(testIfpb), ino)
	suite.Equal(uint32(1), gen)
	suite.Equal(testIfpb-1, suite.a.Nfiles())
	suite.True(suite.a.Fmod())
	suite.checkFreelist()
}

func (suite *AllocSuite) TestFreeAccounting() {
	var ino common.Inum
	for ino != 10 {
		ino, _ = suite.alloc()
	}
	a := suite.sb.Sntod(3) + 5
	suite.ifl.SegLock()
	suite.ifl.SetDaddr(10, a)
	suite.ifl.AddSegBytes(3, int64(common.DINOSIZE))
	suite.ifl.SegUnlock()

	suite.Require().NoError(suite.a.Free(10))
	suite.Equal(uint32(0), suite.ifl.SegUse(3).Nbytes)
	suite.Equal(common.Inum(10), suite.ifl.FreeHead())
	suite.Equal(common.UNUSED_DADDR, suite.ifl.Daddr(10))
	suite.True(suite.ifl.Free.IsSet(10))
	suite.checkFreelist()
}

func (suite *AllocSuite) TestFreeUnwrittenNoAccounting() {
	ino, _ := suite.alloc()
	suite.Require().NoError(suite.a.Free(ino))
	suite.Equal(uint64(0), suite.ifl.SegBytesTotal())
	suite.checkFreelist()
}

func (suite *AllocSuite) TestFreeTwicePanics() {
	ino, _ := suite.alloc()
	suite.Require().NoError(suite.a.Free(ino))
	suite.Panics(func() { suite.a.Free(ino) })
}

func (suite *AllocSuite) TestGenerationIncreases() {
	ino, gen := suite.alloc()
	for i := 0; i < 5; i++ {
		suite.Require().NoError(suite.a.Free(ino))
		ino2, gen2 := suite.alloc()
		suite.Equal(ino, ino2, "free pushes on the head")
		suite.Greater(gen2, gen)
		gen = gen2
	}
}

func (suite *AllocSuite) TestFreeIntoEmptyList() {
	for i := 0; i < 4; i++ {
		suite.alloc()
	}
	suite.ifl.SegLock()
	suite.ifl.SetFreeHead(common.NULLINUM)
	suite.ifl.SetFreeTail(common.NULLINUM)
	suite.ifl.SegUnlock()
	suite.Require().NoError(suite.a.Free(5))
	suite.Equal(common.Inum(5), suite.ifl.FreeHead())
	suite.Equal(common.Inum(5), suite.ifl.FreeTail())
	suite.Equal(common.NULLINUM, suite.ifl.Entry(5).NextFree)
}

func (suite *AllocSuite) TestReadOnly() {
	a := MkAlloc(suite.ifl, suite.ic, true)
	head := suite.ifl.FreeHead()
	_, _, err := a.Alloc()
	suite.ErrorIs(err, common.ErrReadOnly)
	suite.ErrorIs(a.AllocFixed(5, 1), common.ErrReadOnly)
	suite.ErrorIs(a.Free(5), common.ErrReadOnly)
	suite.ErrorIs(a.Orphan(5), common.ErrReadOnly)
	suite.Equal(head, suite.ifl.FreeHead())
}

func (suite *AllocSuite) TestExtendFailureRestoresHead() {
	suite.sb.Avail = 0
	for i := uint64(0); i < testIfpb-3; i++ {
		suite.alloc()
	}
	last := common.Inum(testIfpb - 1)
	suite.Equal(last, suite.ifl.FreeHead())
	nfiles := suite.a.Nfiles()

	_, _, err := suite.a.Alloc()
	suite.ErrorIs(err, common.ErrNoSpace)
	suite.Equal(last, suite.ifl.FreeHead())
	suite.Equal(last, suite.ifl.FreeTail())
	suite.Equal(common.UNUSED_DADDR, suite.ifl.Daddr(last))
	suite.True(suite.ifl.Free.IsSet(last))
	suite.Equal(nfiles, suite.a.Nfiles())
	suite.Equal(common.Inum(testIfpb), suite.ifl.Maxino())
	suite.checkFreelist()
}

func (suite *AllocSuite) TestAllocFixed() {
	suite.Require().NoError(suite.a.AllocFixed(5, 7))
	e := suite.ifl.Entry(5)
	suite.Equal(uint32(7), e.Version)
	suite.Equal(common.ILLEGAL_DADDR, e.Daddr)
	suite.False(suite.ifl.Free.IsSet(5))
	suite.checkFreelist()

	err := suite.a.AllocFixed(5, 8)
	suite.True(errors.Is(err, common.ErrNotFound))

	// head fast path
	suite.Require().NoError(suite.a.AllocFixed(common.FIRST_INUM, 1))
	suite.Equal(common.Inum(3), suite.ifl.FreeHead())

	// tail fix-up
	tail := common.Inum(testIfpb - 1)
	suite.Require().NoError(suite.a.AllocFixed(tail, 2))
	suite.Equal(tail-1, suite.ifl.FreeTail())
	suite.checkFreelist()

	suite.Equal(uint64(3), suite.a.Nfiles())
}

func (suite *AllocSuite) TestAllocFixedExtends() {
	ino := common.Inum(3*testIfpb + 4)
	suite.Require().NoError(suite.a.AllocFixed(ino, 3))
	suite.Equal(common.Inum(4*testIfpb), suite.ifl.Maxino())
	suite.Equal(uint32(3), suite.ifl.Entry(ino).Version)
	suite.checkFreelist()

	// normal allocation keeps working around the hole
	seen := make(map[common.Inum]bool)
	for i := 0; i < 20; i++ {
		got, _ := suite.alloc()
		suite.NotEqual(ino, got)
		suite.False(seen[got])
		seen[got] = true
	}
	suite.checkFreelist()
}

func (suite *AllocSuite) TestAllocFixedNotFree() {
	ino := common.Inum(2*testIfpb + 1)
	suite.Require().NoError(suite.a.AllocFixed(ino, 2))
	maxino := suite.ifl.Maxino()
	nfiles := suite.a.Nfiles()

	// a second claim is an error for the caller to skip, not a crash
	var err error
	suite.NotPanics(func() { err = suite.a.AllocFixed(ino, 3) })
	suite.True(errors.Is(err, common.ErrNotFound), "got %v", err)
	suite.Equal(maxino, suite.ifl.Maxino())
	suite.Equal(nfiles, suite.a.Nfiles())
	suite.Equal(uint32(2), suite.ifl.Entry(ino).Version)
	suite.checkFreelist()
}

func (suite *AllocSuite) TestAllocFixedCycle() {
	ino, _ := suite.alloc()
	suite.ifl.SegLock()
	e := suite.ifl.Entry(suite.ifl.FreeTail())
	e.NextFree = suite.ifl.FreeHead()
	suite.ifl.PutEntry(suite.ifl.FreeTail(), e)
	suite.ifl.SegUnlock()

	err := suite.a.CheckFreelist()
	var ie *common.InvariantError
	suite.True(errors.As(err, &ie), "cycle detected: %v", err)

	// ino is not on the list, so the scan runs around the cycle
	suite.Panics(func() { suite.a.AllocFixed(ino, 1) })
}

func (suite *AllocSuite) TestOrderFreelist() {
	var inos []common.Inum
	for i := 0; i < 20; i++ {
		ino, _ := suite.alloc()
		inos = append(inos, ino)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(inos), func(i, j int) {
		inos[i], inos[j] = inos[j], inos[i]
	})
	for _, ino := range inos[:10] {
		suite.Require().NoError(suite.a.Free(ino))
	}
	// a written, orphaned inode and an allocated but never written one
	orphan := inos[10]
	suite.ifl.SegLock()
	suite.ifl.SetDaddr(orphan, suite.sb.Sntod(2))
	suite.ifl.SegUnlock()
	suite.Require().NoError(suite.a.Orphan(orphan))
	suite.Require().NoError(suite.a.Orphan(orphan), "marking twice is a no-op")
	suite.True(suite.a.IsOrphan(orphan))
	unwritten := inos[11]

	orphans := suite.a.OrderFreelist()
	suite.Equal([]common.Inum{orphan}, orphans)
	list := suite.freeList()
	for i := 1; i < len(list); i++ {
		suite.Less(list[i-1], list[i], "list is ascending")
	}
	suite.Contains(list, unwritten)
	suite.Equal(common.UNUSED_DADDR, suite.ifl.Daddr(unwritten))
	suite.checkFreelist()
	suite.Equal(uint64(9), suite.a.Nfiles())

	snap := suite.ifl.Snapshot()
	orphans2 := suite.a.OrderFreelist()
	suite.Equal(orphans, orphans2)
	suite.Equal(snap, suite.ifl.Snapshot(), "idempotent")
}

func (suite *AllocSuite) TestOrphanOnFreeList() {
	suite.Panics(func() { suite.a.Orphan(common.FIRST_INUM) })
}

func (suite *AllocSuite) TestRandomOps() {
	rnd := rand.New(rand.NewSource(42))
	live := make(map[common.Inum]uint32)
	lastGen := make(map[common.Inum]uint32)
	for step := 0; step < 2000; step++ {
		if len(live) == 0 || rnd.Intn(3) != 0 {
			ino, gen := suite.alloc()
			_, dup := live[ino]
			suite.Require().False(dup, "inode %d allocated twice", ino)
			if g, ok := lastGen[ino]; ok {
				suite.Require().Greater(gen, g)
			}
			live[ino] = gen
			lastGen[ino] = gen
		} else {
			var victim common.Inum
			n := rnd.Intn(len(live))
			for ino := range live {
				if n == 0 {
					victim = ino
					break
				}
				n--
			}
			suite.Require().NoError(suite.a.Free(victim))
			delete(live, victim)
		}
		if step%50 == 0 {
			suite.checkFreelist()
		}
	}
	suite.checkFreelist()
	suite.Equal(uint64(len(live)), suite.a.Nfiles())
}
