package pseg

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
)

func mkSummary() *Summary {
	return &Summary{
		Datasum: 0xabcd,
		Flags:   SS_CONT,
		Nblocks: 6,
		Serial:  42,
		Create:  1700000000,
		Ident:   0x5eed,
		Next:    200,
		Finfos: []Finfo{
			{Version: 1, Ino: 5, Lastlength: 100, Lbns: []int64{0, 1}},
			{Version: 3, Ino: 9, Lastlength: uint32(disk.BlockSize), Lbns: []int64{13, LBN_INDIRECT}},
		},
		Iinfos: []common.Daddr{105},
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	s := mkSummary()
	b := s.Encode()
	assert.NotZero(t, s.Sumsum)
	got, err := DecodeSummary(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSummaryCorrupt(t *testing.T) {
	b := mkSummary().Encode()
	b[100] ^= 1
	_, err := DecodeSummary(b)
	assert.Error(t, err)

	_, err = DecodeSummary(make(disk.Block, disk.BlockSize))
	assert.Error(t, err)

	s := mkSummary()
	s.Nblocks = 7
	_, err = DecodeSummary(s.Encode())
	assert.Error(t, err)
}

func TestSummaryOverflow(t *testing.T) {
	s := &Summary{Finfos: []Finfo{{Ino: 5, Lbns: make([]int64, disk.BlockSize/LBNSZ)}}}
	assert.Panics(t, func() { s.Encode() })
}

func TestBlocks(t *testing.T) {
	assert := assert.New(t)
	s := mkSummary()
	refs, err := s.Blocks(100)
	require.NoError(t, err)
	require.Len(t, refs, 5)
	for i, r := range refs {
		assert.Equal(common.Daddr(101+i), r.Addr)
	}
	assert.Equal(KindData, refs[0].Kind)
	assert.Equal(int64(1), s.Lbn(refs[1]))
	assert.Equal(uint64(disk.BlockSize), s.Length(refs[0]))
	assert.Equal(uint64(100), s.Length(refs[1]))
	assert.Equal(1, refs[3].Finfo)
	assert.Equal(LBN_INDIRECT, s.Lbn(refs[3]))
	assert.Equal(KindInode, refs[4].Kind)

	// an inode block between data blocks
	s.Iinfos = []common.Daddr{102}
	refs, err = s.Blocks(100)
	require.NoError(t, err)
	assert.Equal(KindData, refs[0].Kind)
	assert.Equal(KindInode, refs[1].Kind)
	assert.Equal(int64(1), s.Lbn(refs[2]))

	s.Iinfos = []common.Daddr{110}
	_, err = s.Blocks(100)
	assert.Error(err)
}

func TestDatasum(t *testing.T) {
	a := make(disk.Block, disk.BlockSize)
	b := make(disk.Block, disk.BlockSize)
	a[0], b[1] = 1, 2
	whole := append(append([]byte{}, a...), b...)
	assert.Equal(t, crc32.ChecksumIEEE(whole), Datasum([]disk.Block{a, b}))
	assert.NotEqual(t, Datasum([]disk.Block{a, b}), Datasum([]disk.Block{b, a}))
}
