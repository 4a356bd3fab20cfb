package ifile

import (
	"github.com/mit-pdos/go-lfs/common"
)

// Bitmap mirrors the free list in memory: bit i is set iff inode i has
// an UNUSED address.
type Bitmap struct {
	words []uint32
}

func MkBitmap(n uint64) *Bitmap {
	return &Bitmap{words: make([]uint32, (n+31)/32)}
}

// Resize grows the bitmap to cover n inodes, keeping existing bits.
func (m *Bitmap) Resize(n uint64) {
	nw := (n + 31) / 32
	if uint64(len(m.words)) >= nw {
		return
	}
	words := make([]uint32, nw)
	copy(words, m.words)
	m.words = words
}

func (m *Bitmap) Len() uint64 {
	return uint64(len(m.words)) * 32
}

func (m *Bitmap) Set(ino common.Inum) {
	m.words[ino/32] |= 1 << (ino % 32)
}

func (m *Bitmap) Clear(ino common.Inum) {
	m.words[ino/32] &^= 1 << (ino % 32)
}

func (m *Bitmap) IsSet(ino common.Inum) bool {
	if uint64(ino) >= m.Len() {
		return false
	}
	return m.words[ino/32]&(1<<(ino%32)) != 0
}

func (m *Bitmap) Reset() {
	for i := range m.words {
		m.words[i] = 0
	}
}

func (m *Bitmap) Count() uint64 {
	var n uint64
	for _, w := range m.words {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}
