// Package alloc allocates inode numbers from the free list threaded
// through the Ifile. The list head and tail live in the cleaner info;
// an in-memory bitmap mirrors which entries are free.
package alloc

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/util"
)

type Alloc struct {
	mu   *sync.Mutex // protects fmod and the file count
	fmod bool

	ifl      *ifile.Ifile
	ic       *inode.Cache
	readOnly bool
}

func MkAlloc(ifl *ifile.Ifile, ic *inode.Cache, readOnly bool) *Alloc {
	a := &Alloc{
		mu:       new(sync.Mutex),
		ifl:      ifl,
		ic:       ic,
		readOnly: readOnly,
	}
	return a
}

func (a *Alloc) modified(delta int64) {
	a.mu.Lock()
	a.fmod = true
	if delta < 0 {
		common.Assert(a.ifl.Sb.Nfiles > 0, "file count underflow")
	}
	a.ifl.Sb.Nfiles = uint64(int64(a.ifl.Sb.Nfiles) + delta)
	a.mu.Unlock()
}

// Fmod reports whether the free list changed since the last ClearFmod.
func (a *Alloc) Fmod() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fmod
}

func (a *Alloc) ClearFmod() {
	a.mu.Lock()
	a.fmod = false
	a.mu.Unlock()
}

func (a *Alloc) Nfiles() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ifl.Sb.Nfiles
}

// Alloc pops the head of the free list and returns the inode number
// with its generation. When the list runs dry the Ifile is extended
// before returning; if that fails the inode goes back on the list.
func (a *Alloc) Alloc() (common.Inum, uint32, error) {
	if a.readOnly {
		return common.NULLINUM, 0, common.ErrReadOnly
	}
	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()

	ino := ifl.FreeHead()
	if ino == common.NULLINUM {
		if err := ifl.Extend(); err != nil {
			return common.NULLINUM, 0, err
		}
		ino = ifl.FreeHead()
	}
	common.Assert(ino >= common.FIRST_INUM && ino < ifl.Maxino(),
		"free list head %d out of range", ino)

	e := ifl.Entry(ino)
	common.Assert(e.Daddr == common.UNUSED_DADDR,
		"free inode %d has address %d", ino, e.Daddr)
	saved := e

	ifl.Free.Clear(ino)
	ifl.SetFreeHead(e.NextFree)
	gen := e.Version
	e.Daddr = common.ILLEGAL_DADDR
	e.NextFree = common.NULLINUM
	ifl.PutEntry(ino, e)

	if ifl.FreeHead() == common.NULLINUM {
		if err := ifl.Extend(); err != nil {
			ifl.PutEntry(ino, saved)
			ifl.SetFreeHead(ino)
			ifl.SetFreeTail(ino)
			ifl.Free.Set(ino)
			util.DPrintf(1, "alloc: extend failed, %d back on the list\n", ino)
			return common.NULLINUM, 0, err
		}
	}
	a.modified(1)
	util.DPrintf(5, "alloc: %d gen %d\n", ino, gen)
	return ino, gen, nil
}

// AllocFixed takes a specific inode off the free list, for roll-forward.
// The Ifile is extended until ino exists. ErrNotFound means ino is not on
// the free list, even after an extension.
func (a *Alloc) AllocFixed(ino common.Inum, gen uint32) error {
	if a.readOnly {
		return common.ErrReadOnly
	}
	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()

	common.Assert(ino >= common.FIRST_INUM, "allocate reserved inode %d", ino)
	for ino >= ifl.Maxino() {
		if err := ifl.Extend(); err != nil {
			return err
		}
	}

	e := ifl.Entry(ino)
	saved := e
	oldhead := ifl.FreeHead()
	oldtail := ifl.FreeTail()
	if oldhead == ino {
		ifl.SetFreeHead(e.NextFree)
	} else {
		prev := a.findPrev(ino)
		if prev == common.NULLINUM {
			util.DPrintf(1, "alloc: %d not on the free list\n", ino)
			return fmt.Errorf("allocate %d: %w", ino, common.ErrNotFound)
		}
		pe := ifl.Entry(prev)
		pe.NextFree = e.NextFree
		ifl.PutEntry(prev, pe)
		if oldtail == ino {
			ifl.SetFreeTail(prev)
		}
	}
	common.Assert(e.Daddr == common.UNUSED_DADDR,
		"free inode %d has address %d", ino, e.Daddr)

	ifl.Free.Clear(ino)
	e.Version = gen
	e.NextFree = common.NULLINUM
	e.Daddr = common.ILLEGAL_DADDR
	ifl.PutEntry(ino, e)

	if ifl.FreeHead() == common.NULLINUM {
		ifl.SetFreeTail(common.NULLINUM)
		if err := ifl.Extend(); err != nil {
			ifl.PutEntry(ino, saved)
			ifl.SetFreeHead(ino)
			ifl.SetFreeTail(ino)
			ifl.Free.Set(ino)
			return err
		}
	}
	a.modified(1)
	util.DPrintf(5, "alloc: fixed %d gen %d\n", ino, gen)
	return nil
}

// findPrev returns the free-list entry pointing at ino, or NULLINUM. A
// walk longer than maxino means the list has a cycle.
func (a *Alloc) findPrev(ino common.Inum) common.Inum {
	ifl := a.ifl
	maxino := uint64(ifl.Maxino())
	var count uint64
	for cur := ifl.FreeHead(); cur != common.NULLINUM; {
		count++
		common.Assert(count <= maxino, "free list cycle at %d", cur)
		next := ifl.Entry(cur).NextFree
		if next == ino {
			return cur
		}
		cur = next
	}
	return common.NULLINUM
}

// Free puts ino back on the head of the free list. The caller has
// dropped the link count and released the data blocks.
func (a *Alloc) Free(ino common.Inum) error {
	if a.readOnly {
		return common.ErrReadOnly
	}
	a.ic.Writes.Wait(ino)

	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()

	common.Assert(ino >= common.FIRST_INUM && ino < ifl.Maxino(),
		"free of bad inode %d", ino)
	common.Assert(!ifl.Free.IsSet(ino), "inode %d freed twice", ino)
	e := ifl.Entry(ino)
	old := e.Daddr

	ifl.Free.Set(ino)
	e.Daddr = common.UNUSED_DADDR
	e.Version++
	e.NextFree = ifl.FreeHead()
	ifl.PutEntry(ino, e)
	ifl.SetFreeHead(ino)
	if ifl.FreeTail() == common.NULLINUM {
		ifl.SetFreeTail(ino)
	}

	if !common.DaddrIsBad(old) {
		ifl.AddSegBytes(ifl.Sb.Dtosn(old), -int64(common.DINOSIZE))
	}
	a.modified(-1)
	util.DPrintf(5, "alloc: free %d, next gen %d\n", ino, e.Version)
	return nil
}
