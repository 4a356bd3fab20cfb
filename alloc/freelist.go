package alloc

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/util"
)

// OrderFreelist rebuilds the free list and bitmap at mount: every entry
// without an address is threaded onto the list in ascending order. It
// returns the inodes marked as orphans.
func (a *Alloc) OrderFreelist() []common.Inum {
	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()

	maxino := ifl.Maxino()
	ifl.Free.Resize(uint64(maxino))
	ifl.Free.Reset()

	var orphans []common.Inum
	first := common.NULLINUM
	last := common.NULLINUM
	var nfree uint64
	for ino := common.FIRST_INUM; ino < maxino; ino++ {
		e := ifl.Entry(ino)
		if !common.DaddrIsBad(e.Daddr) {
			if e.NextFree == common.ORPHAN_INUM {
				orphans = append(orphans, ino)
			}
			continue
		}
		if e.Daddr != common.UNUSED_DADDR || e.NextFree != common.NULLINUM {
			e.Daddr = common.UNUSED_DADDR
			e.NextFree = common.NULLINUM
			ifl.PutEntry(ino, e)
		}
		if first == common.NULLINUM {
			first = ino
		} else {
			le := ifl.Entry(last)
			if le.NextFree != ino {
				le.NextFree = ino
				ifl.PutEntry(last, le)
			}
		}
		last = ino
		ifl.Free.Set(ino)
		nfree++
	}
	if ifl.FreeHead() != first {
		ifl.SetFreeHead(first)
	}
	if ifl.FreeTail() != last {
		ifl.SetFreeTail(last)
	}

	a.mu.Lock()
	ifl.Sb.Nfiles = uint64(maxino-common.FIRST_INUM) - nfree
	a.mu.Unlock()
	util.DPrintf(1, "alloc: ordered free list %d..%d, %d free, %d orphans\n",
		first, last, nfree, len(orphans))
	return orphans
}

// Orphan marks an unlinked inode that is still referenced, so that a
// crash before its last reference goes away does not leak it.
func (a *Alloc) Orphan(ino common.Inum) error {
	if a.readOnly {
		return common.ErrReadOnly
	}
	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()
	e := ifl.Entry(ino)
	if e.NextFree == common.ORPHAN_INUM {
		return nil
	}
	common.Assert(e.NextFree == common.NULLINUM && e.Daddr != common.UNUSED_DADDR,
		"orphan %d is on the free list", ino)
	e.NextFree = common.ORPHAN_INUM
	ifl.PutEntry(ino, e)
	return nil
}

func (a *Alloc) IsOrphan(ino common.Inum) bool {
	a.ifl.SegLock()
	defer a.ifl.SegUnlock()
	return a.ifl.Entry(ino).NextFree == common.ORPHAN_INUM
}

func freelistErr(format string, args ...interface{}) error {
	return &common.InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// CheckFreelist verifies the free list against the Ifile entries and
// the bitmap, and returns the first inconsistency found.
func (a *Alloc) CheckFreelist() error {
	ifl := a.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()

	head := ifl.FreeHead()
	tail := ifl.FreeTail()
	if (head == common.NULLINUM) != (tail == common.NULLINUM) {
		return freelistErr("free list head %d tail %d", head, tail)
	}
	maxino := ifl.Maxino()
	var nfree uint64
	for ino := common.FIRST_INUM; ino < maxino; ino++ {
		e := ifl.Entry(ino)
		free := e.Daddr == common.UNUSED_DADDR
		if free != ifl.Free.IsSet(ino) {
			return freelistErr("inode %d bitmap %v but address %d", ino, !free, e.Daddr)
		}
		if free {
			nfree++
			if e.NextFree == common.NULLINUM && ino != tail {
				return freelistErr("free inode %d not on the list", ino)
			}
		} else if e.NextFree != common.NULLINUM && e.NextFree != common.ORPHAN_INUM {
			return freelistErr("allocated inode %d has next free %d", ino, e.NextFree)
		}
	}

	var count uint64
	last := common.NULLINUM
	for ino := head; ino != common.NULLINUM; ino = ifl.Entry(ino).NextFree {
		count++
		if count > uint64(maxino) {
			return freelistErr("free list cycle at %d", ino)
		}
		if ino < common.FIRST_INUM || ino >= maxino {
			return freelistErr("free list entry %d out of range", ino)
		}
		if ifl.Entry(ino).Daddr != common.UNUSED_DADDR {
			return freelistErr("listed inode %d is allocated", ino)
		}
		last = ino
	}
	if count != nfree {
		return freelistErr("free list has %d entries, %d inodes free", count, nfree)
	}
	if last != tail {
		return freelistErr("free list ends at %d, tail is %d", last, tail)
	}
	return nil
}
