package alloc

import (
	log "github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/util"
)

// FreeOrphans finalizes inodes that were unlinked but still referenced
// at the time of a crash: each is truncated to nothing and its record
// released from its segment. The returned inodes hold a reference; the
// caller drops it and frees them through the normal reclaim path.
func (a *Alloc) FreeOrphans(orphans []common.Inum) []*inode.Inode {
	var ips []*inode.Inode
	for _, ino := range orphans {
		ip, err := a.ic.Get(ino)
		if err != nil {
			log.WithField("ino", ino).Warnf("orphan: cannot fetch inode: %v", err)
			continue
		}
		if ip.Nlink != 0 {
			log.WithFields(log.Fields{
				"ino":   ino,
				"nlink": ip.Nlink,
			}).Warn("orphan: inode still has links")
		}
		if err := a.ic.Truncate(ip, 0); err != nil {
			log.WithField("ino", ino).Warnf("orphan: truncate: %v", err)
		}

		a.ifl.SegLock()
		old := a.ifl.Daddr(ino)
		a.ifl.AddDaddrBytes(old, -int64(common.DINOSIZE))
		a.ifl.SetDaddr(ino, common.UNUSED_DADDR)
		a.ifl.SegUnlock()

		util.DPrintf(1, "orphan: finalized %d (was at %d)\n", ino, old)
		ips = append(ips, ip)
	}
	return ips
}
