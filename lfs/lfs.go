// Package lfs assembles a log-structured file system from its parts and
// drives it: mkfs, the mount sequence with roll-forward and orphan
// reclamation, and a small set of file operations that exercise the
// allocator and the write path.
//
// A broken invariant inside any operation fails the file system: the
// operation returns the InvariantError and every later one ErrFailed.
package lfs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-lfs/alloc"
	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/pseg"
	"github.com/mit-pdos/go-lfs/rfw"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
	"github.com/mit-pdos/go-lfs/util/stats"
)

type Fs struct {
	opmu   *sync.Mutex // serializes operations
	failed error

	d   disk.Disk
	bc  *buf.Cache
	sb  *super.Superblock
	ifl *ifile.Ifile
	ic  *inode.Cache
	al  *alloc.Alloc
	w   *pseg.Writer

	opts   Options
	Report *rfw.Report // what the mount's roll-forward did
	stats  [NUM_OPS]stats.Op
}

// Mkfs writes an empty file system to d: every segment clean, one block
// of Ifile entries, all of them free.
func Mkfs(d disk.Disk, mo MkfsOptions) error {
	mo, err := mo.validate()
	if err != nil {
		return err
	}
	size, err := d.Size()
	if err != nil {
		return err
	}
	sb, err := super.Geometry(size, mo.SegBlocks, mo.Version, mo.Is64, mo.Ifpb,
		ifile.SegUseSize(mo.Version), mo.MinFreeSeg)
	if err != nil {
		return err
	}
	sb.Ident = machine.RandomUint64()
	sb.CurSeg = 0
	sb.NextSeg = 1
	sb.Offset = sb.SegStart(0)

	ifl := ifile.MkIfile(sb)
	ifl.SegLock()
	ifl.ResetAvail()
	ifl.MarkSegDirty(0)
	ifl.SetSegFlags(0, ifile.SEGUSE_ACTIVE, 0)
	ifl.SegUnlock()

	bc := buf.MkCache(d, 64)
	ic := inode.MkCache(bc, ifl)
	w := pseg.MkWriter(bc, ifl, ic)
	sb.PFlags = super.PF_CLEAN
	if err := w.Checkpoint(); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := sb.WriteAll(d); err != nil {
		return fmt.Errorf("mkfs: write superblocks: %w", err)
	}
	log.WithFields(log.Fields{
		"layout":   ifl.Fmt.Name(),
		"segments": sb.Nseg,
		"segsize":  sb.SegBlocks,
		"maxino":   ifl.Maxino(),
	}).Info("mkfs")
	return nil
}

// loadIfile reads the Ifile inode at the checkpoint's address and the
// blocks it maps.
func loadIfile(bc *buf.Cache, sb *super.Superblock) (*ifile.Ifile, error) {
	blk, err := bc.ReadCopy(uint64(sb.Idaddr))
	if err != nil {
		return nil, fmt.Errorf("ifile inode: %w: %v", common.ErrIO, err)
	}
	var di *inode.Dinode
	for _, d := range inode.DecodeBlock(blk) {
		if d.Inumber == common.IFILE_INUM {
			d := d
			di = &d
		}
	}
	if di == nil {
		return nil, fmt.Errorf("no ifile inode in block %d", sb.Idaddr)
	}
	n := di.Blocks
	if n > ifile.MAXBLOCKS {
		return nil, fmt.Errorf("ifile of %d blocks", n)
	}
	daddrs := make([]common.Daddr, 0, n)
	for i := uint64(0); i < n && i < common.NDADDR; i++ {
		daddrs = append(daddrs, di.Db[i])
	}
	if n > common.NDADDR {
		ib, err := bc.ReadCopy(uint64(di.Ib))
		if err != nil {
			return nil, fmt.Errorf("ifile indirect: %w: %v", common.ErrIO, err)
		}
		daddrs = append(daddrs, inode.DecodeIndirect(ib)[:n-common.NDADDR]...)
	}
	return ifile.Load(bc, sb, daddrs, di.Ib, di.Gen)
}

// Mount brings up the file system on d: it loads the last checkpoint,
// rebuilds the free list, rolls the log forward and finalizes orphans.
func Mount(d disk.Disk, opts Options) (*Fs, error) {
	sb, err := super.Read(d)
	if err != nil {
		return nil, err
	}
	if opts.CacheBlocks == 0 {
		opts.CacheBlocks = DefaultOptions().CacheBlocks
	}
	bc := buf.MkCache(d, opts.CacheBlocks)
	ifl, err := loadIfile(bc, sb)
	if err != nil {
		return nil, err
	}
	ic := inode.MkCache(bc, ifl)
	fs := &Fs{
		opmu: new(sync.Mutex),
		d:    d,
		bc:   bc,
		sb:   sb,
		ifl:  ifl,
		ic:   ic,
		al:   alloc.MkAlloc(ifl, ic, opts.ReadOnly),
		w:    pseg.MkWriter(bc, ifl, ic),
		opts: opts,
	}
	if err := fs.mount(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *Fs) mount() (err error) {
	defer common.RecoverInvariant(&err)

	orphans := fs.al.OrderFreelist()
	if fs.opts.ReadOnly {
		fs.Report = &rfw.Report{Skipped: "read-only"}
	} else {
		rep, err := rfw.MkRecovery(fs.bc, fs.ifl, fs.ic, fs.al, fs.w, fs.opts.rfw()).Run()
		fs.Report = rep
		if err != nil {
			return fmt.Errorf("roll forward: %w", err)
		}
		n, err := fs.reclaimOrphans(append(orphans, rep.ZeroLink...))
		if err != nil {
			return err
		}
		fs.sb.PFlags &^= super.PF_CLEAN
		if n > 0 {
			err = fs.checkpoint()
		} else {
			err = fs.sb.Write(fs.d)
		}
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	}
	if fs.opts.CheckFreelist {
		if err := fs.al.CheckFreelist(); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"layout":  fs.ifl.Fmt.Name(),
		"serial":  fs.sb.Serial,
		"nfiles":  fs.al.Nfiles(),
		"orphans": len(orphans),
		"rfw":     fs.Report.Psegs,
	}).Info("mounted")
	return nil
}

// checkpoint writes a checkpoint; the free list is then clean on disk.
func (fs *Fs) checkpoint() error {
	if err := fs.w.Checkpoint(); err != nil {
		return err
	}
	fs.al.ClearFmod()
	return nil
}

// reclaimOrphans finalizes orphans and inodes the log left with no
// links, then frees them.
func (fs *Fs) reclaimOrphans(inos []common.Inum) (int, error) {
	seen := make(map[common.Inum]bool)
	var uniq []common.Inum
	for _, ino := range inos {
		if !seen[ino] {
			seen[ino] = true
			uniq = append(uniq, ino)
		}
	}
	n := 0
	for _, ip := range fs.al.FreeOrphans(uniq) {
		if !fs.ic.Put(ip) {
			continue
		}
		if err := fs.reclaim(ip); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// reclaim releases an unreferenced inode with no links: its blocks, its
// Ifile entry and its place in the cache.
func (fs *Fs) reclaim(ip *inode.Inode) error {
	if err := fs.ic.Truncate(ip, 0); err != nil {
		return err
	}
	if err := fs.al.Free(ip.Inum); err != nil {
		return err
	}
	fs.ic.Evict(ip)
	util.DPrintf(3, "lfs: reclaimed %d\n", ip.Inum)
	return nil
}

// run executes one operation: serialized, timed, and failing the file
// system on a broken invariant.
func (fs *Fs) run(op int, f func() error) (err error) {
	defer fs.recordOp(op, time.Now())
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	if fs.failed != nil {
		return fmt.Errorf("%w: %v", common.ErrFailed, fs.failed)
	}
	defer func() {
		var ie *common.InvariantError
		if errors.As(err, &ie) {
			fs.failed = err
			log.WithField("op", opNames[op]).Errorf("file system failed: %v", err)
		}
	}()
	defer common.RecoverInvariant(&err)
	return f()
}

// Failed returns the error that failed the file system, if any.
func (fs *Fs) Failed() error {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	return fs.failed
}

func (fs *Fs) Disk() disk.Disk {
	return fs.d
}

func (fs *Fs) Superblock() super.Superblock {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	return *fs.sb
}
