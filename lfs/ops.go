package lfs

import (
	"errors"
	"fmt"
	"time"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

var ErrFileSize = errors.New("file too large")

func (fs *Fs) writable() error {
	if fs.opts.ReadOnly {
		return common.ErrReadOnly
	}
	return nil
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

// Create allocates a regular file with one link and returns its inode
// number.
func (fs *Fs) Create(mode uint32) (ino common.Inum, err error) {
	err = fs.run(OP_CREATE, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		n, gen, err := fs.al.Alloc()
		if err != nil {
			return err
		}
		ip := fs.ic.New(n, gen)
		ip.Mode = inode.IFREG | (mode &^ inode.IFMT)
		ip.Nlink = 1
		t := now()
		ip.Atime, ip.Mtime, ip.Ctime = t, t, t
		fs.ic.Put(ip)
		ino = n
		return nil
	})
	return
}

// Open takes a reference to ino that keeps it alive after its last link
// is removed, until Close.
func (fs *Fs) Open(ino common.Inum) error {
	return fs.run(OP_OPEN, func() error {
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		if ip.Nlink == 0 {
			fs.ic.Put(ip)
			return fmt.Errorf("open %d: %w", ino, common.ErrNotFound)
		}
		return nil
	})
}

// Close drops a reference taken by Open. Dropping the last reference to
// a removed file frees it.
func (fs *Fs) Close(ino common.Inum) error {
	return fs.run(OP_CLOSE, func() error {
		ip := fs.ic.Lookup(ino)
		if ip == nil || ip.Ref() == 0 {
			return fmt.Errorf("close %d: not open", ino)
		}
		return fs.release(ip)
	})
}

// release drops a reference, reclaiming ip if it was the last and no
// links remain.
func (fs *Fs) release(ip *inode.Inode) error {
	if !fs.ic.Put(ip) || ip.Nlink > 0 {
		return nil
	}
	if fs.opts.ReadOnly {
		return nil
	}
	return fs.reclaim(ip)
}

// Read returns the bytes of block lbn of ino that lie within the file.
func (fs *Fs) Read(ino common.Inum, lbn uint64) (data []byte, err error) {
	err = fs.run(OP_READ, func() error {
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		defer fs.ic.Put(ip)
		if lbn >= inode.MAXLBN || lbn*disk.BlockSize >= ip.Size {
			return nil
		}
		blk, err := fs.ic.ReadBlock(ip, lbn)
		if err != nil {
			return err
		}
		n := util.Min(disk.BlockSize, ip.Size-lbn*disk.BlockSize)
		data = blk[:n]
		return nil
	})
	return
}

// Write stores data at the start of block lbn of ino, growing the file
// if it ends past the current size. The block reaches the log at the
// next Sync.
func (fs *Fs) Write(ino common.Inum, lbn uint64, data []byte) error {
	return fs.run(OP_WRITE, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		if lbn >= inode.MAXLBN || uint64(len(data)) > disk.BlockSize {
			return fmt.Errorf("write %d at block %d: %w", ino, lbn, ErrFileSize)
		}
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		defer fs.ic.Put(ip)
		blk := data
		if uint64(len(data)) < disk.BlockSize {
			blk, err = fs.ic.ReadBlock(ip, lbn)
			if err != nil {
				return err
			}
			copy(blk, data)
		}
		fs.ic.WriteBlock(ip, lbn, blk)
		if end := lbn*disk.BlockSize + uint64(len(data)); end > ip.Size {
			ip.Size = end
		}
		ip.Mtime = now()
		ip.MarkDirty()
		return nil
	})
}

// Truncate sets the size of ino. A file that shrinks is written to the
// log at once: roll-forward sees only the inode records in the log, and
// a later record could not tell it which blocks the shrink released.
func (fs *Fs) Truncate(ino common.Inum, size uint64) error {
	return fs.run(OP_TRUNCATE, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		if size > inode.MAXLBN*disk.BlockSize {
			return fmt.Errorf("truncate %d to %d: %w", ino, size, ErrFileSize)
		}
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		shrink := size < ip.Size
		err = fs.ic.Truncate(ip, size)
		ip.Mtime = now()
		fs.ic.Put(ip)
		if err != nil || !shrink {
			return err
		}
		return fs.w.Flush(false)
	})
}

// Remove drops a link to ino. Without links the file is freed, or made
// an orphan if it is still open.
func (fs *Fs) Remove(ino common.Inum) error {
	return fs.run(OP_REMOVE, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		if ip.Nlink == 0 {
			fs.ic.Put(ip)
			return fmt.Errorf("remove %d: %w", ino, common.ErrNotFound)
		}
		ip.Nlink--
		ip.Ctime = now()
		ip.MarkDirty()
		if ip.Nlink == 0 && ip.Ref() > 1 {
			if err := fs.al.Orphan(ino); err != nil {
				fs.ic.Put(ip)
				return err
			}
		}
		return fs.release(ip)
	})
}

func (fs *Fs) Stat(ino common.Inum) (di inode.Dinode, err error) {
	err = fs.run(OP_STAT, func() error {
		ip, err := fs.ic.Get(ino)
		if err != nil {
			return err
		}
		di = ip.Dinode
		fs.ic.Put(ip)
		return nil
	})
	return
}

// Sync writes every dirty inode and buffered block to the log without a
// checkpoint; a crash after it loses nothing a roll-forward cannot
// recover.
func (fs *Fs) Sync() error {
	return fs.run(OP_SYNC, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		return fs.w.Flush(false)
	})
}

func (fs *Fs) Checkpoint() error {
	return fs.run(OP_CHECKPOINT, func() error {
		if err := fs.writable(); err != nil {
			return err
		}
		return fs.checkpoint()
	})
}

// Unmount checkpoints and marks the file system clean so the next mount
// skips roll-forward.
func (fs *Fs) Unmount() error {
	return fs.run(OP_UNMOUNT, func() error {
		if fs.opts.ReadOnly {
			return nil
		}
		fs.sb.PFlags |= super.PF_CLEAN
		if err := fs.checkpoint(); err != nil {
			fs.sb.PFlags &^= super.PF_CLEAN
			return err
		}
		return nil
	})
}

// CheckFreelist verifies the free list against the Ifile.
func (fs *Fs) CheckFreelist() error {
	return fs.run(OP_CHECK, func() error {
		return fs.al.CheckFreelist()
	})
}

// Inodes returns the allocated inode numbers with their Ifile entries'
// addresses.
func (fs *Fs) Inodes() map[common.Inum]common.Daddr {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	fs.ifl.SegLock()
	defer fs.ifl.SegUnlock()
	inos := make(map[common.Inum]common.Daddr)
	for ino := common.FIRST_INUM; ino < fs.ifl.Maxino(); ino++ {
		if a := fs.ifl.Daddr(ino); a != common.UNUSED_DADDR {
			inos[ino] = a
		}
	}
	return inos
}

// SegBytes returns the live-byte count of every segment.
func (fs *Fs) SegBytes() []uint64 {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	fs.ifl.SegLock()
	defer fs.ifl.SegUnlock()
	n := make([]uint64, fs.sb.Nseg)
	for sn := range n {
		n[sn] = uint64(fs.ifl.SegUse(uint64(sn)).Nbytes)
	}
	return n
}
