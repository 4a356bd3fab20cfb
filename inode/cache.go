package inode

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/lockmap"
	"github.com/mit-pdos/go-lfs/util"
)

// Cache holds in-core inodes. An inode stays cached while referenced or
// dirty.
type Cache struct {
	mu     *sync.Mutex
	inodes map[common.Inum]*Inode
	bc     *buf.Cache
	ifl    *ifile.Ifile

	// inodes whose blocks are being written to the log
	Writes *lockmap.LockMap
}

func MkCache(bc *buf.Cache, ifl *ifile.Ifile) *Cache {
	return &Cache{
		mu:     new(sync.Mutex),
		inodes: make(map[common.Inum]*Inode),
		bc:     bc,
		ifl:    ifl,
		Writes: lockmap.MkLockMap(),
	}
}

func (c *Cache) lookupRef(ino common.Inum) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip := c.inodes[ino]
	if ip != nil {
		ip.ref++
	}
	return ip
}

// Lookup returns the cached inode without taking a reference.
func (c *Cache) Lookup(ino common.Inum) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inodes[ino]
}

// ReadDinode fetches ino's record from the inode block at a.
func (c *Cache) ReadDinode(ino common.Inum, a common.Daddr) (Dinode, error) {
	var di Dinode
	found := false
	err := c.bc.With(uint64(a), func(b *buf.Buf) error {
		for _, d := range DecodeBlock(b.Blk) {
			if d.Inumber == ino {
				di = d
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return di, fmt.Errorf("inode %d: %w: %v", ino, common.ErrIO, err)
	}
	if !found {
		return di, fmt.Errorf("inode %d not in block %d: %w", ino, a, common.ErrIO)
	}
	return di, nil
}

// Get returns a referenced in-core inode, reading it from the address in
// the Ifile if it is not cached. ErrNotFound means the Ifile has no
// address for ino.
func (c *Cache) Get(ino common.Inum) (*Inode, error) {
	if ip := c.lookupRef(ino); ip != nil {
		return ip, nil
	}
	c.ifl.SegLock()
	var a common.Daddr = common.UNUSED_DADDR
	if ino < c.ifl.Maxino() {
		a = c.ifl.Daddr(ino)
	}
	c.ifl.SegUnlock()
	if common.DaddrIsBad(a) {
		return nil, fmt.Errorf("get inode %d: %w", ino, common.ErrNotFound)
	}
	di, err := c.ReadDinode(ino, a)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ip := c.inodes[ino]; ip != nil {
		ip.ref++
		return ip, nil
	}
	ip := mkInode(di)
	ip.ref = 1
	c.inodes[ino] = ip
	util.DPrintf(5, "icache: get %v\n", ip)
	return ip, nil
}

// New installs a fresh in-core inode for a number the caller just
// allocated.
func (c *Cache) New(ino common.Inum, gen uint32) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	common.Assert(c.inodes[ino] == nil, "new inode %d already cached", ino)
	ip := mkInode(Dinode{Inumber: ino, Gen: gen, Ib: common.UNUSED_DADDR})
	ip.ref = 1
	ip.dirty = true
	c.inodes[ino] = ip
	util.DPrintf(5, "icache: new %v\n", ip)
	return ip
}

// Put drops a reference and reports whether it was the last one.
func (c *Cache) Put(ip *Inode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	common.Assert(ip.ref > 0, "put of unreferenced inode %d", ip.Inum)
	ip.ref--
	return ip.ref == 0
}

// Evict removes an unreferenced inode from the cache.
func (c *Cache) Evict(ip *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	common.Assert(ip.ref == 0, "evict of referenced inode %d", ip.Inum)
	if c.inodes[ip.Inum] == ip {
		delete(c.inodes, ip.Inum)
	}
}

// DropClean evicts every clean unreferenced inode and drops cached
// blocks.
func (c *Cache) DropClean() {
	c.mu.Lock()
	for ino, ip := range c.inodes {
		if ip.ref == 0 && !ip.dirty && len(ip.data) == 0 {
			delete(c.inodes, ino)
		}
	}
	c.mu.Unlock()
	c.bc.Invalidate()
}

// Dirty returns the dirty inodes in inode-number order.
func (c *Cache) Dirty() []*Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ips []*Inode
	for _, ip := range c.inodes {
		if ip.dirty || len(ip.data) > 0 || ip.indDirty {
			ips = append(ips, ip)
		}
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].Inum < ips[j].Inum })
	return ips
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inodes)
}

func (c *Cache) loadIndirect(ip *Inode) error {
	if ip.ind != nil || common.DaddrIsBad(ip.Ib) {
		return nil
	}
	blk, err := c.bc.ReadCopy(uint64(ip.Ib))
	if err != nil {
		return fmt.Errorf("inode %d indirect: %w: %v", ip.Inum, common.ErrIO, err)
	}
	ip.ind = DecodeIndirect(blk)
	return nil
}

func (c *Cache) Bmap(ip *Inode, lbn uint64) (common.Daddr, error) {
	common.Assert(lbn < MAXLBN, "lbn %d too large", lbn)
	if lbn >= common.NDADDR {
		if err := c.loadIndirect(ip); err != nil {
			return common.UNUSED_DADDR, err
		}
	}
	return ip.bmap(lbn), nil
}

// SetBlock maps lbn to a and returns the old address.
func (c *Cache) SetBlock(ip *Inode, lbn uint64, a common.Daddr) (common.Daddr, error) {
	common.Assert(lbn < MAXLBN, "lbn %d too large", lbn)
	if lbn >= common.NDADDR {
		if err := c.loadIndirect(ip); err != nil {
			return common.UNUSED_DADDR, err
		}
	}
	return ip.setBmap(lbn, a), nil
}

func (c *Cache) ReadBlock(ip *Inode, lbn uint64) (disk.Block, error) {
	if b, ok := ip.data[lbn]; ok {
		return util.CloneByteSlice(b), nil
	}
	a, err := c.Bmap(ip, lbn)
	if err != nil {
		return nil, err
	}
	if common.DaddrIsBad(a) {
		return make(disk.Block, disk.BlockSize), nil
	}
	return c.bc.ReadCopy(uint64(a))
}

// WriteBlock buffers data as the new contents of lbn until the next
// flush.
func (c *Cache) WriteBlock(ip *Inode, lbn uint64, data []byte) {
	common.Assert(lbn < MAXLBN, "lbn %d too large", lbn)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, data)
	ip.data[lbn] = blk
	ip.dirty = true
}

// Truncate sets ip's size to length, releasing blocks past the new end
// and charging them back to their segments.
func (c *Cache) Truncate(ip *Inode, length uint64) error {
	oldblocks := util.RoundUp(ip.Size, disk.BlockSize)
	newblocks := util.RoundUp(length, disk.BlockSize)
	util.DPrintf(5, "icache: truncate %d from %d to %d\n", ip.Inum, ip.Size, length)

	for lbn := range ip.data {
		if lbn >= newblocks {
			delete(ip.data, lbn)
		}
	}
	if length < ip.Size && length%disk.BlockSize != 0 {
		lbn := length / disk.BlockSize
		blk, err := c.ReadBlock(ip, lbn)
		if err != nil {
			return err
		}
		for i := length % disk.BlockSize; i < disk.BlockSize; i++ {
			blk[i] = 0
		}
		ip.data[lbn] = blk
	}

	if newblocks < oldblocks || newblocks < ip.lastLbn() {
		if err := c.loadIndirect(ip); err != nil {
			return err
		}
		var freed []common.Daddr
		for lbn := newblocks; lbn < ip.lastLbn(); lbn++ {
			if old := ip.setBmap(lbn, common.UNUSED_DADDR); !common.DaddrIsBad(old) {
				freed = append(freed, old)
			}
		}
		if newblocks <= common.NDADDR && ip.ind != nil {
			if !common.DaddrIsBad(ip.Ib) {
				freed = append(freed, ip.Ib)
			}
			ip.Ib = common.UNUSED_DADDR
			ip.ind = nil
			ip.indDirty = false
		}
		if len(freed) > 0 {
			c.ifl.SegLock()
			for _, a := range freed {
				c.ifl.AddDaddrBytes(a, -int64(disk.BlockSize))
			}
			c.ifl.SegUnlock()
		}
	}
	ip.Size = length
	ip.dirty = true
	return nil
}
