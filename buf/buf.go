// buf caches disk blocks. A buffer is acquired with Read or With and
// must be released; unreferenced buffers may be evicted at any time.
package buf

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/util"
)

type Buf struct {
	Addr uint64
	Blk  disk.Block
	ref  uint64
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf %d ref %d", b.Addr, b.ref)
}

// Order tags a write. OrderBarrier writes are durable, along with
// everything written before them, when Write returns.
type Order int

const (
	OrderAsync Order = iota
	OrderBarrier
)

type Cache struct {
	mu   *sync.Mutex
	d    disk.Disk
	bufs *BufMap
	max  uint64
}

func MkCache(d disk.Disk, max uint64) *Cache {
	return &Cache{
		mu:   new(sync.Mutex),
		d:    d,
		bufs: MkBufMap(),
		max:  max,
	}
}

func (c *Cache) Disk() disk.Disk {
	return c.d
}

// evict drops unreferenced buffers until the cache is under its limit.
// Caller holds c.mu.
func (c *Cache) evict() {
	if c.bufs.Len() < c.max {
		return
	}
	for _, b := range c.bufs.Bufs() {
		if b.ref == 0 {
			c.bufs.Del(b.Addr)
			if c.bufs.Len() < c.max {
				return
			}
		}
	}
}

// Read returns a referenced buffer holding block a.
func (c *Cache) Read(a uint64) (*Buf, error) {
	c.mu.Lock()
	b := c.bufs.Lookup(a)
	if b != nil {
		b.ref++
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	blk, err := c.d.Read(a)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", a, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b2 := c.bufs.Lookup(a); b2 != nil {
		b2.ref++
		return b2, nil
	}
	c.evict()
	b = &Buf{Addr: a, Blk: blk, ref: 1}
	c.bufs.Insert(b)
	return b, nil
}

func (c *Cache) Release(b *Buf) {
	c.mu.Lock()
	if b.ref == 0 {
		panic("release of unreferenced buf")
	}
	b.ref--
	c.mu.Unlock()
}

// With runs f on block a and releases the buffer when f returns.
func (c *Cache) With(a uint64, f func(b *Buf) error) error {
	b, err := c.Read(a)
	if err != nil {
		return err
	}
	defer c.Release(b)
	return f(b)
}

// ReadCopy returns a private copy of block a.
func (c *Cache) ReadCopy(a uint64) (disk.Block, error) {
	var blk disk.Block
	err := c.With(a, func(b *Buf) error {
		blk = util.CloneByteSlice(b.Blk)
		return nil
	})
	return blk, err
}

// Write writes blk through to the disk and updates any cached copy.
func (c *Cache) Write(a uint64, blk disk.Block, ord Order) error {
	if err := c.d.Write(a, blk); err != nil {
		return fmt.Errorf("write block %d: %w", a, err)
	}
	c.update(a, blk)
	if ord == OrderBarrier {
		return c.d.Barrier()
	}
	return nil
}

// WriteBlocks writes a run of consecutive blocks starting at a.
func (c *Cache) WriteBlocks(a uint64, blks []disk.Block, ord Order) error {
	if err := disk.WriteBlocks(c.d, a, blks); err != nil {
		return fmt.Errorf("write blocks %d+%d: %w", a, len(blks), err)
	}
	for i, blk := range blks {
		c.update(a+uint64(i), blk)
	}
	if ord == OrderBarrier {
		return c.d.Barrier()
	}
	return nil
}

func (c *Cache) update(a uint64, blk disk.Block) {
	c.mu.Lock()
	if b := c.bufs.Lookup(a); b != nil {
		copy(b.Blk, blk)
	}
	c.mu.Unlock()
}

// Invalidate drops every unreferenced buffer.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	for _, b := range c.bufs.Bufs() {
		if b.ref == 0 {
			c.bufs.Del(b.Addr)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) Barrier() error {
	return c.d.Barrier()
}
