package disk

import (
	"fmt"
	"sync"
)

// FaultyDisk wraps a Disk and injects failures: reads of chosen addresses
// fail, and after a crash point writes are silently dropped, as if the
// machine lost power before they reached the platter.
type FaultyDisk struct {
	Disk
	mu         *sync.Mutex
	badReads   map[uint64]bool
	writesLeft int64 // -1 means unlimited
}

func NewFaultyDisk(d Disk) *FaultyDisk {
	return &FaultyDisk{
		Disk:       d,
		mu:         new(sync.Mutex),
		badReads:   make(map[uint64]bool),
		writesLeft: -1,
	}
}

func (d *FaultyDisk) FailRead(a uint64) {
	d.mu.Lock()
	d.badReads[a] = true
	d.mu.Unlock()
}

func (d *FaultyDisk) ClearFaults() {
	d.mu.Lock()
	d.badReads = make(map[uint64]bool)
	d.writesLeft = -1
	d.mu.Unlock()
}

// CrashAfter lets n more writes through and drops the rest.
func (d *FaultyDisk) CrashAfter(n int64) {
	d.mu.Lock()
	d.writesLeft = n
	d.mu.Unlock()
}

func (d *FaultyDisk) ReadTo(a uint64, b Block) error {
	d.mu.Lock()
	bad := d.badReads[a]
	d.mu.Unlock()
	if bad {
		return fmt.Errorf("injected read failure at %d", a)
	}
	return d.Disk.ReadTo(a, b)
}

func (d *FaultyDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *FaultyDisk) Write(a uint64, v Block) error {
	d.mu.Lock()
	drop := d.writesLeft == 0
	if d.writesLeft > 0 {
		d.writesLeft--
	}
	d.mu.Unlock()
	if drop {
		return nil
	}
	return d.Disk.Write(a, v)
}
