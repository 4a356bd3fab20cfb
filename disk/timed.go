package disk

import (
	"io"
	"time"

	"github.com/mit-pdos/go-lfs/util/stats"
)

// TimedDisk records the latency of every operation on the wrapped disk.
type TimedDisk struct {
	d   Disk
	ops [4]stats.Op
}

func NewTimedDisk(d Disk) *TimedDisk {
	return &TimedDisk{d: d}
}

const (
	readOp int = iota
	writeOp
	batchOp
	barrierOp
)

var timedOps = []string{"disk.Read", "disk.Write", "disk.WriteBatch", "disk.Barrier"}

var _ Disk = &TimedDisk{}
var _ DiskWriteBatch = &TimedDisk{}

func (d *TimedDisk) ReadTo(a uint64, b Block) error {
	defer d.ops[readOp].Record(time.Now())
	return d.d.ReadTo(a, b)
}

func (d *TimedDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *TimedDisk) Write(a uint64, b Block) error {
	defer d.ops[writeOp].Record(time.Now())
	return d.d.Write(a, b)
}

func (d *TimedDisk) WriteBatch(startPos uint64, blocks []Block) error {
	defer d.ops[batchOp].Record(time.Now())
	return WriteBlocks(d.d, startPos, blocks)
}

func (d *TimedDisk) Barrier() error {
	defer d.ops[barrierOp].Record(time.Now())
	return d.d.Barrier()
}

func (d *TimedDisk) Size() (uint64, error) {
	return d.d.Size()
}

func (d *TimedDisk) Close() error {
	return d.d.Close()
}

func (d *TimedDisk) WriteStats(w io.Writer) {
	stats.WriteTable(timedOps, d.ops[:], w)
}

func (d *TimedDisk) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
