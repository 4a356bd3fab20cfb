package lfs

import (
	"io"
	"time"

	"github.com/mit-pdos/go-lfs/util/stats"
)

const (
	OP_CREATE = iota
	OP_OPEN
	OP_CLOSE
	OP_READ
	OP_WRITE
	OP_TRUNCATE
	OP_REMOVE
	OP_STAT
	OP_SYNC
	OP_CHECKPOINT
	OP_UNMOUNT
	OP_CHECK
	NUM_OPS
)

var opNames = []string{
	OP_CREATE:     "CREATE",
	OP_OPEN:       "OPEN",
	OP_CLOSE:      "CLOSE",
	OP_READ:       "READ",
	OP_WRITE:      "WRITE",
	OP_TRUNCATE:   "TRUNCATE",
	OP_REMOVE:     "REMOVE",
	OP_STAT:       "STAT",
	OP_SYNC:       "SYNC",
	OP_CHECKPOINT: "CHECKPOINT",
	OP_UNMOUNT:    "UNMOUNT",
	OP_CHECK:      "CHECK",
}

func (fs *Fs) recordOp(op int, start time.Time) {
	fs.stats[op].Record(start)
}

func (fs *Fs) OpCount(op int) uint32 {
	return fs.stats[op].Count()
}

func (fs *Fs) WriteOpStats(w io.Writer) {
	stats.WriteTable(opNames, fs.stats[:], w)
}

func (fs *Fs) ResetOpStats() {
	for i := range fs.stats {
		fs.stats[i].Reset()
	}
}
