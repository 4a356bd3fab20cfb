// Package rfw rolls the log forward after a crash: it finds the partial
// segments written after the last checkpoint, replays the inodes and data
// blocks they hold into the in-core state, and writes a new checkpoint.
//
// Recovery runs in phases over the same stretch of log. Phase 1 finds
// where the log ends; phase 2 notes the newest generation of every
// inode; phase 3 installs inodes of that generation; phase 4 maps their
// data blocks. Later phases depend on what earlier ones established, so
// they run strictly in order.
package rfw

import (
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-lfs/alloc"
	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/pseg"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
	"github.com/mit-pdos/go-lfs/util/stats"
)

type Options struct {
	Disabled bool
	MaxPsegs uint64 // 0 means no limit
}

const (
	PHASE_SCAN = iota
	PHASE_GEN
	PHASE_INODES
	PHASE_DATA
	PHASE_FINISH
	NPHASE
)

var PhaseNames = []string{"scan", "generations", "inodes", "data", "finish"}

// Report describes what a roll-forward did.
type Report struct {
	Skipped     string // why nothing was replayed, if so
	StartSerial uint64
	EndSerial   uint64
	Start       common.Daddr
	End         common.Daddr
	Psegs       uint64 // partial segments replayed
	Discarded   uint64 // psegs of an unfinished write at the end of the log
	Inodes      uint64 // inodes installed
	Blocks      uint64 // data blocks recovered
	Truncated   uint64 // data blocks dropped by a later truncation
	ZeroLink    []common.Inum
	Phases      [NPHASE]stats.Op
}

func (rep *Report) WriteTable(w io.Writer) {
	stats.WriteTable(PhaseNames, rep.Phases[:], w)
}

type Recovery struct {
	bc   *buf.Cache
	sb   *super.Superblock
	ifl  *ifile.Ifile
	ic   *inode.Cache
	al   *alloc.Alloc
	w    *pseg.Writer
	opts Options

	report *Report
}

func MkRecovery(bc *buf.Cache, ifl *ifile.Ifile, ic *inode.Cache, al *alloc.Alloc,
	w *pseg.Writer, opts Options) *Recovery {
	return &Recovery{
		bc:     bc,
		sb:     ifl.Sb,
		ifl:    ifl,
		ic:     ic,
		al:     al,
		w:      w,
		opts:   opts,
		report: &Report{},
	}
}

func (r *Recovery) skip(why string) *Report {
	util.DPrintf(1, "rfw: skipped: %s\n", why)
	r.report.Skipped = why
	return r.report
}

// Run rolls the log forward. An error means the mount must fail.
func (r *Recovery) Run() (*Report, error) {
	sb := r.sb
	switch {
	case r.opts.Disabled:
		return r.skip("disabled"), nil
	case sb.Version < super.VERSION2:
		return r.skip("version 1 has no serial numbers"), nil
	case sb.PFlags&super.PF_CLEAN != 0:
		return r.skip("clean unmount"), nil
	}
	util.DPrintf(1, "rfw: begin at %d serial %d\n", sb.Offset, sb.Serial)

	// The checkpoint's segment may hold psegs written after it.
	r.ifl.SegLock()
	r.ifl.MarkSegDirty(sb.CurSeg)
	r.ifl.SegUnlock()

	start := time.Now()
	b := r.scan()
	r.report.Phases[PHASE_SCAN].Record(start)
	r.report.Start = b.Start
	r.report.End = b.End
	r.report.StartSerial = b.StartSerial
	r.report.EndSerial = b.EndSerial
	r.report.Psegs = b.Psegs
	if r.report.Discarded > 0 {
		log.WithFields(log.Fields{
			"psegs": r.report.Discarded,
			"at":    b.End,
		}).Warn("rfw: discarding unfinished write at the end of the log")
	}
	if err := r.moveBoundary(b); err != nil {
		return r.report, err
	}

	if b.Psegs > 0 {
		if err := r.replay(b); err != nil {
			return r.report, err
		}
	}

	start = time.Now()
	r.ic.DropClean()
	r.ifl.SegLock()
	r.ifl.ResetAvail()
	r.ifl.SegUnlock()
	r.report.Phases[PHASE_FINISH].Record(start)

	log.WithFields(log.Fields{
		"psegs":  r.report.Psegs,
		"inodes": r.report.Inodes,
		"blocks": r.report.Blocks,
		"serial": sb.Serial,
	}).Info("roll forward complete")
	return r.report, nil
}

func (r *Recovery) replay(b boundary) error {
	start := time.Now()
	gens, err := r.generations(b)
	if err != nil {
		return err
	}
	r.report.Phases[PHASE_GEN].Record(start)

	start = time.Now()
	res, err := r.inodes(b, gens)
	if err != nil {
		return err
	}
	r.report.Phases[PHASE_INODES].Record(start)

	start = time.Now()
	if err := r.data(b, gens, res); err != nil {
		return err
	}
	if err := r.trimTails(res); err != nil {
		return err
	}
	r.report.Phases[PHASE_DATA].Record(start)

	start = time.Now()
	if err := r.w.Checkpoint(); err != nil {
		return fmt.Errorf("roll forward checkpoint: %w", err)
	}
	r.report.Phases[PHASE_FINISH].Record(start)
	return nil
}
