package rfw

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/pseg"
	"github.com/mit-pdos/go-lfs/util"
)

// validationError means the log does not continue at an address: the
// block there is not the next partial segment. It ends the scan and is
// never returned to callers.
type validationError struct {
	addr common.Daddr
	msg  string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("no pseg at %d: %s", e.addr, e.msg)
}

func invalid(addr common.Daddr, format string, args ...interface{}) error {
	return &validationError{addr: addr, msg: fmt.Sprintf(format, args...)}
}

// boundary is the stretch of log that will be replayed: Psegs partial
// segments from Start, ending just before End.
type boundary struct {
	Start       common.Daddr
	End         common.Daddr
	EndSeg      uint64
	StartSerial uint64
	EndSerial   uint64
	Psegs       uint64
}

// first returns where the first pseg after the checkpoint lives.
func (r *Recovery) first() (common.Daddr, uint64) {
	sb := r.sb
	if sb.PartialFits(sb.CurSeg, sb.Offset, 2) {
		return sb.Offset, sb.CurSeg
	}
	return sb.SegStart(sb.NextSeg), sb.NextSeg
}

// advance returns the address of the pseg after s, which sits at off in
// segment sn.
func (r *Recovery) advance(sn uint64, off common.Daddr, s *pseg.Summary) (common.Daddr, uint64) {
	next := off + common.Daddr(s.Nblocks)
	if r.sb.PartialFits(sn, next, 2) {
		return next, sn
	}
	return s.Next, r.sb.Dtosn(s.Next)
}

// readSummary reads and checks the summary at off. Anything that does
// not look like the pseg with the given serial is a validationError.
func (r *Recovery) readSummary(sn uint64, off common.Daddr, serial uint64) (*pseg.Summary, error) {
	sb := r.sb
	if sn >= sb.Nseg || !sb.PartialFits(sn, off, 2) {
		return nil, invalid(off, "outside segment %d", sn)
	}
	blk, err := r.bc.ReadCopy(uint64(off))
	if err != nil {
		return nil, fmt.Errorf("summary at %d: %w: %v", off, common.ErrIO, err)
	}
	s, err := pseg.DecodeSummary(blk)
	if err != nil {
		return nil, invalid(off, "%v", err)
	}
	if s.Serial != serial {
		return nil, invalid(off, "serial %d, want %d", s.Serial, serial)
	}
	if s.Ident != sb.Ident {
		return nil, invalid(off, "ident %#x, want %#x", s.Ident, sb.Ident)
	}
	if !sb.PartialFits(sn, off, uint64(s.Nblocks)) {
		return nil, invalid(off, "%d blocks overrun segment %d", s.Nblocks, sn)
	}
	if !sb.InSegments(s.Next) {
		return nil, invalid(off, "next %d outside the segments", s.Next)
	}
	return s, nil
}

// checkData re-reads the blocks of the pseg at off and compares their
// checksum with the summary's.
func (r *Recovery) checkData(off common.Daddr, s *pseg.Summary) error {
	refs, err := s.Blocks(off)
	if err != nil {
		return invalid(off, "%v", err)
	}
	blocks := make([]disk.Block, 0, len(refs))
	for _, ref := range refs {
		blk, err := r.bc.ReadCopy(uint64(ref.Addr))
		if err != nil {
			return invalid(off, "read %d: %v", ref.Addr, err)
		}
		blocks = append(blocks, blk)
	}
	if sum := pseg.Datasum(blocks); sum != s.Datasum {
		return invalid(off, "datasum %#x, want %#x", sum, s.Datasum)
	}
	return nil
}

// scan finds the end of the usable log after the checkpoint. A write that
// spans several psegs counts only once its last pseg is found; the
// segments holding accepted psegs are marked dirty.
func (r *Recovery) scan() boundary {
	sb := r.sb
	off, sn := r.first()
	b := boundary{
		Start:       off,
		End:         off,
		EndSeg:      sn,
		StartSerial: sb.Serial,
		EndSerial:   sb.Serial,
	}
	serial := sb.Serial + 1
	var pending []uint64 // segments of an unfinished write
	var npending uint64
	for r.opts.MaxPsegs == 0 || b.Psegs+npending < r.opts.MaxPsegs {
		s, err := r.readSummary(sn, off, serial)
		if err == nil {
			err = r.checkData(off, s)
		}
		if err != nil {
			var verr *validationError
			if errors.As(err, &verr) {
				util.DPrintf(1, "rfw: scan stops: %v\n", err)
			} else {
				log.WithField("addr", off).Warnf("rfw: unreadable summary ends the log: %v", err)
			}
			break
		}
		util.DPrintf(3, "rfw: pseg at %d: %v\n", off, s)
		pending = append(pending, sn)
		npending++
		end := off + common.Daddr(s.Nblocks)
		if s.Flags&pseg.SS_CONT == 0 {
			r.ifl.SegLock()
			for _, psn := range pending {
				r.ifl.MarkSegDirty(psn)
			}
			r.ifl.SegUnlock()
			b.Psegs += npending
			b.End = end
			b.EndSeg = sn
			b.EndSerial = serial
			pending = pending[:0]
			npending = 0
		}
		serial++
		off, sn = r.advance(sn, off, s)
	}
	r.report.Discarded = npending
	return b
}

// walk calls f for each pseg of b in log order. Every summary was
// validated by scan, so failing to read one again is fatal.
func (r *Recovery) walk(b boundary, f func(off common.Daddr, s *pseg.Summary) error) error {
	off, sn := b.Start, r.sb.Dtosn(b.Start)
	serial := b.StartSerial + 1
	for i := uint64(0); i < b.Psegs; i++ {
		s, err := r.readSummary(sn, off, serial)
		if err != nil {
			return fmt.Errorf("re-read pseg at %d: %w: %v", off, common.ErrIO, err)
		}
		if err := f(off, s); err != nil {
			return err
		}
		serial++
		off, sn = r.advance(sn, off, s)
	}
	return nil
}

// moveBoundary makes the end of the replayed log the place the next
// write goes.
func (r *Recovery) moveBoundary(b boundary) error {
	sb := r.sb
	ifl := r.ifl
	ifl.SegLock()
	defer ifl.SegUnlock()
	sb.Serial = b.EndSerial
	if b.Psegs == 0 {
		return nil
	}
	if b.EndSeg != sb.CurSeg {
		ifl.SetSegFlags(sb.CurSeg, 0, ifile.SEGUSE_ACTIVE)
	}
	sb.Offset = b.End
	sb.CurSeg = b.EndSeg
	ifl.MarkSegDirty(b.EndSeg)
	ifl.SetSegFlags(b.EndSeg, ifile.SEGUSE_ACTIVE, 0)
	next, ok := ifl.NextClean(b.EndSeg)
	if !ok {
		return fmt.Errorf("roll forward: no clean segment: %w", common.ErrNoSpace)
	}
	sb.NextSeg = next
	util.DPrintf(1, "rfw: log continues at %d in segment %d, next %d\n",
		sb.Offset, sb.CurSeg, sb.NextSeg)
	return nil
}
