package pseg

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-lfs/buf"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/ifile"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

type itemKind int

const (
	itemData itemKind = iota
	itemIndirect
	itemIfile
	itemIfileIndirect
	itemInodes
)

// item is one block to be placed in the log.
type item struct {
	kind   itemKind
	ip     *inode.Inode   // itemData, itemIndirect
	lbn    uint64         // itemData: logical block; itemIfile: Ifile block
	inodes []*inode.Inode // itemInodes; nil entry is the Ifile inode
	addr   common.Daddr
}

func (it *item) ino() common.Inum {
	switch it.kind {
	case itemData, itemIndirect:
		return it.ip.Inum
	case itemIfile, itemIfileIndirect:
		return common.IFILE_INUM
	}
	return common.NULLINUM
}

// plan is the layout of one partial segment.
type plan struct {
	start common.Daddr
	next  uint64 // clean segment the log moves to after this one
	items []*item
}

// Writer appends partial segments to the log. All of its methods run
// under the segment lock.
type Writer struct {
	bc  *buf.Cache
	ifl *ifile.Ifile
	ic  *inode.Cache
	sb  *super.Superblock

	Psegs uint64 // partial segments written
}

func MkWriter(bc *buf.Cache, ifl *ifile.Ifile, ic *inode.Cache) *Writer {
	return &Writer{
		bc:  bc,
		ifl: ifl,
		ic:  ic,
		sb:  ifl.Sb,
	}
}

func (w *Writer) nextClean(after uint64, planned map[uint64]bool) (uint64, bool) {
	for i := uint64(1); i <= w.sb.Nseg; i++ {
		sn := (after + i) % w.sb.Nseg
		if planned[sn] {
			continue
		}
		if w.ifl.SegUse(sn).Flags&(ifile.SEGUSE_DIRTY|ifile.SEGUSE_ACTIVE) == 0 {
			return sn, true
		}
	}
	return 0, false
}

// layout assigns an address to every item, filling the current segment
// and moving on to clean segments. Nothing is modified until every item
// has a place.
func (w *Writer) layout(items []*item) ([]*plan, error) {
	var plans []*plan
	off := w.sb.Offset
	cur := w.sb.CurSeg
	planned := map[uint64]bool{cur: true, w.sb.NextSeg: true}
	next := w.sb.NextSeg
	i := 0
	for i < len(items) {
		if !w.sb.PartialFits(cur, off, 2) {
			cur = next
			off = w.sb.SegStart(cur)
			n, ok := w.nextClean(cur, planned)
			if !ok {
				return nil, fmt.Errorf("no clean segment: %w", common.ErrNoSpace)
			}
			next = n
			planned[next] = true
		}
		p := &plan{start: off, next: next}
		room := uint64(w.sb.SegEnd(cur) - off - 1)
		sumsz := SUMHDR
		var lastIno common.Inum = common.NULLINUM
		for i < len(items) && uint64(len(p.items)) < room {
			it := items[i]
			var cost uint64
			if it.kind == itemInodes {
				cost = IINFOSZ
			} else {
				cost = LBNSZ
				if it.ino() != lastIno {
					cost += FINFOSZ
				}
			}
			if sumsz+cost > disk.BlockSize {
				break
			}
			sumsz += cost
			if it.kind != itemInodes {
				lastIno = it.ino()
			}
			it.addr = off + 1 + common.Daddr(len(p.items))
			p.items = append(p.items, it)
			i++
		}
		common.Assert(len(p.items) > 0, "empty partial segment at %d", off)
		plans = append(plans, p)
		off = p.start + 1 + common.Daddr(len(p.items))
	}
	return plans, nil
}

// switchSeg makes sn the segment being written.
func (w *Writer) switchSeg(sn uint64, next uint64) {
	w.ifl.SetSegFlags(w.sb.CurSeg, 0, ifile.SEGUSE_ACTIVE)
	w.ifl.MarkSegDirty(sn)
	w.ifl.SetSegFlags(sn, ifile.SEGUSE_ACTIVE, 0)
	w.sb.CurSeg = sn
	w.sb.NextSeg = next
	util.DPrintf(3, "pseg: now writing segment %d, next %d\n", sn, next)
}

// account charges every item to the segment it lands in and releases
// what it replaces.
func (w *Writer) account(plans []*plan) error {
	bs := int64(disk.BlockSize)
	for _, p := range plans {
		sn := w.sb.Dtosn(p.start)
		if sn != w.sb.CurSeg {
			w.switchSeg(sn, p.next)
		}
		ninos := uint32(0)
		for _, it := range p.items {
			switch it.kind {
			case itemData:
				old, err := w.ic.SetBlock(it.ip, it.lbn, it.addr)
				if err != nil {
					return err
				}
				w.ifl.AddDaddrBytes(old, -bs)
				w.ifl.AddDaddrBytes(it.addr, bs)
			case itemIndirect:
				w.ifl.AddDaddrBytes(it.ip.Ib, -bs)
				w.ifl.AddDaddrBytes(it.addr, bs)
				it.ip.SetIndirectAddr(it.addr)
			case itemIfile:
				w.ifl.AddDaddrBytes(w.ifl.BlockAddr(it.lbn), -bs)
				w.ifl.AddDaddrBytes(it.addr, bs)
			case itemIfileIndirect:
				w.ifl.AddDaddrBytes(w.ifl.Ib, -bs)
				w.ifl.AddDaddrBytes(it.addr, bs)
				w.ifl.Ib = it.addr
			case itemInodes:
				ninos++
				for _, ip := range it.inodes {
					ino := common.IFILE_INUM
					if ip != nil {
						ino = ip.Inum
					}
					w.moveInode(ino, it.addr)
				}
			}
		}
		w.ifl.CountPseg(sn, ninos)
	}
	return nil
}

func (w *Writer) moveInode(ino common.Inum, a common.Daddr) {
	w.ifl.MoveInode(ino, a)
	if ino == common.IFILE_INUM {
		w.sb.Idaddr = a
	}
}

func (w *Writer) ifileDinode() inode.Dinode {
	di := inode.Dinode{
		Mode:    inode.IFREG,
		Nlink:   1,
		Inumber: common.IFILE_INUM,
		Size:    w.ifl.Size(),
		Gen:     w.ifl.Gen,
		Blocks:  w.ifl.NBlocks(),
		Ib:      w.ifl.Ib,
		Mtime:   uint64(time.Now().Unix()),
	}
	daddrs := w.ifl.BlockAddrs()
	for i := uint64(0); i < common.NDADDR && i < uint64(len(daddrs)); i++ {
		di.Db[i] = daddrs[i]
	}
	return di
}

func lastLength(ip *inode.Inode, lbn uint64) uint32 {
	if lbn == (ip.Size-1)/disk.BlockSize && ip.Size%disk.BlockSize != 0 {
		return uint32(ip.Size % disk.BlockSize)
	}
	return uint32(disk.BlockSize)
}

// serialize builds the summary and blocks of p.
func (w *Writer) serialize(p *plan) (*Summary, []disk.Block) {
	s := &Summary{}
	var blocks []disk.Block
	var fi *Finfo
	for _, it := range p.items {
		var blk disk.Block
		var lbn int64
		var version uint32
		length := uint32(disk.BlockSize)
		switch it.kind {
		case itemData:
			blk = it.ip.PendingBlock(it.lbn)
			lbn = int64(it.lbn)
			version = it.ip.Gen
			length = lastLength(it.ip, it.lbn)
		case itemIndirect:
			blk = inode.EncodeIndirect(it.ip.Indirect())
			lbn = LBN_INDIRECT
			version = it.ip.Gen
		case itemIfile:
			blk = util.CloneByteSlice(w.ifl.Block(it.lbn))
			lbn = int64(it.lbn)
			version = w.ifl.Gen
		case itemIfileIndirect:
			daddrs := w.ifl.BlockAddrs()
			blk = inode.EncodeIndirect(daddrs[common.NDADDR:])
			lbn = LBN_INDIRECT
			version = w.ifl.Gen
		case itemInodes:
			var dis []inode.Dinode
			for _, ip := range it.inodes {
				if ip == nil {
					dis = append(dis, w.ifileDinode())
				} else {
					di := ip.Dinode
					di.Inumber = ip.Inum
					dis = append(dis, di)
				}
			}
			blocks = append(blocks, inode.EncodeBlock(dis))
			s.Iinfos = append(s.Iinfos, it.addr)
			continue
		}
		if fi == nil || fi.Ino != it.ino() {
			s.Finfos = append(s.Finfos, Finfo{Ino: it.ino(), Version: version})
			fi = &s.Finfos[len(s.Finfos)-1]
		}
		fi.Lbns = append(fi.Lbns, lbn)
		fi.Lastlength = length
		blocks = append(blocks, blk)
	}
	s.Nblocks = uint32(1 + len(blocks))
	s.Datasum = Datasum(blocks)
	return s, blocks
}

// write lays out, accounts and writes items as one or more partial
// segments. Caller holds the segment lock.
func (w *Writer) write(items []*item, flags uint32, beforeSerialize func()) error {
	w.ifl.AssertHeld()
	if len(items) == 0 {
		return nil
	}
	plans, err := w.layout(items)
	if err != nil {
		return err
	}
	if err := w.account(plans); err != nil {
		return err
	}
	last := plans[len(plans)-1]
	w.sb.Offset = last.start + 1 + common.Daddr(len(last.items))
	if beforeSerialize != nil {
		beforeSerialize()
	}
	for i, p := range plans {
		s, blocks := w.serialize(p)
		w.sb.Serial++
		s.Serial = w.sb.Serial
		s.Ident = w.sb.Ident
		s.Create = uint64(time.Now().Unix())
		s.Next = w.sb.SegStart(p.next)
		s.Flags = flags
		if i < len(plans)-1 {
			s.Flags |= SS_CONT
		}
		if err := w.writePseg(p, s, blocks); err != nil {
			return err
		}
	}
	if err := w.bc.Barrier(); err != nil {
		return fmt.Errorf("flush: %w: %v", common.ErrIO, err)
	}
	for _, it := range items {
		switch it.kind {
		case itemData:
			it.ip.ClearPending(it.lbn)
		case itemInodes:
			for _, ip := range it.inodes {
				if ip != nil {
					ip.ClearDirty()
				}
			}
		}
	}
	return nil
}

func (w *Writer) writePseg(p *plan, s *Summary, blocks []disk.Block) error {
	held := make(map[common.Inum]bool)
	for _, it := range p.items {
		ino := it.ino()
		if it.kind == itemInodes {
			for _, ip := range it.inodes {
				if ip != nil {
					held[ip.Inum] = true
				}
			}
		} else if ino != common.IFILE_INUM {
			held[ino] = true
		}
	}
	for ino := range held {
		w.ic.Writes.Acquire(ino)
	}
	defer func() {
		for ino := range held {
			w.ic.Writes.Release(ino)
		}
	}()
	util.DPrintf(3, "pseg: write at %d: %v\n", p.start, s)
	all := append([]disk.Block{s.Encode()}, blocks...)
	if err := w.bc.WriteBlocks(uint64(p.start), all, buf.OrderAsync); err != nil {
		return fmt.Errorf("write pseg: %w: %v", common.ErrIO, err)
	}
	w.Psegs++
	return nil
}

// inodeItems builds the log items for a set of dirty inodes: each
// inode's data blocks and indirect block, then the inode blocks.
func inodeItems(ips []*inode.Inode) []*item {
	var items []*item
	for _, ip := range ips {
		needInd := ip.IndDirty()
		for _, lbn := range ip.Pending() {
			items = append(items, &item{kind: itemData, ip: ip, lbn: lbn})
			if lbn >= common.NDADDR {
				needInd = true
			}
		}
		if needInd {
			items = append(items, &item{kind: itemIndirect, ip: ip})
		}
	}
	for i := 0; i < len(ips); i += int(common.INOPB) {
		end := i + int(common.INOPB)
		if end > len(ips) {
			end = len(ips)
		}
		items = append(items, &item{kind: itemInodes, inodes: ips[i:end]})
	}
	return items
}

// Flush writes every dirty in-core inode and its buffered blocks. With
// dirop set the write is marked as part of a directory operation.
func (w *Writer) Flush(dirop bool) error {
	w.ifl.SegLock()
	defer w.ifl.SegUnlock()
	return w.flushLocked(dirop)
}

func (w *Writer) flushLocked(dirop bool) error {
	ips := w.ic.Dirty()
	var flags uint32
	if dirop {
		flags = SS_DIROP
	}
	return w.write(inodeItems(ips), flags, nil)
}

// Checkpoint flushes dirty inodes, then writes the Ifile and its inode,
// then the superblock. After it returns a mount needs no roll-forward.
func (w *Writer) Checkpoint() error {
	w.ifl.SegLock()
	defer w.ifl.SegUnlock()
	return w.CheckpointLocked()
}

func (w *Writer) CheckpointLocked() error {
	if err := w.flushLocked(false); err != nil {
		return err
	}
	w.ifl.MarkMetaDirty()
	// the entry block holding the Ifile's own address
	w.ifl.MarkEntryDirty(common.IFILE_INUM)

	var items []*item
	for _, bn := range w.ifl.DirtyBlocks() {
		items = append(items, &item{kind: itemIfile, lbn: bn})
	}
	if w.ifl.NBlocks() > common.NDADDR {
		items = append(items, &item{kind: itemIfileIndirect})
	}
	items = append(items, &item{kind: itemInodes, inodes: []*inode.Inode{nil}})

	err := w.write(items, 0, func() {
		w.ifl.ResetAvail()
		w.ifl.SyncCleaner()
		for _, it := range items {
			if it.kind == itemIfile {
				w.ifl.SetBlockAddr(it.lbn, it.addr)
			}
		}
	})
	if err != nil {
		return err
	}
	w.sb.Tstamp = uint64(time.Now().Unix())
	if err := w.sb.Write(w.bc.Disk()); err != nil {
		return fmt.Errorf("write superblock: %w: %v", common.ErrIO, err)
	}
	util.DPrintf(1, "pseg: checkpoint %v\n", w.sb)
	return nil
}
