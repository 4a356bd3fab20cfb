package rfw

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/inode"
	"github.com/mit-pdos/go-lfs/pseg"
	"github.com/mit-pdos/go-lfs/util"
)

// genTable holds the newest generation seen for each inode in the
// replayed log. Only records and blocks of that generation are used.
type genTable map[common.Inum]uint32

// truncation notes that the pseg with serial shrank a file to size.
type truncation struct {
	serial uint64
	size   uint64
}

// replayed is what installing inodes established for the data pass.
type replayed struct {
	inodes map[common.Inum]bool
	truncs map[common.Inum][]truncation
}

func (res *replayed) sorted() []common.Inum {
	inos := make([]common.Inum, 0, len(res.inodes))
	for ino := range res.inodes {
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos
}

// truncatedAfter reports whether a pseg later than serial cut the file
// below lbn.
func (res *replayed) truncatedAfter(ino common.Inum, serial uint64, lbn uint64) bool {
	for _, t := range res.truncs[ino] {
		if t.serial > serial && t.size <= lbn*disk.BlockSize {
			return true
		}
	}
	return false
}

// shrunkAfter reports whether any pseg later than serial shrank the
// file. A block written before that must not grow the file again.
func (res *replayed) shrunkAfter(ino common.Inum, serial uint64) bool {
	for _, t := range res.truncs[ino] {
		if t.serial > serial {
			return true
		}
	}
	return false
}

func (r *Recovery) readInodes(a common.Daddr) ([]inode.Dinode, error) {
	blk, err := r.bc.ReadCopy(uint64(a))
	if err != nil {
		return nil, fmt.Errorf("inode block %d: %w: %v", a, common.ErrIO, err)
	}
	return inode.DecodeBlock(blk), nil
}

// generations records the highest generation of every inode in the
// replayed log, and raises the Ifile versions of inodes the Ifile
// already covers to match.
func (r *Recovery) generations(b boundary) (genTable, error) {
	gens := make(genTable)
	err := r.walk(b, func(off common.Daddr, s *pseg.Summary) error {
		for _, a := range s.Iinfos {
			dis, err := r.readInodes(a)
			if err != nil {
				return err
			}
			for _, di := range dis {
				if di.Inumber <= common.IFILE_INUM {
					continue
				}
				if di.Gen > gens[di.Inumber] {
					gens[di.Inumber] = di.Gen
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.ifl.SegLock()
	maxino := r.ifl.Maxino()
	for ino, gen := range gens {
		if ino >= maxino {
			continue
		}
		e := r.ifl.Entry(ino)
		if e.Version < gen {
			e.Version = gen
			r.ifl.PutEntry(ino, e)
		}
	}
	r.ifl.SegUnlock()
	util.DPrintf(1, "rfw: %d inodes in the replayed log\n", len(gens))
	return gens, nil
}

// valloc returns a referenced in-core inode of generation gen. An inode
// of an older generation is emptied and taken over if di has links; one
// that is missing is allocated if there is a record to build it from.
func (r *Recovery) valloc(ino common.Inum, gen uint32, di *inode.Dinode) (*inode.Inode, error) {
	ip, err := r.ic.Get(ino)
	if err == nil {
		if ip.Gen == gen {
			return ip, nil
		}
		if ip.Gen < gen && di != nil && di.Nlink > 0 {
			util.DPrintf(3, "rfw: replace inode %d gen %d with gen %d\n", ino, ip.Gen, gen)
			if err := r.ic.Truncate(ip, 0); err != nil {
				r.ic.Put(ip)
				return nil, err
			}
			ip.Gen = gen
			ip.MarkDirty()
			return ip, nil
		}
		r.ic.Put(ip)
		return nil, fmt.Errorf("inode %d is gen %d, want %d: %w", ino, ip.Gen, gen, common.ErrExists)
	}
	if !errors.Is(err, common.ErrNotFound) || di == nil {
		return nil, err
	}
	if err := r.al.AllocFixed(ino, gen); err != nil {
		return nil, err
	}
	return r.ic.New(ino, gen), nil
}

// fatal reports whether err must stop the roll-forward rather than just
// skip one inode.
func fatal(err error) bool {
	return errors.Is(err, common.ErrIO)
}

// inodes installs, for every inode in the replayed log, the records of
// its newest generation, in log order. A record smaller than the
// in-core inode truncates it first.
func (r *Recovery) inodes(b boundary, gens genTable) (*replayed, error) {
	res := &replayed{
		inodes: make(map[common.Inum]bool),
		truncs: make(map[common.Inum][]truncation),
	}
	err := r.walk(b, func(off common.Daddr, s *pseg.Summary) error {
		for _, a := range s.Iinfos {
			dis, err := r.readInodes(a)
			if err != nil {
				return err
			}
			for i := range dis {
				if err := r.installInode(res, gens, s.Serial, a, &dis[i]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ino := range res.sorted() {
		if ip := r.ic.Lookup(ino); ip != nil && ip.Nlink == 0 {
			r.report.ZeroLink = append(r.report.ZeroLink, ino)
		}
	}
	r.report.Inodes = uint64(len(res.inodes))
	return res, nil
}

func (r *Recovery) installInode(res *replayed, gens genTable, serial uint64,
	a common.Daddr, di *inode.Dinode) error {
	ino := di.Inumber
	if ino <= common.IFILE_INUM || di.Gen != gens[ino] {
		return nil
	}
	ip, err := r.valloc(ino, di.Gen, di)
	if err != nil {
		if fatal(err) {
			return err
		}
		util.DPrintf(1, "rfw: skip inode %d: %v\n", ino, err)
		return nil
	}
	defer r.ic.Put(ip)

	if di.Size != ip.Size {
		if di.Size < ip.Size {
			res.truncs[ino] = append(res.truncs[ino], truncation{serial: serial, size: di.Size})
		}
		if err := r.ic.Truncate(ip, di.Size); err != nil {
			return err
		}
	}
	ip.CopyMeta(di)
	ip.MarkDirty()

	r.ifl.SegLock()
	r.ifl.MoveInode(ino, a)
	r.ifl.SegUnlock()
	res.inodes[ino] = true
	util.DPrintf(5, "rfw: installed %v\n", ip)
	return nil
}

// data maps the data blocks of the replayed log into their inodes, as
// the write path would have, skipping blocks of older generations and
// blocks a later pseg truncated away.
func (r *Recovery) data(b boundary, gens genTable, res *replayed) error {
	return r.walk(b, func(off common.Daddr, s *pseg.Summary) error {
		refs, err := s.Blocks(off)
		if err != nil {
			return fmt.Errorf("pseg at %d: %w: %v", off, common.ErrIO, err)
		}
		for _, ref := range refs {
			if ref.Kind != pseg.KindData {
				continue
			}
			fi := s.Finfos[ref.Finfo]
			lbn := s.Lbn(ref)
			if fi.Ino <= common.IFILE_INUM || lbn < 0 {
				continue
			}
			if gen, ok := gens[fi.Ino]; ok && gen != fi.Version {
				continue
			}
			if res.truncatedAfter(fi.Ino, s.Serial, uint64(lbn)) {
				r.report.Truncated++
				continue
			}
			length := s.Length(ref)
			if res.shrunkAfter(fi.Ino, s.Serial) {
				length = 0
			}
			if err := r.mapBlock(fi.Ino, fi.Version, uint64(lbn), ref.Addr, length); err != nil {
				return err
			}
		}
		return nil
	})
}

// mapBlock points lbn of ino at a. The file grows to cover length bytes
// of the block.
func (r *Recovery) mapBlock(ino common.Inum, gen uint32, lbn uint64, a common.Daddr,
	length uint64) error {
	if lbn >= inode.MAXLBN {
		return nil
	}
	ip, err := r.valloc(ino, gen, nil)
	if err != nil {
		if fatal(err) {
			return err
		}
		util.DPrintf(1, "rfw: skip block %d of inode %d: %v\n", lbn, ino, err)
		return nil
	}
	defer r.ic.Put(ip)

	ip.ClearPending(lbn)
	old, err := r.ic.SetBlock(ip, lbn, a)
	if err != nil {
		return err
	}
	r.ifl.SegLock()
	r.ifl.AddDaddrBytes(old, -int64(disk.BlockSize))
	r.ifl.AddDaddrBytes(a, int64(disk.BlockSize))
	r.ifl.SegUnlock()

	if end := lbn*disk.BlockSize + length; length > 0 && end > ip.Size {
		ip.Size = end
	}
	ip.MarkDirty()
	r.report.Blocks++
	util.DPrintf(5, "rfw: inode %d lbn %d at %d (was %d)\n", ino, lbn, a, old)
	return nil
}

// trimTails zeroes the bytes past the end of a truncated file's last
// block, which an older replayed block may have brought back.
func (r *Recovery) trimTails(res *replayed) error {
	for _, ino := range res.sorted() {
		if len(res.truncs[ino]) == 0 {
			continue
		}
		ip := r.ic.Lookup(ino)
		if ip == nil || ip.Size%disk.BlockSize == 0 {
			continue
		}
		lbn := ip.Size / disk.BlockSize
		blk, err := r.ic.ReadBlock(ip, lbn)
		if err != nil {
			return err
		}
		dirty := false
		for i := ip.Size % disk.BlockSize; i < disk.BlockSize; i++ {
			if blk[i] != 0 {
				blk[i] = 0
				dirty = true
			}
		}
		if dirty {
			r.ic.WriteBlock(ip, lbn, blk)
		}
	}
	return nil
}
