package lfs

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/rodaine/table"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/ifile"
)

func mkTable(w io.Writer, cols ...interface{}) table.Table {
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	return table.New(cols...).WithWriter(w).WithHeaderFormatter(headerFmt)
}

func segFlags(f uint32) string {
	var s []string
	for _, fl := range []struct {
		bit  uint32
		name string
	}{
		{ifile.SEGUSE_ACTIVE, "A"},
		{ifile.SEGUSE_DIRTY, "D"},
		{ifile.SEGUSE_SUPERBLOCK, "S"},
		{ifile.SEGUSE_ERROR, "E"},
		{ifile.SEGUSE_EMPTY, "0"},
		{ifile.SEGUSE_INVAL, "I"},
	} {
		if f&fl.bit != 0 {
			s = append(s, fl.name)
		}
	}
	return strings.Join(s, "")
}

// DumpSuper prints the checkpoint fields of the superblock.
func (fs *Fs) DumpSuper(w io.Writer) {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	sb := fs.sb
	tbl := mkTable(w, "field", "value")
	tbl.AddRow("layout", fs.ifl.Fmt.Name())
	tbl.AddRow("ident", fmt.Sprintf("%#x", sb.Ident))
	tbl.AddRow("segments", fmt.Sprintf("%d x %d blocks", sb.Nseg, sb.SegBlocks))
	tbl.AddRow("ifpb", sb.Ifpb)
	tbl.AddRow("serial", sb.Serial)
	tbl.AddRow("offset", sb.Offset)
	tbl.AddRow("curseg", sb.CurSeg)
	tbl.AddRow("nextseg", sb.NextSeg)
	tbl.AddRow("idaddr", sb.Idaddr)
	tbl.AddRow("nfiles", sb.Nfiles)
	tbl.AddRow("nclean", sb.Nclean)
	tbl.AddRow("avail", sb.Avail)
	tbl.AddRow("bfree", sb.Bfree)
	tbl.AddRow("pflags", fmt.Sprintf("%#x", sb.PFlags))
	tbl.AddRow("fmod", fs.al.Fmod())
	tbl.Print()
}

// DumpSegments prints the segment-usage table, skipping clean empty
// segments unless all is set.
func (fs *Fs) DumpSegments(w io.Writer, all bool) {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	fs.ifl.SegLock()
	defer fs.ifl.SegUnlock()
	tbl := mkTable(w, "seg", "flags", "nbytes", "nsums", "ninos", "lastmod")
	for sn := uint64(0); sn < fs.sb.Nseg; sn++ {
		su := fs.ifl.SegUse(sn)
		if !all && su.Flags&(ifile.SEGUSE_DIRTY|ifile.SEGUSE_ACTIVE) == 0 && su.Nbytes == 0 {
			continue
		}
		tbl.AddRow(sn, segFlags(su.Flags), su.Nbytes, su.Nsums, su.Ninos, su.Lastmod)
	}
	tbl.Print()
}

// DumpIfile prints the Ifile entries of allocated inodes and the free
// list bounds.
func (fs *Fs) DumpIfile(w io.Writer) {
	fs.opmu.Lock()
	defer fs.opmu.Unlock()
	fs.ifl.SegLock()
	defer fs.ifl.SegUnlock()
	fmt.Fprintf(w, "maxino %d free head %d tail %d\n",
		fs.ifl.Maxino(), fs.ifl.FreeHead(), fs.ifl.FreeTail())
	tbl := mkTable(w, "ino", "version", "daddr", "nextfree")
	for ino := common.FIRST_INUM; ino < fs.ifl.Maxino(); ino++ {
		e := fs.ifl.Entry(ino)
		if e.Daddr == common.UNUSED_DADDR {
			continue
		}
		next := fmt.Sprint(e.NextFree)
		if e.NextFree == common.ORPHAN_INUM {
			next = "orphan"
		}
		tbl.AddRow(ino, e.Version, e.Daddr, next)
	}
	tbl.Print()
}
