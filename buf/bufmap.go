package buf

//
// A map from block addresses to bufs.
//

type BufMap struct {
	addrs map[uint64]*Buf
}

func MkBufMap() *BufMap {
	a := &BufMap{
		addrs: make(map[uint64]*Buf),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	bmap.addrs[buf.Addr] = buf
}

func (bmap *BufMap) Lookup(addr uint64) *Buf {
	return bmap.addrs[addr]
}

func (bmap *BufMap) Del(addr uint64) {
	delete(bmap.addrs, addr)
}

func (bmap *BufMap) Len() uint64 {
	return uint64(len(bmap.addrs))
}

func (bmap *BufMap) Nref() uint64 {
	n := uint64(0)
	for _, b := range bmap.addrs {
		if b.ref > 0 {
			n += 1
		}
	}
	return n
}

func (bmap *BufMap) Bufs() []*Buf {
	bufs := make([]*Buf, 0, len(bmap.addrs))
	for _, b := range bmap.addrs {
		bufs = append(bufs, b)
	}
	return bufs
}
