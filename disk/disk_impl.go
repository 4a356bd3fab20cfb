package disk

import (
	"fmt"

	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	numBlocks uint64
}

func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &fileDisk{fd, numBlocks}, nil
}

// OpenFileDisk opens an existing image, sizing the disk from the file.
func OpenFileDisk(path string) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &fileDisk{fd, uint64(stat.Size) / BlockSize}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return fmt.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds read at %v", a)
	}
	n, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("read %d: %w", a, err)
	}
	if uint64(n) != BlockSize {
		return fmt.Errorf("short read at %d: %d bytes", a, n)
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("v is not block sized (%d bytes)", len(v))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds write at %v", a)
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("write %d: %w", a, err)
	}
	return nil
}

func (d *fileDisk) WriteBatch(startPos uint64, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	if startPos+uint64(len(blocks)) > d.numBlocks {
		return fmt.Errorf("out-of-bounds write at %v+%d", startPos, len(blocks))
	}
	data := make([]byte, 0, uint64(len(blocks))*BlockSize)
	for _, b := range blocks {
		if uint64(len(b)) != BlockSize {
			return fmt.Errorf("v is not block sized (%d bytes)", len(b))
		}
		data = append(data, b...)
	}
	_, err := unix.Pwrite(d.fd, data, int64(startPos*BlockSize))
	return err
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	return unix.Fsync(d.fd)
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

var _ Disk = memDisk{}

// memDisk bounds-checks requests before handing them to the goose memory
// disk, which panics on bad addresses.
type memDisk struct {
	d         gdisk.MemDisk
	numBlocks uint64
}

func NewMemDisk(numBlocks uint64) Disk {
	return memDisk{d: gdisk.NewMemDisk(numBlocks), numBlocks: numBlocks}
}

func (d memDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return fmt.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds read at %v", a)
	}
	d.d.ReadTo(a, buf)
	return nil
}

func (d memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d memDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("v is not block-sized (%d bytes)", len(v))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds write at %v", a)
	}
	d.d.Write(a, v)
	return nil
}

func (d memDisk) WriteBatch(startPos uint64, blocks []Block) error {
	for i, buf := range blocks {
		if err := d.Write(startPos+uint64(i), buf); err != nil {
			return err
		}
	}
	return nil
}

func (d memDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d memDisk) Barrier() error { return nil }

func (d memDisk) Close() error { return nil }
