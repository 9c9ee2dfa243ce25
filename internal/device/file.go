package device

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

// Options control how a file or block device is opened.
type Options struct {
	ReadOnly bool
	// SectorSize overrides detection; 0 means detect, falling back to 2048.
	SectorSize int
	// Kind is the media type to emulate on a plain file.
	Kind Kind
	// PacketSize in blocks; 0 picks the media default.
	PacketSize uint32
	// Size in bytes for a new image. Ignored for existing files.
	Size int64
}

// FileDevice is an image file or a block device.
type FileDevice struct {
	file *os.File
	geom Geometry
}

// DefaultPacketSize returns the packet size of a media kind in 2048-byte blocks.
func DefaultPacketSize(k Kind) uint32 {
	switch k {
	case KindRewritable, KindWriteOnce:
		return 32
	case KindDVDRAM:
		return 16
	}
	return 1
}

// Open opens path as a medium. A missing file is created with opts.Size bytes.
func Open(path string, opts Options) (*FileDevice, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	create := false
	if _, err := os.Stat(path); os.IsNotExist(err) && !opts.ReadOnly && opts.Size > 0 {
		flag |= os.O_CREATE
		create = true
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(opts.Size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size %s: %w", path, err)
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	ss := opts.SectorSize
	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		if ss == 0 {
			if dss, err := sectorSizeOf(f); err == nil {
				ss = dss
			} else {
				glog.V(1).Infof("%s: sector size ioctl failed: %v", path, err)
			}
		}
		if size, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	if ss == 0 {
		ss = 2048
	}
	if size < int64(ss) {
		f.Close()
		return nil, fmt.Errorf("%s: %d bytes is smaller than one %d byte sector", path, size, ss)
	}

	kind := opts.Kind
	packet := opts.PacketSize
	if packet == 0 {
		packet = DefaultPacketSize(kind)
	}
	last := uint32(size/int64(ss)) - 1
	g := Geometry{
		SectorSize:   ss,
		LastBlock:    last,
		LastRecorded: last,
		PacketSize:   packet,
		Kind:         kind,
		Writable:     !opts.ReadOnly && kind != KindReadOnly,
	}
	if create {
		g.LastRecorded = 0
	}
	glog.V(1).Infof("%s: %d blocks of %d bytes, %s, packet %d", path, g.Blocks(), ss, kind, packet)
	return &FileDevice{file: f, geom: g}, nil
}

func (d *FileDevice) ReadBlocks(block uint32, count int) ([]byte, error) {
	if err := checkRange(d.geom, "read", block, count); err != nil {
		return nil, err
	}
	b := make([]byte, count*d.geom.SectorSize)
	sr := io.NewSectionReader(d.file, int64(block)*int64(d.geom.SectorSize), int64(len(b)))
	if _, err := io.ReadFull(sr, b); err != nil {
		return nil, &IOError{Op: "read", Block: block, Count: count, Err: err}
	}
	return b, nil
}

func (d *FileDevice) WriteBlocks(block uint32, data []byte) error {
	ss := d.geom.SectorSize
	count := len(data) / ss
	if len(data)%ss != 0 {
		return &IOError{Op: "write", Block: block, Count: count, Err: ErrUnaligned}
	}
	if !d.geom.Writable {
		return &IOError{Op: "write", Block: block, Count: count, Err: ErrReadOnly}
	}
	if err := checkRange(d.geom, "write", block, count); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(data, int64(block)*int64(ss)); err != nil {
		return &IOError{Op: "write", Block: block, Count: count, Err: err}
	}
	if end := block + uint32(count) - 1; count > 0 && end > d.geom.LastRecorded {
		d.geom.LastRecorded = end
	}
	return nil
}

func (d *FileDevice) Geometry() Geometry { return d.geom }

func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	if d.geom.Writable {
		if err := d.file.Sync(); err != nil {
			d.file.Close()
			return err
		}
	}
	return d.file.Close()
}
