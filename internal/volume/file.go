package volume

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// File represents a file in the UDF file system
type File struct {
	ctx             *Context
	Name            string
	ICB             udf.LongAD
	Characteristics uint8

	entry    *udf.Entry
	entryErr error
	once     sync.Once
}

// Directory represents a directory in the UDF file system
type Directory struct {
	File
	path    string
	records []*udf.FID

	recordsOnce sync.Once
	recordsErr  error
}

// Entry reads the file's entry once.
func (f *File) Entry() (*udf.Entry, error) {
	f.once.Do(func() {
		f.entry, f.entryErr = f.ctx.ReadEntry(f.ICB.ExtentLocation)
	})
	return f.entry, f.entryErr
}

// IsDir reports whether the record names a directory.
func (f *File) IsDir() bool { return f.Characteristics&udf.FileCharDirectory != 0 }

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	e, err := f.Entry()
	if err != nil {
		return 0
	}
	return int64(e.InformationLength)
}

// ModTime returns the modification time.
func (f *File) ModTime() time.Time {
	e, err := f.Entry()
	if err != nil {
		return time.Time{}
	}
	return e.ModificationTime.Time()
}

// Open opens the file for reading
func (f *File) Open() (io.ReadCloser, error) {
	e, err := f.Entry()
	if err != nil {
		return nil, err
	}
	return f.ctx.OpenEntry(e, f.ICB.ExtentLocation.PartitionReferenceNumber)
}

// Root returns the root directory of the file set.
func (c *Context) Root() (*Directory, error) {
	if c.FileSet == nil {
		return nil, fmt.Errorf("file set descriptor not loaded")
	}
	return &Directory{
		File: File{ctx: c, ICB: c.FileSet.RootDirectoryICB, Characteristics: udf.FileCharDirectory},
		path: "/",
	}, nil
}

// ReadDirectory resolves dirPath from the root.
func (c *Context) ReadDirectory(dirPath string) (*Directory, error) {
	dir, err := c.Root()
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(strings.Trim(dirPath, "/"), "/") {
		if part == "" {
			continue
		}
		dirs, err := dir.Directories()
		if err != nil {
			return nil, err
		}
		next := pick(dirs, part, func(d *Directory) string { return d.Name })
		if next == nil {
			return nil, fmt.Errorf("directory not found: %s", part)
		}
		dir = next
	}
	return dir, nil
}

// FindFile searches for a file by path. The last component may also name
// a directory.
func (c *Context) FindFile(filePath string) (*File, error) {
	dirPath, name := path.Split(strings.Trim(filePath, "/"))
	dir, err := c.ReadDirectory(dirPath)
	if err != nil {
		return nil, err
	}
	files, err := dir.Files()
	if err != nil {
		return nil, err
	}
	if f := pick(files, name, func(f *File) string { return f.Name }); f != nil {
		return f, nil
	}
	dirs, err := dir.Directories()
	if err != nil {
		return nil, err
	}
	if d := pick(dirs, name, func(d *Directory) string { return d.Name }); d != nil {
		return &d.File, nil
	}
	return nil, fmt.Errorf("file not found: %s", filePath)
}

// pick prefers an exact name match and falls back to a case-insensitive one.
func pick[T any](items []T, name string, key func(T) string) T {
	var zero T
	for _, it := range items {
		if key(it) == name {
			return it
		}
	}
	for _, it := range items {
		if strings.EqualFold(key(it), name) {
			return it
		}
	}
	return zero
}

// Path is the directory's path from the root.
func (d *Directory) Path() string { return d.path }

// Records returns the directory's FIDs, parent record included.
func (d *Directory) Records() ([]*udf.FID, error) {
	d.recordsOnce.Do(func() {
		e, err := d.Entry()
		if err != nil {
			d.recordsErr = err
			return
		}
		d.records, d.recordsErr = d.ctx.ReadStream(e, d.ICB.ExtentLocation.PartitionReferenceNumber)
	})
	return d.records, d.recordsErr
}

func (d *Directory) children(dirs bool) ([]*File, []*Directory, error) {
	recs, err := d.Records()
	if err != nil {
		return nil, nil, err
	}
	var files []*File
	var subdirs []*Directory
	for _, r := range recs {
		if r.IsDeleted() || r.IsParent() || r.IsDirectory() != dirs {
			continue
		}
		name, err := r.Name(d.ctx.Codec)
		if err != nil {
			name = fmt.Sprintf("invalid-name-%d", r.ICB.ExtentLocation.LogicalBlockNumber)
		}
		if dirs {
			subdirs = append(subdirs, &Directory{
				File: File{ctx: d.ctx, Name: name, ICB: r.ICB, Characteristics: r.FileCharacteristics},
				path: path.Join(d.path, name),
			})
		} else {
			files = append(files, &File{ctx: d.ctx, Name: name, ICB: r.ICB, Characteristics: r.FileCharacteristics})
		}
	}
	return files, subdirs, nil
}

// Files returns all files in the directory
func (d *Directory) Files() ([]*File, error) {
	files, _, err := d.children(false)
	return files, err
}

// Directories returns all subdirectories
func (d *Directory) Directories() ([]*Directory, error) {
	_, dirs, err := d.children(true)
	return dirs, err
}

// ReadStream decodes the FID stream of a directory entry.
func (c *Context) ReadStream(e *udf.Entry, defaultRef uint16) ([]*udf.FID, error) {
	data, err := c.ReadData(e, defaultRef)
	if err != nil {
		return nil, err
	}
	return udf.DecodeStream(data)
}

// ReadData returns the whole content of an entry.
func (c *Context) ReadData(e *udf.Entry, defaultRef uint16) ([]byte, error) {
	r, err := c.OpenEntry(e, defaultRef)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// OpenEntry returns a reader over an entry's data, inline or in extents.
func (c *Context) OpenEntry(e *udf.Entry, defaultRef uint16) (io.ReadCloser, error) {
	size := int64(e.InformationLength)
	if e.Inline() {
		data := e.AllocationDescriptors
		if int64(len(data)) > size {
			data = data[:size]
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	exts, err := e.Extents(defaultRef)
	if err != nil {
		return nil, err
	}
	spans := make([]span, 0, len(exts))
	var fileOff int64
	for _, x := range exts {
		if fileOff >= size {
			break
		}
		if x.Type == udf.ExtentNext {
			return nil, unsupported(x.Location.PartitionReferenceNumber, x.Location.LogicalBlockNumber,
				"allocation extent descriptors")
		}
		segLen := min(int64(x.Length), size-fileOff)
		spans = append(spans, span{
			fileStart: fileOff,
			fileEnd:   fileOff + segLen,
			ref:       x.Location.PartitionReferenceNumber,
			block:     x.Location.LogicalBlockNumber,
			sparse:    x.Type != udf.ExtentRecorded,
		})
		fileOff += segLen
	}
	return &extentReader{ctx: c, spans: spans, size: fileOff}, nil
}

type span struct {
	fileStart int64
	fileEnd   int64
	ref       uint16
	block     uint32
	// sparse extents are not recorded and read as zeros
	sparse bool
}

// maxReadBlocks bounds a single device read.
const maxReadBlocks = 256

type extentReader struct {
	ctx   *Context
	spans []span
	size  int64

	pos int64
	idx int
}

func (er *extentReader) Read(p []byte) (n int, err error) {
	bs := int64(er.ctx.BlockSize)
	for n < len(p) && er.pos < er.size {
		for er.idx < len(er.spans) && er.pos >= er.spans[er.idx].fileEnd {
			er.idx++
		}
		if er.idx >= len(er.spans) {
			break
		}
		s := er.spans[er.idx]
		want := min(int64(len(p)-n), s.fileEnd-er.pos, maxReadBlocks*bs)
		if s.sparse {
			clear(p[n : n+int(want)])
		} else {
			rel := er.pos - s.fileStart
			within := rel % bs
			blocks := (within + want + bs - 1) / bs
			buf, rerr := er.ctx.ReadBlocks(s.ref, s.block+uint32(rel/bs), int(blocks))
			if rerr != nil {
				return n, rerr
			}
			copy(p[n:n+int(want)], buf[within:])
		}
		n += int(want)
		er.pos += want
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (er *extentReader) Close() error { return nil }
