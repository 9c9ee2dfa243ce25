package mkudf

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"

	hostfs "github.com/s0up4200/go-udftools/internal/fs"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// maxExtentBytes is the largest block aligned length an allocation
// descriptor can carry.
func maxExtentBytes(bs int) uint32 {
	return (udf.ExtentLengthMask + 1) - uint32(bs)
}

// chunkBlocks bounds the buffer used to copy file data.
const chunkBlocks = 256

// Options control ownership of created objects. Negative ids are recorded
// as "not specified".
type Options struct {
	UID int
	GID int
}

type dirNode struct {
	path    string
	icb     udf.LongAD
	entry   *udf.Entry
	records []*udf.FID
	dirty   bool
}

// Builder adds directories, files and hard links to a volume. Directory
// streams are kept in memory and written by Flush.
type Builder struct {
	ctx  *volume.Context
	opts Options
	dirs map[string]*dirNode
	// copied maps source objects already populated to their first path.
	copied map[hostfs.LinkKey]string
}

// NewBuilder returns a builder for the volume in c. The root directory must
// already exist.
func NewBuilder(c *volume.Context, opts Options) *Builder {
	return newBuilder(c, opts)
}

func newBuilder(c *volume.Context, opts Options) *Builder {
	return &Builder{ctx: c, opts: opts, dirs: make(map[string]*dirNode)}
}

func clean(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

func (b *Builder) owner(e *udf.Entry) {
	if b.opts.UID >= 0 {
		e.UID = uint32(b.opts.UID)
	}
	if b.opts.GID >= 0 {
		e.GID = uint32(b.opts.GID)
	}
}

func (b *Builder) newEntry(fileType uint8, perm fs.FileMode, mtime time.Time) *udf.Entry {
	e := b.ctx.NewEntry(fileType, perm)
	e.Tag.TagSerialNumber = b.ctx.Serial
	b.owner(e)
	if !mtime.IsZero() {
		ts := udf.NewTimestamp(mtime, b.ctx.TZ)
		e.ModificationTime, e.AccessTime, e.AttributeTime = ts, ts, ts
	}
	return e
}

func (b *Builder) newFID(name []byte, chars uint8, icb udf.LongAD, uniqueID uint64) *udf.FID {
	f := &udf.FID{
		Tag:                 udf.Tag{TagIdentifier: udf.TagFileIdentifier, DescriptorVersion: b.ctx.DescriptorVersion(), TagSerialNumber: b.ctx.Serial},
		FileVersionNumber:   1,
		FileCharacteristics: chars,
		ICB:                 icb,
		Identifier:          name,
	}
	f.SetUniqueID(uint32(uniqueID))
	return f
}

// allocEntry reserves one block for a file entry in the file set partition.
func (b *Builder) allocEntry() (udf.LongAD, error) {
	ref := b.ctx.Partitions.FileSetRef()
	loc, err := b.ctx.Allocate(ref, 1)
	if err != nil {
		return udf.LongAD{}, err
	}
	return udf.LongAD{
		ExtentLength:   uint32(b.ctx.BlockSize),
		ExtentLocation: udf.LBAddr{LogicalBlockNumber: loc, PartitionReferenceNumber: ref},
	}, nil
}

// createRoot records an empty root directory where the file set points.
func (b *Builder) createRoot() error {
	c := b.ctx
	icb := c.FileSet.RootDirectoryICB
	e := b.newEntry(udf.ICBFileTypeDirectory, 0o755, time.Now())
	e.FileLinkCount = 1
	e.UniqueID = 0
	root := &dirNode{path: "/", icb: icb, entry: e, dirty: true}
	root.records = []*udf.FID{b.newFID(nil, udf.FileCharDirectory|udf.FileCharParent, icb, 0)}
	b.dirs["/"] = root
	c.Dirs = 1
	return b.Flush()
}

// dir returns the directory at p, reading it from the volume on first use.
func (b *Builder) dir(p string) (*dirNode, error) {
	p = clean(p)
	if d, ok := b.dirs[p]; ok {
		return d, nil
	}
	c := b.ctx
	if p == "/" {
		icb := c.FileSet.RootDirectoryICB
		return b.load(p, icb)
	}
	parent, err := b.dir(path.Dir(p))
	if err != nil {
		return nil, err
	}
	r, err := b.lookup(parent, path.Base(p))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("mkudf: %s: %w", p, fs.ErrNotExist)
	}
	if !r.IsDirectory() {
		return nil, fmt.Errorf("mkudf: %s is not a directory", p)
	}
	return b.load(p, r.ICB)
}

func (b *Builder) load(p string, icb udf.LongAD) (*dirNode, error) {
	e, err := b.ctx.ReadEntry(icb.ExtentLocation)
	if err != nil {
		return nil, err
	}
	recs, err := b.ctx.ReadStream(e, icb.ExtentLocation.PartitionReferenceNumber)
	if err != nil {
		return nil, fmt.Errorf("mkudf: directory %s: %w", p, err)
	}
	d := &dirNode{path: p, icb: icb, entry: e, records: recs}
	b.dirs[p] = d
	return d, nil
}

// lookup finds the live record called name in d.
func (b *Builder) lookup(d *dirNode, name string) (*udf.FID, error) {
	for _, r := range d.records {
		if r.IsDeleted() || r.IsParent() {
			continue
		}
		n, err := r.Name(b.ctx.Codec)
		if err != nil {
			continue
		}
		if n == name {
			return r, nil
		}
	}
	return nil, nil
}

// prepare resolves the parent of p and checks that the name is free.
func (b *Builder) prepare(p string) (*dirNode, string, []byte, error) {
	p = clean(p)
	if p == "/" {
		return nil, "", nil, fmt.Errorf("mkudf: /: %w", fs.ErrExist)
	}
	parent, err := b.dir(path.Dir(p))
	if err != nil {
		return nil, "", nil, err
	}
	name := path.Base(p)
	existing, err := b.lookup(parent, name)
	if err != nil {
		return nil, "", nil, err
	}
	if existing != nil {
		return nil, "", nil, fmt.Errorf("mkudf: %s: %w", p, fs.ErrExist)
	}
	enc, err := b.ctx.Codec.Encode(name)
	if err != nil {
		return nil, "", nil, fmt.Errorf("mkudf: %s: %w", p, err)
	}
	return parent, p, enc, nil
}

// Mkdir creates one directory. Its parent must exist.
func (b *Builder) Mkdir(p string, perm fs.FileMode, mtime time.Time) error {
	parent, p, name, err := b.prepare(p)
	if err != nil {
		return err
	}
	icb, err := b.allocEntry()
	if err != nil {
		return fmt.Errorf("mkudf: %s: %w", p, err)
	}
	e := b.newEntry(udf.ICBFileTypeDirectory, perm, mtime)
	e.FileLinkCount = 1
	e.UniqueID = b.ctx.NewUniqueID()
	d := &dirNode{path: p, icb: icb, entry: e, dirty: true}
	d.records = []*udf.FID{b.newFID(nil, udf.FileCharDirectory|udf.FileCharParent, parent.icb, parent.entry.UniqueID)}
	b.dirs[p] = d

	parent.records = append(parent.records, b.newFID(name, udf.FileCharDirectory, icb, e.UniqueID))
	parent.entry.FileLinkCount++
	parent.dirty = true
	b.ctx.Dirs++
	glog.V(2).Infof("mkdir %s at %d:%d", p, icb.ExtentLocation.PartitionReferenceNumber, icb.ExtentLocation.LogicalBlockNumber)
	return nil
}

// MkdirAll creates p and every missing parent.
func (b *Builder) MkdirAll(p string, perm fs.FileMode) error {
	p = clean(p)
	if p == "/" {
		return nil
	}
	if _, err := b.dir(p); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := b.MkdirAll(path.Dir(p), perm); err != nil {
		return err
	}
	return b.Mkdir(p, perm, time.Time{})
}

// Create records a regular file of size bytes read from r.
func (b *Builder) Create(p string, r io.Reader, size int64, perm fs.FileMode, mtime time.Time) error {
	parent, p, name, err := b.prepare(p)
	if err != nil {
		return err
	}
	icb, err := b.allocEntry()
	if err != nil {
		return fmt.Errorf("mkudf: %s: %w", p, err)
	}
	e := b.newEntry(udf.ICBFileTypeFile, perm, mtime)
	e.FileLinkCount = 1
	e.UniqueID = b.ctx.NewUniqueID()
	if err := b.writeData(e, r, size); err != nil {
		return fmt.Errorf("mkudf: %s: %w", p, err)
	}
	if err := b.ctx.WriteEntry(icb.ExtentLocation, e); err != nil {
		return fmt.Errorf("mkudf: %s: %w", p, err)
	}
	parent.records = append(parent.records, b.newFID(name, 0, icb, e.UniqueID))
	parent.dirty = true
	b.ctx.Files++
	glog.V(2).Infof("create %s, %d bytes", p, size)
	return nil
}

// Link adds another name for the regular file at target.
func (b *Builder) Link(target, linkPath string) error {
	target = clean(target)
	src, err := b.dir(path.Dir(target))
	if err != nil {
		return err
	}
	r, err := b.lookup(src, path.Base(target))
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("mkudf: %s: %w", target, fs.ErrNotExist)
	}
	if r.IsDirectory() {
		return fmt.Errorf("mkudf: %s: hard links to directories are not allowed", target)
	}
	parent, linkPath, name, err := b.prepare(linkPath)
	if err != nil {
		return err
	}
	e, err := b.ctx.ReadEntry(r.ICB.ExtentLocation)
	if err != nil {
		return err
	}
	e.FileLinkCount++
	if err := b.ctx.WriteEntry(r.ICB.ExtentLocation, e); err != nil {
		return err
	}
	parent.records = append(parent.records, b.newFID(name, 0, r.ICB, e.UniqueID))
	parent.dirty = true
	glog.V(2).Infof("link %s -> %s", linkPath, target)
	return nil
}

// writeData stores size bytes from r as the content of e, inline when they
// fit in the entry block.
func (b *Builder) writeData(e *udf.Entry, r io.Reader, size int64) error {
	c := b.ctx
	bs := c.BlockSize
	e.InformationLength, e.ObjectSize = uint64(size), uint64(size)
	if size <= int64(e.InlineCapacity(bs)) {
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		e.SetAllocType(udf.ICBFlagInICB)
		e.AllocationDescriptors = data
		e.LogicalBlocksRecorded = 0
		return nil
	}

	ref := c.Partitions.DataRef()
	blocks := uint32((size + int64(bs) - 1) / int64(bs))
	runs, err := c.AllocateRuns(ref, blocks)
	if err != nil {
		return err
	}
	var exts []udf.Extent
	buf := make([]byte, chunkBlocks*bs)
	left := size
	limit := maxExtentBytes(bs)
	for _, run := range runs {
		runBytes := min(int64(run.Count)*int64(bs), left)
		// one extent per limit sized slice of the run
		for off := int64(0); off < runBytes; off += int64(limit) {
			n := min(int64(limit), runBytes-off)
			exts = append(exts, udf.Extent{
				Type:     udf.ExtentRecorded,
				Length:   uint32(n),
				Location: udf.LBAddr{LogicalBlockNumber: run.Start + uint32(off/int64(bs)), PartitionReferenceNumber: ref},
			})
		}
		for done := int64(0); done < runBytes; {
			n := min(int64(len(buf)), runBytes-done)
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return fmt.Errorf("read after %d of %d bytes: %w", size-left+done, size, err)
			}
			block := run.Start + uint32(done/int64(bs))
			if err := c.WriteBlocks(ref, block, buf[:n]); err != nil {
				return err
			}
			done += n
		}
		left -= runBytes
	}
	e.SetAllocType(udf.ICBFlagLongAD)
	e.SetExtents(exts)
	e.LogicalBlocksRecorded = uint64(blocks)
	return nil
}

// Flush writes every changed directory stream and entry.
func (b *Builder) Flush() error {
	paths := make([]string, 0, len(b.dirs))
	for p, d := range b.dirs {
		if d.dirty {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		d := b.dirs[p]
		if err := b.writeDir(d); err != nil {
			return fmt.Errorf("mkudf: directory %s: %w", p, err)
		}
		d.dirty = false
	}
	return nil
}

// writeDir lays out the records of d and records its entry in the file set
// partition.
func (b *Builder) writeDir(d *dirNode) error {
	return b.ctx.WriteDirectory(d.icb.ExtentLocation, d.entry, d.records)
}
