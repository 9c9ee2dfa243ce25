package fsck

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/mkudf"
	"github.com/s0up4200/go-udftools/internal/settings"
	"github.com/s0up4200/go-udftools/internal/volume"
)

var mtime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func hardDisk() *device.MemDevice {
	return device.NewMem(device.Geometry{SectorSize: 2048, LastBlock: 4095, Kind: device.KindHardDisk, Writable: true})
}

// build formats dev and lets fill populate it.
func build(t *testing.T, dev device.Device, fill func(b *mkudf.Builder)) {
	t.Helper()
	c, err := mkudf.Format(dev, settings.Default())
	require.NoError(t, err)
	b := mkudf.NewBuilder(c, mkudf.Options{UID: -1, GID: -1})
	fill(b)
	require.NoError(t, b.Flush())
	require.NoError(t, c.Close())
}

func create(t *testing.T, b *mkudf.Builder, p string, size int) {
	t.Helper()
	data := bytes.Repeat([]byte{0x5A}, size)
	require.NoError(t, b.Create(p, bytes.NewReader(data), int64(size), 0o644, mtime))
}

func open(t *testing.T, dev device.Device) *volume.Context {
	t.Helper()
	c, err := volume.Open(dev, volume.Options{})
	require.NoError(t, err)
	return c
}

func lookup(t *testing.T, c *volume.Context, p string) (udf.LBAddr, *udf.Entry) {
	t.Helper()
	f, err := c.FindFile(p)
	require.NoError(t, err, p)
	e, err := f.Entry()
	require.NoError(t, err, p)
	return f.ICB.ExtentLocation, e
}

// tamper rewrites the entry at p behind the allocator's back.
func tamper(t *testing.T, dev device.Device, p string, fn func(c *volume.Context, e *udf.Entry)) {
	t.Helper()
	c := open(t, dev)
	loc, e := lookup(t, c, p)
	fn(c, e)
	require.NoError(t, c.WriteEntry(loc, e))
	require.NoError(t, c.IO.Drain())
	require.NoError(t, c.Discard())
}

func check(t *testing.T, dev device.Device, opts Options) (*Report, error) {
	t.Helper()
	c := open(t, dev)
	r, err := Check(c, opts)
	require.NoError(t, c.Discard())
	return r, err
}

func requireClean(t *testing.T, dev *device.MemDevice) {
	t.Helper()
	writes := dev.Writes
	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.True(t, r.Clean(), "%+v", r.Problems)
	assert.False(t, r.Modified)
	assert.Equal(t, writes, dev.Writes)
}

func TestCheck_CleanVolume(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		require.NoError(t, b.Mkdir("/sub", 0o755, mtime))
		create(t, b, "/sub/file", 5000)
		require.NoError(t, b.Link("/sub/file", "/link"))
		create(t, b, "/small", 10)
	})
	writes := dev.Writes
	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.True(t, r.Clean(), "%+v", r.Problems)
	assert.False(t, r.Modified)
	assert.Equal(t, uint32(2), r.Files)
	assert.Equal(t, uint32(2), r.Directories)
	assert.Equal(t, writes, dev.Writes, "a clean check writes nothing")
}

// A file with two names is one node with two links, and a directory counts
// the parent records of its subdirectories.
func TestPass1_LinkCounting(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		require.NoError(t, b.Mkdir("/sub", 0o755, mtime))
		create(t, b, "/sub/file", 5000)
		require.NoError(t, b.Link("/sub/file", "/link"))
	})
	c := open(t, dev)
	defer c.Discard()
	fileLoc, _ := lookup(t, c, "/sub/file")
	subLoc, _ := lookup(t, c, "/sub")

	ch := New(c, Options{ReadOnly: true})
	require.NoError(t, ch.prepare())
	require.NoError(t, ch.pass1())
	assert.Empty(t, ch.conflicts)

	i, ok := ch.a.lookup(fileLoc)
	require.True(t, ok)
	file := ch.a.nodes[i]
	assert.Equal(t, uint32(2), file.FoundLinks)
	assert.Len(t, file.refs, 2)
	assert.Equal(t, Accepted, file.State)

	j, ok := ch.a.lookup(subLoc)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ch.a.nodes[j].FoundLinks)
	assert.Equal(t, uint32(3), ch.a.nodes[0].FoundLinks, "root: itself, its own parent record and /sub's")
	assert.Len(t, ch.a.nodes, 3)
	assert.Equal(t, "/sub", ch.a.path(j))

	ch.pass2()
	assert.Equal(t, uint32(1), ch.files)
	assert.Equal(t, uint32(2), ch.dirs)
	for _, n := range ch.a.nodes {
		assert.Nil(t, n, "nothing to repair, nothing kept")
	}
}

func TestCheck_DamagedRecordDropped(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		require.NoError(t, b.Mkdir("/dir", 0o755, mtime))
		for i := 0; i < 60; i++ {
			create(t, b, fmt.Sprintf("/dir/file-%03d", i), 1)
		}
	})

	c := open(t, dev)
	dirLoc, e := lookup(t, c, "/dir")
	require.False(t, e.Inline())
	exts, err := e.Extents(dirLoc.PartitionReferenceNumber)
	require.NoError(t, err)
	phys, _, err := c.Translate(exts[0].Location.PartitionReferenceNumber, exts[0].Location.LogicalBlockNumber)
	require.NoError(t, err)
	require.NoError(t, c.Discard())
	// the parent record takes 40 bytes; damage the name of the first file
	dev.Poke(phys, 40+udf.FIDHeaderSize+2, []byte{0xEE})

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.True(t, r.Modified)
	assert.Equal(t, uint32(59), r.Files)
	assert.Zero(t, r.Unfixed(), "%+v", r.Problems)
	var dirProblem bool
	for _, p := range r.Problems {
		if p.Path == "/dir" {
			dirProblem = true
			assert.Contains(t, p.Detail, "damaged records")
		}
	}
	assert.True(t, dirProblem)

	c = open(t, dev)
	d, err := c.ReadDirectory("/dir")
	require.NoError(t, err)
	recs, err := d.Records()
	require.NoError(t, err)
	assert.Len(t, recs, 60, "parent record and 59 files")
	_, err = c.FindFile("/dir/file-000")
	assert.Error(t, err)
	_, err = c.FindFile("/dir/file-059")
	assert.NoError(t, err)
	assert.Equal(t, uint32(59), c.Files)
	require.NoError(t, c.Discard())

	requireClean(t, dev)
}

func TestCheck_OverlapStopsWithoutWriting(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/a", 5000)
		create(t, b, "/b", 5000)
	})
	c := open(t, dev)
	_, a := lookup(t, c, "/a")
	require.NoError(t, c.Discard())
	tamper(t, dev, "/b", func(_ *volume.Context, e *udf.Entry) {
		e.AllocationDescriptors = append([]byte(nil), a.AllocationDescriptors...)
	})

	writes := dev.Writes
	r, err := check(t, dev, Options{Auto: true})
	require.ErrorIs(t, err, ErrOverlap)
	require.Len(t, r.Overlaps, 1)
	o := r.Overlaps[0]
	assert.Equal(t, "/a", o.First)
	assert.Equal(t, "/b", o.Second)
	assert.Equal(t, uint32(3), o.Blocks)
	assert.False(t, r.Modified)
	assert.Equal(t, writes, dev.Writes)
}

func TestCheck_WrongLinkCount(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/f", 100)
	})
	tamper(t, dev, "/f", func(_ *volume.Context, e *udf.Entry) { e.FileLinkCount = 5 })

	writes := dev.Writes
	r, err := check(t, dev, Options{ReadOnly: true})
	require.NoError(t, err)
	require.Len(t, r.Problems, 1)
	assert.Equal(t, Problem{Path: "/f", Detail: "link count 5, found 1"}, r.Problems[0])
	assert.False(t, r.Modified)
	assert.Equal(t, writes, dev.Writes)

	r, err = check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.True(t, r.Problems[0].Fixed)
	assert.True(t, r.Modified)

	c := open(t, dev)
	_, e := lookup(t, c, "/f")
	assert.Equal(t, uint16(1), e.FileLinkCount)
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_PrompterDeclines(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/f", 100)
	})
	tamper(t, dev, "/f", func(_ *volume.Context, e *udf.Entry) { e.FileLinkCount = 3 })

	var asked []string
	writes := dev.Writes
	r, err := check(t, dev, Options{Prompter: PrompterFunc(func(q string) bool {
		asked = append(asked, q)
		return false
	})})
	require.NoError(t, err)
	require.Len(t, asked, 1)
	assert.True(t, strings.HasPrefix(asked[0], "/f: rewrite (dirty)"), asked[0])
	assert.Equal(t, 1, r.Unfixed())
	assert.False(t, r.Modified)
	assert.Equal(t, writes, dev.Writes)
}

func TestCheck_MissingEntryRemovesRecord(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/keep", 5000)
		create(t, b, "/gone", 5000)
	})
	c := open(t, dev)
	loc, _ := lookup(t, c, "/gone")
	phys, _, err := c.Translate(loc.PartitionReferenceNumber, loc.LogicalBlockNumber)
	require.NoError(t, err)
	require.NoError(t, c.Discard())
	dev.Poke(phys, 0, make([]byte, 2048))

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Files)
	assert.Zero(t, r.Unfixed(), "%+v", r.Problems)

	c = open(t, dev)
	_, err = c.FindFile("/gone")
	assert.Error(t, err)
	_, err = c.FindFile("/keep")
	assert.NoError(t, err)
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_DuplicateUniqueID(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/a", 10)
		create(t, b, "/b", 10)
	})
	c := open(t, dev)
	_, a := lookup(t, c, "/a")
	require.NoError(t, c.Discard())
	tamper(t, dev, "/b", func(_ *volume.Context, e *udf.Entry) { e.UniqueID = a.UniqueID })

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	assert.True(t, r.Modified)
	assert.Zero(t, r.Unfixed(), "%+v", r.Problems)

	c = open(t, dev)
	_, a = lookup(t, c, "/a")
	_, b := lookup(t, c, "/b")
	assert.NotEqual(t, a.UniqueID, b.UniqueID)
	f, err := c.FindFile("/b")
	require.NoError(t, err)
	rec := udf.FID{ICB: f.ICB}
	assert.Equal(t, uint32(b.UniqueID), rec.UniqueID(), "the record carries the new id")
	assert.Less(t, b.UniqueID, c.NextUniqueID)
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_HardLinkedDirectory(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		require.NoError(t, b.Mkdir("/d", 0o755, mtime))
		create(t, b, "/x", 10)
	})

	c := open(t, dev)
	root := c.FileSet.RootDirectoryICB.ExtentLocation
	e, err := c.ReadEntry(root)
	require.NoError(t, err)
	recs, err := c.ReadStream(e, root.PartitionReferenceNumber)
	require.NoError(t, err)
	var d *udf.FID
	for _, r := range recs {
		if name, _ := r.Name(c.Codec); name == "d" {
			d = r
		}
	}
	require.NotNil(t, d)
	again := *d
	again.Identifier, err = c.Codec.Encode("again")
	require.NoError(t, err)
	require.NoError(t, c.WriteDirectory(root, e, append(recs, &again)))
	require.NoError(t, c.IO.Drain())
	require.NoError(t, c.Discard())

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	var structural int
	for _, p := range r.Problems {
		if p.Structural {
			structural++
			assert.Equal(t, "/again", p.Path)
		}
	}
	assert.Equal(t, 1, structural)
	assert.Zero(t, r.Unfixed(), "%+v", r.Problems)

	c = open(t, dev)
	_, err = c.FindFile("/again")
	assert.Error(t, err)
	_, err = c.FindFile("/d")
	assert.NoError(t, err)
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_BitmapMismatch(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/f", 5000)
	})
	c := open(t, dev)
	loc, _ := lookup(t, c, "/f")
	// leak ten blocks far from anything in use
	require.NoError(t, c.MarkAllocated(loc.PartitionReferenceNumber, 2000, 10))
	require.NoError(t, c.Close())

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	require.NotEmpty(t, r.Problems)
	assert.Equal(t, "(space bitmap 0)", r.Problems[0].Path)
	assert.Contains(t, r.Problems[0].Detail, "10 blocks")
	assert.True(t, r.Modified)

	c = open(t, dev)
	assert.True(t, c.Bitmaps[0].IsFree(2000))
	assert.Equal(t, c.FreeBlocks(0), c.Integrity.FreeSpace[0])
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_StaleVATEntry(t *testing.T) {
	dev := device.NewMem(device.Geometry{SectorSize: 2048, LastBlock: 8191, PacketSize: 16, Kind: device.KindWriteOnce, Writable: true})
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/f", 3000)
	})
	c := open(t, dev)
	stale := uint32(c.VAT.Len())
	c.VAT.Update(stale, 5)
	require.NoError(t, c.Close())

	r, err := check(t, dev, Options{Auto: true})
	require.NoError(t, err)
	require.Len(t, r.Problems, 1, "%+v", r.Problems)
	assert.Equal(t, "(virtual allocation table)", r.Problems[0].Path)
	assert.True(t, r.Problems[0].Fixed)

	c = open(t, dev)
	_, ok := c.VAT.Lookup(stale)
	assert.False(t, ok)
	_, err = c.FindFile("/f")
	assert.NoError(t, err)
	require.NoError(t, c.Discard())
	requireClean(t, dev)
}

func TestCheck_ReadOnlyDevice(t *testing.T) {
	dev := hardDisk()
	build(t, dev, func(b *mkudf.Builder) {
		create(t, b, "/f", 100)
	})
	tamper(t, dev, "/f", func(_ *volume.Context, e *udf.Entry) { e.FileLinkCount = 2 })

	c := open(t, dev)
	c.Geometry.Writable = false
	writes := dev.Writes
	r, err := Check(c, Options{Auto: true})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Unfixed())
	assert.Equal(t, writes, dev.Writes)
}

func TestFacts(t *testing.T) {
	assert.False(t, Facts{}.Any())
	f := Facts{Dirty: true, Overlap: true}
	assert.True(t, f.Any())
	assert.True(t, f.repairs())
	assert.Equal(t, "dirty,overlap", f.String())
	assert.False(t, Facts{Keep: true, Overlap: true}.repairs())
}
