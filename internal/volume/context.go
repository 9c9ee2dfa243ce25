// Package volume holds the state of one UDF volume while it is created,
// checked or populated, and the address translation and allocation that every
// read and write goes through.
package volume

import (
	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/pktq"
)

// Context is everything known about an open volume. It is owned by the
// caller and handed to every operation; nothing here is shared between
// volumes.
type Context struct {
	IO        *pktq.Queue
	Geometry  device.Geometry
	BlockSize int
	Codec     udf.NameCodec
	// TZ is the timezone offset in minutes recorded in timestamps.
	TZ int

	// Revision is the minimum UDF write revision of the volume; it selects
	// FE or EFE and the descriptor tag version.
	Revision    uint16
	MaxRevision uint16
	Serial      uint16

	Anchor      *udf.AnchorVolumeDescriptorPointer
	Descriptors *udf.VolumeDescriptors
	Partitions  PartitionTable
	FileSet     *udf.FileSetDescriptor
	// FileSetLocation is the long_ad of the file set descriptor.
	FileSetLocation udf.LongAD
	Integrity       *udf.Integrity
	// IntegrityBlock is the physical block the current LVID was read from or
	// will be written to.
	IntegrityBlock uint32

	VAT *VAT
	// VATBlock is the location of the newest VAT entry, relative to the
	// partition backing the virtual one.
	VATBlock    uint32
	HasVATBlock bool

	Bitmaps map[uint16]*Bitmap

	NextUniqueID uint64
	Files        uint32
	Dirs         uint32

	// Cursor is the next unrecorded block of a sequentially recorded
	// partition, relative to that partition.
	Cursor uint32

	// dirty is set by every change since the last Sync.
	dirty bool
}

// New creates an empty context on dev. Open or a formatter fills it in.
func New(dev device.Device) *Context {
	g := dev.Geometry()
	return &Context{
		IO:           pktq.New(dev, 0),
		Geometry:     g,
		BlockSize:    g.SectorSize,
		Codec:        udf.DefaultCodec,
		Revision:     udf.DefaultMinReadRevision,
		MaxRevision:  udf.DefaultMaxWriteRevision,
		Serial:       1,
		Bitmaps:      make(map[uint16]*Bitmap),
		NextUniqueID: udf.MinUniqueID,
	}
}

// MarkDirty records a change that Sync has to write out, such as counters
// corrected without touching any block.
func (c *Context) MarkDirty() { c.dirty = true }

// Dirty reports whether anything changed since the last Sync.
func (c *Context) Dirty() bool { return c.dirty }

// DescriptorVersion is the tag version written on this volume.
func (c *Context) DescriptorVersion() uint16 {
	return udf.DescriptorVersionFor(c.Revision)
}

// Extended reports whether file entries are written as EFE.
func (c *Context) Extended() bool { return c.Revision >= 0x0200 }

// Virtual returns the VAT mapped partition, if any.
func (c *Context) Virtual() (*Partition, bool) {
	return c.Partitions.First(udf.MapVirtual)
}

// Sequential reports whether the data partition is recorded append-only.
func (c *Context) Sequential() bool {
	_, ok := c.Virtual()
	return ok
}

// NewUniqueID hands out the next unique id. The low 32 bits never fall
// below the reserved range, so FID copies of the id stay distinguishable.
func (c *Context) NewUniqueID() uint64 {
	if c.NextUniqueID&0xFFFFFFFF < udf.MinUniqueID {
		c.NextUniqueID = c.NextUniqueID&^0xFFFFFFFF | udf.MinUniqueID
	}
	id := c.NextUniqueID
	c.NextUniqueID++
	c.dirty = true
	return id
}
