package volume

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// Options control how an existing volume is opened.
type Options struct {
	Codec udf.NameCodec
	// TZ is the timezone offset in minutes for new timestamps.
	TZ int
}

// maxIntegrityHops bounds the integrity sequence chain.
const maxIntegrityHops = 16

// Open reads the volume structures of dev into a new context.
func Open(dev device.Device, opts Options) (*Context, error) {
	c := New(dev)
	if opts.Codec != nil {
		c.Codec = opts.Codec
	}
	c.TZ = opts.TZ

	r := udf.NewReader(c.IO, c.BlockSize, c.Geometry.LastBlock)
	anchor, vds, err := r.ReadVolume()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotUDF, err)
	}
	c.Anchor, c.Descriptors = anchor, vds
	lv := vds.Logical
	if int(lv.LogicalBlockSize) != c.BlockSize {
		return nil, fmt.Errorf("volume: logical block size %d on %d byte sectors: %w",
			lv.LogicalBlockSize, c.BlockSize, ErrUnsupported)
	}
	if !lv.DomainIdentifier.Is(udf.DomainOSTACompliant) {
		glog.Warningf("logical volume domain is %q", lv.DomainIdentifier.String())
	}
	if rev := lv.DomainIdentifier.Revision(); rev != 0 {
		c.Revision = rev
	}
	c.Serial = max(vds.HighestSerial, 1)

	if c.Partitions, err = BuildPartitions(lv.Maps, vds.Partitions); err != nil {
		return nil, err
	}
	if err := c.loadIntegrity(lv.IntegritySequenceExtent); err != nil {
		glog.Warningf("integrity sequence: %v", err)
	}

	for _, p := range c.Partitions {
		switch p.Kind {
		case udf.MapSparing:
			if err := c.loadSparing(p); err != nil {
				glog.Warning(err)
			}
			c.loadPartitionBitmap(p)
		case udf.MapPhysical:
			c.loadPartitionBitmap(p)
		}
	}
	for _, p := range c.Partitions {
		switch p.Kind {
		case udf.MapVirtual:
			if err := c.findVAT(p); err != nil {
				return nil, err
			}
		case udf.MapMetadata:
			if err := c.loadMetadata(p); err != nil {
				return nil, err
			}
		}
	}

	c.FileSetLocation = lv.FileSetLocation()
	fsl := c.FileSetLocation.ExtentLocation
	d, err := c.ReadDescriptor(fsl.PartitionReferenceNumber, fsl.LogicalBlockNumber)
	if err != nil {
		return nil, fmt.Errorf("volume: file set descriptor: %w", err)
	}
	fsd, ok := d.(*udf.FileSetDescriptor)
	if !ok {
		return nil, fmt.Errorf("volume: tag %d where the file set descriptor was expected", d.DescTag().TagIdentifier)
	}
	c.FileSet = fsd
	glog.V(1).Infof("opened %q: revision %x, %d partitions", c.Label(), c.Revision, len(c.Partitions))
	return c, nil
}

// loadIntegrity follows the integrity sequence and keeps the last valid LVID.
func (c *Context) loadIntegrity(extent udf.ExtentAD) error {
	var errs []error
	for hop := 0; extent.Length > 0 && hop < maxIntegrityHops; hop++ {
		var next udf.ExtentAD
		blocks := uint32(udf.RoundToSectors(int(extent.Length), c.BlockSize) / c.BlockSize)
	walk:
		for i := uint32(0); i < blocks; i++ {
			loc := extent.Location + i
			d, err := c.ReadDescriptor(RawPartition, loc)
			if err != nil {
				if c.Integrity == nil {
					errs = append(errs, err)
				}
				break
			}
			switch d := d.(type) {
			case *udf.Integrity:
				c.Integrity, c.IntegrityBlock = d, loc
				next = d.NextIntegrityExtent
			default:
				break walk
			}
		}
		extent = next
	}
	if c.Integrity == nil {
		c.IntegrityBlock = c.Descriptors.Logical.IntegritySequenceExtent.Location
		return fmt.Errorf("volume: no logical volume integrity descriptor: %w", errors.Join(errs...))
	}
	lvid := c.Integrity
	if lvid.IntegrityType != udf.IntegrityClose {
		glog.Warningf("volume was not closed cleanly")
	}
	c.NextUniqueID = max(lvid.NextUniqueID(), udf.MinUniqueID)
	c.Files, c.Dirs = lvid.Info.NumberOfFiles, lvid.Info.NumberOfDirectories
	if lvid.Info.MinimumUDFWriteRevision != 0 {
		c.Revision = max(c.Revision, lvid.Info.MinimumUDFWriteRevision)
	}
	if lvid.Info.MaximumUDFWriteRevision != 0 {
		c.MaxRevision = lvid.Info.MaximumUDFWriteRevision
	}
	return nil
}

// loadPartitionBitmap reads the unallocated space bitmap named in the
// partition header. Tables and freed space maps are detected and ignored.
func (c *Context) loadPartitionBitmap(p *Partition) {
	pd := c.Descriptors.Partition(p.Number)
	if pd == nil {
		return
	}
	h := pd.Header()
	for _, u := range []struct {
		name string
		ad   udf.ShortAD
	}{{"unallocated space table", h.UnallocatedSpaceTable}, {"freed space table", h.FreedSpaceTable}, {"freed space bitmap", h.FreedSpaceBitmap}} {
		if u.ad.ExtentLength&udf.ExtentLengthMask != 0 {
			glog.Warningf("partition %d: %s is %v, ignored", p.Ref, u.name, ErrUnsupported)
		}
	}
	l := h.UnallocatedSpaceBitmap.ExtentLength & udf.ExtentLengthMask
	switch {
	case l != 0:
		exts := []udf.Extent{{Type: udf.ExtentRecorded, Length: l,
			Location: udf.LBAddr{LogicalBlockNumber: h.UnallocatedSpaceBitmap.ExtentPosition, PartitionReferenceNumber: p.Ref}}}
		b, err := c.loadBitmap(p.Ref, exts, p.Length)
		if err != nil {
			glog.Warningf("partition %d: space bitmap unreadable: %v", p.Ref, err)
			b = MissingBitmap(p.Length)
			b.Ref, b.Storage = p.Ref, exts
		}
		c.Bitmaps[p.Ref] = b
	case c.appendOnly(p.Ref):
		b := NewBitmap(p.Length)
		b.Ref = p.Ref
		c.Bitmaps[p.Ref] = b
	default:
		b := MissingBitmap(p.Length)
		b.Ref = p.Ref
		c.Bitmaps[p.Ref] = b
	}
}

// Label returns the logical volume identifier.
func (c *Context) Label() string {
	if c.Descriptors == nil || c.Descriptors.Logical == nil {
		return ""
	}
	return udf.DecodeDString(c.Codec, c.Descriptors.Logical.LogicalVolumeIdentifier[:])
}
