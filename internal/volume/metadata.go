package volume

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

func (c *Context) translateMetadata(p *Partition, block uint32) (uint32, uint32, error) {
	exts := p.MetadataExtents
	if len(exts) == 0 {
		exts = p.MirrorExtents
	}
	bs := uint32(c.BlockSize)
	var acc uint32
	for _, x := range exts {
		if x.Type == udf.ExtentNext {
			return 0, 0, unsupported(p.Ref, block, "metadata file continues in an allocation extent")
		}
		n := x.Blocks(bs)
		if block < acc+n {
			in := block - acc
			phys, run, err := c.Translate(p.Backing, x.Location.LogicalBlockNumber+in)
			if err != nil {
				return 0, 0, err
			}
			return phys, min(run, n-in), nil
		}
		acc += n
	}
	return 0, 0, outOfRange(p.Ref, block, fmt.Sprintf("metadata file has %d blocks", acc))
}

// loadMetadata reads the metadata, mirror and bitmap file entries of p.
// A damaged main file falls back to the mirror and the other way round.
func (c *Context) loadMetadata(p *Partition) error {
	read := func(loc uint32) ([]udf.Extent, error) {
		e, err := c.ReadEntry(udf.LBAddr{LogicalBlockNumber: loc, PartitionReferenceNumber: p.Backing})
		if err != nil {
			return nil, err
		}
		return e.Extents(p.Backing)
	}
	main, mainErr := read(p.Map.MetadataFileLocation)
	mirror, mirrorErr := read(p.Map.MetadataMirrorFileLocation)
	switch {
	case mainErr != nil && mirrorErr != nil:
		return fmt.Errorf("volume: metadata file: %w; mirror: %w", mainErr, mirrorErr)
	case mainErr != nil:
		glog.Warningf("metadata file unreadable, using mirror: %v", mainErr)
		main = mirror
	case mirrorErr != nil:
		glog.Warningf("metadata mirror file unreadable: %v", mirrorErr)
		mirror = main
	}
	p.MetadataExtents, p.MirrorExtents = main, mirror
	p.MetadataBlocks = 0
	for _, x := range main {
		p.MetadataBlocks += x.Blocks(uint32(c.BlockSize))
	}
	p.Length = p.MetadataBlocks

	if p.Map.MetadataBitmapFileLocation == udf.VATUnmapped {
		return nil
	}
	bm, err := read(p.Map.MetadataBitmapFileLocation)
	if err != nil {
		glog.Warningf("metadata bitmap file unreadable: %v", err)
		c.Bitmaps[p.Ref] = MissingBitmap(p.MetadataBlocks)
		return nil
	}
	b, err := c.loadBitmap(p.Backing, bm, p.MetadataBlocks)
	if err != nil {
		glog.Warningf("metadata bitmap unreadable: %v", err)
		b = MissingBitmap(p.MetadataBlocks)
	}
	c.Bitmaps[p.Ref] = b
	return nil
}

// metadataFileEntry builds the entry of one of the three metadata files.
func (c *Context) metadataFileEntry(fileType uint8, exts []udf.Extent) *udf.Entry {
	e := c.NewEntry(fileType, 0)
	e.SetAllocType(udf.ICBFlagShortAD)
	e.SetExtents(exts)
	var size uint64
	for _, x := range exts {
		size += uint64(x.Length)
	}
	e.InformationLength, e.ObjectSize = size, size
	e.LogicalBlocksRecorded = uint64(RecordedBlocks(exts, uint32(c.BlockSize)))
	e.FileLinkCount = 1
	e.UniqueID = 0
	return e
}

// WriteMetadataFiles records the metadata and mirror file entries, and the
// metadata bitmap file entry when the bitmap has a location.
func (c *Context) WriteMetadataFiles(p *Partition) error {
	at := func(loc uint32) udf.LBAddr {
		return udf.LBAddr{LogicalBlockNumber: loc, PartitionReferenceNumber: p.Backing}
	}
	if err := c.WriteEntry(at(p.Map.MetadataFileLocation), c.metadataFileEntry(udf.ICBFileTypeMetadata, p.MetadataExtents)); err != nil {
		return err
	}
	if err := c.WriteEntry(at(p.Map.MetadataMirrorFileLocation), c.metadataFileEntry(udf.ICBFileTypeMetadataMirror, p.MirrorExtents)); err != nil {
		return err
	}
	bm := c.Bitmaps[p.Ref]
	if bm == nil || len(bm.Storage) == 0 || p.Map.MetadataBitmapFileLocation == udf.VATUnmapped {
		return nil
	}
	return c.WriteEntry(at(p.Map.MetadataBitmapFileLocation), c.metadataFileEntry(udf.ICBFileTypeMetadataBitmap, bm.Storage))
}

// mirrorMetadata copies the metadata extent onto its mirror.
func (c *Context) mirrorMetadata(p *Partition) error {
	if len(p.MirrorExtents) == 0 || p.MetadataBlocks == 0 {
		return nil
	}
	data, err := c.ReadBlocks(p.Ref, 0, int(p.MetadataBlocks))
	if err != nil {
		return err
	}
	bs := uint32(c.BlockSize)
	for _, x := range p.MirrorExtents {
		n := x.Blocks(bs)
		if uint32(len(data)) < n*bs {
			n = uint32(len(data)) / bs
		}
		if err := c.WriteBlocks(p.Backing, x.Location.LogicalBlockNumber, data[:n*bs]); err != nil {
			return err
		}
		data = data[n*bs:]
	}
	return nil
}
