package volume

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/util"
)

// Run is a block range inside one partition.
type Run struct {
	Ref   uint16
	Start uint32
	Count uint32
}

func (r Run) End() uint32 { return r.Start + r.Count }

// Overlaps reports whether both runs claim a common block.
func (r Run) Overlaps(o Run) bool {
	return r.Ref == o.Ref && r.Count > 0 && o.Count > 0 && r.Start < o.End() && o.Start < r.End()
}

func (r Run) String() string {
	return fmt.Sprintf("%d:%d+%d", r.Ref, r.Start, r.Count)
}

// appendOnly reports whether ref is recorded through the sequential cursor.
func (c *Context) appendOnly(ref uint16) bool {
	v, ok := c.Virtual()
	return ok && v.Backing == ref
}

// MarkAllocated clears the free bits of count blocks from start. Virtual
// partitions have no bitmap; a missing bitmap keeps reporting no free space.
func (c *Context) MarkAllocated(ref uint16, start, count uint32) error {
	p, ok := c.Partitions.Get(ref)
	if !ok {
		return outOfRange(ref, start, "no such partition")
	}
	if p.Kind == udf.MapVirtual {
		return nil
	}
	c.dirty = true
	b := c.Bitmaps[ref]
	if b == nil {
		c.Bitmaps[ref] = MissingBitmap(p.Length)
		return nil
	}
	if _, err := b.Mark(start, count); err != nil {
		return &TranslationError{Ref: ref, Block: start, Err: ErrOutOfRange, Detail: err.Error()}
	}
	return nil
}

// CheckAllocated returns how many of the blocks are already allocated and
// the runs they form. Nothing is changed.
func (c *Context) CheckAllocated(ref uint16, start, count uint32) (uint32, []Run) {
	p, ok := c.Partitions.Get(ref)
	if !ok || p.Kind == udf.MapVirtual {
		return 0, nil
	}
	b := c.Bitmaps[ref]
	if b == nil {
		return 0, nil
	}
	runs := b.Used(start, count)
	var n uint32
	for i := range runs {
		runs[i].Ref = ref
		n += runs[i].Count
	}
	return n, runs
}

// Free releases count blocks from start.
func (c *Context) Free(ref uint16, start, count uint32) error {
	p, ok := c.Partitions.Get(ref)
	if !ok {
		return outOfRange(ref, start, "no such partition")
	}
	if p.Kind == udf.MapVirtual || c.appendOnly(ref) {
		return nil
	}
	c.dirty = true
	b := c.Bitmaps[ref]
	if b == nil {
		return nil
	}
	return b.Release(start, count)
}

// FreeBlocks is the free space of a partition as recorded in the LVID.
func (c *Context) FreeBlocks(ref uint16) uint32 {
	p, ok := c.Partitions.Get(ref)
	if !ok || p.Kind == udf.MapVirtual {
		return 0
	}
	if c.appendOnly(ref) {
		if c.Cursor >= p.Length {
			return 0
		}
		return p.Length - c.Cursor
	}
	if b := c.Bitmaps[ref]; b != nil {
		return b.Free()
	}
	return 0
}

// advance takes n blocks at the sequential cursor of ref.
func (c *Context) advance(ref uint16, n uint32) (uint32, error) {
	p, ok := c.Partitions.Get(ref)
	if !ok {
		return 0, outOfRange(ref, c.Cursor, "no such partition")
	}
	if uint64(c.Cursor)+uint64(n) > uint64(p.Length) {
		return 0, fmt.Errorf("volume: %d blocks at %d of partition %d: %w", n, c.Cursor, ref, ErrNoSpace)
	}
	loc := c.Cursor
	c.Cursor += n
	if b := c.Bitmaps[ref]; b != nil {
		b.Mark(loc, n)
	}
	return loc, nil
}

// closeSession moves the sequential cursor to the next packet boundary so a
// later session never shares a packet with blocks already recorded.
func (c *Context) closeSession() {
	if !c.Geometry.Sequential() {
		return
	}
	c.Cursor = util.AlignUp(c.Cursor, max(c.Geometry.PacketSize, 1))
}

// Allocate reserves count contiguous blocks in partition ref. Virtual
// partitions hand out new virtual blocks, the partition behind them is
// recorded at its cursor, everything else is first fit in the bitmap.
func (c *Context) Allocate(ref uint16, count uint32) (uint32, error) {
	p, ok := c.Partitions.Get(ref)
	if !ok {
		return 0, outOfRange(ref, 0, "no such partition")
	}
	c.dirty = true
	if p.Kind == udf.MapVirtual {
		if c.VAT == nil {
			c.VAT = NewVAT()
		}
		idx := uint32(c.VAT.Len())
		for i := uint32(0); i < count; i++ {
			c.VAT.Update(idx+i, udf.VATUnmapped)
		}
		return idx, nil
	}
	if c.appendOnly(ref) {
		return c.advance(ref, count)
	}
	if c.Geometry.Sequential() {
		return 0, unsupported(ref, 0, "write-once medium without a virtual partition")
	}
	b := c.Bitmaps[ref]
	if b == nil || b.Missing {
		return 0, fmt.Errorf("volume: partition %d has no usable space bitmap: %w", ref, ErrNoSpace)
	}
	start, ok := b.FindFree(count, 0)
	if !ok {
		return 0, fmt.Errorf("volume: %d contiguous blocks in partition %d: %w", count, ref, ErrNoSpace)
	}
	b.Mark(start, count)
	return start, nil
}

// AllocateRuns reserves count blocks, split over several runs when no
// contiguous range is left.
func (c *Context) AllocateRuns(ref uint16, count uint32) ([]Run, error) {
	if count == 0 {
		return nil, nil
	}
	start, err := c.Allocate(ref, count)
	if err == nil {
		return []Run{{Ref: ref, Start: start, Count: count}}, nil
	}
	b := c.Bitmaps[ref]
	if b == nil || b.Missing || c.appendOnly(ref) || b.Free() < count {
		return nil, err
	}
	var runs []Run
	left := count
	for i := uint32(0); i < b.Size() && left > 0; i++ {
		if !b.IsFree(i) {
			continue
		}
		if k := len(runs) - 1; k >= 0 && runs[k].End() == i {
			runs[k].Count++
		} else {
			runs = append(runs, Run{Ref: ref, Start: i, Count: 1})
		}
		left--
	}
	for _, r := range runs {
		b.Mark(r.Start, r.Count)
	}
	glog.V(2).Infof("partition %d: %d blocks split over %d runs", ref, count, len(runs))
	return runs, nil
}

// FixedClaims lists the blocks held by volume structures rather than by
// files: space bitmaps, metadata files and their extents, the file set
// descriptor and the newest VAT entry.
func (c *Context) FixedClaims() []Run {
	var runs []Run
	bs := uint32(c.BlockSize)
	for _, b := range c.Bitmaps {
		for _, x := range b.Storage {
			runs = append(runs, Run{Ref: b.Ref, Start: x.Location.LogicalBlockNumber, Count: x.Blocks(bs)})
		}
	}
	for _, p := range c.Partitions {
		if p.Kind != udf.MapMetadata {
			continue
		}
		for _, loc := range []uint32{p.Map.MetadataFileLocation, p.Map.MetadataMirrorFileLocation, p.Map.MetadataBitmapFileLocation} {
			if loc != udf.VATUnmapped {
				runs = append(runs, Run{Ref: p.Backing, Start: loc, Count: 1})
			}
		}
		seen := map[uint32]bool{}
		for _, exts := range [][]udf.Extent{p.MetadataExtents, p.MirrorExtents} {
			for _, x := range exts {
				if !seen[x.Location.LogicalBlockNumber] {
					seen[x.Location.LogicalBlockNumber] = true
					runs = append(runs, Run{Ref: p.Backing, Start: x.Location.LogicalBlockNumber, Count: x.Blocks(bs)})
				}
			}
		}
	}
	if c.FileSetLocation.ExtentLength != 0 {
		l := c.FileSetLocation.ExtentLocation
		runs = append(runs, Run{Ref: l.PartitionReferenceNumber, Start: l.LogicalBlockNumber, Count: 1})
	}
	if v, ok := c.Virtual(); ok && c.HasVATBlock {
		runs = append(runs, Run{Ref: v.Backing, Start: c.VATBlock, Count: 1})
	}
	return runs
}

// RebuildFromScratch resets every bitmap to all free and marks the fixed
// structures again. The caller then marks every live object.
func (c *Context) RebuildFromScratch() error {
	for _, b := range c.Bitmaps {
		b.Reset()
		if len(b.Storage) > 0 {
			b.Missing = false
		}
	}
	for _, r := range c.FixedClaims() {
		if err := c.MarkAllocated(r.Ref, r.Start, r.Count); err != nil {
			return fmt.Errorf("volume: fixed structure %s: %w", r, err)
		}
	}
	return nil
}

// loadBitmap reads an SBD stored in exts of partition ref.
func (c *Context) loadBitmap(ref uint16, exts []udf.Extent, size uint32) (*Bitmap, error) {
	bs := uint32(c.BlockSize)
	var data []byte
	for _, x := range exts {
		b, err := c.ReadBlocks(ref, x.Location.LogicalBlockNumber, int(x.Blocks(bs)))
		if err != nil {
			return nil, err
		}
		data = append(data, b...)
	}
	if len(exts) == 0 {
		return nil, fmt.Errorf("volume: bitmap without extents")
	}
	d, err := udf.DecodeAt(data, exts[0].Location.LogicalBlockNumber)
	if err != nil {
		return nil, err
	}
	sb, ok := d.(*udf.SpaceBitmap)
	if !ok {
		return nil, fmt.Errorf("volume: tag %d where a space bitmap was expected", d.DescTag().TagIdentifier)
	}
	if sb.NumberOfBits != size {
		glog.Warningf("partition %d: space bitmap covers %d blocks, partition has %d", ref, sb.NumberOfBits, size)
	}
	b := BitmapFromSBD(sb)
	b.Ref, b.Storage = ref, exts
	return b, nil
}

// WriteBitmaps records every bitmap that has a location on the medium.
func (c *Context) WriteBitmaps() error {
	bs := uint32(c.BlockSize)
	for _, b := range c.Bitmaps {
		if len(b.Storage) == 0 || b.Missing {
			continue
		}
		data := b.Marshal(c.DescriptorVersion())
		data = append(data, make([]byte, udf.RoundToSectors(len(data), c.BlockSize)-len(data))...)
		udf.Stamp(data, b.Storage[0].Location.LogicalBlockNumber)
		for _, x := range b.Storage {
			n := min(x.Blocks(bs)*bs, uint32(len(data)))
			if n == 0 {
				break
			}
			if err := c.WriteBlocks(b.Ref, x.Location.LogicalBlockNumber, data[:n]); err != nil {
				return fmt.Errorf("volume: write space bitmap: %w", err)
			}
			data = data[n:]
		}
	}
	return nil
}
