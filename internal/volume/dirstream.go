package volume

import (
	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// WriteDirectory lays out records as the stream of the directory entry e
// recorded at at, then records e. The stream stays inside the entry while it
// fits. Otherwise the current extents are reused when they hold it, and a new
// contiguous run is taken from the entry's partition when they do not.
func (c *Context) WriteDirectory(at udf.LBAddr, e *udf.Entry, records []*udf.FID) error {
	bs := c.BlockSize
	size := len(udf.EncodeStream(records, bs, udf.Contiguous(0, bs)))

	var old []udf.Extent
	if !e.Inline() {
		var err error
		if old, err = e.Extents(at.PartitionReferenceNumber); err != nil {
			return err
		}
	}

	if size <= e.InlineCapacity(bs) {
		c.release(old)
		e.SetAllocType(udf.ICBFlagInICB)
		e.AllocationDescriptors = udf.EncodeStream(records, bs, func(int) uint32 { return at.LogicalBlockNumber })
		e.LogicalBlocksRecorded = 0
	} else {
		if e.Inline() {
			e.SetAllocType(udf.ICBFlagLongAD)
		}
		exts, reused := c.reuseExtents(old, size)
		if !reused {
			c.release(old)
			ref := at.PartitionReferenceNumber
			need := uint32((size + bs - 1) / bs)
			start, err := c.Allocate(ref, need)
			if err != nil {
				return err
			}
			exts = []udf.Extent{{
				Type:     udf.ExtentRecorded,
				Length:   uint32(size),
				Location: udf.LBAddr{LogicalBlockNumber: start, PartitionReferenceNumber: ref},
			}}
		}
		stream := udf.EncodeStream(records, bs, extentLocator(exts, bs))
		for _, x := range exts {
			n := int(x.Length)
			if err := c.WriteBlocks(x.Location.PartitionReferenceNumber, x.Location.LogicalBlockNumber, stream[:n]); err != nil {
				return err
			}
			stream = stream[n:]
		}
		e.SetExtents(exts)
		e.LogicalBlocksRecorded = uint64(RecordedBlocks(exts, uint32(bs)))
	}
	e.InformationLength, e.ObjectSize = uint64(size), uint64(size)
	return c.WriteEntry(at, e)
}

// reuseExtents trims old to size bytes when its recorded extents hold them,
// releasing extents that are no longer needed.
func (c *Context) reuseExtents(old []udf.Extent, size int) ([]udf.Extent, bool) {
	bs := uint32(c.BlockSize)
	var capacity int
	for _, x := range old {
		if x.Type != udf.ExtentRecorded && x.Type != udf.ExtentAllocated {
			return nil, false
		}
		capacity += int(x.Blocks(bs) * bs)
	}
	if len(old) == 0 || capacity < size {
		return nil, false
	}
	var exts []udf.Extent
	left := size
	for i, x := range old {
		if left == 0 {
			c.release(old[i:])
			break
		}
		n := min(int(x.Blocks(bs)*bs), left)
		if used := (uint32(n) + bs - 1) / bs; used < x.Blocks(bs) {
			tail := x
			tail.Location.LogicalBlockNumber += used
			tail.Length = (x.Blocks(bs) - used) * bs
			c.release([]udf.Extent{tail})
		}
		x.Type, x.Length = udf.ExtentRecorded, uint32(n)
		exts = append(exts, x)
		left -= n
	}
	return exts, true
}

// extentLocator maps stream offsets to blocks of a stream spread over exts.
func extentLocator(exts []udf.Extent, bs int) func(int) uint32 {
	return func(off int) uint32 {
		for _, x := range exts {
			n := int(x.Blocks(uint32(bs))) * bs
			if off < n {
				return x.Location.LogicalBlockNumber + uint32(off/bs)
			}
			off -= n
		}
		return 0
	}
}

func (c *Context) release(exts []udf.Extent) {
	bs := uint32(c.BlockSize)
	for _, x := range exts {
		if !x.Allocated() {
			continue
		}
		ref := x.Location.PartitionReferenceNumber
		if err := c.Free(ref, x.Location.LogicalBlockNumber, x.Blocks(bs)); err != nil {
			glog.Warningf("release %d:%d: %v", ref, x.Location.LogicalBlockNumber, err)
		}
	}
}
