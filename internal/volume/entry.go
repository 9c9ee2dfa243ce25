package volume

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// ReadDescriptor reads and validates the descriptor at block of ref.
func (c *Context) ReadDescriptor(ref uint16, block uint32) (udf.Descriptor, error) {
	b, err := c.ReadBlocks(ref, block, 1)
	if err != nil {
		return nil, err
	}
	return udf.DecodeAt(b, block)
}

// ReadEntry reads the file entry at l.
func (c *Context) ReadEntry(l udf.LBAddr) (*udf.Entry, error) {
	d, err := c.ReadDescriptor(l.PartitionReferenceNumber, l.LogicalBlockNumber)
	if err != nil {
		return nil, fmt.Errorf("entry at %d:%d: %w", l.PartitionReferenceNumber, l.LogicalBlockNumber, err)
	}
	e, ok := d.(*udf.Entry)
	if !ok {
		return nil, fmt.Errorf("entry at %d:%d: %w", l.PartitionReferenceNumber, l.LogicalBlockNumber,
			&udf.TagError{Err: udf.ErrUnexpectedTag, Identifier: d.DescTag().TagIdentifier, Location: l.LogicalBlockNumber})
	}
	return e, nil
}

// WriteDescriptor stamps b for block and writes it, padded to whole blocks.
func (c *Context) WriteDescriptor(ref uint16, block uint32, b []byte) error {
	if pad := udf.RoundToSectors(len(b), c.BlockSize) - len(b); pad > 0 {
		b = append(b, make([]byte, pad)...)
	}
	udf.Stamp(b, block)
	return c.WriteBlocks(ref, block, b)
}

// WriteEntry encodes e and records it at l.
func (c *Context) WriteEntry(l udf.LBAddr, e *udf.Entry) error {
	e.Tag.DescriptorVersion = c.DescriptorVersion()
	b, err := e.Marshal(c.BlockSize)
	if err != nil {
		return err
	}
	return c.WriteDescriptor(l.PartitionReferenceNumber, l.LogicalBlockNumber, b)
}

// NewEntry returns an empty entry of the form this volume records.
func (c *Context) NewEntry(fileType uint8, perm fs.FileMode) *udf.Entry {
	now := udf.NewTimestamp(time.Now(), c.TZ)
	e := &udf.Entry{
		Tag:                      udf.Tag{DescriptorVersion: c.DescriptorVersion()},
		Extended:                 c.Extended(),
		UID:                      0xFFFFFFFF,
		GID:                      0xFFFFFFFF,
		Permissions:              udf.PermissionsFromMode(perm),
		RecordFormat:             0,
		AccessTime:               now,
		ModificationTime:         now,
		CreateTime:               now,
		AttributeTime:            now,
		Checkpoint:               1,
		ImplementationIdentifier: udf.ImplementationID(),
	}
	e.ICBTag.StrategyType = udf.ICBStrategy4
	e.ICBTag.MaximumNumberOfEntries = 1
	e.ICBTag.FileType = fileType
	return e
}

// RecordedBlocks counts the blocks of recorded and allocated extents.
func RecordedBlocks(exts []udf.Extent, blockSize uint32) uint32 {
	var n uint32
	for _, x := range exts {
		if x.Allocated() {
			n += x.Blocks(blockSize)
		}
	}
	return n
}

// Claims returns the runs an entry's extents occupy, in the partitions
// they name.
func (c *Context) Claims(e *udf.Entry, defaultRef uint16) ([]Run, error) {
	exts, err := e.Extents(defaultRef)
	if err != nil {
		return nil, err
	}
	var runs []Run
	for _, x := range exts {
		if x.Type == udf.ExtentNext {
			return runs, unsupported(x.Location.PartitionReferenceNumber, x.Location.LogicalBlockNumber,
				"allocation extent descriptors")
		}
		if !x.Allocated() {
			continue
		}
		runs = append(runs, Run{Ref: x.Location.PartitionReferenceNumber, Start: x.Location.LogicalBlockNumber,
			Count: x.Blocks(uint32(c.BlockSize))})
	}
	return runs, nil
}
