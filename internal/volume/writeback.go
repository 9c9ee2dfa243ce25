package volume

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// notSpecified marks a free space or size table entry with no meaning.
const notSpecified = 0xFFFFFFFF

// UpdateIntegrity refreshes the in-memory LVID from the context counters.
func (c *Context) UpdateIntegrity(closed bool) *udf.Integrity {
	if c.Integrity == nil {
		c.Integrity = &udf.Integrity{}
	}
	lvid := c.Integrity
	lvid.RecordingDateAndTime = udf.NewTimestamp(time.Now(), c.TZ)
	lvid.IntegrityType = udf.IntegrityOpen
	if closed {
		lvid.IntegrityType = udf.IntegrityClose
	}
	lvid.SetNextUniqueID(c.NextUniqueID)
	n := len(c.Partitions)
	lvid.FreeSpace, lvid.Size = make([]uint32, n), make([]uint32, n)
	for i, p := range c.Partitions {
		switch p.Kind {
		case udf.MapVirtual:
			lvid.FreeSpace[i], lvid.Size[i] = notSpecified, notSpecified
		default:
			lvid.FreeSpace[i], lvid.Size[i] = c.FreeBlocks(p.Ref), p.Length
		}
	}
	lvid.Info = udf.LVIDImplementationUse{
		ImplementationID:        udf.ImplementationID(),
		NumberOfFiles:           c.Files,
		NumberOfDirectories:     c.Dirs,
		MinimumUDFReadRevision:  c.Revision,
		MinimumUDFWriteRevision: c.Revision,
		MaximumUDFWriteRevision: c.MaxRevision,
	}
	return lvid
}

// WriteIntegrity records the LVID where it was read from.
func (c *Context) WriteIntegrity(closed bool) error {
	b := c.UpdateIntegrity(closed).Marshal(c.DescriptorVersion())
	return c.WriteDescriptor(RawPartition, c.IntegrityBlock, b)
}

// Sync writes the bitmaps, the metadata mirror, the VAT and the integrity
// descriptor, then drains the write queue. Write-once media keep the
// integrity descriptor recorded at format time; the VAT carries the counts.
// A new VAT is only recorded when something changed since the last Sync.
func (c *Context) Sync(closed bool) error {
	changed := c.dirty
	if err := c.WriteBitmaps(); err != nil {
		return err
	}
	for _, p := range c.Partitions {
		if p.Kind != udf.MapMetadata {
			continue
		}
		if err := c.WriteMetadataFiles(p); err != nil {
			return fmt.Errorf("volume: metadata files: %w", err)
		}
		if err := c.mirrorMetadata(p); err != nil {
			return fmt.Errorf("volume: metadata mirror: %w", err)
		}
	}
	if changed {
		if err := c.WriteVAT(); err != nil {
			return err
		}
	}
	if !c.Geometry.Sequential() {
		if err := c.WriteIntegrity(closed); err != nil {
			return fmt.Errorf("volume: integrity: %w", err)
		}
	}
	if err := c.IO.Drain(); err != nil {
		return err
	}
	if changed {
		c.closeSession()
	}
	c.dirty = false
	glog.V(1).Infof("volume synced, %d packets written", c.IO.Flushes)
	return nil
}

// Close syncs a closed volume and releases the medium. Read-only volumes
// are released without writing.
func (c *Context) Close() error {
	if !c.Geometry.Writable {
		return c.IO.Device().Close()
	}
	if err := c.Sync(true); err != nil {
		c.IO.Device().Close()
		return err
	}
	return c.IO.Close()
}

// Discard releases the medium without writing. Changes still queued are lost.
func (c *Context) Discard() error {
	return c.IO.Device().Close()
}
