package volume

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// SparingTable is the in-memory remap table of a sparable partition.
type SparingTable struct {
	Entries  []udf.SparingEntry
	Sequence uint32
	// Locations are the physical blocks of every table copy.
	Locations []uint32
	Size      uint32
}

// Remap returns the spare packet an original packet was moved to.
func (t *SparingTable) Remap(packet uint32) (uint32, bool) {
	for _, e := range t.Entries {
		if e.OriginalLocation == packet && e.MappedLocation < udf.SparingDefective {
			return e.MappedLocation, true
		}
	}
	return 0, false
}

// NewSparingTable creates a table whose spare packets start at pool.
func NewSparingTable(pool, blocks, packet uint32, locations []uint32, size uint32) *SparingTable {
	t := &SparingTable{Locations: locations, Size: size}
	for p := pool; p+packet <= pool+blocks; p += packet {
		t.Entries = append(t.Entries, udf.SparingEntry{OriginalLocation: udf.SparingUnused, MappedLocation: p})
	}
	return t
}

// Marshal encodes the table as one descriptor.
func (t *SparingTable) Marshal(version, revision uint16) []byte {
	st := &udf.SparingTable{Entries: t.Entries}
	st.SequenceNumber = t.Sequence
	return st.Marshal(version, revision)
}

func (c *Context) translateSparing(p *Partition, block uint32) (uint32, uint32, error) {
	if block >= p.Length {
		return 0, 0, outOfRange(p.Ref, block, fmt.Sprintf("partition has %d blocks", p.Length))
	}
	off := block % p.PacketLength
	packet := block - off
	rest := min(p.PacketLength-off, p.Length-block)
	if p.Sparing != nil {
		if mapped, ok := p.Sparing.Remap(packet); ok {
			return mapped + off, p.PacketLength - off, nil
		}
	}
	return p.Start + block, rest, nil
}

// loadSparing reads the first valid sparing table copy.
func (c *Context) loadSparing(p *Partition) error {
	var errs []error
	size := p.Map.SparingTableSize
	blocks := udf.RoundToSectors(int(max(size, udf.SparingTableHeaderSize)), c.BlockSize) / c.BlockSize
	for _, loc := range p.Map.SparingTableLocations {
		b, err := c.IO.ReadBlocks(loc, blocks)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := udf.DecodeAt(b, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st, ok := d.(*udf.SparingTable)
		if !ok {
			errs = append(errs, fmt.Errorf("block %d holds tag %d", loc, d.DescTag().TagIdentifier))
			continue
		}
		p.Sparing = &SparingTable{
			Entries:   st.Entries,
			Sequence:  st.SequenceNumber,
			Locations: p.Map.SparingTableLocations,
			Size:      size,
		}
		return nil
	}
	glog.Warningf("partition %d: no readable sparing table, using identity mapping", p.Ref)
	return fmt.Errorf("volume: sparing table: %w", errors.Join(errs...))
}

// WriteSparing records every copy of the sparing table of p.
func (c *Context) WriteSparing(p *Partition) error {
	b := p.Sparing.Marshal(c.DescriptorVersion(), c.Revision)
	b = append(b, make([]byte, udf.RoundToSectors(len(b), c.BlockSize)-len(b))...)
	for _, loc := range p.Sparing.Locations {
		cp := append([]byte(nil), b...)
		udf.Stamp(cp, loc)
		if err := c.IO.WriteBlocks(loc, cp); err != nil {
			return err
		}
	}
	return nil
}
