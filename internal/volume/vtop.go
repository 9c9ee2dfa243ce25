package volume

import (
	"fmt"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// MaxRun caps the run length returned for raw addresses.
const MaxRun = 1 << 16

// Translate maps block of partition ref to a physical block and the number
// of blocks from there on that are contiguous under the same mapping. The
// run is always at least one block.
func (c *Context) Translate(ref uint16, block uint32) (uint32, uint32, error) {
	if ref == RawPartition {
		if block > c.Geometry.LastBlock {
			return 0, 0, outOfRange(ref, block, "beyond last block")
		}
		return block, min(c.Geometry.LastBlock-block+1, MaxRun), nil
	}
	p, ok := c.Partitions.Get(ref)
	if !ok {
		return 0, 0, outOfRange(ref, block, "no such partition")
	}
	switch p.Kind {
	case udf.MapPhysical:
		if block >= p.Length {
			return 0, 0, outOfRange(ref, block, fmt.Sprintf("partition has %d blocks", p.Length))
		}
		return p.Start + block, p.Length - block, nil

	case udf.MapVirtual:
		if c.VAT == nil || int64(block) >= int64(c.VAT.Len()) {
			return 0, 0, outOfRange(ref, block, "beyond VAT")
		}
		loc, ok := c.VAT.Lookup(block)
		if !ok {
			return 0, 0, outOfRange(ref, block, "unmapped VAT entry")
		}
		phys, _, err := c.Translate(p.Backing, loc)
		if err != nil {
			return 0, 0, err
		}
		return phys, 1, nil

	case udf.MapSparing:
		return c.translateSparing(p, block)

	case udf.MapMetadata:
		return c.translateMetadata(p, block)
	}
	return 0, 0, unsupported(ref, block, "mapping "+p.Kind.String())
}

// ReadBlocks reads count blocks of partition ref, following the mapping
// across runs.
func (c *Context) ReadBlocks(ref uint16, block uint32, count int) ([]byte, error) {
	out := make([]byte, 0, count*c.BlockSize)
	for count > 0 {
		phys, run, err := c.Translate(ref, block)
		if err != nil {
			return nil, err
		}
		n := min(int(run), count)
		b, err := c.IO.ReadBlocks(phys, n)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		block += uint32(n)
		count -= n
	}
	return out, nil
}

// WriteBlocks writes data to partition ref. On a virtual partition every
// block is recorded at the sequential cursor of the backing partition and
// the VAT is pointed at it.
func (c *Context) WriteBlocks(ref uint16, block uint32, data []byte) error {
	c.dirty = true
	bs := c.BlockSize
	if len(data)%bs != 0 {
		data = append(data, make([]byte, bs-len(data)%bs)...)
	}
	if p, ok := c.Partitions.Get(ref); ok && p.Kind == udf.MapVirtual {
		for i := 0; i < len(data)/bs; i++ {
			loc, err := c.appendBlocks(p.Backing, data[i*bs:(i+1)*bs])
			if err != nil {
				return err
			}
			c.UpdateVAT(block+uint32(i), loc)
		}
		return nil
	}
	for len(data) > 0 {
		phys, run, err := c.Translate(ref, block)
		if err != nil {
			return err
		}
		n := min(int(run), len(data)/bs)
		if err := c.IO.WriteBlocks(phys, data[:n*bs]); err != nil {
			return err
		}
		data = data[n*bs:]
		block += uint32(n)
	}
	return nil
}

// appendBlocks records data at the sequential cursor of ref and returns the
// partition relative location it went to.
func (c *Context) appendBlocks(ref uint16, data []byte) (uint32, error) {
	n := uint32(len(data) / c.BlockSize)
	loc, err := c.advance(ref, n)
	if err != nil {
		return 0, err
	}
	return loc, c.WriteBlocks(ref, loc, data)
}
