package device

import (
	"github.com/bluele/gcache"
)

// Cached keeps recently read blocks in an ARC cache. Writes go through and
// refresh the cached copies.
type Cached struct {
	Device
	cache gcache.Cache
	ss    int
}

// NewCached wraps dev with a cache of size blocks.
func NewCached(dev Device, size int) *Cached {
	return &Cached{
		Device: dev,
		cache:  gcache.New(size).ARC().Build(),
		ss:     dev.Geometry().SectorSize,
	}
}

func (c *Cached) ReadBlocks(block uint32, count int) ([]byte, error) {
	out := make([]byte, count*c.ss)
	miss := false
	for i := 0; i < count; i++ {
		v, err := c.cache.GetIFPresent(block + uint32(i))
		if err != nil {
			miss = true
			break
		}
		copy(out[i*c.ss:], v.([]byte))
	}
	if !miss {
		return out, nil
	}
	b, err := c.Device.ReadBlocks(block, count)
	if err != nil {
		return nil, err
	}
	c.store(block, b)
	return b, nil
}

func (c *Cached) WriteBlocks(block uint32, data []byte) error {
	if err := c.Device.WriteBlocks(block, data); err != nil {
		for i := 0; i < len(data)/c.ss; i++ {
			c.cache.Remove(block + uint32(i))
		}
		return err
	}
	c.store(block, data)
	return nil
}

func (c *Cached) store(block uint32, data []byte) {
	for i := 0; i < len(data)/c.ss; i++ {
		_ = c.cache.Set(block+uint32(i), append([]byte(nil), data[i*c.ss:(i+1)*c.ss]...))
	}
}

// Purge drops every cached block.
func (c *Cached) Purge() { c.cache.Purge() }
