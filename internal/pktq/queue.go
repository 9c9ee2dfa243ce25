// Package pktq coalesces block writes into whole packets for media that
// cannot overwrite less than a packet at a time.
package pktq

import (
	"sort"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/device"
)

// DefaultLimit is the number of pending packets that triggers an implicit flush.
const DefaultLimit = 64

type packet struct {
	data   []byte
	filled []bool
}

func (p *packet) full() bool {
	for _, f := range p.filled {
		if !f {
			return false
		}
	}
	return true
}

// Queue buffers writes per packet until Flush or Drain.
type Queue struct {
	dev     device.Device
	geom    device.Geometry
	packet  uint32
	limit   int
	pending map[uint32]*packet

	// Flushes counts packets written to the device.
	Flushes int
}

// New creates a queue in front of dev. limit <= 0 uses DefaultLimit.
func New(dev device.Device, limit int) *Queue {
	g := dev.Geometry()
	if limit <= 0 {
		limit = DefaultLimit
	}
	ps := g.PacketSize
	if ps == 0 {
		ps = 1
	}
	return &Queue{dev: dev, geom: g, packet: ps, limit: limit, pending: make(map[uint32]*packet)}
}

// Device returns the medium behind the queue.
func (q *Queue) Device() device.Device { return q.dev }

// Geometry reports the medium's current geometry.
func (q *Queue) Geometry() device.Geometry { return q.dev.Geometry() }

// Pending is the number of buffered packets.
func (q *Queue) Pending() int { return len(q.pending) }

func (q *Queue) start(block uint32) uint32 { return block - block%q.packet }

// WriteBlocks buffers data starting at block.
func (q *Queue) WriteBlocks(block uint32, data []byte) error {
	ss := q.geom.SectorSize
	if len(data)%ss != 0 {
		return &device.IOError{Op: "write", Block: block, Count: len(data) / ss, Err: device.ErrUnaligned}
	}
	n := uint32(len(data) / ss)
	if uint64(block)+uint64(n) > uint64(q.geom.LastBlock)+1 {
		return &device.IOError{Op: "write", Block: block, Count: int(n), Err: device.ErrOutOfRange}
	}
	for i := uint32(0); i < n; i++ {
		b := block + i
		s := q.start(b)
		p, ok := q.pending[s]
		if !ok {
			p = &packet{data: make([]byte, int(q.packet)*ss), filled: make([]bool, q.packet)}
			q.pending[s] = p
		}
		idx := b - s
		copy(p.data[int(idx)*ss:], data[int(i)*ss:int(i+1)*ss])
		p.filled[idx] = true
	}
	if len(q.pending) > q.limit {
		return q.Flush()
	}
	return nil
}

// ReadBlocks reads from the medium with pending writes laid over the result.
func (q *Queue) ReadBlocks(block uint32, count int) ([]byte, error) {
	out, err := q.dev.ReadBlocks(block, count)
	if err != nil {
		// Everything may still be pending.
		out, err = q.overlayOnly(block, count, err)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	q.overlay(out, block, count)
	return out, nil
}

func (q *Queue) overlay(out []byte, block uint32, count int) int {
	ss := q.geom.SectorSize
	hits := 0
	for i := 0; i < count; i++ {
		b := block + uint32(i)
		s := q.start(b)
		if p, ok := q.pending[s]; ok && p.filled[b-s] {
			copy(out[i*ss:(i+1)*ss], p.data[int(b-s)*ss:])
			hits++
		}
	}
	return hits
}

func (q *Queue) overlayOnly(block uint32, count int, readErr error) ([]byte, error) {
	out := make([]byte, count*q.geom.SectorSize)
	if q.overlay(out, block, count) != count {
		return nil, readErr
	}
	return out, nil
}

// Flush writes every full packet and keeps partial ones buffered. When the
// queue is still over its limit, partial packets are drained as well.
func (q *Queue) Flush() error {
	for _, s := range q.sorted() {
		if p := q.pending[s]; p.full() {
			if err := q.write(s, p); err != nil {
				return err
			}
		}
	}
	if len(q.pending) > q.limit {
		return q.Drain()
	}
	return nil
}

// Drain writes every pending packet. Gaps in partial packets are filled by
// reading the packet back on rewritable media and with zeros on sequential
// media. A failed read back is not fatal: the gap is written as zeros.
// Sequential media are written from the first filled block of a packet on,
// so blocks recorded by an earlier drain are never overwritten.
func (q *Queue) Drain() error {
	ss := q.geom.SectorSize
	for _, s := range q.sorted() {
		p := q.pending[s]
		if !p.full() && !q.geom.Sequential() {
			n := q.span(s)
			old, err := q.dev.ReadBlocks(s, int(n))
			if err != nil {
				glog.Warningf("packet %d: read back for gap fill failed, writing zeros: %v", s, err)
			} else {
				for i := uint32(0); i < n; i++ {
					if !p.filled[i] {
						copy(p.data[int(i)*ss:int(i+1)*ss], old[int(i)*ss:])
					}
				}
			}
		}
		if err := q.write(s, p); err != nil {
			return err
		}
	}
	return nil
}

// span clamps a packet to the end of the medium.
func (q *Queue) span(s uint32) uint32 {
	n := q.packet
	if s+n-1 > q.geom.LastBlock {
		n = q.geom.LastBlock - s + 1
	}
	return n
}

func (q *Queue) write(s uint32, p *packet) error {
	n := q.span(s)
	var first uint32
	if q.geom.Sequential() {
		for first < n-1 && !p.filled[first] {
			first++
		}
	}
	ss := q.geom.SectorSize
	if err := q.dev.WriteBlocks(s+first, p.data[int(first)*ss:int(n)*ss]); err != nil {
		return err
	}
	delete(q.pending, s)
	q.Flushes++
	return nil
}

func (q *Queue) sorted() []uint32 {
	keys := make([]uint32, 0, len(q.pending))
	for s := range q.pending {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Close drains the queue and closes the medium.
func (q *Queue) Close() error {
	if err := q.Drain(); err != nil {
		q.dev.Close()
		return err
	}
	return q.dev.Close()
}
