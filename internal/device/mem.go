package device

// MemDevice is a sparse in-memory medium. Unwritten blocks read as zeros.
type MemDevice struct {
	geom   Geometry
	blocks map[uint32][]byte

	// FailRead makes reads touching these blocks fail.
	FailRead map[uint32]bool
	// Writes counts WriteBlocks calls.
	Writes int
}

// NewMem creates an empty medium with the given geometry.
func NewMem(g Geometry) *MemDevice {
	if g.PacketSize == 0 {
		g.PacketSize = 1
	}
	return &MemDevice{geom: g, blocks: make(map[uint32][]byte), FailRead: make(map[uint32]bool)}
}

func (m *MemDevice) ReadBlocks(block uint32, count int) ([]byte, error) {
	if err := checkRange(m.geom, "read", block, count); err != nil {
		return nil, err
	}
	ss := m.geom.SectorSize
	out := make([]byte, count*ss)
	for i := 0; i < count; i++ {
		b := block + uint32(i)
		if m.FailRead[b] {
			return nil, &IOError{Op: "read", Block: block, Count: count, Err: ErrInjected}
		}
		if data, ok := m.blocks[b]; ok {
			copy(out[i*ss:], data)
		}
	}
	return out, nil
}

func (m *MemDevice) WriteBlocks(block uint32, data []byte) error {
	ss := m.geom.SectorSize
	if len(data)%ss != 0 {
		return &IOError{Op: "write", Block: block, Count: len(data) / ss, Err: ErrUnaligned}
	}
	count := len(data) / ss
	if !m.geom.Writable {
		return &IOError{Op: "write", Block: block, Count: count, Err: ErrReadOnly}
	}
	if err := checkRange(m.geom, "write", block, count); err != nil {
		return err
	}
	m.Writes++
	for i := 0; i < count; i++ {
		b := block + uint32(i)
		m.blocks[b] = append([]byte(nil), data[i*ss:(i+1)*ss]...)
		if b > m.geom.LastRecorded {
			m.geom.LastRecorded = b
		}
	}
	return nil
}

func (m *MemDevice) Geometry() Geometry { return m.geom }

func (m *MemDevice) Close() error { return nil }

// Poke overwrites bytes at a byte offset inside a block, bypassing the
// write path. Tests use it to damage structures.
func (m *MemDevice) Poke(block uint32, off int, data []byte) {
	b, ok := m.blocks[block]
	if !ok {
		b = make([]byte, m.geom.SectorSize)
		m.blocks[block] = b
	}
	copy(b[off:], data)
}

// Peek returns a copy of a block.
func (m *MemDevice) Peek(block uint32) []byte {
	out := make([]byte, m.geom.SectorSize)
	copy(out, m.blocks[block])
	return out
}
