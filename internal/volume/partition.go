package volume

import (
	"fmt"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// RawPartition addresses the medium directly, bypassing every partition map.
const RawPartition uint16 = 0xFFFF

// Partition is one logical partition: a partition map plus what is needed to
// translate addresses through it.
type Partition struct {
	Ref    uint16
	Kind   udf.MapKind
	Map    udf.PartitionMap
	Number uint16
	// Start and Length are the physical extent of the partition descriptor.
	Start  uint32
	Length uint32
	Access uint32
	// Backing is the reference of the physical map a virtual or metadata
	// partition is recorded on.
	Backing uint16

	// Sparing
	PacketLength uint32
	Sparing      *SparingTable

	// Metadata
	MetadataExtents []udf.Extent
	MirrorExtents   []udf.Extent
	MetadataBlocks  uint32
}

// PartitionTable is the ordered list of logical partitions.
type PartitionTable []*Partition

// Get returns the partition with reference ref.
func (t PartitionTable) Get(ref uint16) (*Partition, bool) {
	if int(ref) >= len(t) {
		return nil, false
	}
	return t[ref], true
}

// First returns the first partition of the given kind.
func (t PartitionTable) First(kind udf.MapKind) (*Partition, bool) {
	for _, p := range t {
		if p.Kind == kind {
			return p, true
		}
	}
	return nil, false
}

// DataRef is the reference of the partition that carries file data.
func (t PartitionTable) DataRef() uint16 {
	for _, k := range []udf.MapKind{udf.MapSparing, udf.MapPhysical} {
		if p, ok := t.First(k); ok {
			return p.Ref
		}
	}
	return 0
}

// FileSetRef is the reference of the partition holding the file set:
// metadata if present, then virtual, then the data partition.
func (t PartitionTable) FileSetRef() uint16 {
	for _, k := range []udf.MapKind{udf.MapMetadata, udf.MapVirtual} {
		if p, ok := t.First(k); ok {
			return p.Ref
		}
	}
	return t.DataRef()
}

// Validate enforces the combinations a volume may use: at most one virtual,
// sparing and metadata map; virtual and metadata maps need a backing map for
// the same partition; physical and sparing maps never describe the same
// partition.
func (t PartitionTable) Validate() error {
	count := map[udf.MapKind]int{}
	for _, p := range t {
		count[p.Kind]++
	}
	for _, k := range []udf.MapKind{udf.MapVirtual, udf.MapSparing, udf.MapMetadata} {
		if count[k] > 1 {
			return fmt.Errorf("volume: %d %s partition maps", count[k], k)
		}
	}
	for _, p := range t {
		switch p.Kind {
		case udf.MapVirtual:
			b, ok := t.Get(p.Backing)
			if !ok || b.Kind != udf.MapPhysical || b.Number != p.Number {
				return fmt.Errorf("volume: virtual partition %d has no physical backing", p.Ref)
			}
		case udf.MapMetadata:
			b, ok := t.Get(p.Backing)
			if !ok || (b.Kind != udf.MapPhysical && b.Kind != udf.MapSparing) || b.Number != p.Number {
				return fmt.Errorf("volume: metadata partition %d has no backing partition", p.Ref)
			}
		case udf.MapSparing:
			for _, o := range t {
				if o.Kind == udf.MapPhysical && o.Number == p.Number {
					return fmt.Errorf("volume: partition %d is mapped both physical and sparable", p.Number)
				}
			}
		}
	}
	return nil
}

// BuildPartitions turns partition maps and descriptors into a table.
func BuildPartitions(maps []udf.PartitionMap, pds []*udf.PartitionDescriptor) (PartitionTable, error) {
	var t PartitionTable
	for i, m := range maps {
		var pd *udf.PartitionDescriptor
		for _, d := range pds {
			if d.PartitionNumber == m.PartitionNumber {
				pd = d
			}
		}
		if pd == nil {
			return nil, fmt.Errorf("volume: partition map %d refers to missing partition %d", i, m.PartitionNumber)
		}
		p := &Partition{
			Ref:    uint16(i),
			Kind:   m.Kind,
			Map:    m,
			Number: m.PartitionNumber,
			Start:  pd.PartitionStartingLocation,
			Length: pd.PartitionLength,
			Access: pd.AccessType,
		}
		if m.Kind == udf.MapSparing {
			p.PacketLength = uint32(m.PacketLength)
			if p.PacketLength == 0 {
				return nil, fmt.Errorf("volume: sparable partition %d has zero packet length", i)
			}
		}
		t = append(t, p)
	}
	for _, p := range t {
		if p.Kind != udf.MapVirtual && p.Kind != udf.MapMetadata {
			continue
		}
		for _, b := range t {
			if b.Number == p.Number && (b.Kind == udf.MapPhysical || b.Kind == udf.MapSparing) {
				p.Backing = b.Ref
				break
			}
		}
	}
	return t, t.Validate()
}
