package udf

import (
	"encoding/binary"
	"fmt"
)

// MapKind is the address mapping scheme of a logical partition.
type MapKind uint8

const (
	// MapRaw is the identity mapping used for fixed structures; it is never recorded.
	MapRaw MapKind = iota
	MapPhysical
	MapVirtual
	MapSparing
	MapMetadata
)

func (k MapKind) String() string {
	switch k {
	case MapRaw:
		return "raw"
	case MapPhysical:
		return "physical"
	case MapVirtual:
		return "virtual"
	case MapSparing:
		return "sparing"
	case MapMetadata:
		return "metadata"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	Type1MapSize = 6
	Type2MapSize = 64
)

// PartitionMap is one decoded partition map record.
type PartitionMap struct {
	Kind                 MapKind
	VolumeSequenceNumber uint16
	PartitionNumber      uint16
	Revision             uint16

	// Sparable maps
	PacketLength          uint16
	SparingTableSize      uint32
	SparingTableLocations []uint32

	// Metadata maps
	MetadataFileLocation       uint32
	MetadataMirrorFileLocation uint32
	MetadataBitmapFileLocation uint32
	AllocationUnitSize         uint32
	AlignmentUnitSize          uint16
	Flags                      uint8
}

// ParsePartitionMaps decodes count maps from the LVD map table.
func ParsePartitionMaps(b []byte, count int) ([]PartitionMap, error) {
	maps := make([]PartitionMap, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("udf: partition map %d beyond map table", i)
		}
		typ, length := b[off], int(b[off+1])
		if length < 2 || off+length > len(b) {
			return nil, fmt.Errorf("udf: partition map %d has bad length %d", i, length)
		}
		rec := b[off : off+length]
		var m PartitionMap
		switch typ {
		case PartitionMapType1:
			if length != Type1MapSize {
				return nil, fmt.Errorf("udf: type 1 partition map %d has length %d", i, length)
			}
			m.Kind = MapPhysical
			m.VolumeSequenceNumber = binary.LittleEndian.Uint16(rec[2:4])
			m.PartitionNumber = binary.LittleEndian.Uint16(rec[4:6])
		case PartitionMapType2:
			if length != Type2MapSize {
				return nil, fmt.Errorf("udf: type 2 partition map %d has length %d", i, length)
			}
			var id EntityID
			if err := UnmarshalFixed(rec[4:36], &id); err != nil {
				return nil, err
			}
			m.Revision = id.Revision()
			m.VolumeSequenceNumber = binary.LittleEndian.Uint16(rec[36:38])
			m.PartitionNumber = binary.LittleEndian.Uint16(rec[38:40])
			switch {
			case id.Is(IdentVirtualPartition):
				m.Kind = MapVirtual
			case id.Is(IdentSparablePartition):
				m.Kind = MapSparing
				m.PacketLength = binary.LittleEndian.Uint16(rec[40:42])
				n := int(rec[42])
				if n > 4 {
					return nil, fmt.Errorf("udf: sparable map %d lists %d tables", i, n)
				}
				m.SparingTableSize = binary.LittleEndian.Uint32(rec[44:48])
				for k := 0; k < n; k++ {
					m.SparingTableLocations = append(m.SparingTableLocations, binary.LittleEndian.Uint32(rec[48+4*k:]))
				}
			case id.Is(IdentMetadataPartition):
				m.Kind = MapMetadata
				m.MetadataFileLocation = binary.LittleEndian.Uint32(rec[40:44])
				m.MetadataMirrorFileLocation = binary.LittleEndian.Uint32(rec[44:48])
				m.MetadataBitmapFileLocation = binary.LittleEndian.Uint32(rec[48:52])
				m.AllocationUnitSize = binary.LittleEndian.Uint32(rec[52:56])
				m.AlignmentUnitSize = binary.LittleEndian.Uint16(rec[56:58])
				m.Flags = rec[58]
			default:
				return nil, fmt.Errorf("udf: partition map %d has unknown identifier %q", i, id.String())
			}
		default:
			return nil, fmt.Errorf("udf: partition map %d has unknown type %d", i, typ)
		}
		maps = append(maps, m)
		off += length
	}
	return maps, nil
}

// Marshal encodes the map record.
func (m PartitionMap) Marshal() []byte {
	if m.Kind == MapPhysical {
		b := make([]byte, Type1MapSize)
		b[0], b[1] = PartitionMapType1, Type1MapSize
		binary.LittleEndian.PutUint16(b[2:4], m.VolumeSequenceNumber)
		binary.LittleEndian.PutUint16(b[4:6], m.PartitionNumber)
		return b
	}
	b := make([]byte, Type2MapSize)
	b[0], b[1] = PartitionMapType2, Type2MapSize
	var ident string
	switch m.Kind {
	case MapVirtual:
		ident = IdentVirtualPartition
	case MapSparing:
		ident = IdentSparablePartition
	case MapMetadata:
		ident = IdentMetadataPartition
	}
	copy(b[4:36], MarshalFixed(NewEntityID(ident, UDFSuffix(m.Revision))))
	binary.LittleEndian.PutUint16(b[36:38], m.VolumeSequenceNumber)
	binary.LittleEndian.PutUint16(b[38:40], m.PartitionNumber)
	switch m.Kind {
	case MapSparing:
		binary.LittleEndian.PutUint16(b[40:42], m.PacketLength)
		b[42] = uint8(len(m.SparingTableLocations))
		binary.LittleEndian.PutUint32(b[44:48], m.SparingTableSize)
		for k, loc := range m.SparingTableLocations {
			binary.LittleEndian.PutUint32(b[48+4*k:], loc)
		}
	case MapMetadata:
		binary.LittleEndian.PutUint32(b[40:44], m.MetadataFileLocation)
		binary.LittleEndian.PutUint32(b[44:48], m.MetadataMirrorFileLocation)
		binary.LittleEndian.PutUint32(b[48:52], m.MetadataBitmapFileLocation)
		binary.LittleEndian.PutUint32(b[52:56], m.AllocationUnitSize)
		binary.LittleEndian.PutUint16(b[56:58], m.AlignmentUnitSize)
		b[58] = m.Flags
	}
	return b
}

// MarshalPartitionMaps concatenates the map records for the LVD.
func MarshalPartitionMaps(maps []PartitionMap) []byte {
	var out []byte
	for _, m := range maps {
		out = append(out, m.Marshal()...)
	}
	return out
}
