package udf

import (
	"encoding/binary"
	"fmt"
)

// ExtentType is carried in the top two bits of an allocation descriptor length.
type ExtentType uint8

const (
	ExtentRecorded    ExtentType = 0
	ExtentAllocated   ExtentType = 1 // allocated, not recorded
	ExtentUnallocated ExtentType = 2
	ExtentNext        ExtentType = 3 // continues in an allocation extent descriptor
)

const (
	ShortADSize    = 8
	LongADSize     = 16
	ExtendedADSize = 20
)

// Extent is a decoded allocation descriptor of any form.
type Extent struct {
	Type     ExtentType
	Length   uint32 // bytes
	Location LBAddr
	// ImplementationUse is only carried by long_ad.
	ImplementationUse [6]byte
}

// Blocks returns the number of blocks the extent covers.
func (x Extent) Blocks(blockSize uint32) uint32 {
	return (x.Length + blockSize - 1) / blockSize
}

// Allocated reports whether the extent claims space on the medium.
func (x Extent) Allocated() bool {
	return x.Type == ExtentRecorded || x.Type == ExtentAllocated
}

func splitLength(l uint32) (ExtentType, uint32) {
	return ExtentType(l >> ExtentTypeShift), l & ExtentLengthMask
}

func joinLength(t ExtentType, n uint32) uint32 {
	return uint32(t)<<ExtentTypeShift | n&ExtentLengthMask
}

// ParseLongAD decodes a 16-byte long_ad.
func ParseLongAD(b []byte) LongAD {
	var l LongAD
	l.ExtentLength = binary.LittleEndian.Uint32(b[0:4])
	l.ExtentLocation.LogicalBlockNumber = binary.LittleEndian.Uint32(b[4:8])
	l.ExtentLocation.PartitionReferenceNumber = binary.LittleEndian.Uint16(b[8:10])
	copy(l.ImplementationUse[:], b[10:16])
	return l
}

// Put encodes the long_ad into b.
func (l LongAD) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], l.ExtentLength)
	binary.LittleEndian.PutUint32(b[4:8], l.ExtentLocation.LogicalBlockNumber)
	binary.LittleEndian.PutUint16(b[8:10], l.ExtentLocation.PartitionReferenceNumber)
	copy(b[10:16], l.ImplementationUse[:])
}

// Extent converts the long_ad.
func (l LongAD) Extent() Extent {
	t, n := splitLength(l.ExtentLength)
	return Extent{Type: t, Length: n, Location: l.ExtentLocation, ImplementationUse: l.ImplementationUse}
}

// LongAD converts the extent.
func (x Extent) LongAD() LongAD {
	return LongAD{ExtentLength: joinLength(x.Type, x.Length), ExtentLocation: x.Location, ImplementationUse: x.ImplementationUse}
}

// ShortAD converts the extent, dropping the partition reference.
func (x Extent) ShortAD() ShortAD {
	return ShortAD{ExtentLength: joinLength(x.Type, x.Length), ExtentPosition: x.Location.LogicalBlockNumber}
}

// DecodeAllocationDescriptors decodes the descriptor area of an entry.
// Short forms carry no partition reference, so defaultPart is used.
// Decoding stops at the first zero-length descriptor.
func DecodeAllocationDescriptors(b []byte, allocType int, defaultPart uint16) ([]Extent, error) {
	var size int
	switch allocType {
	case ICBFlagShortAD:
		size = ShortADSize
	case ICBFlagLongAD:
		size = LongADSize
	case ICBFlagExtendedAD:
		size = ExtendedADSize
	default:
		return nil, fmt.Errorf("udf: allocation type %d has no descriptors", allocType)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("udf: allocation descriptor area of %d bytes is not a multiple of %d", len(b), size)
	}

	exts := make([]Extent, 0, len(b)/size)
	for off := 0; off+size <= len(b); off += size {
		var x Extent
		switch allocType {
		case ICBFlagShortAD:
			x.Type, x.Length = splitLength(binary.LittleEndian.Uint32(b[off:]))
			x.Location = LBAddr{
				LogicalBlockNumber:       binary.LittleEndian.Uint32(b[off+4:]),
				PartitionReferenceNumber: defaultPart,
			}
		case ICBFlagLongAD:
			x = ParseLongAD(b[off:]).Extent()
		case ICBFlagExtendedAD:
			// extent length, recorded length, information length, lb_addr, implementation use
			x.Type, x.Length = splitLength(binary.LittleEndian.Uint32(b[off:]))
			x.Location = LBAddr{
				LogicalBlockNumber:       binary.LittleEndian.Uint32(b[off+12:]),
				PartitionReferenceNumber: binary.LittleEndian.Uint16(b[off+16:]),
			}
		}
		if x.Length == 0 {
			break
		}
		exts = append(exts, x)
	}
	return exts, nil
}

// EncodeShortADs encodes extents as short_ad.
func EncodeShortADs(exts []Extent) []byte {
	b := make([]byte, ShortADSize*len(exts))
	for i, x := range exts {
		s := x.ShortAD()
		binary.LittleEndian.PutUint32(b[i*ShortADSize:], s.ExtentLength)
		binary.LittleEndian.PutUint32(b[i*ShortADSize+4:], s.ExtentPosition)
	}
	return b
}

// EncodeLongADs encodes extents as long_ad.
func EncodeLongADs(exts []Extent) []byte {
	b := make([]byte, LongADSize*len(exts))
	for i, x := range exts {
		x.LongAD().Put(b[i*LongADSize:])
	}
	return b
}

// EncodeAllocationDescriptors encodes extents in the given form.
func EncodeAllocationDescriptors(exts []Extent, allocType int) []byte {
	if allocType == ICBFlagShortAD {
		return EncodeShortADs(exts)
	}
	return EncodeLongADs(exts)
}
