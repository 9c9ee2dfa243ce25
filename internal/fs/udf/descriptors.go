package udf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Volume Recognition Descriptor
type VolumeRecognitionDescriptor struct {
	StructureType      uint8
	StandardIdentifier [5]byte
	StructureVersion   uint8
	Reserved           byte
	StructureData      [2040]byte
}

// Anchor Volume Descriptor Pointer
type AnchorVolumeDescriptorPointer struct {
	DescriptorTag                         Tag
	MainVolumeDescriptorSequenceExtent    ExtentAD
	ReserveVolumeDescriptorSequenceExtent ExtentAD
	Reserved                              [480]byte
}

// Primary Volume Descriptor
type PrimaryVolumeDescriptor struct {
	DescriptorTag                               Tag
	VolumeDescriptorSequenceNumber              uint32
	PrimaryVolumeDescriptorNumber               uint32
	VolumeIdentifier                            [32]byte
	VolumeSequenceNumber                        uint16
	MaximumVolumeSequenceNumber                 uint16
	InterchangeLevel                            uint16
	MaximumInterchangeLevel                     uint16
	CharacterSetList                            uint32
	MaximumCharacterSetList                     uint32
	VolumeSetIdentifier                         [128]byte
	DescriptorCharacterSet                      CharSpec
	ExplanatoryCharacterSet                     CharSpec
	VolumeAbstract                              ExtentAD
	VolumeCopyrightNotice                       ExtentAD
	ApplicationIdentifier                       EntityID
	RecordingDateAndTime                        Timestamp
	ImplementationIdentifier                    EntityID
	ImplementationUse                           [64]byte
	PredecessorVolumeDescriptorSequenceLocation uint32
	Flags                                       uint16
	Reserved                                    [22]byte
}

// Implementation Use Volume Descriptor carrying "*UDF LV Info".
type ImplementationUseVolumeDescriptor struct {
	DescriptorTag                  Tag
	VolumeDescriptorSequenceNumber uint32
	ImplementationIdentifier       EntityID
	LVICharset                     CharSpec
	LogicalVolumeIdentifier        [128]byte
	LVInfo1                        [36]byte
	LVInfo2                        [36]byte
	LVInfo3                        [36]byte
	ImplementationID               EntityID
	ImplementationUse              [128]byte
}

// Partition Descriptor
type PartitionDescriptor struct {
	DescriptorTag                  Tag
	VolumeDescriptorSequenceNumber uint32
	PartitionFlags                 uint16
	PartitionNumber                uint16
	PartitionContents              EntityID
	PartitionContentsUse           [128]byte
	AccessType                     uint32
	PartitionStartingLocation      uint32
	PartitionLength                uint32
	ImplementationIdentifier       EntityID
	ImplementationUse              [128]byte
	Reserved                       [156]byte
}

// PartitionHeaderDescriptor lives in PartitionContentsUse of an NSR partition.
type PartitionHeaderDescriptor struct {
	UnallocatedSpaceTable   ShortAD
	UnallocatedSpaceBitmap  ShortAD
	PartitionIntegrityTable ShortAD
	FreedSpaceTable         ShortAD
	FreedSpaceBitmap        ShortAD
	Reserved                [88]byte
}

// Header decodes the partition header descriptor.
func (pd *PartitionDescriptor) Header() PartitionHeaderDescriptor {
	var phd PartitionHeaderDescriptor
	_ = binary.Read(bytes.NewReader(pd.PartitionContentsUse[:]), binary.LittleEndian, &phd)
	return phd
}

// SetHeader encodes phd into PartitionContentsUse.
func (pd *PartitionDescriptor) SetHeader(phd PartitionHeaderDescriptor) {
	copy(pd.PartitionContentsUse[:], MarshalFixed(&phd))
}

// Logical Volume Descriptor
type LogicalVolumeDescriptor struct {
	DescriptorTag                  Tag
	VolumeDescriptorSequenceNumber uint32
	DescriptorCharacterSet         CharSpec
	LogicalVolumeIdentifier        [128]byte
	LogicalBlockSize               uint32
	DomainIdentifier               EntityID
	LogicalVolumeContentsUse       [16]byte
	MapTableLength                 uint32
	NumberOfPartitionMaps          uint32
	ImplementationIdentifier       EntityID
	ImplementationUse              [128]byte
	IntegritySequenceExtent        ExtentAD
	// Partition maps follow (variable length)
}

// LogicalVolumeDescriptorSize is the size of the fixed part of the LVD.
const LogicalVolumeDescriptorSize = 440

// FileSetLocation returns the long_ad of the file set descriptor.
func (lvd *LogicalVolumeDescriptor) FileSetLocation() LongAD {
	return ParseLongAD(lvd.LogicalVolumeContentsUse[:])
}

// Unallocated Space Descriptor (fixed part)
type UnallocatedSpaceDescriptor struct {
	DescriptorTag                  Tag
	VolumeDescriptorSequenceNumber uint32
	NumberOfAllocationDescriptors  uint32
}

// Terminating Descriptor
type TerminatingDescriptor struct {
	DescriptorTag Tag
	Reserved      [496]byte
}

// File Set Descriptor
type FileSetDescriptor struct {
	DescriptorTag                       Tag
	RecordingDateAndTime                Timestamp
	InterchangeLevel                    uint16
	MaximumInterchangeLevel             uint16
	CharacterSetList                    uint32
	MaximumCharacterSetList             uint32
	FileSetNumber                       uint32
	FileSetDescriptorNumber             uint32
	LogicalVolumeIdentifierCharacterSet CharSpec
	LogicalVolumeIdentifier             [128]byte
	FileSetCharacterSet                 CharSpec
	FileSetIdentifier                   [32]byte
	CopyrightFileIdentifier             [32]byte
	AbstractFileIdentifier              [32]byte
	RootDirectoryICB                    LongAD
	DomainIdentifier                    EntityID
	NextExtent                          LongAD
	SystemStreamDirectoryICB            LongAD
	Reserved                            [32]byte
}

// LogicalVolumeIntegrityDescriptor is the fixed part of the LVID.
type LogicalVolumeIntegrityDescriptor struct {
	DescriptorTag             Tag
	RecordingDateAndTime      Timestamp
	IntegrityType             uint32
	NextIntegrityExtent       ExtentAD
	LogicalVolumeContentsUse  [32]byte
	NumberOfPartitions        uint32
	LengthOfImplementationUse uint32
}

// LVIDImplementationUse is the UDF-defined implementation use area of the LVID.
type LVIDImplementationUse struct {
	ImplementationID        EntityID
	NumberOfFiles           uint32
	NumberOfDirectories     uint32
	MinimumUDFReadRevision  uint16
	MinimumUDFWriteRevision uint16
	MaximumUDFWriteRevision uint16
}

const (
	lvidFixedSize   = 80
	lvidImplUseSize = 46
)

// Integrity is a decoded LVID with its variable tables.
type Integrity struct {
	LogicalVolumeIntegrityDescriptor
	FreeSpace []uint32
	Size      []uint32
	Info      LVIDImplementationUse
	Extra     []byte
}

// NextUniqueID returns the unique id counter kept in the logical volume header.
func (i *Integrity) NextUniqueID() uint64 {
	return binary.LittleEndian.Uint64(i.LogicalVolumeContentsUse[0:8])
}

// SetNextUniqueID stores the unique id counter.
func (i *Integrity) SetNextUniqueID(id uint64) {
	binary.LittleEndian.PutUint64(i.LogicalVolumeContentsUse[0:8], id)
}

// ParseIntegrity decodes an LVID.
func ParseIntegrity(b []byte) (*Integrity, error) {
	if len(b) < lvidFixedSize {
		return nil, fmt.Errorf("udf: integrity descriptor too small: %d bytes", len(b))
	}
	var lvid Integrity
	if err := UnmarshalFixed(b, &lvid.LogicalVolumeIntegrityDescriptor); err != nil {
		return nil, err
	}
	n := int(lvid.NumberOfPartitions)
	iu := int(lvid.LengthOfImplementationUse)
	if lvidFixedSize+8*n+iu > len(b) {
		return nil, fmt.Errorf("udf: integrity descriptor tables exceed buffer (%d partitions, %d impl use)", n, iu)
	}
	off := lvidFixedSize
	lvid.FreeSpace = make([]uint32, n)
	lvid.Size = make([]uint32, n)
	for i := 0; i < n; i++ {
		lvid.FreeSpace[i] = binary.LittleEndian.Uint32(b[off+4*i:])
		lvid.Size[i] = binary.LittleEndian.Uint32(b[off+4*n+4*i:])
	}
	off += 8 * n
	if iu >= lvidImplUseSize {
		if err := UnmarshalFixed(b[off:off+lvidImplUseSize], &lvid.Info); err != nil {
			return nil, err
		}
		lvid.Extra = append([]byte(nil), b[off+lvidImplUseSize:off+iu]...)
	}
	return &lvid, nil
}

// Marshal encodes the LVID with a fresh tag of the given version.
func (i *Integrity) Marshal(version uint16) []byte {
	n := len(i.FreeSpace)
	i.NumberOfPartitions = uint32(n)
	i.LengthOfImplementationUse = uint32(lvidImplUseSize + len(i.Extra))
	size := lvidFixedSize + 8*n + int(i.LengthOfImplementationUse)
	b := make([]byte, size)
	copy(b, MarshalFixed(&i.LogicalVolumeIntegrityDescriptor))
	off := lvidFixedSize
	for k := 0; k < n; k++ {
		binary.LittleEndian.PutUint32(b[off+4*k:], i.FreeSpace[k])
		binary.LittleEndian.PutUint32(b[off+4*n+4*k:], i.Size[k])
	}
	off += 8 * n
	copy(b[off:], MarshalFixed(&i.Info))
	copy(b[off+lvidImplUseSize:], i.Extra)
	PutTag(b, TagIntegrity, version, i.DescriptorTag.TagSerialNumber, size)
	return b
}

// SpaceBitmapDescriptor is the fixed part of a space bitmap.
type SpaceBitmapDescriptor struct {
	DescriptorTag Tag
	NumberOfBits  uint32
	NumberOfBytes uint32
}

// SpaceBitmapHeaderSize is the size of the fixed SBD part.
const SpaceBitmapHeaderSize = 24

// SpaceBitmap is a decoded space bitmap; a set bit marks a free block.
type SpaceBitmap struct {
	SpaceBitmapDescriptor
	Bits []byte
}

// ParseSpaceBitmap decodes an SBD.
func ParseSpaceBitmap(b []byte) (*SpaceBitmap, error) {
	if len(b) < SpaceBitmapHeaderSize {
		return nil, fmt.Errorf("udf: space bitmap too small: %d bytes", len(b))
	}
	var sb SpaceBitmap
	if err := UnmarshalFixed(b, &sb.SpaceBitmapDescriptor); err != nil {
		return nil, err
	}
	n := int(sb.NumberOfBytes)
	if SpaceBitmapHeaderSize+n > len(b) || uint64(n)*8 < uint64(sb.NumberOfBits) {
		return nil, fmt.Errorf("udf: space bitmap of %d bits does not fit %d bytes", sb.NumberOfBits, len(b))
	}
	sb.Bits = append([]byte(nil), b[SpaceBitmapHeaderSize:SpaceBitmapHeaderSize+n]...)
	return &sb, nil
}

// MarshalSpaceBitmap encodes bits into an SBD. Only the header fields are CRC covered.
func MarshalSpaceBitmap(bits []byte, nbits uint32, version uint16) []byte {
	size := SpaceBitmapHeaderSize + len(bits)
	b := make([]byte, size)
	hdr := SpaceBitmapDescriptor{NumberOfBits: nbits, NumberOfBytes: uint32(len(bits))}
	copy(b, MarshalFixed(&hdr))
	copy(b[SpaceBitmapHeaderSize:], bits)
	PutTag(b, TagSpaceBitmap, version, 0, SpaceBitmapHeaderSize)
	return b
}

// SparingTableHeader is the fixed part of a sparing table.
type SparingTableHeader struct {
	DescriptorTag           Tag
	SparingIdentifier       EntityID
	ReallocationTableLength uint16
	Reserved                uint16
	SequenceNumber          uint32
}

// SparingEntry maps an original packet to a spare packet.
type SparingEntry struct {
	OriginalLocation uint32
	MappedLocation   uint32
}

// SparingTableHeaderSize is the size of the fixed sparing table part.
const SparingTableHeaderSize = 56

// SparingTable is a decoded sparing table.
type SparingTable struct {
	SparingTableHeader
	Entries []SparingEntry
}

// ParseSparingTable decodes a sparing table.
func ParseSparingTable(b []byte) (*SparingTable, error) {
	if len(b) < SparingTableHeaderSize {
		return nil, fmt.Errorf("udf: sparing table too small: %d bytes", len(b))
	}
	var st SparingTable
	if err := UnmarshalFixed(b, &st.SparingTableHeader); err != nil {
		return nil, err
	}
	if !st.SparingIdentifier.Is(IdentSparingTable) {
		return nil, fmt.Errorf("udf: sparing table identifier %q", st.SparingIdentifier.String())
	}
	n := int(st.ReallocationTableLength)
	if SparingTableHeaderSize+8*n > len(b) {
		return nil, fmt.Errorf("udf: sparing table with %d entries exceeds buffer", n)
	}
	st.Entries = make([]SparingEntry, n)
	for i := range st.Entries {
		off := SparingTableHeaderSize + 8*i
		st.Entries[i] = SparingEntry{
			OriginalLocation: binary.LittleEndian.Uint32(b[off:]),
			MappedLocation:   binary.LittleEndian.Uint32(b[off+4:]),
		}
	}
	return &st, nil
}

// Marshal encodes the sparing table.
func (st *SparingTable) Marshal(version, revision uint16) []byte {
	st.ReallocationTableLength = uint16(len(st.Entries))
	st.SparingIdentifier = NewEntityID(IdentSparingTable, UDFSuffix(revision))
	size := SparingTableHeaderSize + 8*len(st.Entries)
	b := make([]byte, size)
	copy(b, MarshalFixed(&st.SparingTableHeader))
	for i, e := range st.Entries {
		off := SparingTableHeaderSize + 8*i
		binary.LittleEndian.PutUint32(b[off:], e.OriginalLocation)
		binary.LittleEndian.PutUint32(b[off+4:], e.MappedLocation)
	}
	PutTag(b, TagSparingTable, version, 0, size)
	return b
}

// MarshalFixed encodes a fixed-layout descriptor struct.
func MarshalFixed(desc any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, desc); err != nil {
		panic(fmt.Sprintf("udf: marshal %T: %v", desc, err))
	}
	return buf.Bytes()
}

// UnmarshalFixed decodes a fixed-layout descriptor struct from b.
func UnmarshalFixed(b []byte, desc any) error {
	if len(b) < binary.Size(desc) {
		return fmt.Errorf("udf: %d bytes too small for %T", len(b), desc)
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, desc)
}

// MarshalDescriptor encodes a fixed descriptor and gives it a fresh tag.
func MarshalDescriptor(desc any, ident, version, serial uint16) []byte {
	b := MarshalFixed(desc)
	PutTag(b, ident, version, serial, len(b))
	return b
}
