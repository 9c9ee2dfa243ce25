package udf

import (
	"encoding/binary"
	"fmt"
)

// Descriptor is any decoded tagged structure. The concrete type depends on
// the tag identifier.
type Descriptor interface {
	DescTag() Tag
}

// Volume Descriptor Pointer
type VolumeDescriptorPointer struct {
	DescriptorTag                      Tag
	VolumeDescriptorSequenceNumber     uint32
	NextVolumeDescriptorSequenceExtent ExtentAD
	Reserved                           [484]byte
}

// LogicalVolume is an LVD with its partition maps.
type LogicalVolume struct {
	LogicalVolumeDescriptor
	Maps []PartitionMap
}

// UnallocatedSpace is a USD with its extents.
type UnallocatedSpace struct {
	UnallocatedSpaceDescriptor
	Extents []ExtentAD
}

// Unknown carries a valid descriptor whose kind is not decoded further.
type Unknown struct {
	Tag  Tag
	Data []byte
}

func (d *AnchorVolumeDescriptorPointer) DescTag() Tag     { return d.DescriptorTag }
func (d *VolumeDescriptorPointer) DescTag() Tag           { return d.DescriptorTag }
func (d *PrimaryVolumeDescriptor) DescTag() Tag           { return d.DescriptorTag }
func (d *ImplementationUseVolumeDescriptor) DescTag() Tag { return d.DescriptorTag }
func (d *PartitionDescriptor) DescTag() Tag               { return d.DescriptorTag }
func (d *LogicalVolumeDescriptor) DescTag() Tag           { return d.DescriptorTag }
func (d *UnallocatedSpaceDescriptor) DescTag() Tag        { return d.DescriptorTag }
func (d *TerminatingDescriptor) DescTag() Tag             { return d.DescriptorTag }
func (d *LogicalVolumeIntegrityDescriptor) DescTag() Tag  { return d.DescriptorTag }
func (d *FileSetDescriptor) DescTag() Tag                 { return d.DescriptorTag }
func (d *SpaceBitmapDescriptor) DescTag() Tag             { return d.DescriptorTag }
func (d *SparingTableHeader) DescTag() Tag                { return d.DescriptorTag }
func (e *Entry) DescTag() Tag                             { return e.Tag }
func (f *FID) DescTag() Tag                               { return f.Tag }
func (u *Unknown) DescTag() Tag                           { return u.Tag }

// Decode validates both checksums of b and decodes it according to its tag.
func Decode(b []byte) (Descriptor, error) {
	if err := ValidateHeader(b); err != nil {
		return nil, err
	}
	if err := ValidatePayload(b, len(b)-TagSize); err != nil {
		return nil, err
	}
	t, _ := ParseTag(b)

	fixed := func(d Descriptor) (Descriptor, error) {
		if err := UnmarshalFixed(b, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	switch t.TagIdentifier {
	case TagAnchorVolume:
		return fixed(&AnchorVolumeDescriptorPointer{})
	case TagVolumePointer:
		return fixed(&VolumeDescriptorPointer{})
	case TagPrimaryVolume:
		return fixed(&PrimaryVolumeDescriptor{})
	case TagImplementationVolume:
		return fixed(&ImplementationUseVolumeDescriptor{})
	case TagPartition:
		return fixed(&PartitionDescriptor{})
	case TagTerminating:
		return fixed(&TerminatingDescriptor{})
	case TagFileSet:
		return fixed(&FileSetDescriptor{})
	case TagLogicalVolume:
		return ParseLogicalVolume(b)
	case TagUnallocatedSpace:
		return ParseUnallocatedSpace(b)
	case TagIntegrity:
		return ParseIntegrity(b)
	case TagFile, TagExtendedFileEntry:
		return ParseEntry(b)
	case TagFileIdentifier:
		f, _, err := DecodeFID(b, 0)
		return f, err
	case TagSpaceBitmap:
		return ParseSpaceBitmap(b)
	case TagSparingTable:
		return ParseSparingTable(b)
	}
	return &Unknown{Tag: t, Data: b}, nil
}

// DecodeAt is Decode plus a check that the copy sits where it claims.
func DecodeAt(b []byte, location uint32) (Descriptor, error) {
	if err := ValidateDescriptor(b, location); err != nil {
		return nil, err
	}
	return Decode(b)
}

// ParseLogicalVolume decodes an LVD and its partition maps.
func ParseLogicalVolume(b []byte) (*LogicalVolume, error) {
	var lv LogicalVolume
	if err := UnmarshalFixed(b, &lv.LogicalVolumeDescriptor); err != nil {
		return nil, err
	}
	end := LogicalVolumeDescriptorSize + int(lv.MapTableLength)
	if end > len(b) {
		return nil, fmt.Errorf("udf: map table of %d bytes exceeds descriptor", lv.MapTableLength)
	}
	maps, err := ParsePartitionMaps(b[LogicalVolumeDescriptorSize:end], int(lv.NumberOfPartitionMaps))
	if err != nil {
		return nil, err
	}
	lv.Maps = maps
	return &lv, nil
}

// Marshal encodes the LVD with its maps and a fresh tag.
func (lv *LogicalVolume) Marshal(version uint16) []byte {
	maps := MarshalPartitionMaps(lv.Maps)
	lv.MapTableLength = uint32(len(maps))
	lv.NumberOfPartitionMaps = uint32(len(lv.Maps))
	b := append(MarshalFixed(&lv.LogicalVolumeDescriptor), maps...)
	PutTag(b, TagLogicalVolume, version, lv.DescriptorTag.TagSerialNumber, len(b))
	return b
}

// SetFileSetLocation stores the FSD long_ad in the contents use field.
func (lv *LogicalVolume) SetFileSetLocation(l LongAD) {
	l.Put(lv.LogicalVolumeContentsUse[:])
}

// ParseUnallocatedSpace decodes a USD.
func ParseUnallocatedSpace(b []byte) (*UnallocatedSpace, error) {
	var us UnallocatedSpace
	if err := UnmarshalFixed(b, &us.UnallocatedSpaceDescriptor); err != nil {
		return nil, err
	}
	n := int(us.NumberOfAllocationDescriptors)
	if 24+8*n > len(b) {
		return nil, fmt.Errorf("udf: unallocated space descriptor lists %d extents", n)
	}
	for i := 0; i < n; i++ {
		us.Extents = append(us.Extents, ExtentAD{
			Length:   binary.LittleEndian.Uint32(b[24+8*i:]),
			Location: binary.LittleEndian.Uint32(b[28+8*i:]),
		})
	}
	return &us, nil
}

// Marshal encodes the USD with a fresh tag.
func (us *UnallocatedSpace) Marshal(version uint16) []byte {
	us.NumberOfAllocationDescriptors = uint32(len(us.Extents))
	b := MarshalFixed(&us.UnallocatedSpaceDescriptor)
	for _, x := range us.Extents {
		b = binary.LittleEndian.AppendUint32(b, x.Length)
		b = binary.LittleEndian.AppendUint32(b, x.Location)
	}
	PutTag(b, TagUnallocatedSpace, version, us.DescriptorTag.TagSerialNumber, len(b))
	return b
}
