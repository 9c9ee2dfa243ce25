package udf

import (
	"fmt"
	"io/fs"
)

const (
	FileEntrySize         = 176
	ExtendedFileEntrySize = 216
)

// FileEntry represents a UDF file entry
type FileEntry struct {
	DescriptorTag                 Tag
	ICBTag                        ICBTag
	UID                           uint32
	GID                           uint32
	Permissions                   uint32
	FileLinkCount                 uint16
	RecordFormat                  uint8
	RecordDisplayAttributes       uint8
	RecordLength                  uint32
	InformationLength             uint64
	LogicalBlocksRecorded         uint64
	AccessTime                    Timestamp
	ModificationTime              Timestamp
	AttributeTime                 Timestamp
	Checkpoint                    uint32
	ExtendedAttributeICB          LongAD
	ImplementationIdentifier      EntityID
	UniqueID                      uint64
	LengthOfExtendedAttributes    uint32
	LengthOfAllocationDescriptors uint32
	// Extended attributes and allocation descriptors follow
}

// ExtendedFileEntry for large files
type ExtendedFileEntry struct {
	DescriptorTag                 Tag
	ICBTag                        ICBTag
	UID                           uint32
	GID                           uint32
	Permissions                   uint32
	FileLinkCount                 uint16
	RecordFormat                  uint8
	RecordDisplayAttributes       uint8
	RecordLength                  uint32
	InformationLength             uint64
	ObjectSize                    uint64
	LogicalBlocksRecorded         uint64
	AccessTime                    Timestamp
	ModificationTime              Timestamp
	CreateTime                    Timestamp
	AttributeTime                 Timestamp
	Checkpoint                    uint32
	Reserved                      [4]byte
	ExtendedAttributeICB          LongAD
	StreamDirectoryICB            LongAD
	ImplementationIdentifier      EntityID
	UniqueID                      uint64
	LengthOfExtendedAttributes    uint32
	LengthOfAllocationDescriptors uint32
}

// ICBTag represents Information Control Block tag
type ICBTag struct {
	PriorRecordedNumberOfDirectEntries uint32  // 0-3
	StrategyType                       uint16  // 4-5
	StrategyParameter                  [2]byte // 6-7
	MaximumNumberOfEntries             uint16  // 8-9
	Reserved                           byte    // 10
	FileType                           uint8   // 11
	ParentICBLocation                  LBAddr  // 12-17 (6 bytes)
	Flags                              uint16  // 18-19
}

// Entry is a unified view of a FileEntry or ExtendedFileEntry.
// Fields only present in the extended form are ignored when Extended is false.
type Entry struct {
	Tag                      Tag
	ICBTag                   ICBTag
	Extended                 bool
	UID                      uint32
	GID                      uint32
	Permissions              uint32
	FileLinkCount            uint16
	RecordFormat             uint8
	RecordDisplayAttributes  uint8
	RecordLength             uint32
	InformationLength        uint64
	ObjectSize               uint64
	LogicalBlocksRecorded    uint64
	AccessTime               Timestamp
	ModificationTime         Timestamp
	CreateTime               Timestamp
	AttributeTime            Timestamp
	Checkpoint               uint32
	ExtendedAttributeICB     LongAD
	StreamDirectoryICB       LongAD
	ImplementationIdentifier EntityID
	UniqueID                 uint64

	ExtendedAttributes    []byte
	AllocationDescriptors []byte
}

// HeaderSize is the fixed part of the entry.
func (e *Entry) HeaderSize() int {
	if e.Extended {
		return ExtendedFileEntrySize
	}
	return FileEntrySize
}

// AllocType returns the allocation descriptor form from the ICB flags.
func (e *Entry) AllocType() int {
	return int(e.ICBTag.Flags & ICBFlagAllocMask)
}

// SetAllocType replaces the allocation descriptor form.
func (e *Entry) SetAllocType(t int) {
	e.ICBTag.Flags = e.ICBTag.Flags&^ICBFlagAllocMask | uint16(t)
}

func (e *Entry) FileType() uint8 { return e.ICBTag.FileType }

func (e *Entry) IsDirectory() bool {
	return e.ICBTag.FileType == ICBFileTypeDirectory || e.ICBTag.FileType == ICBFileTypeStreamDir
}

// Inline reports whether the data is embedded in the entry.
func (e *Entry) Inline() bool { return e.AllocType() == ICBFlagInICB }

// InlineCapacity is how many data bytes fit inside an entry of blockSize.
func (e *Entry) InlineCapacity(blockSize int) int {
	return blockSize - e.HeaderSize() - len(e.ExtendedAttributes)
}

// Extents decodes the allocation descriptors. Inline entries have none.
func (e *Entry) Extents(defaultPart uint16) ([]Extent, error) {
	if e.Inline() {
		return nil, nil
	}
	return DecodeAllocationDescriptors(e.AllocationDescriptors, e.AllocType(), defaultPart)
}

// SetExtents encodes exts in the entry's current allocation form.
func (e *Entry) SetExtents(exts []Extent) {
	e.AllocationDescriptors = EncodeAllocationDescriptors(exts, e.AllocType())
}

// ParseEntry decodes a FE or EFE from a block.
func ParseEntry(b []byte) (*Entry, error) {
	t, err := ParseTag(b)
	if err != nil {
		return nil, err
	}
	var e Entry
	var lea, lad uint32
	switch t.TagIdentifier {
	case TagFile:
		var fe FileEntry
		if err := UnmarshalFixed(b, &fe); err != nil {
			return nil, err
		}
		e = Entry{
			Tag: fe.DescriptorTag, ICBTag: fe.ICBTag,
			UID: fe.UID, GID: fe.GID, Permissions: fe.Permissions, FileLinkCount: fe.FileLinkCount,
			RecordFormat: fe.RecordFormat, RecordDisplayAttributes: fe.RecordDisplayAttributes, RecordLength: fe.RecordLength,
			InformationLength: fe.InformationLength, ObjectSize: fe.InformationLength,
			LogicalBlocksRecorded: fe.LogicalBlocksRecorded,
			AccessTime:            fe.AccessTime, ModificationTime: fe.ModificationTime, AttributeTime: fe.AttributeTime,
			Checkpoint: fe.Checkpoint, ExtendedAttributeICB: fe.ExtendedAttributeICB,
			ImplementationIdentifier: fe.ImplementationIdentifier, UniqueID: fe.UniqueID,
		}
		lea, lad = fe.LengthOfExtendedAttributes, fe.LengthOfAllocationDescriptors
	case TagExtendedFileEntry:
		var efe ExtendedFileEntry
		if err := UnmarshalFixed(b, &efe); err != nil {
			return nil, err
		}
		e = Entry{
			Tag: efe.DescriptorTag, ICBTag: efe.ICBTag, Extended: true,
			UID: efe.UID, GID: efe.GID, Permissions: efe.Permissions, FileLinkCount: efe.FileLinkCount,
			RecordFormat: efe.RecordFormat, RecordDisplayAttributes: efe.RecordDisplayAttributes, RecordLength: efe.RecordLength,
			InformationLength: efe.InformationLength, ObjectSize: efe.ObjectSize,
			LogicalBlocksRecorded: efe.LogicalBlocksRecorded,
			AccessTime:            efe.AccessTime, ModificationTime: efe.ModificationTime, CreateTime: efe.CreateTime,
			AttributeTime: efe.AttributeTime, Checkpoint: efe.Checkpoint,
			ExtendedAttributeICB: efe.ExtendedAttributeICB, StreamDirectoryICB: efe.StreamDirectoryICB,
			ImplementationIdentifier: efe.ImplementationIdentifier, UniqueID: efe.UniqueID,
		}
		lea, lad = efe.LengthOfExtendedAttributes, efe.LengthOfAllocationDescriptors
	default:
		return nil, &TagError{Err: ErrUnexpectedTag, Identifier: t.TagIdentifier, Location: t.TagLocation,
			Detail: "want file entry"}
	}

	hs := e.HeaderSize()
	if uint64(hs)+uint64(lea)+uint64(lad) > uint64(len(b)) {
		return nil, fmt.Errorf("udf: entry at %d: L_EA %d + L_AD %d exceed %d bytes",
			t.TagLocation, lea, lad, len(b)-hs)
	}
	e.ExtendedAttributes = append([]byte(nil), b[hs:hs+int(lea)]...)
	e.AllocationDescriptors = append([]byte(nil), b[hs+int(lea):hs+int(lea)+int(lad)]...)
	return &e, nil
}

// Marshal encodes the entry into a buffer of blockSize bytes with a fresh
// tag. The caller stamps it with its location.
func (e *Entry) Marshal(blockSize int) ([]byte, error) {
	hs := e.HeaderSize()
	n := hs + len(e.ExtendedAttributes) + len(e.AllocationDescriptors)
	if n > blockSize {
		return nil, fmt.Errorf("udf: entry of %d bytes does not fit a %d byte block", n, blockSize)
	}
	lea, lad := uint32(len(e.ExtendedAttributes)), uint32(len(e.AllocationDescriptors))
	var head []byte
	var ident uint16
	if e.Extended {
		ident = TagExtendedFileEntry
		head = MarshalFixed(&ExtendedFileEntry{
			ICBTag: e.ICBTag,
			UID:    e.UID, GID: e.GID, Permissions: e.Permissions, FileLinkCount: e.FileLinkCount,
			RecordFormat: e.RecordFormat, RecordDisplayAttributes: e.RecordDisplayAttributes, RecordLength: e.RecordLength,
			InformationLength: e.InformationLength, ObjectSize: e.ObjectSize,
			LogicalBlocksRecorded: e.LogicalBlocksRecorded,
			AccessTime:            e.AccessTime, ModificationTime: e.ModificationTime, CreateTime: e.CreateTime,
			AttributeTime: e.AttributeTime, Checkpoint: e.Checkpoint,
			ExtendedAttributeICB: e.ExtendedAttributeICB, StreamDirectoryICB: e.StreamDirectoryICB,
			ImplementationIdentifier: e.ImplementationIdentifier, UniqueID: e.UniqueID,
			LengthOfExtendedAttributes: lea, LengthOfAllocationDescriptors: lad,
		})
	} else {
		ident = TagFile
		head = MarshalFixed(&FileEntry{
			ICBTag: e.ICBTag,
			UID:    e.UID, GID: e.GID, Permissions: e.Permissions, FileLinkCount: e.FileLinkCount,
			RecordFormat: e.RecordFormat, RecordDisplayAttributes: e.RecordDisplayAttributes, RecordLength: e.RecordLength,
			InformationLength: e.InformationLength, LogicalBlocksRecorded: e.LogicalBlocksRecorded,
			AccessTime: e.AccessTime, ModificationTime: e.ModificationTime, AttributeTime: e.AttributeTime,
			Checkpoint: e.Checkpoint, ExtendedAttributeICB: e.ExtendedAttributeICB,
			ImplementationIdentifier: e.ImplementationIdentifier, UniqueID: e.UniqueID,
			LengthOfExtendedAttributes: lea, LengthOfAllocationDescriptors: lad,
		})
	}
	b := make([]byte, blockSize)
	copy(b, head)
	copy(b[hs:], e.ExtendedAttributes)
	copy(b[hs+int(lea):], e.AllocationDescriptors)
	PutTag(b, ident, e.Tag.DescriptorVersion, e.Tag.TagSerialNumber, n)
	return b, nil
}

// UDF permission bits per class.
const (
	PermExecute = 0x01
	PermWrite   = 0x02
	PermRead    = 0x04
	PermChattr  = 0x08
	PermDelete  = 0x10
)

// PermissionsFromMode converts unix permission bits into UDF permissions.
func PermissionsFromMode(mode fs.FileMode) uint32 {
	conv := func(bits uint32) uint32 {
		var p uint32
		if bits&4 != 0 {
			p |= PermRead
		}
		if bits&2 != 0 {
			p |= PermWrite | PermChattr | PermDelete
		}
		if bits&1 != 0 {
			p |= PermExecute
		}
		return p
	}
	m := uint32(mode.Perm())
	return conv(m&7) | conv(m>>3&7)<<5 | conv(m>>6&7)<<10
}

// Mode converts UDF permissions back to unix permission bits.
func (e *Entry) Mode() fs.FileMode {
	conv := func(p uint32) fs.FileMode {
		var m fs.FileMode
		if p&PermRead != 0 {
			m |= 4
		}
		if p&PermWrite != 0 {
			m |= 2
		}
		if p&PermExecute != 0 {
			m |= 1
		}
		return m
	}
	mode := conv(e.Permissions&0x1F) | conv(e.Permissions>>5&0x1F)<<3 | conv(e.Permissions>>10&0x1F)<<6
	if e.IsDirectory() {
		mode |= fs.ModeDir
	}
	if e.ICBTag.FileType == ICBFileTypeSymlink {
		mode |= fs.ModeSymlink
	}
	return mode
}
