package udf

// UDF constants shared by the formatter, the checker and the reader.
const (
	// Sector size for optical media
	SectorSize = 2048

	// Volume Recognition Sequence starts at the first sector at or after 32 KiB.
	VRSOffset = 16 * SectorSize

	// Volume recognition descriptors are always 2048 bytes regardless of sector size.
	VRSDescriptorSize = 2048

	// Standard identifiers
	StandardIDBEA01 = "BEA01"
	StandardIDNSR02 = "NSR02"
	StandardIDNSR03 = "NSR03"
	StandardIDTEA01 = "TEA01"

	// Descriptor tags
	TagSparingTable         = 0
	TagPrimaryVolume        = 1
	TagAnchorVolume         = 2
	TagVolumePointer        = 3
	TagImplementationVolume = 4
	TagPartition            = 5
	TagLogicalVolume        = 6
	TagUnallocatedSpace     = 7
	TagTerminating          = 8
	TagIntegrity            = 9
	TagFileSet              = 256
	TagFileIdentifier       = 257
	TagAllocationExtent     = 258
	TagIndirect             = 259
	TagTerminalEntry        = 260
	TagFile                 = 261
	TagExtendedAttribute    = 262
	TagUnallocatedSpaceEnt  = 263
	TagSpaceBitmap          = 264
	TagPartitionIntegrity   = 265
	TagExtendedFileEntry    = 266

	// File characteristics
	FileCharHidden    = 0x01
	FileCharDirectory = 0x02
	FileCharDeleted   = 0x04
	FileCharParent    = 0x08
	FileCharMetadata  = 0x10

	// ICB file types
	ICBFileTypeUnspecified    = 0
	ICBFileTypeDirectory      = 4
	ICBFileTypeFile           = 5
	ICBFileTypeSymlink        = 12
	ICBFileTypeStreamDir      = 13
	ICBFileTypeVAT20          = 248
	ICBFileTypeRealTime       = 249
	ICBFileTypeMetadata       = 250
	ICBFileTypeMetadataMirror = 251
	ICBFileTypeMetadataBitmap = 252

	// ICB flags, low three bits select the allocation descriptor form.
	ICBFlagAllocMask  = 0x0007
	ICBFlagShortAD    = 0
	ICBFlagLongAD     = 1
	ICBFlagExtendedAD = 2
	ICBFlagInICB      = 3
	ICBFlagArchive    = 0x0020
	ICBFlagContiguous = 0x0200

	// ICB strategy
	ICBStrategy4 = 4

	// Integrity types
	IntegrityOpen  = 0
	IntegrityClose = 1

	// Partition descriptor access types
	AccessReadOnly    = 1
	AccessWriteOnce   = 2
	AccessRewritable  = 3
	AccessOverwritten = 4

	// Partition descriptor flags
	PartitionFlagAllocated = 0x0001

	// Partition map types
	PartitionMapType1 = 1
	PartitionMapType2 = 2

	// Metadata partition map flags
	MetadataFlagDuplicate = 0x01

	// Reserved unique ids; regular objects start at MinUniqueID.
	MinUniqueID = 16

	// Unmapped VAT entry.
	VATUnmapped = 0xFFFFFFFF

	// Sparing map sentinels.
	SparingUnused    = 0xFFFFFFFF
	SparingDefective = 0xFFFFFFF0

	// Extent length field: top two bits carry the extent type.
	ExtentLengthMask = 0x3FFFFFFF
	ExtentTypeShift  = 30
)

// Entity identifier strings.
const (
	DomainOSTACompliant     = "*OSTA UDF Compliant"
	IdentVirtualPartition   = "*UDF Virtual Partition"
	IdentSparablePartition  = "*UDF Sparable Partition"
	IdentMetadataPartition  = "*UDF Metadata Partition"
	IdentSparingTable       = "*UDF Sparing Table"
	IdentVirtualAllocTable  = "*UDF Virtual Alloc Tbl"
	IdentLVInfo             = "*UDF LV Info"
	IdentPartitionNSR02     = "+NSR02"
	IdentPartitionNSR03     = "+NSR03"
	IdentImplementation     = "*go-udftools"
	CharSpecOSTACompressed  = "OSTA Compressed Unicode"
	OSClassUnix             = 4
	OSIdentifierLinux       = 5
	UDFDomainFlagHardWP     = 0x01
	UDFDomainFlagSoftWP     = 0x02
	DefaultMinReadRevision  = 0x0201
	DefaultMaxWriteRevision = 0x0201
)

// EntityID represents UDF entity identifier
type EntityID struct {
	Flags      byte
	Identifier [23]byte
	Suffix     [8]byte
}

// ExtentAD represents extent address descriptor
type ExtentAD struct {
	Length   uint32
	Location uint32
}

// LBAddr represents a logical block address (ECMA-167).
// LogicalBlockNumber is relative to the referenced partition.
type LBAddr struct {
	LogicalBlockNumber       uint32
	PartitionReferenceNumber uint16
}

// LongAD represents long allocation descriptor
type LongAD struct {
	ExtentLength      uint32
	ExtentLocation    LBAddr
	ImplementationUse [6]byte
}

// ShortAD represents short allocation descriptor
type ShortAD struct {
	ExtentLength   uint32
	ExtentPosition uint32
}

// Timestamp represents UDF timestamp (12 bytes)
type Timestamp struct {
	TypeAndTimezone        uint16 // Bits 12-15: Type, Bits 0-11: Timezone
	Year                   uint16
	Month                  uint8
	Day                    uint8
	Hour                   uint8
	Minute                 uint8
	Second                 uint8
	Centiseconds           uint8
	HundredsOfMicroseconds uint8
	Microseconds           uint8
}

// Tag represents descriptor tag
type Tag struct {
	TagIdentifier       uint16
	DescriptorVersion   uint16
	TagChecksum         uint8
	Reserved            uint8
	TagSerialNumber     uint16
	DescriptorCRC       uint16
	DescriptorCRCLength uint16
	TagLocation         uint32
}

// CharSpec represents character set specification
type CharSpec struct {
	CharacterSetType uint8
	CharacterSetInfo [63]byte
}
