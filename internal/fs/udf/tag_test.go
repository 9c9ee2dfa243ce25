package udf

import (
	"errors"
	"testing"
	"time"
)

func stampedPVD(t *testing.T, loc uint32) []byte {
	t.Helper()
	pvd := PrimaryVolumeDescriptor{
		VolumeDescriptorSequenceNumber: 1,
		DescriptorCharacterSet:         OSTACharSpec(),
		RecordingDateAndTime:           NewTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 0),
		ImplementationIdentifier:       ImplementationID(),
	}
	copy(pvd.VolumeIdentifier[:], EncodeDString(DefaultCodec, "LinuxUDF", 32))
	b := MarshalDescriptor(&pvd, TagPrimaryVolume, 3, 1)
	Stamp(b, loc)
	return b
}

func TestStamp_ThenValidate(t *testing.T) {
	b := stampedPVD(t, 33)
	if err := ValidateHeader(b); err != nil {
		t.Fatalf("ValidateHeader: %v", err)
	}
	if err := ValidatePayload(b, len(b)-TagSize); err != nil {
		t.Fatalf("ValidatePayload: %v", err)
	}
	if err := ValidateDescriptor(b, 33); err != nil {
		t.Fatalf("ValidateDescriptor: %v", err)
	}
}

func TestValidatePayload_AnyByteMutation(t *testing.T) {
	orig := stampedPVD(t, 33)
	for i := TagSize; i < len(orig); i++ {
		b := append([]byte(nil), orig...)
		b[i] ^= 0x5a
		if err := ValidatePayload(b, len(b)-TagSize); !errors.Is(err, ErrBadPayloadCRC) {
			t.Fatalf("byte %d: err=%v want ErrBadPayloadCRC", i, err)
		}
	}
}

func TestValidateHeader_Mutation(t *testing.T) {
	b := stampedPVD(t, 33)
	b[0] ^= 1
	if err := ValidateHeader(b); !errors.Is(err, ErrBadHeaderChecksum) {
		t.Fatalf("err=%v want ErrBadHeaderChecksum", err)
	}
}

func TestValidateDescriptor_Misplaced(t *testing.T) {
	b := stampedPVD(t, 33)
	var te *TagError
	err := ValidateDescriptor(b, 34)
	if !errors.Is(err, ErrTagLocation) || !errors.As(err, &te) {
		t.Fatalf("err=%v want ErrTagLocation", err)
	}
	if te.Location != 34 {
		t.Fatalf("TagError.Location=%d want 34", te.Location)
	}
}

func TestValidatePayload_Limits(t *testing.T) {
	b := stampedPVD(t, 33)
	if err := ValidatePayload(b, 100); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err=%v want ErrPayloadTooLarge", err)
	}
	// A zero CRC length carries nothing to check.
	z := make([]byte, 64)
	PutTag(z, TagTerminating, 3, 0, TagSize)
	Stamp(z, 0)
	if err := ValidatePayload(z, 0); err != nil {
		t.Fatalf("zero length payload: %v", err)
	}
}

func TestCRC_KnownValue(t *testing.T) {
	// CRC-ITU-T with initial value zero over "123456789".
	if got := CRC([]byte("123456789")); got != 0x31C3 {
		t.Fatalf("CRC=%#04x want 0x31c3", got)
	}
}

func TestRoundToSectors(t *testing.T) {
	tests := []struct{ n, ss, want int }{
		{0, 2048, 0}, {1, 2048, 2048}, {2048, 2048, 2048}, {2049, 2048, 4096}, {600, 512, 1024},
	}
	for _, tt := range tests {
		if got := RoundToSectors(tt.n, tt.ss); got != tt.want {
			t.Fatalf("RoundToSectors(%d,%d)=%d want %d", tt.n, tt.ss, got, tt.want)
		}
	}
}

func TestDecode_Dispatch(t *testing.T) {
	d, err := DecodeAt(stampedPVD(t, 33), 33)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	pvd, ok := d.(*PrimaryVolumeDescriptor)
	if !ok {
		t.Fatalf("Decode returned %T", d)
	}
	if got := DecodeDString(DefaultCodec, pvd.VolumeIdentifier[:]); got != "LinuxUDF" {
		t.Fatalf("volume identifier=%q", got)
	}

	lv := &LogicalVolume{Maps: []PartitionMap{{Kind: MapPhysical, VolumeSequenceNumber: 1}, {Kind: MapVirtual, Revision: 0x0150, VolumeSequenceNumber: 1}}}
	lv.LogicalBlockSize = 2048
	lv.SetFileSetLocation(LongAD{ExtentLength: 2048, ExtentLocation: LBAddr{LogicalBlockNumber: 0, PartitionReferenceNumber: 1}})
	b := lv.Marshal(2)
	Stamp(b, 40)
	d, err = DecodeAt(b, 40)
	if err != nil {
		t.Fatalf("DecodeAt(lvd): %v", err)
	}
	got := d.(*LogicalVolume)
	if len(got.Maps) != 2 || got.Maps[1].Kind != MapVirtual {
		t.Fatalf("maps=%+v", got.Maps)
	}
	if fsd := got.FileSetLocation(); fsd.ExtentLocation.PartitionReferenceNumber != 1 {
		t.Fatalf("file set location=%+v", fsd)
	}
}

func TestIntegrity_RoundTrip(t *testing.T) {
	in := &Integrity{
		FreeSpace: []uint32{100, 0xFFFFFFFF},
		Size:      []uint32{1000, 0xFFFFFFFF},
		Info: LVIDImplementationUse{
			ImplementationID: ImplementationID(), NumberOfFiles: 3, NumberOfDirectories: 2,
			MinimumUDFReadRevision: 0x0201, MinimumUDFWriteRevision: 0x0201, MaximumUDFWriteRevision: 0x0201,
		},
	}
	in.IntegrityType = IntegrityClose
	in.SetNextUniqueID(42)
	b := in.Marshal(3)
	Stamp(b, 64)
	d, err := DecodeAt(b, 64)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	out := d.(*Integrity)
	if out.NextUniqueID() != 42 || out.Info.NumberOfFiles != 3 || out.FreeSpace[0] != 100 || out.Size[0] != 1000 {
		t.Fatalf("got %+v", out)
	}
}

func TestEntry_RoundTrip(t *testing.T) {
	for _, extended := range []bool{false, true} {
		e := &Entry{
			Tag:               Tag{DescriptorVersion: 3},
			Extended:          extended,
			ICBTag:            ICBTag{StrategyType: ICBStrategy4, MaximumNumberOfEntries: 1, FileType: ICBFileTypeFile, Flags: ICBFlagLongAD},
			FileLinkCount:     1,
			InformationLength: 5000,
			ObjectSize:        5000,
			UniqueID:          17,
		}
		e.SetExtents([]Extent{{Length: 5000, Location: LBAddr{LogicalBlockNumber: 10, PartitionReferenceNumber: 0}}})
		e.LogicalBlocksRecorded = 3
		b, err := e.Marshal(2048)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		Stamp(b, 7)
		d, err := DecodeAt(b, 7)
		if err != nil {
			t.Fatalf("DecodeAt: %v", err)
		}
		got := d.(*Entry)
		if got.Extended != extended || got.InformationLength != 5000 || got.UniqueID != 17 {
			t.Fatalf("got %+v", got)
		}
		exts, err := got.Extents(0)
		if err != nil || len(exts) != 1 || exts[0].Location.LogicalBlockNumber != 10 || exts[0].Blocks(2048) != 3 {
			t.Fatalf("extents=%+v err=%v", exts, err)
		}
	}
}
