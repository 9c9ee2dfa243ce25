package udf

import (
	"bytes"
	"testing"
)

func TestDecodeName_UCS2BE(t *testing.T) {
	// compID=16 + UCS-2BE bytes for "BRITNEY_SPEARS" + terminator
	data := []byte{
		16,
		0x00, 'B',
		0x00, 'R',
		0x00, 'I',
		0x00, 'T',
		0x00, 'N',
		0x00, 'E',
		0x00, 'Y',
		0x00, '_',
		0x00, 'S',
		0x00, 'P',
		0x00, 'E',
		0x00, 'A',
		0x00, 'R',
		0x00, 'S',
		0x00, 0x00,
	}

	got, err := CS0{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode(UCS2) err: %v", err)
	}
	if want := "BRITNEY_SPEARS"; got != want {
		t.Fatalf("Decode(UCS2)=%q want %q", got, want)
	}
}

func TestDecodeName_8BitStopsAtNUL(t *testing.T) {
	got, err := CS0{}.Decode([]byte{8, 'A', 'B', 0, 'C'})
	if err != nil {
		t.Fatalf("Decode(8bit) err: %v", err)
	}
	if want := "AB"; got != want {
		t.Fatalf("Decode(8bit)=%q want %q", got, want)
	}
}

func TestNameCodec_RoundTrip(t *testing.T) {
	for _, name := range []string{"README.TXT", "café", "日本語.txt", ""} {
		t.Run(name, func(t *testing.T) {
			b, err := DefaultCodec.Encode(name)
			if err != nil {
				t.Fatalf("Encode err: %v", err)
			}
			got, err := DefaultCodec.Decode(b)
			if err != nil {
				t.Fatalf("Decode err: %v", err)
			}
			if got != name {
				t.Fatalf("round trip=%q want %q", got, name)
			}
		})
	}
}

func TestDString_KeepsLength(t *testing.T) {
	b := EncodeDString(DefaultCodec, "LinuxUDF", 32)
	if len(b) != 32 {
		t.Fatalf("len=%d want 32", len(b))
	}
	if b[31] != 9 {
		t.Fatalf("length byte=%d want 9", b[31])
	}
	if got := DecodeDString(DefaultCodec, b); got != "LinuxUDF" {
		t.Fatalf("DecodeDString=%q", got)
	}
}

func TestParsePartitionMaps_MetadataPartition(t *testing.T) {
	// Partition map table bytes from a UDF 2.50+ BD-ROM (metadata partition map).
	pm := []byte{
		0x01, 0x06, 0x01, 0x00, 0x00, 0x00, // type 1, len 6, volseq=1, part=0
		0x02, 0x40, 0x00, 0x00, // type 2, len 64, reserved
		0x00, // EntityID flags
		'*', 'U', 'D', 'F', ' ', 'M', 'e', 't', 'a', 'd', 'a', 't', 'a', ' ', 'P', 'a', 'r', 't', 'i', 't', 'i', 'o', 'n',
		0x50, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // suffix, revision 2.50
		0x01, 0x00, 0x00, 0x00, // volseq=1, part=0
		0x00, 0x00, 0x00, 0x00, // metadata file location
		0x3f, 0xca, 0xb9, 0x00, // mirror file location
		0xff, 0xff, 0xff, 0xff, // no bitmap file
		0x20, 0x00, 0x00, 0x00, // allocation unit
		0x20, 0x00, 0x01, 0x00, // alignment unit, flags
		0x00, 0x00, 0x00, 0x00,
	}

	maps, err := ParsePartitionMaps(pm, 2)
	if err != nil {
		t.Fatalf("ParsePartitionMaps err: %v", err)
	}
	if got := len(maps); got != 2 {
		t.Fatalf("maps len=%d want 2", got)
	}
	if maps[0].Kind != MapPhysical || maps[0].VolumeSequenceNumber != 1 {
		t.Fatalf("maps[0]=%+v want physical volseq 1", maps[0])
	}
	m := maps[1]
	if m.Kind != MapMetadata {
		t.Fatalf("maps[1].Kind=%v want metadata", m.Kind)
	}
	if got, want := m.Revision, uint16(0x0250); got != want {
		t.Fatalf("revision=%#x want %#x", got, want)
	}
	if m.MetadataFileLocation != 0 || m.MetadataMirrorFileLocation != 0xb9ca3f || m.MetadataBitmapFileLocation != 0xffffffff {
		t.Fatalf("locations=%d/%d/%#x", m.MetadataFileLocation, m.MetadataMirrorFileLocation, m.MetadataBitmapFileLocation)
	}
	if m.AllocationUnitSize != 32 || m.AlignmentUnitSize != 32 || m.Flags != MetadataFlagDuplicate {
		t.Fatalf("units=%d/%d flags=%d", m.AllocationUnitSize, m.AlignmentUnitSize, m.Flags)
	}

	// Re-encoding produces the same identifying bytes.
	again := MarshalPartitionMaps(maps)
	if !bytes.Equal(again[:6], pm[:6]) || !bytes.Equal(again[10:34], pm[10:34]) || !bytes.Equal(again[42:], pm[42:]) {
		t.Fatalf("re-encoded maps differ:\n got %x\nwant %x", again, pm)
	}
}

func TestParsePartitionMaps_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		n    int
	}{
		{"truncated", []byte{1, 6, 0}, 1},
		{"bad type1 length", []byte{1, 8, 0, 0, 0, 0, 0, 0}, 1},
		{"unknown type", []byte{7, 6, 0, 0, 0, 0}, 1},
		{"unknown ident", append([]byte{2, 64, 0, 0, 0, 'X'}, make([]byte, 58)...), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePartitionMaps(tt.data, tt.n); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSparingMap_RoundTrip(t *testing.T) {
	in := PartitionMap{
		Kind: MapSparing, VolumeSequenceNumber: 1, PartitionNumber: 0, Revision: 0x0150,
		PacketLength: 32, SparingTableSize: 2048, SparingTableLocations: []uint32{288, 9000},
	}
	maps, err := ParsePartitionMaps(in.Marshal(), 1)
	if err != nil {
		t.Fatalf("ParsePartitionMaps err: %v", err)
	}
	got := maps[0]
	if got.Kind != MapSparing || got.PacketLength != 32 || got.SparingTableSize != 2048 ||
		len(got.SparingTableLocations) != 2 || got.SparingTableLocations[1] != 9000 {
		t.Fatalf("got %+v", got)
	}
}
