package volume

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

func TestVAT_UpdateOnlyGrows(t *testing.T) {
	v := NewVAT()
	v.Update(5, 100)
	assert.Equal(t, 6, v.Len())
	for i := uint32(0); i < 5; i++ {
		_, ok := v.Lookup(i)
		assert.False(t, ok, "entry %d", i)
	}
	loc, ok := v.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, uint32(100), loc)

	v.Update(2, 7)
	assert.Equal(t, 6, v.Len())
	v.Update(200, 1)
	assert.Equal(t, 201, v.Len())
	_, ok = v.Lookup(201)
	assert.False(t, ok)

	e := v.Entries()
	e[5] = 0
	loc, _ = v.Lookup(5)
	assert.Equal(t, uint32(100), loc, "Entries returns a copy")
}

func TestVAT_RoundTrip(t *testing.T) {
	v := NewVAT()
	v.Update(0, 12)
	v.Update(1, 13)
	v.Update(3, 40)
	copy(v.Info.LogicalVolumeIdentifier[:], "\x08Archive")
	v.Info.Files, v.Info.Dirs = 7, 3
	v.Info.MinRead, v.Info.MinWrite, v.Info.MaxWrite = 0x0201, 0x0201, 0x0250
	v.Info.PreviousVAT = 90
	v.Info.NextUniqueID = 1<<32 + 17

	raw := v.Finalize(0x0201)
	assert.Equal(t, VATHeaderSize+vatImplUseSize+4*4, len(raw))
	assert.Equal(t, uint16(VATHeaderSize+vatImplUseSize), binary.LittleEndian.Uint16(raw))

	got, err := ParseVAT(raw, false)
	require.NoError(t, err)
	assert.Equal(t, v.Entries(), got.Entries())
	assert.Equal(t, v.Info, got.Info)
}

func TestVAT_ForeignImplementationUse(t *testing.T) {
	v := NewVAT()
	v.Update(0, 1)
	v.Info.NextUniqueID = 99
	raw := v.Finalize(0x0201)
	// another implementation's identifier in the same area
	copy(raw[VATHeaderSize+1:], "*Other Writer\x00\x00\x00")

	got, err := ParseVAT(raw, false)
	require.NoError(t, err)
	assert.Zero(t, got.Info.NextUniqueID)
	assert.Equal(t, []uint32{1}, got.Entries())
}

func TestVAT_HeaderWithoutImplementationUse(t *testing.T) {
	raw := make([]byte, VATHeaderSize+8)
	binary.LittleEndian.PutUint16(raw, VATHeaderSize)
	binary.LittleEndian.PutUint32(raw[VATHeaderSize:], 5)
	binary.LittleEndian.PutUint32(raw[VATHeaderSize+4:], udf.VATUnmapped)
	got, err := ParseVAT(raw, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	_, ok := got.Lookup(1)
	assert.False(t, ok)
}

func TestVAT_Legacy(t *testing.T) {
	v := NewVAT()
	v.Update(0, 3)
	v.Update(1, 4)
	raw := v.Finalize(0x0150)
	assert.Equal(t, 2*4+vatTrailerSize, len(raw))

	got, err := ParseVAT(raw, true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 4}, got.Entries())
	assert.Equal(t, uint32(udf.VATUnmapped), got.Info.PreviousVAT)

	raw[len(raw)-vatTrailerSize+1] = 'X'
	_, err = ParseVAT(raw, true)
	assert.Error(t, err, "trailer identifier damaged")
	_, err = ParseVAT(raw[:10], true)
	assert.Error(t, err)
}

func TestVAT_MalformedHeader(t *testing.T) {
	raw := make([]byte, VATHeaderSize+4)
	binary.LittleEndian.PutUint16(raw, 100)
	_, err := ParseVAT(raw, false)
	assert.Error(t, err)

	binary.LittleEndian.PutUint16(raw, VATHeaderSize+2)
	_, err = ParseVAT(raw, false)
	assert.Error(t, err, "body is not a whole number of entries")
}

func TestShadowDiff(t *testing.T) {
	current := NewVAT()
	for i, loc := range []uint32{10, 11, 12, 13} {
		current.Update(uint32(i), loc)
	}
	shadow := NewVAT()
	for i, loc := range []uint32{10, 21, 12, 13, 14} {
		shadow.Update(uint32(i), loc)
	}
	assert.Equal(t, 2, ShadowDiff(current, shadow))
	assert.Equal(t, shadow.Entries(), current.Entries())
	assert.Zero(t, ShadowDiff(current, shadow))

	// entries the shadow lacks are unmapped, the table does not shrink
	short := NewVAT()
	short.Update(0, 10)
	assert.Equal(t, 4, ShadowDiff(current, short))
	assert.Equal(t, 5, current.Len())
}

func TestWriteVAT_FindVAT(t *testing.T) {
	dev := device.NewMem(device.Geometry{SectorSize: 2048, LastBlock: 4095, PacketSize: 16, Kind: device.KindWriteOnce, Writable: true})
	c := New(dev)
	c.Partitions = PartitionTable{
		{Ref: 0, Kind: udf.MapPhysical, Start: 272, Length: 3000},
		{Ref: 1, Kind: udf.MapVirtual, Backing: 0},
	}
	c.Revision = 0x0201
	c.Files, c.Dirs = 4, 2
	c.NextUniqueID = 40
	c.VAT = NewVAT()
	c.VAT.Update(0, 0)
	c.Cursor = 1
	require.NoError(t, c.WriteVAT())
	assert.Equal(t, uint32(1), c.VATBlock)
	require.NoError(t, c.IO.Drain())

	// a second session appends another table pointing back at the first
	c.closeSession()
	c.VAT.Update(1, c.Cursor)
	c.Cursor++
	c.NextUniqueID = 41
	require.NoError(t, c.WriteVAT())
	require.NoError(t, c.IO.Drain())
	assert.Equal(t, uint32(17), c.VATBlock)

	r := New(dev)
	r.Partitions = c.Partitions
	require.NoError(t, r.findVAT(c.Partitions[1]))
	assert.Equal(t, uint32(17), r.VATBlock)
	assert.Equal(t, uint32(1), r.VAT.Info.PreviousVAT)
	assert.Equal(t, []uint32{0, 16}, r.VAT.Entries())
	assert.Equal(t, uint64(41), r.NextUniqueID)
	assert.Equal(t, uint32(4), r.Files)
	assert.Equal(t, uint32(2), r.Dirs)
	assert.Equal(t, uint32(32), r.Cursor, "next session starts on a packet boundary")
}

func TestFindVAT_NoTable(t *testing.T) {
	dev := device.NewMem(device.Geometry{SectorSize: 2048, LastBlock: 1023, PacketSize: 16, Kind: device.KindWriteOnce, Writable: true})
	c := New(dev)
	c.Partitions = PartitionTable{
		{Ref: 0, Kind: udf.MapPhysical, Start: 272, Length: 500},
		{Ref: 1, Kind: udf.MapVirtual, Backing: 0},
	}
	assert.Error(t, c.findVAT(c.Partitions[1]))
}
