package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
)

func TestPlan_WriteOnceCD(t *testing.T) {
	const blocks = 700 * 1024 * 1024 / 2048
	flags, blocking := ForMedia(device.KindWriteOnce)
	require.True(t, flags.Has(FlagVirtual), "write-once media use a VAT")
	require.Equal(t, uint32(32), blocking)

	l := Plan(Params{MinVersion: 0x0102, LastBlock: blocks - 1, SectorSize: 2048, Blocking: 16, Flags: flags})
	assert.GreaterOrEqual(t, l.MinVersion, uint16(0x0150))
	require.NoError(t, l.Validate())

	for _, r := range []Extent{l.MainVDS, l.ReserveVDS, l.LVID} {
		assert.LessOrEqual(t, r.End()-1, l.LastBlock)
	}
	for _, a := range l.Anchors {
		assert.LessOrEqual(t, a, l.LastBlock)
	}
	assert.Equal(t, uint32(2), l.LVID.Length)
	assert.Equal(t, l.LastBlock, l.ReserveVDS.End()-1, "reserve sequence ends the medium")
	assert.Len(t, l.Anchors, 2)
	assert.True(t, l.SpaceBitmap.Empty())
	assert.Equal(t, uint32(0), l.FileSet)
	assert.Equal(t, uint32(1), l.Root)
	assert.Zero(t, l.Partition.Start%16)
	assert.Zero(t, l.Partition.Length%16)
}

func TestPlan_HardDisk512(t *testing.T) {
	l := Plan(Params{LastBlock: 20479, SectorSize: 512, Blocking: 1})
	require.NoError(t, l.Validate())
	assert.Equal(t, uint32(64), l.VRS.Start, "first sector at or after 32 KiB")
	assert.Equal(t, uint32(12), l.VRS.Length)
	assert.Equal(t, []uint32{256, 20479 - 256, 20479}, l.Anchors)
	assert.Equal(t, uint32(16), l.LVID.Length, "8 KiB of 512-byte blocks")
	assert.Equal(t, l.Anchors[1], l.ReserveVDS.End(), "reserve sequence sits right before the second anchor")
	assert.Equal(t, uint16(0x0201), l.MinVersion)
	assert.Equal(t, l.SpaceBitmap.End(), l.FileSet)
	assert.Equal(t, l.FileSet+1, l.Root)
	assert.Equal(t, l.Root+1, l.Data.Start)
}

func TestPlan_Anchor512(t *testing.T) {
	l := Plan(Params{LastBlock: 100000, SectorSize: 2048, Blocking: 1, Flags: FlagAnchor512})
	require.NoError(t, l.Validate())
	assert.Equal(t, uint32(512), l.Anchors[0])
	assert.Greater(t, l.Partition.Start, uint32(512))
}

func TestPlan_Sparing(t *testing.T) {
	flags, blocking := ForMedia(device.KindRewritable)
	l := Plan(Params{LastBlock: 300000, SectorSize: 2048, Blocking: blocking, Flags: flags})
	require.NoError(t, l.Validate())
	assert.GreaterOrEqual(t, l.MinVersion, uint16(0x0150))
	require.Len(t, l.SparingTables, 2)
	assert.Equal(t, l.SparingTables[0].End(), l.Partition.Start)
	assert.Equal(t, l.Partition.End(), l.SparePool.Start)
	assert.Equal(t, l.SparePool.End(), l.SparingTables[1].Start)
	assert.Equal(t, uint32(DefaultSpareBlocks), l.SparePool.Length)
	assert.Equal(t, uint32(56+8*DefaultSpareBlocks/32), l.SparingTableSize)
	for _, x := range append(l.SparingTables, l.SparePool, l.Partition) {
		assert.Zero(t, x.Start%blocking, "packet aligned")
	}
}

func TestPlan_Metadata(t *testing.T) {
	l := Plan(Params{LastBlock: 500000, SectorSize: 2048, Blocking: 32, Flags: FlagMetadata, MetadataPercent: 5})
	require.NoError(t, l.Validate())
	assert.Equal(t, uint16(0x0250), l.MinVersion)
	assert.Equal(t, l.MetadataFile+1, l.MetadataMirrorFile)
	assert.Equal(t, l.MetadataFile+2, l.MetadataBitmapFile)
	assert.Zero(t, l.Metadata.Start%l.MetadataAlign)
	assert.Zero(t, l.Metadata.Length%l.MetadataAlign)
	assert.Equal(t, l.Metadata.Length, l.MetadataMirror.Length)
	assert.LessOrEqual(t, l.MetadataMirror.End(), l.Partition.Length)
	assert.Equal(t, uint32(0), l.FileSet)
	expect := uint64(l.Partition.Length-l.MetadataFile-3) * 5 / 100
	assert.InDelta(t, expect, uint64(l.Metadata.Length), float64(l.MetadataAlign))
}

func TestPlan_MetadataMinimum(t *testing.T) {
	l := Plan(Params{LastBlock: 2000, SectorSize: 2048, Blocking: 1, Flags: FlagMetadata, MetadataPercent: 1})
	require.NoError(t, l.Validate())
	assert.Equal(t, uint32(MinMetadataBlocks), l.Metadata.Length)
}

func TestValidate_TooSmall(t *testing.T) {
	l := Plan(Params{LastBlock: 300, SectorSize: 2048, Blocking: 1})
	assert.Error(t, l.Validate())
	l = Plan(Params{LastBlock: 560, SectorSize: 2048, Blocking: 1})
	assert.Error(t, l.Validate())
}

func TestExtent_Overlaps(t *testing.T) {
	a := Extent{10, 5}
	assert.True(t, a.Overlaps(Extent{14, 1}))
	assert.False(t, a.Overlaps(Extent{15, 3}))
	assert.False(t, a.Overlaps(Extent{0, 0}))
	assert.Equal(t, "10-14", a.String())
}
