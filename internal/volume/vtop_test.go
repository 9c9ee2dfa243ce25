package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

func testContext(t *testing.T, g device.Geometry, parts ...*Partition) *Context {
	t.Helper()
	if g.SectorSize == 0 {
		g.SectorSize = 2048
	}
	if g.LastBlock == 0 {
		g.LastBlock = 8191
	}
	g.Writable = true
	c := New(device.NewMem(g))
	for i, p := range parts {
		p.Ref = uint16(i)
	}
	c.Partitions = parts
	return c
}

func TestTranslate_Physical(t *testing.T) {
	c := testContext(t, device.Geometry{}, &Partition{Kind: udf.MapPhysical, Start: 100, Length: 1000})

	phys, run, err := c.Translate(0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(105), phys)
	assert.Equal(t, uint32(995), run)

	phys, run, err = c.Translate(0, 999)
	require.NoError(t, err)
	assert.Equal(t, uint32(1099), phys)
	assert.Equal(t, uint32(1), run)

	_, _, err = c.Translate(0, 1000)
	assert.ErrorIs(t, err, ErrOutOfRange)
	var te *TranslationError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, uint32(1000), te.Block)

	_, _, err = c.Translate(3, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTranslate_Raw(t *testing.T) {
	c := testContext(t, device.Geometry{LastBlock: 999})
	phys, run, err := c.Translate(RawPartition, 999)
	require.NoError(t, err)
	assert.Equal(t, uint32(999), phys)
	assert.Equal(t, uint32(1), run)

	_, run, err = c.Translate(RawPartition, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), run)

	_, _, err = c.Translate(RawPartition, 1000)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTranslate_Sparing(t *testing.T) {
	p := &Partition{Kind: udf.MapSparing, Start: 100, Length: 1024, PacketLength: 32}
	p.Sparing = &SparingTable{Entries: []udf.SparingEntry{
		{OriginalLocation: 64, MappedLocation: 5000},
		{OriginalLocation: udf.SparingUnused, MappedLocation: 5032},
	}}
	c := testContext(t, device.Geometry{}, p)

	phys, run, err := c.Translate(0, 70)
	require.NoError(t, err)
	assert.Equal(t, uint32(5006), phys, "remapped packet")
	assert.Equal(t, uint32(26), run)

	phys, run, err = c.Translate(0, 40)
	require.NoError(t, err)
	assert.Equal(t, uint32(140), phys)
	assert.Equal(t, uint32(24), run, "run stops at the packet boundary")

	_, _, err = c.Translate(0, 1024)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTranslate_Virtual(t *testing.T) {
	c := testContext(t, device.Geometry{},
		&Partition{Kind: udf.MapPhysical, Start: 100, Length: 1000},
		&Partition{Kind: udf.MapVirtual, Backing: 0})

	_, _, err := c.Translate(1, 0)
	assert.ErrorIs(t, err, ErrOutOfRange, "no VAT loaded")

	c.VAT = NewVAT()
	c.VAT.Update(0, 10)
	c.VAT.Update(2, 12)

	phys, run, err := c.Translate(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(110), phys)
	assert.Equal(t, uint32(1), run)

	_, _, err = c.Translate(1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange, "unmapped entry")
	_, _, err = c.Translate(1, 3)
	assert.ErrorIs(t, err, ErrOutOfRange, "beyond the table")

	c.VAT.Update(4, 5000)
	_, _, err = c.Translate(1, 4)
	assert.ErrorIs(t, err, ErrOutOfRange, "entry points outside the backing partition")
}

func TestTranslate_Metadata(t *testing.T) {
	meta := &Partition{Kind: udf.MapMetadata, Backing: 0, MetadataExtents: []udf.Extent{
		{Type: udf.ExtentRecorded, Length: 4 * 2048, Location: udf.LBAddr{LogicalBlockNumber: 10}},
		{Type: udf.ExtentRecorded, Length: 2 * 2048, Location: udf.LBAddr{LogicalBlockNumber: 50}},
	}}
	c := testContext(t, device.Geometry{}, &Partition{Kind: udf.MapPhysical, Start: 100, Length: 1000}, meta)

	phys, run, err := c.Translate(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(111), phys)
	assert.Equal(t, uint32(3), run)

	phys, run, err = c.Translate(1, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(151), phys)
	assert.Equal(t, uint32(1), run)

	_, _, err = c.Translate(1, 6)
	assert.ErrorIs(t, err, ErrOutOfRange)

	meta.MetadataExtents = append(meta.MetadataExtents[:1], udf.Extent{Type: udf.ExtentNext, Length: 2048})
	_, _, err = c.Translate(1, 4)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTranslate_UnknownMapping(t *testing.T) {
	c := testContext(t, device.Geometry{}, &Partition{Kind: udf.MapRaw, Length: 10})
	_, _, err := c.Translate(0, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

// Every block of a partition translates to exactly one physical block and
// the runs cover the partition without gaps.
func TestTranslate_RunsCoverPartition(t *testing.T) {
	p := &Partition{Kind: udf.MapSparing, Start: 200, Length: 320, PacketLength: 32}
	p.Sparing = &SparingTable{Entries: []udf.SparingEntry{{OriginalLocation: 96, MappedLocation: 4000}}}
	c := testContext(t, device.Geometry{}, p)

	seen := map[uint32]bool{}
	for block := uint32(0); block < p.Length; {
		phys, run, err := c.Translate(0, block)
		require.NoError(t, err)
		require.NotZero(t, run)
		for i := uint32(0); i < run && block+i < p.Length; i++ {
			q, _, err := c.Translate(0, block+i)
			require.NoError(t, err)
			assert.Equal(t, phys+i, q)
			assert.False(t, seen[q])
			seen[q] = true
		}
		block += run
	}
	assert.Len(t, seen, int(p.Length))
}

func TestReadWriteBlocks_Virtual(t *testing.T) {
	c := testContext(t, device.Geometry{Kind: device.KindWriteOnce, PacketSize: 16},
		&Partition{Kind: udf.MapPhysical, Start: 100, Length: 1000},
		&Partition{Kind: udf.MapVirtual, Backing: 0})
	c.Cursor = 32

	idx, err := c.Allocate(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)

	data := make([]byte, 2*2048)
	for i := range data {
		data[i] = byte(i / 2048)
	}
	data[0], data[2048] = 0xAA, 0xBB
	require.NoError(t, c.WriteBlocks(1, idx, data))
	assert.Equal(t, uint32(34), c.Cursor)

	loc, ok := c.VAT.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint32(33), loc)

	got, err := c.ReadBlocks(1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// rewriting a virtual block moves it, the old copy stays behind
	require.NoError(t, c.WriteBlocks(1, 0, data[:2048]))
	loc, _ = c.VAT.Lookup(0)
	assert.Equal(t, uint32(34), loc)
}
