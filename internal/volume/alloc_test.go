package volume

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/util"
)

func TestBitmap_FreeCountMatchesBits(t *testing.T) {
	b := NewBitmap(1003)
	assert.Equal(t, uint32(1003), b.Free())
	assert.Equal(t, byte(0x07), b.bits[len(b.bits)-1], "bits past the end stay clear")

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		start := uint32(rng.Intn(1000))
		count := uint32(rng.Intn(int(1003-start))) + 1
		if rng.Intn(2) == 0 {
			_, err := b.Mark(start, count)
			require.NoError(t, err)
		} else {
			require.NoError(t, b.Release(start, count))
		}
		require.Equal(t, util.PopCount(b.bits), b.Free())
	}
}

func TestBitmap_MarkReportsNewlyAllocated(t *testing.T) {
	b := NewBitmap(64)
	n, err := b.Mark(10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), n)
	n, err = b.Mark(15, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n)
	assert.Equal(t, []Run{{Start: 10, Count: 15}}, b.Used(0, 64))

	_, err = b.Mark(60, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, b.Release(64, 1), ErrOutOfRange)
}

func TestBitmap_FindFree(t *testing.T) {
	b := NewBitmap(32)
	_, _ = b.Mark(0, 4)
	_, _ = b.Mark(6, 2)
	start, ok := b.FindFree(2, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(4), start)
	start, ok = b.FindFree(3, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(8), start)
	_, ok = b.FindFree(33, 0)
	assert.False(t, ok)
}

func TestBitmap_DiffAndClone(t *testing.T) {
	a := NewBitmap(100)
	_, _ = a.Mark(0, 10)
	b := a.Clone()
	assert.Zero(t, a.Diff(b))
	_, _ = b.Mark(50, 3)
	require.NoError(t, b.Release(0, 1))
	assert.Equal(t, uint32(4), a.Diff(b))
	assert.Equal(t, uint32(90), a.Free(), "clone does not share bits")
}

func TestBitmap_SBDRoundTrip(t *testing.T) {
	b := NewBitmap(5000)
	_, _ = b.Mark(3, 700)
	_, _ = b.Mark(4990, 10)
	raw := b.Marshal(3)
	udf.Stamp(raw, 0)
	d, err := udf.DecodeAt(raw, 0)
	require.NoError(t, err)
	sb, ok := d.(*udf.SpaceBitmap)
	require.True(t, ok)
	got := BitmapFromSBD(sb)
	assert.Zero(t, b.Diff(got))
	assert.Equal(t, b.Free(), got.Free())
	assert.Equal(t, uint32(1), b.StorageBlocks(2048))
}

func TestBitmap_Missing(t *testing.T) {
	b := MissingBitmap(100)
	assert.Zero(t, b.Free())
	assert.True(t, b.IsFree(5))
}

func hdContext(t *testing.T, length uint32) *Context {
	t.Helper()
	c := testContext(t, device.Geometry{}, &Partition{Kind: udf.MapPhysical, Start: 256, Length: length})
	b := NewBitmap(length)
	b.Ref = 0
	c.Bitmaps[0] = b
	return c
}

// Allocation only ever moves blocks between free and allocated; the two
// always add up to the partition length.
func TestAllocate_Conservation(t *testing.T) {
	const length = 2000
	c := hdContext(t, length)
	var held []Run
	rng := rand.New(rand.NewSource(7))
	allocated := uint32(0)
	for i := 0; i < 300; i++ {
		if len(held) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(held))
			r := held[k]
			require.NoError(t, c.Free(0, r.Start, r.Count))
			allocated -= r.Count
			held = append(held[:k], held[k+1:]...)
		} else {
			n := uint32(rng.Intn(40) + 1)
			runs, err := c.AllocateRuns(0, n)
			if err != nil {
				assert.ErrorIs(t, err, ErrNoSpace)
				continue
			}
			for _, r := range runs {
				for _, h := range held {
					require.False(t, r.Overlaps(h), "%s handed out twice", r)
				}
			}
			held = append(held, runs...)
			allocated += n
		}
		require.Equal(t, uint32(length), c.FreeBlocks(0)+allocated)
	}
}

func TestAllocateRuns_SplitsWhenFragmented(t *testing.T) {
	c := hdContext(t, 20)
	b := c.Bitmaps[0]
	for i := uint32(0); i < 20; i += 2 {
		_, _ = b.Mark(i, 1)
	}
	_, err := c.Allocate(0, 2)
	assert.ErrorIs(t, err, ErrNoSpace)

	runs, err := c.AllocateRuns(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []Run{{0, 1, 1}, {0, 3, 1}, {0, 5, 1}, {0, 7, 1}}, runs)
	assert.Equal(t, uint32(6), c.FreeBlocks(0))

	_, err = c.AllocateRuns(0, 7)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, uint32(6), c.FreeBlocks(0), "a failed request takes nothing")
}

func TestAllocate_WriteOnceNeedsVirtualPartition(t *testing.T) {
	c := testContext(t, device.Geometry{Kind: device.KindWriteOnce, PacketSize: 16},
		&Partition{Kind: udf.MapPhysical, Start: 256, Length: 1000})
	c.Bitmaps[0] = NewBitmap(1000)
	_, err := c.Allocate(0, 1)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAllocate_SequentialCursor(t *testing.T) {
	c := testContext(t, device.Geometry{Kind: device.KindWriteOnce, PacketSize: 16},
		&Partition{Kind: udf.MapPhysical, Start: 256, Length: 100},
		&Partition{Kind: udf.MapVirtual, Backing: 0})

	loc, err := c.Allocate(0, 5)
	require.NoError(t, err)
	assert.Zero(t, loc)
	loc, err = c.Allocate(0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), loc)
	assert.Equal(t, uint32(92), c.FreeBlocks(0))
	assert.Zero(t, c.FreeBlocks(1), "virtual partitions report no free space")

	// freeing recorded blocks of write-once media is a no-op
	require.NoError(t, c.Free(0, 0, 5))
	assert.Equal(t, uint32(92), c.FreeBlocks(0))

	c.closeSession()
	assert.Equal(t, uint32(16), c.Cursor)
	_, err = c.Allocate(0, 85)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestCheckAllocated(t *testing.T) {
	c := hdContext(t, 100)
	require.NoError(t, c.MarkAllocated(0, 10, 5))
	n, runs := c.CheckAllocated(0, 8, 10)
	assert.Equal(t, uint32(5), n)
	assert.Equal(t, []Run{{Ref: 0, Start: 10, Count: 5}}, runs)

	err := c.MarkAllocated(0, 99, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMarkAllocated_WithoutBitmap(t *testing.T) {
	c := testContext(t, device.Geometry{}, &Partition{Kind: udf.MapPhysical, Start: 256, Length: 100})
	require.NoError(t, c.MarkAllocated(0, 1, 1))
	require.NotNil(t, c.Bitmaps[0])
	assert.True(t, c.Bitmaps[0].Missing)
	assert.Zero(t, c.FreeBlocks(0))
	_, err := c.Allocate(0, 1)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestRebuildFromScratch_KeepsFixedStructures(t *testing.T) {
	c := hdContext(t, 100)
	b := c.Bitmaps[0]
	b.Storage = []udf.Extent{{Length: 2048, Location: udf.LBAddr{LogicalBlockNumber: 0}}}
	c.FileSetLocation = udf.LongAD{ExtentLength: 2048, ExtentLocation: udf.LBAddr{LogicalBlockNumber: 1}}
	_, _ = b.Mark(0, 50)

	require.NoError(t, c.RebuildFromScratch())
	assert.Equal(t, uint32(98), c.FreeBlocks(0))
	assert.False(t, b.IsFree(0))
	assert.False(t, b.IsFree(1))
	assert.True(t, b.IsFree(2))
}
