package device

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{"hd": KindHardDisk, "CDR": KindWriteOnce, "dvdrw": KindRewritable, " bdre ": KindDVDRAM}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("floppy")
	assert.Error(t, err)
}

func TestMemDevice_SparseReadWrite(t *testing.T) {
	m := NewMem(Geometry{SectorSize: 512, LastBlock: 99, Writable: true})
	b, err := m.ReadBlocks(10, 2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), b)

	data := bytes.Repeat([]byte{0xAB}, 1024)
	require.NoError(t, m.WriteBlocks(98, data))
	assert.Equal(t, uint32(99), m.Geometry().LastRecorded)

	got, err := m.ReadBlocks(98, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	err = m.WriteBlocks(99, data)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	err = m.WriteBlocks(0, data[:100])
	assert.True(t, errors.Is(err, ErrUnaligned))

	var ioErr *IOError
	_, err = m.ReadBlocks(100, 1)
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
}

func TestMemDevice_ReadOnly(t *testing.T) {
	m := NewMem(Geometry{SectorSize: 2048, LastBlock: 9})
	err := m.WriteBlocks(0, make([]byte, 2048))
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestFileDevice_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disc.img")
	d, err := Open(path, Options{Size: 64 * 2048, Kind: KindHardDisk})
	require.NoError(t, err)
	g := d.Geometry()
	assert.Equal(t, 2048, g.SectorSize)
	assert.Equal(t, uint32(63), g.LastBlock)
	assert.Equal(t, uint32(1), g.PacketSize)

	data := bytes.Repeat([]byte("udf!"), 1024)
	require.NoError(t, d.WriteBlocks(5, data))
	require.NoError(t, d.Close())

	d, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer d.Close()
	got, err := d.ReadBlocks(5, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, errors.Is(d.WriteBlocks(0, data), ErrReadOnly))
}

func TestCached_ServesWrites(t *testing.T) {
	m := NewMem(Geometry{SectorSize: 512, LastBlock: 15, Writable: true})
	c := NewCached(m, 8)
	_, err := c.ReadBlocks(0, 4)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{7}, 512)
	require.NoError(t, c.WriteBlocks(2, data))
	got, err := c.ReadBlocks(2, 1)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// a cached block survives a failing medium
	m.FailRead[2] = true
	got, err = c.ReadBlocks(2, 1)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	c.Purge()
	_, err = c.ReadBlocks(2, 1)
	assert.True(t, errors.Is(err, ErrInjected))
}
