package pktq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/device"
)

func blocks(v byte, n int) []byte { return bytes.Repeat([]byte{v}, n*512) }

func TestQueue_CoalescesPackets(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Writable: true})
	q := New(m, 0)

	for b := uint32(8); b < 12; b++ {
		require.NoError(t, q.WriteBlocks(b, blocks(byte(b), 1)))
	}
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 0, m.Writes)

	require.NoError(t, q.Drain())
	assert.Equal(t, 1, m.Writes, "one packet write")
	got, err := m.ReadBlocks(8, 4)
	require.NoError(t, err)
	assert.Equal(t, byte(11), got[3*512])
}

func TestQueue_ReadSeesPending(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Writable: true})
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(5, blocks(9, 1)))
	got, err := q.ReadBlocks(4, 2)
	require.NoError(t, err)
	assert.Equal(t, blocks(0, 1), got[:512])
	assert.Equal(t, blocks(9, 1), got[512:])
}

func TestQueue_DrainFillsGapsFromMedium(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Writable: true})
	require.NoError(t, m.WriteBlocks(0, blocks(1, 4)))
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(2, blocks(2, 1)))
	require.NoError(t, q.Drain())

	got, err := m.ReadBlocks(0, 4)
	require.NoError(t, err)
	assert.Equal(t, append(append(blocks(1, 2), blocks(2, 1)...), blocks(1, 1)...), got)
}

func TestQueue_DrainReadBackFailureWritesZeros(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Writable: true})
	require.NoError(t, m.WriteBlocks(0, blocks(1, 4)))
	m.FailRead[3] = true
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(1, blocks(2, 1)))
	require.NoError(t, q.Drain())

	delete(m.FailRead, 3)
	got, err := m.ReadBlocks(0, 4)
	require.NoError(t, err)
	assert.Equal(t, append(append(blocks(0, 1), blocks(2, 1)...), blocks(0, 2)...), got)
}

func TestQueue_SequentialZeroFill(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Kind: device.KindWriteOnce, Writable: true})
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(16, blocks(3, 1)))
	m.FailRead[17] = true // never touched on sequential media
	require.NoError(t, q.Drain())
	assert.Equal(t, uint32(19), m.Geometry().LastRecorded)
}

func TestQueue_SequentialKeepsEarlierDrain(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 63, PacketSize: 4, Kind: device.KindWriteOnce, Writable: true})
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(16, blocks(3, 2)))
	require.NoError(t, q.Drain())
	require.NoError(t, q.WriteBlocks(18, blocks(5, 2)))
	require.NoError(t, q.Drain())

	got, err := m.ReadBlocks(16, 4)
	require.NoError(t, err)
	assert.Equal(t, append(blocks(3, 2), blocks(5, 2)...), got)
}

func TestQueue_ImplicitFlush(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 1023, PacketSize: 2, Writable: true})
	q := New(m, 4)
	for i := uint32(0); i < 12; i++ {
		require.NoError(t, q.WriteBlocks(i, blocks(byte(i), 1)))
	}
	assert.LessOrEqual(t, q.Pending(), 4)
	assert.Greater(t, m.Writes, 0)
}

func TestQueue_ClampsLastPacket(t *testing.T) {
	m := device.NewMem(device.Geometry{SectorSize: 512, LastBlock: 9, PacketSize: 4, Kind: device.KindWriteOnce, Writable: true})
	q := New(m, 0)
	require.NoError(t, q.WriteBlocks(9, blocks(4, 1)))
	require.NoError(t, q.Drain())
	got, err := m.ReadBlocks(9, 1)
	require.NoError(t, err)
	assert.Equal(t, blocks(4, 1), got)
}
