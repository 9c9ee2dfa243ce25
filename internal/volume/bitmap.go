package volume

import (
	"fmt"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/util"
)

// Bitmap is a free-space map with one bit per block; a set bit is free.
// free always equals the number of set bits.
type Bitmap struct {
	bits []byte
	size uint32
	free uint32

	// Ref is the partition the SBD is recorded in and Storage its extents
	// there. A bitmap without storage lives in memory only.
	Ref     uint16
	Storage []udf.Extent
	// Missing marks a bitmap that should exist but could not be read.
	// Its free count is reported as zero.
	Missing bool
}

// NewBitmap creates a bitmap of size blocks, all free.
func NewBitmap(size uint32) *Bitmap {
	b := &Bitmap{bits: make([]byte, util.DivCeil(size, 8)), size: size}
	b.Reset()
	return b
}

// MissingBitmap stands in for a bitmap that could not be read.
func MissingBitmap(size uint32) *Bitmap {
	b := NewBitmap(size)
	b.Missing = true
	return b
}

// BitmapFromSBD adopts the bits of a decoded SBD.
func BitmapFromSBD(sb *udf.SpaceBitmap) *Bitmap {
	b := &Bitmap{bits: make([]byte, util.DivCeil(sb.NumberOfBits, 8)), size: sb.NumberOfBits}
	copy(b.bits, sb.Bits)
	b.clearTail()
	b.free = util.PopCount(b.bits)
	return b
}

func (b *Bitmap) clearTail() {
	if r := b.size % 8; r != 0 {
		b.bits[len(b.bits)-1] &= byte(1)<<r - 1
	}
}

func (b *Bitmap) Size() uint32 { return b.size }

// Free is the free block count, zero for a missing bitmap.
func (b *Bitmap) Free() uint32 {
	if b.Missing {
		return 0
	}
	return b.free
}

// IsFree reports whether block i is free.
func (b *Bitmap) IsFree(i uint32) bool {
	return i < b.size && b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *Bitmap) set(i uint32)   { b.bits[i/8] |= 1 << (i % 8) }
func (b *Bitmap) clear(i uint32) { b.bits[i/8] &^= 1 << (i % 8) }

func (b *Bitmap) inRange(start, count uint32) error {
	if uint64(start)+uint64(count) > uint64(b.size) {
		return fmt.Errorf("blocks %d+%d beyond bitmap of %d: %w", start, count, b.size, ErrOutOfRange)
	}
	return nil
}

// Mark allocates count blocks from start and returns how many were free.
func (b *Bitmap) Mark(start, count uint32) (uint32, error) {
	if err := b.inRange(start, count); err != nil {
		return 0, err
	}
	var n uint32
	for i := start; i < start+count; i++ {
		if b.IsFree(i) {
			b.clear(i)
			b.free--
			n++
		}
	}
	return n, nil
}

// Release frees count blocks from start.
func (b *Bitmap) Release(start, count uint32) error {
	if err := b.inRange(start, count); err != nil {
		return err
	}
	for i := start; i < start+count; i++ {
		if !b.IsFree(i) {
			b.set(i)
			b.free++
		}
	}
	return nil
}

// Used returns the runs inside start..start+count that are already allocated.
func (b *Bitmap) Used(start, count uint32) []Run {
	var runs []Run
	end := min(uint64(start)+uint64(count), uint64(b.size))
	for i := uint64(start); i < end; i++ {
		if b.IsFree(uint32(i)) {
			continue
		}
		if k := len(runs) - 1; k >= 0 && runs[k].Start+runs[k].Count == uint32(i) {
			runs[k].Count++
			continue
		}
		runs = append(runs, Run{Ref: b.Ref, Start: uint32(i), Count: 1})
	}
	return runs
}

// Reset marks every block free.
func (b *Bitmap) Reset() {
	for i := range b.bits {
		b.bits[i] = 0xFF
	}
	b.clearTail()
	b.free = b.size
}

// FindFree returns the first run of count free blocks at or after from.
func (b *Bitmap) FindFree(count, from uint32) (uint32, bool) {
	if count == 0 {
		return from, true
	}
	var run uint32
	for i := from; i < b.size; i++ {
		if !b.IsFree(i) {
			run = 0
			continue
		}
		run++
		if run == count {
			return i + 1 - count, true
		}
	}
	return 0, false
}

// Diff counts blocks whose state differs between b and o.
func (b *Bitmap) Diff(o *Bitmap) uint32 {
	n := max(b.size, o.size)
	var d uint32
	for i := uint32(0); i < n; i++ {
		if b.IsFree(i) != o.IsFree(i) {
			d++
		}
	}
	return d
}

// Clone copies the bits and counter, keeping the storage location.
func (b *Bitmap) Clone() *Bitmap {
	cp := *b
	cp.bits = append([]byte(nil), b.bits...)
	cp.Storage = append([]udf.Extent(nil), b.Storage...)
	return &cp
}

// Marshal encodes the bitmap as an SBD.
func (b *Bitmap) Marshal(version uint16) []byte {
	return udf.MarshalSpaceBitmap(b.bits, b.size, version)
}

// StorageBlocks is the size of the SBD in blocks.
func (b *Bitmap) StorageBlocks(blockSize int) uint32 {
	return uint32(udf.RoundToSectors(udf.SpaceBitmapHeaderSize+len(b.bits), blockSize) / blockSize)
}
