// Package device provides block access to UDF media: image files, block
// devices and in-memory media.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Kind describes how a medium can be recorded.
type Kind uint8

const (
	// KindHardDisk is random access and freely rewritable.
	KindHardDisk Kind = iota
	// KindDVDRAM is rewritable with defect management done by the drive.
	KindDVDRAM
	// KindRewritable is packet written media that needs sparing (CD-RW, DVD-RW).
	KindRewritable
	// KindWriteOnce is sequentially recorded media (CD-R, DVD-R, BD-R).
	KindWriteOnce
	// KindReadOnly is pressed media.
	KindReadOnly
)

var kindNames = map[string]Kind{
	"hd":     KindHardDisk,
	"dvdram": KindDVDRAM,
	"bdre":   KindDVDRAM,
	"cdrw":   KindRewritable,
	"dvdrw":  KindRewritable,
	"cdr":    KindWriteOnce,
	"dvdr":   KindWriteOnce,
	"bdr":    KindWriteOnce,
	"worm":   KindWriteOnce,
	"cd":     KindReadOnly,
	"dvd":    KindReadOnly,
	"bd":     KindReadOnly,
}

// ParseKind converts a media type hint such as "cdr" or "hd".
func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown media type %q", s)
	}
	return k, nil
}

func (k Kind) String() string {
	switch k {
	case KindHardDisk:
		return "hd"
	case KindDVDRAM:
		return "dvdram"
	case KindRewritable:
		return "rewritable"
	case KindWriteOnce:
		return "write-once"
	case KindReadOnly:
		return "read-only"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Geometry describes the addressable area of a medium.
type Geometry struct {
	SectorSize int
	FirstBlock uint32
	LastBlock  uint32
	// LastRecorded is the highest block written so far; on sequential media
	// new data goes after it.
	LastRecorded uint32
	// PacketSize is the write unit in blocks; 1 for random access media.
	PacketSize uint32
	Kind       Kind
	Writable   bool
}

// Sequential reports whether blocks can only be recorded once, in order.
func (g Geometry) Sequential() bool { return g.Kind == KindWriteOnce }

// Blocks is the number of addressable blocks.
func (g Geometry) Blocks() uint32 { return g.LastBlock + 1 }

// Device is raw block I/O on a medium. Blocks are logical sectors.
type Device interface {
	ReadBlocks(block uint32, count int) ([]byte, error)
	WriteBlocks(block uint32, data []byte) error
	Geometry() Geometry
	Close() error
}

var (
	ErrReadOnly   = errors.New("medium is read-only")
	ErrOutOfRange = errors.New("block out of range")
	ErrUnaligned  = errors.New("write is not a whole number of sectors")
	ErrInjected   = errors.New("injected read failure")
)

// IOError wraps a failed transfer.
type IOError struct {
	Op    string
	Block uint32
	Count int
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("device %s %d+%d: %v", e.Op, e.Block, e.Count, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func checkRange(g Geometry, op string, block uint32, count int) error {
	if count < 0 || uint64(block)+uint64(count) > uint64(g.LastBlock)+1 {
		return &IOError{Op: op, Block: block, Count: count, Err: ErrOutOfRange}
	}
	return nil
}
