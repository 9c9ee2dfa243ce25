package udf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// TagSize is the size of the descriptor tag that prefixes every structure.
const TagSize = 16

var (
	ErrShortDescriptor   = errors.New("descriptor shorter than its tag")
	ErrBadHeaderChecksum = errors.New("bad tag checksum")
	ErrPayloadTooLarge   = errors.New("descriptor CRC length exceeds buffer")
	ErrBadPayloadCRC     = errors.New("bad descriptor CRC")
	ErrTagLocation       = errors.New("tag location mismatch")
	ErrUnexpectedTag     = errors.New("unexpected tag identifier")
)

// TagError reports why a descriptor cannot be trusted.
type TagError struct {
	Err        error
	Identifier uint16
	Location   uint32
	Detail     string
}

func (e *TagError) Error() string {
	msg := fmt.Sprintf("udf: tag %d at %d: %v", e.Identifier, e.Location, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *TagError) Unwrap() error { return e.Err }

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// CRC computes the descriptor CRC (CRC-ITU-T, polynomial 0x1021, initial value 0).
func CRC(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// ParseTag decodes the first 16 bytes of b.
func ParseTag(b []byte) (Tag, error) {
	if len(b) < TagSize {
		return Tag{}, ErrShortDescriptor
	}
	return Tag{
		TagIdentifier:       binary.LittleEndian.Uint16(b[0:2]),
		DescriptorVersion:   binary.LittleEndian.Uint16(b[2:4]),
		TagChecksum:         b[4],
		Reserved:            b[5],
		TagSerialNumber:     binary.LittleEndian.Uint16(b[6:8]),
		DescriptorCRC:       binary.LittleEndian.Uint16(b[8:10]),
		DescriptorCRCLength: binary.LittleEndian.Uint16(b[10:12]),
		TagLocation:         binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Put encodes t into the first 16 bytes of b without touching the checksums.
func (t Tag) Put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], t.TagIdentifier)
	binary.LittleEndian.PutUint16(b[2:4], t.DescriptorVersion)
	b[4] = t.TagChecksum
	b[5] = t.Reserved
	binary.LittleEndian.PutUint16(b[6:8], t.TagSerialNumber)
	binary.LittleEndian.PutUint16(b[8:10], t.DescriptorCRC)
	binary.LittleEndian.PutUint16(b[10:12], t.DescriptorCRCLength)
	binary.LittleEndian.PutUint32(b[12:16], t.TagLocation)
}

// TagChecksum sums the tag bytes, skipping the checksum byte itself.
func TagChecksum(b []byte) uint8 {
	var sum uint8
	for i := 0; i < TagSize; i++ {
		if i == 4 {
			continue
		}
		sum += b[i]
	}
	return sum
}

// DescriptorVersionFor returns the tag version used by a given UDF revision.
func DescriptorVersionFor(udfRevision uint16) uint16 {
	if udfRevision >= 0x0200 {
		return 3
	}
	return 2
}

// PutTag writes a fresh tag header for a descriptor of total length bytes.
// Checksums and location are filled in by Stamp.
func PutTag(b []byte, ident, version, serial uint16, length int) {
	crcLen := length - TagSize
	if crcLen < 0 {
		crcLen = 0
	}
	Tag{
		TagIdentifier:       ident,
		DescriptorVersion:   version,
		TagSerialNumber:     serial,
		DescriptorCRCLength: uint16(crcLen),
	}.Put(b)
}

// ValidateHeader recomputes the header checksum.
func ValidateHeader(b []byte) error {
	if len(b) < TagSize {
		return &TagError{Err: ErrShortDescriptor}
	}
	if TagChecksum(b) != b[4] {
		t, _ := ParseTag(b)
		return &TagError{Err: ErrBadHeaderChecksum, Identifier: t.TagIdentifier, Location: t.TagLocation}
	}
	return nil
}

// ValidatePayload checks the descriptor CRC over the declared CRC length.
// A zero CRC length carries no payload to check.
func ValidatePayload(b []byte, maxLen int) error {
	t, err := ParseTag(b)
	if err != nil {
		return &TagError{Err: err}
	}
	n := int(t.DescriptorCRCLength)
	if n == 0 {
		return nil
	}
	if n > maxLen || TagSize+n > len(b) {
		return &TagError{Err: ErrPayloadTooLarge, Identifier: t.TagIdentifier, Location: t.TagLocation,
			Detail: fmt.Sprintf("crc length %d, limit %d", n, min(maxLen, len(b)-TagSize))}
	}
	if CRC(b[TagSize:TagSize+n]) != t.DescriptorCRC {
		return &TagError{Err: ErrBadPayloadCRC, Identifier: t.TagIdentifier, Location: t.TagLocation}
	}
	return nil
}

// ValidateDescriptor runs both checksum checks and verifies the recorded location.
func ValidateDescriptor(b []byte, location uint32) error {
	if err := ValidateHeader(b); err != nil {
		return err
	}
	if err := ValidatePayload(b, len(b)-TagSize); err != nil {
		return err
	}
	t, _ := ParseTag(b)
	if t.TagLocation != location {
		return &TagError{Err: ErrTagLocation, Identifier: t.TagIdentifier, Location: location,
			Detail: fmt.Sprintf("recorded %d", t.TagLocation)}
	}
	return nil
}

// Stamp records location in the tag and recomputes CRC and checksum.
// It must run right before the buffer goes to media.
func Stamp(b []byte, location uint32) {
	binary.LittleEndian.PutUint32(b[12:16], location)
	n := int(binary.LittleEndian.Uint16(b[10:12]))
	if TagSize+n > len(b) {
		n = len(b) - TagSize
		binary.LittleEndian.PutUint16(b[10:12], uint16(n))
	}
	binary.LittleEndian.PutUint16(b[8:10], CRC(b[TagSize:TagSize+n]))
	b[4] = TagChecksum(b)
}

// RoundToSectors rounds a descriptor length up to whole sectors.
func RoundToSectors(n, sectorSize int) int {
	if sectorSize <= 0 {
		return n
	}
	return (n + sectorSize - 1) / sectorSize * sectorSize
}
