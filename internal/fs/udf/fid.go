package udf

import (
	"encoding/binary"
	"fmt"
)

// FIDHeaderSize is the fixed part of a file identifier descriptor.
const FIDHeaderSize = 38

// resyncStride is how far Resynchronize advances past an invalid record.
const resyncStride = 4

// FID is one directory entry record.
type FID struct {
	Tag                 Tag
	FileVersionNumber   uint16
	FileCharacteristics uint8
	ICB                 LongAD
	ImplementationUse   []byte
	Identifier          []byte
}

func align4(n int) int { return (n + 3) &^ 3 }

// Size is the on-disk size including padding to four bytes.
func (f *FID) Size() int {
	return align4(FIDHeaderSize + len(f.ImplementationUse) + len(f.Identifier))
}

func (f *FID) IsDeleted() bool   { return f.FileCharacteristics&FileCharDeleted != 0 }
func (f *FID) IsParent() bool    { return f.FileCharacteristics&FileCharParent != 0 }
func (f *FID) IsDirectory() bool { return f.FileCharacteristics&FileCharDirectory != 0 }

// UniqueID returns the low 32 bits of the target's unique id kept in the ICB.
func (f *FID) UniqueID() uint32 {
	return binary.LittleEndian.Uint32(f.ICB.ImplementationUse[2:6])
}

func (f *FID) SetUniqueID(id uint32) {
	binary.LittleEndian.PutUint32(f.ICB.ImplementationUse[2:6], id)
}

// Name decodes the identifier with codec.
func (f *FID) Name(codec NameCodec) (string, error) {
	if f.IsParent() {
		return "..", nil
	}
	return codec.Decode(f.Identifier)
}

// DecodeFID decodes the record at off and returns the offset of the next one.
// The tag location is not checked; callers know where the stream lives.
func DecodeFID(buf []byte, off int) (*FID, int, error) {
	if off < 0 || off+FIDHeaderSize > len(buf) {
		return nil, off, &TagError{Err: ErrShortDescriptor, Detail: fmt.Sprintf("offset %d of %d", off, len(buf))}
	}
	b := buf[off:]
	if err := ValidateHeader(b); err != nil {
		return nil, off, err
	}
	t, _ := ParseTag(b)
	if t.TagIdentifier != TagFileIdentifier {
		return nil, off, &TagError{Err: ErrUnexpectedTag, Identifier: t.TagIdentifier, Location: t.TagLocation}
	}
	lfi := int(b[19])
	liu := int(binary.LittleEndian.Uint16(b[36:38]))
	size := align4(FIDHeaderSize + liu + lfi)
	if size > len(b) {
		return nil, off, &TagError{Err: ErrPayloadTooLarge, Identifier: t.TagIdentifier, Location: t.TagLocation,
			Detail: fmt.Sprintf("record of %d bytes at offset %d", size, off)}
	}
	if err := ValidatePayload(b[:size], size-TagSize); err != nil {
		return nil, off, err
	}
	f := &FID{
		Tag:                 t,
		FileVersionNumber:   binary.LittleEndian.Uint16(b[16:18]),
		FileCharacteristics: b[18],
		ICB:                 ParseLongAD(b[20:36]),
		ImplementationUse:   append([]byte(nil), b[FIDHeaderSize:FIDHeaderSize+liu]...),
		Identifier:          append([]byte(nil), b[FIDHeaderSize+liu:FIDHeaderSize+liu+lfi]...),
	}
	return f, off + size, nil
}

// DecodeStream decodes a whole directory stream, failing on the first bad record.
func DecodeStream(buf []byte) ([]*FID, error) {
	var out []*FID
	for off := 0; off < len(buf); {
		f, next, err := DecodeFID(buf, off)
		if err != nil {
			return out, fmt.Errorf("udf: directory record at offset %d: %w", off, err)
		}
		out = append(out, f)
		off = next
	}
	return out, nil
}

// Marshal encodes the record with a fresh tag; Stamp it before writing.
func (f *FID) Marshal() []byte {
	b := make([]byte, f.Size())
	binary.LittleEndian.PutUint16(b[16:18], f.FileVersionNumber)
	b[18] = f.FileCharacteristics
	b[19] = uint8(len(f.Identifier))
	f.ICB.Put(b[20:36])
	binary.LittleEndian.PutUint16(b[36:38], uint16(len(f.ImplementationUse)))
	copy(b[FIDHeaderSize:], f.ImplementationUse)
	copy(b[FIDHeaderSize+len(f.ImplementationUse):], f.Identifier)
	PutTag(b, TagFileIdentifier, f.Tag.DescriptorVersion, f.Tag.TagSerialNumber,
		FIDHeaderSize+len(f.ImplementationUse)+len(f.Identifier))
	return b
}

// EncodeFID builds a record placed at offset within its stream. The
// implementation use area is padded only when the following record's header
// would otherwise straddle a sector boundary.
func EncodeFID(name []byte, characteristics uint8, icb LongAD, offset, sectorSize int, version uint16) *FID {
	f := &FID{
		Tag:                 Tag{TagIdentifier: TagFileIdentifier, DescriptorVersion: version},
		FileVersionNumber:   1,
		FileCharacteristics: characteristics,
		ICB:                 icb,
		Identifier:          name,
	}
	end := offset + align4(FIDHeaderSize+len(name))
	if in := end % sectorSize; in != 0 {
		if rem := sectorSize - in; rem < FIDHeaderSize {
			iu := make([]byte, rem)
			if rem >= 32 {
				id := MarshalFixed(ImplementationID())
				copy(iu, id)
			}
			f.ImplementationUse = iu
		}
	}
	return f
}

// Resynchronize salvages a damaged stream. Valid records are copied verbatim;
// past an invalid one the scan moves forward by a small stride and retries.
func Resynchronize(buf []byte) ([]byte, bool) {
	out := make([]byte, 0, len(buf))
	hadErrors := false
	for off := 0; off < len(buf); {
		_, next, err := DecodeFID(buf, off)
		if err != nil {
			hadErrors = true
			off += resyncStride
			continue
		}
		out = append(out, buf[off:next]...)
		off = next
	}
	return out, hadErrors
}

// EncodeStream re-lays records from offset zero, recomputing padding, and
// stamps each with the block its tag lands in.
func EncodeStream(records []*FID, sectorSize int, locate func(off int) uint32) []byte {
	var out []byte
	for _, r := range records {
		n := EncodeFID(r.Identifier, r.FileCharacteristics, r.ICB, len(out), sectorSize, r.Tag.DescriptorVersion)
		n.FileVersionNumber = r.FileVersionNumber
		n.Tag.TagSerialNumber = r.Tag.TagSerialNumber
		b := n.Marshal()
		Stamp(b, locate(len(out)))
		out = append(out, b...)
	}
	return out
}

// Contiguous locates stream offsets in a stream stored from block first.
func Contiguous(first uint32, sectorSize int) func(int) uint32 {
	return func(off int) uint32 { return first + uint32(off/sectorSize) }
}
