package udf

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
)

// NewEntityID builds an entity identifier with the given suffix.
func NewEntityID(ident string, suffix [8]byte) EntityID {
	var e EntityID
	copy(e.Identifier[:], ident)
	e.Suffix = suffix
	return e
}

// String returns the identifier without trailing padding.
func (e EntityID) String() string {
	return strings.TrimRight(string(e.Identifier[:]), "\x00 ")
}

// Is reports whether the identifier equals ident.
func (e EntityID) Is(ident string) bool {
	return e.String() == ident
}

// Revision returns the UDF revision stored in a UDF or domain suffix.
func (e EntityID) Revision() uint16 {
	return binary.LittleEndian.Uint16(e.Suffix[0:2])
}

// DomainSuffix is the suffix used for domain identifiers.
func DomainSuffix(revision uint16, flags byte) [8]byte {
	var s [8]byte
	binary.LittleEndian.PutUint16(s[0:2], revision)
	s[2] = flags
	return s
}

// UDFSuffix is the suffix used for "*UDF ..." identifiers.
func UDFSuffix(revision uint16) [8]byte {
	var s [8]byte
	binary.LittleEndian.PutUint16(s[0:2], revision)
	s[2] = OSClassUnix
	s[3] = OSIdentifierLinux
	return s
}

// ImplementationSuffix is the suffix of our implementation identifier.
func ImplementationSuffix() [8]byte {
	var s [8]byte
	s[0] = OSClassUnix
	s[1] = OSIdentifierLinux
	return s
}

// ImplementationID identifies this implementation in written descriptors.
func ImplementationID() EntityID {
	return NewEntityID(IdentImplementation, ImplementationSuffix())
}

// OSTACharSpec returns the CS0 character set specification.
func OSTACharSpec() CharSpec {
	var c CharSpec
	copy(c.CharacterSetInfo[:], CharSpecOSTACompressed)
	return c
}

// NewTimestamp converts t into a UDF timestamp carrying tzMinutes as offset.
func NewTimestamp(t time.Time, tzMinutes int) Timestamp {
	t = t.UTC().Add(time.Duration(tzMinutes) * time.Minute)
	us := t.Nanosecond() / 1000
	return Timestamp{
		TypeAndTimezone:        1<<12 | uint16(int16(tzMinutes))&0x0FFF,
		Year:                   uint16(t.Year()),
		Month:                  uint8(t.Month()),
		Day:                    uint8(t.Day()),
		Hour:                   uint8(t.Hour()),
		Minute:                 uint8(t.Minute()),
		Second:                 uint8(t.Second()),
		Centiseconds:           uint8(us / 10000),
		HundredsOfMicroseconds: uint8(us / 100 % 100),
		Microseconds:           uint8(us % 100),
	}
}

// Time converts a UDF timestamp to Go time.
func (ts Timestamp) Time() time.Time {
	if ts.Year == 0 {
		return time.Time{}
	}
	us := int(ts.Centiseconds)*10000 + int(ts.HundredsOfMicroseconds)*100 + int(ts.Microseconds)
	t := time.Date(int(ts.Year), time.Month(ts.Month), int(ts.Day), int(ts.Hour), int(ts.Minute),
		int(ts.Second), us*1000, time.UTC)
	tz := int(ts.TypeAndTimezone & 0x0FFF)
	if tz&0x0800 != 0 {
		tz -= 0x1000
	}
	if tz != -2047 {
		t = t.Add(-time.Duration(tz) * time.Minute)
	}
	return t
}

// EncodeDString packs s into a fixed-size dstring field; the last byte holds the used length.
func EncodeDString(codec NameCodec, s string, size int) []byte {
	out := make([]byte, size)
	if s == "" {
		return out
	}
	b, err := codec.Encode(s)
	if err != nil {
		return out
	}
	if len(b) > size-1 {
		b = b[:size-1]
		if b[0] == 16 && len(b)%2 == 0 {
			b = b[:len(b)-1]
		}
	}
	copy(out, b)
	out[size-1] = byte(len(b))
	return out
}

// DecodeDString unpacks a fixed-size dstring field.
func DecodeDString(codec NameCodec, b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b)-1 {
		return ""
	}
	s, err := codec.Decode(b[:n])
	if err != nil {
		return ""
	}
	return s
}

func trimNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
