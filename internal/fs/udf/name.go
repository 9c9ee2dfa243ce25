package udf

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// NameCodec converts between host names and on-disk OSTA CS0 bytes.
// The core only treats names as opaque byte blobs.
type NameCodec interface {
	Encode(name string) ([]byte, error)
	Decode(b []byte) (string, error)
}

// ErrNameTooLong is returned when an encoded name exceeds 255 bytes.
var ErrNameTooLong = errors.New("udf: name too long")

// ErrBadCompression is returned for an unknown compression id.
var ErrBadCompression = errors.New("udf: unknown name compression id")

// CS0 is the OSTA compressed unicode codec with compression ids 8 and 16.
type CS0 struct{}

// DefaultCodec is used when no codec is configured.
var DefaultCodec NameCodec = CS0{}

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

func (CS0) Encode(name string) ([]byte, error) {
	wide := false
	for _, r := range name {
		if r > 0xFF {
			wide = true
			break
		}
	}
	var out []byte
	if !wide {
		out = make([]byte, 0, 1+utf8.RuneCountInString(name))
		out = append(out, 8)
		for _, r := range name {
			out = append(out, byte(r))
		}
	} else {
		enc, err := ucs2.NewEncoder().Bytes([]byte(name))
		if err != nil {
			return nil, err
		}
		out = append([]byte{16}, enc...)
	}
	if len(out) > 255 {
		return nil, ErrNameTooLong
	}
	return out, nil
}

func (CS0) Decode(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	switch b[0] {
	case 8, 254:
		data := trimNUL(b[1:])
		runes := make([]rune, len(data))
		for i, c := range data {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case 16, 255:
		data := b[1:]
		if len(data)%2 == 1 {
			data = data[:len(data)-1]
		}
		for i := 0; i+1 < len(data); i += 2 {
			if data[i] == 0 && data[i+1] == 0 {
				data = data[:i]
				break
			}
		}
		dec, err := ucs2.NewDecoder().Bytes(data)
		if err != nil {
			return "", err
		}
		return string(dec), nil
	}
	return "", ErrBadCompression
}
