package volume

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange  = errors.New("address out of range")
	ErrUnsupported = errors.New("not supported")
	ErrNoSpace     = errors.New("no free space")
	ErrNotUDF      = errors.New("not a UDF volume")
)

// TranslationError reports a failed logical to physical translation.
type TranslationError struct {
	Ref    uint16
	Block  uint32
	Err    error
	Detail string
}

func (e *TranslationError) Error() string {
	s := fmt.Sprintf("translate block %d of partition %d: %v", e.Block, e.Ref, e.Err)
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	return s
}

func (e *TranslationError) Unwrap() error { return e.Err }

func outOfRange(ref uint16, block uint32, detail string) error {
	return &TranslationError{Ref: ref, Block: block, Err: ErrOutOfRange, Detail: detail}
}

func unsupported(ref uint16, block uint32, detail string) error {
	return &TranslationError{Ref: ref, Block: block, Err: ErrUnsupported, Detail: detail}
}
