//go:build !linux

package device

import (
	"errors"
	"os"
)

func sectorSizeOf(*os.File) (int, error) {
	return 0, errors.ErrUnsupported
}
