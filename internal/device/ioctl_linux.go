//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

func sectorSizeOf(f *os.File) (int, error) {
	return unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
}
