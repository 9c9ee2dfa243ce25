//go:build unix

package fs

import (
	"os"
	"syscall"
)

// statKey reads device and inode numbers; only files with more than one
// name get a key.
func statKey(info os.FileInfo) (LinkKey, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return LinkKey{}, false
	}
	return LinkKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, true
}
