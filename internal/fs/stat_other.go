//go:build !unix

package fs

import "os"

func statKey(os.FileInfo) (LinkKey, bool) { return LinkKey{}, false }
