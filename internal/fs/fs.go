// Package fs abstracts the trees a volume can be populated from: a host
// directory or another UDF image.
package fs

import (
	"io"
	iofs "io/fs"
	"time"
)

// FileSystem resolves paths to files and directories.
type FileSystem interface {
	GetDirectoryInfo(path string) (DirectoryInfo, error)
	GetFileInfo(path string) (FileInfo, error)
	IsImage() bool
}

// FileInfo describes one regular file.
type FileInfo interface {
	Name() string
	FullName() string
	Length() int64
	IsDirectory() bool
	ModTime() time.Time
	Mode() iofs.FileMode
	OpenRead() (io.ReadCloser, error)
	// LinkKey identifies the underlying object; names sharing a key are
	// hard links of one another. ok is false when the source cannot tell.
	LinkKey() (key LinkKey, ok bool)
}

// LinkKey names one object of a source tree.
type LinkKey struct {
	Dev uint64
	Ino uint64
}

// DirectoryInfo describes one directory.
type DirectoryInfo interface {
	Name() string
	FullName() string
	ModTime() time.Time
	Mode() iofs.FileMode
	GetFiles() ([]FileInfo, error)
	GetDirectories() ([]DirectoryInfo, error)
	GetDirectory(name string) (DirectoryInfo, error)
	GetFile(name string) (FileInfo, error)
	Exists() bool
}
