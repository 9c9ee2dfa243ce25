package fs

import (
	"fmt"
	"io"
	iofs "io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// ImageFileSystem reads the tree of a UDF image.
type ImageFileSystem struct {
	imagePath   string
	volumeLabel string
	mounted     bool
	vol         *volume.Context
	// Cache for directory lookups
	dirCache map[string]*volume.Directory
}

// NewImageFileSystem creates an unmounted image file system.
func NewImageFileSystem() *ImageFileSystem {
	return &ImageFileSystem{
		dirCache: make(map[string]*volume.Directory),
	}
}

// Mount opens the image read-only and reads its volume structures.
func (fs *ImageFileSystem) Mount(imagePath string) error {
	if fs.mounted {
		return fmt.Errorf("image already mounted")
	}

	dev, err := device.Open(imagePath, device.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	vol, err := volume.Open(dev, volume.Options{})
	if err != nil {
		dev.Close()
		return fmt.Errorf("failed to open UDF volume: %w", err)
	}
	fs.MountVolume(vol)
	fs.imagePath = imagePath
	return nil
}

// MountVolume serves the tree of an already open volume.
func (fs *ImageFileSystem) MountVolume(vol *volume.Context) {
	fs.vol = vol
	fs.volumeLabel = vol.Label()
	fs.mounted = true
}

// Unmount closes the image.
func (fs *ImageFileSystem) Unmount() error {
	if !fs.mounted {
		return nil
	}

	if fs.vol != nil && fs.imagePath != "" {
		if err := fs.vol.Close(); err != nil {
			return err
		}
	}
	fs.vol = nil
	fs.mounted = false
	fs.dirCache = make(map[string]*volume.Directory)
	return nil
}

// GetVolumeLabel returns the logical volume identifier of the image.
func (fs *ImageFileSystem) GetVolumeLabel() string {
	return fs.volumeLabel
}

// GetDirectoryInfo returns information about a directory in the image.
func (fs *ImageFileSystem) GetDirectoryInfo(path string) (DirectoryInfo, error) {
	if !fs.mounted {
		return nil, fmt.Errorf("image not mounted")
	}

	path = fs.normalizePath(path)

	if dir, exists := fs.dirCache[path]; exists {
		return &imageDirectoryInfo{name: filepath.Base(path), fullPath: path, fs: fs, dir: dir}, nil
	}

	dir, err := fs.vol.ReadDirectory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	fs.dirCache[path] = dir

	return &imageDirectoryInfo{name: filepath.Base(path), fullPath: path, fs: fs, dir: dir}, nil
}

// GetFileInfo returns information about a file in the image.
func (fs *ImageFileSystem) GetFileInfo(path string) (FileInfo, error) {
	if !fs.mounted {
		return nil, fmt.Errorf("image not mounted")
	}

	path = fs.normalizePath(path)

	file, err := fs.vol.FindFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	return &imageFileInfo{name: filepath.Base(path), fullPath: path, file: file}, nil
}

// IsImage returns true for image file system.
func (fs *ImageFileSystem) IsImage() bool {
	return true
}

// normalizePath normalizes a path for UDF access
func (fs *ImageFileSystem) normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	p = filepath.ToSlash(p)

	if p == "" {
		return "/"
	}
	return "/" + p
}

// imageFileInfo implements FileInfo for files within an image.
type imageFileInfo struct {
	name     string
	fullPath string
	file     *volume.File
}

func (f *imageFileInfo) Name() string {
	return f.name
}

func (f *imageFileInfo) FullName() string {
	return f.fullPath
}

func (f *imageFileInfo) Length() int64 {
	if f.file == nil {
		return 0
	}
	return f.file.Size()
}

func (f *imageFileInfo) IsDirectory() bool {
	return false
}

// LinkKey is the entry location, shared by every name of a file.
func (f *imageFileInfo) LinkKey() (LinkKey, bool) {
	if f.file == nil {
		return LinkKey{}, false
	}
	loc := f.file.ICB.ExtentLocation
	return LinkKey{Dev: uint64(loc.PartitionReferenceNumber), Ino: uint64(loc.LogicalBlockNumber)}, true
}

func (f *imageFileInfo) ModTime() time.Time {
	if f.file == nil {
		return time.Time{}
	}
	return f.file.ModTime()
}

func (f *imageFileInfo) Mode() iofs.FileMode {
	if f.file == nil {
		return 0
	}
	return entryMode(f.file)
}

func (f *imageFileInfo) OpenRead() (io.ReadCloser, error) {
	if f.file == nil {
		return nil, fmt.Errorf("file not initialized")
	}
	return f.file.Open()
}

func entryMode(f *volume.File) iofs.FileMode {
	e, err := f.Entry()
	if err != nil {
		return 0o644
	}
	return e.Mode()
}

// imageDirectoryInfo implements DirectoryInfo for directories within an image.
type imageDirectoryInfo struct {
	name     string
	fullPath string
	fs       *ImageFileSystem
	dir      *volume.Directory
}

func (d *imageDirectoryInfo) Name() string {
	return d.name
}

func (d *imageDirectoryInfo) FullName() string {
	return d.fullPath
}

func (d *imageDirectoryInfo) ModTime() time.Time {
	if d.dir == nil {
		return time.Time{}
	}
	return d.dir.ModTime()
}

func (d *imageDirectoryInfo) Mode() iofs.FileMode {
	if d.dir == nil {
		return iofs.ModeDir | 0o755
	}
	return entryMode(&d.dir.File)
}

func (d *imageDirectoryInfo) GetFiles() ([]FileInfo, error) {
	if d.dir == nil {
		return nil, fmt.Errorf("directory not initialized")
	}

	udfFiles, err := d.dir.Files()
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, udfFile := range udfFiles {
		files = append(files, &imageFileInfo{
			name:     udfFile.Name,
			fullPath: path.Join(d.fullPath, udfFile.Name),
			file:     udfFile,
		})
	}
	return files, nil
}

func (d *imageDirectoryInfo) GetDirectories() ([]DirectoryInfo, error) {
	if d.dir == nil {
		return nil, fmt.Errorf("directory not initialized")
	}

	udfDirs, err := d.dir.Directories()
	if err != nil {
		return nil, err
	}

	var dirs []DirectoryInfo
	for _, udfDir := range udfDirs {
		dirPath := path.Join(d.fullPath, udfDir.Name)
		d.fs.dirCache[dirPath] = udfDir

		dirs = append(dirs, &imageDirectoryInfo{
			name:     udfDir.Name,
			fullPath: dirPath,
			fs:       d.fs,
			dir:      udfDir,
		})
	}
	return dirs, nil
}

func (d *imageDirectoryInfo) GetDirectory(name string) (DirectoryInfo, error) {
	dirs, err := d.GetDirectories()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		if strings.EqualFold(dir.Name(), name) {
			return dir, nil
		}
	}
	return nil, fmt.Errorf("directory not found: %s", name)
}

func (d *imageDirectoryInfo) GetFile(name string) (FileInfo, error) {
	files, err := d.GetFiles()
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if strings.EqualFold(file.Name(), name) {
			return file, nil
		}
	}
	return nil, fmt.Errorf("file not found: %s", name)
}

func (d *imageDirectoryInfo) Exists() bool {
	return d.dir != nil
}
