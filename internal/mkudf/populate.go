package mkudf

import (
	"fmt"
	"path"

	"github.com/golang/glog"

	hostfs "github.com/s0up4200/go-udftools/internal/fs"
)

// Populate copies the tree below src into dst on the volume, creating dst
// when needed, and flushes the changed directories.
func (b *Builder) Populate(src hostfs.DirectoryInfo, dst string) error {
	if !src.Exists() {
		return fmt.Errorf("mkudf: source %s does not exist", src.FullName())
	}
	if err := b.MkdirAll(dst, src.Mode().Perm()|0o700); err != nil {
		return err
	}
	if err := b.copyTree(src, clean(dst)); err != nil {
		return err
	}
	return b.Flush()
}

// PopulateFrom copies srcPath of fsys into the volume root.
func (b *Builder) PopulateFrom(fsys hostfs.FileSystem, srcPath string) error {
	dir, err := fsys.GetDirectoryInfo(srcPath)
	if err != nil {
		return err
	}
	return b.Populate(dir, "/")
}

func (b *Builder) copyTree(src hostfs.DirectoryInfo, dst string) error {
	files, err := src.GetFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := b.copyFile(f, path.Join(dst, f.Name())); err != nil {
			return err
		}
	}
	dirs, err := src.GetDirectories()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		target := path.Join(dst, d.Name())
		if err := b.Mkdir(target, d.Mode().Perm(), d.ModTime()); err != nil {
			return err
		}
		if err := b.copyTree(d, target); err != nil {
			return err
		}
	}
	return nil
}

// copyFile adds f at dst, or another name for it when an earlier path of
// the same source object was already copied.
func (b *Builder) copyFile(f hostfs.FileInfo, dst string) error {
	key, linked := f.LinkKey()
	if linked {
		if first, ok := b.copied[key]; ok {
			return b.Link(first, dst)
		}
	}
	r, err := f.OpenRead()
	if err != nil {
		return fmt.Errorf("mkudf: open %s: %w", f.FullName(), err)
	}
	defer r.Close()
	if err := b.Create(dst, r, f.Length(), f.Mode().Perm(), f.ModTime()); err != nil {
		return err
	}
	if linked {
		if b.copied == nil {
			b.copied = make(map[hostfs.LinkKey]string)
		}
		b.copied[key] = dst
	}
	glog.V(1).Infof("added %s (%d bytes)", dst, f.Length())
	return nil
}
