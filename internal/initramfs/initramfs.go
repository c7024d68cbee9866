// Package initramfs writes newc cpio archives the kernel unpacks as its
// initial root filesystem.
package initramfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/cavaliergopher/cpio"
)

const dirLinks = 2

// Writer adds entries to a cpio archive, creating parent directories on
// first use.
type Writer struct {
	cw   *cpio.Writer
	dirs map[string]bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{cw: cpio.NewWriter(w), dirs: make(map[string]bool)}
}

// Close writes the trailer and flushes the archive.
func (w *Writer) Close() error {
	if err := w.cw.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", fmt.Errorf("empty archive path")
	}
	return name, nil
}

func (w *Writer) writeHeader(hdr *cpio.Header) error {
	if err := w.cw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", hdr.Name, err)
	}
	return nil
}

func (w *Writer) parents(name string) error {
	dir := path.Dir(name)
	if dir == "." || w.dirs[dir] {
		return nil
	}
	return w.WriteDirectory(dir)
}

// WriteDirectory adds a directory and any missing parents.
func (w *Writer) WriteDirectory(name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if w.dirs[name] {
		return nil
	}
	if err := w.parents(name); err != nil {
		return err
	}
	if err := w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeDir | 0o755,
		Links: dirLinks,
	}); err != nil {
		return err
	}
	w.dirs[name] = true
	return nil
}

// WriteLink adds a symbolic link at name pointing to target.
func (w *Writer) WriteLink(name, target string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := w.parents(name); err != nil {
		return err
	}
	if err := w.writeHeader(&cpio.Header{
		Name: name,
		Mode: cpio.TypeSymlink | cpio.ModePerm,
		Size: int64(len(target)),
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(w.cw, target); err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}
	return nil
}

// WriteFile adds a regular file with the given contents.
func (w *Writer) WriteFile(name string, data []byte, mode fs.FileMode) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := w.parents(name); err != nil {
		return err
	}
	if err := w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeReg | cpio.FileMode(mode.Perm()),
		Size:  int64(len(data)),
		Links: 1,
	}); err != nil {
		return err
	}
	if _, err := w.cw.Write(data); err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}
	return nil
}

// WriteRegular copies source into the archive. A zero mode keeps the source
// permissions.
func (w *Writer) WriteRegular(name string, source fs.File, mode fs.FileMode) error {
	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", info.Name())
	}
	if mode == 0 {
		mode = info.Mode()
	}
	name, err = cleanName(name)
	if err != nil {
		return err
	}
	if err := w.parents(name); err != nil {
		return err
	}
	if err := w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeReg | cpio.FileMode(mode.Perm()),
		Size:  info.Size(),
		Links: 1,
	}); err != nil {
		return err
	}
	if _, err := io.Copy(w.cw, source); err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}
	return nil
}

// File is a file copied from a filesystem into the archive.
type File struct {
	Source string
	Path   string
	Mode   fs.FileMode
}

// Build returns an archive holding files read from fsys.
func Build(fsys fs.FS, files []File) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, f := range files {
		if err := addFile(w, fsys, f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(w *Writer, fsys fs.FS, f File) error {
	src, err := fsys.Open(f.Source)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Source, err)
	}
	defer src.Close()
	if err := w.WriteRegular(f.Path, src, f.Mode); err != nil {
		return fmt.Errorf("add %s: %w", f.Path, err)
	}
	return nil
}
