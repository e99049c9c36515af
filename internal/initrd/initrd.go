// Package initrd assembles initial ramdisk images in the newc cpio format
// the kernel's early userspace unpacker expects.
package initrd

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/cavaliergopher/cpio"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindLink
)

type entry struct {
	kind entryKind
	perm cpio.FileMode
	data []byte
	link string
}

// Builder collects files, directories and symlinks and serializes them into
// one archive. Entries are written sorted by path so parent directories
// come before their contents.
type Builder struct {
	files map[string]entry
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{files: make(map[string]entry)}
}

// AddFile adds a regular file. Paths are archive-relative; a leading slash
// is stripped.
func (b *Builder) AddFile(path string, data []byte, mode fs.FileMode) error {
	name, err := cleanPath(path)
	if err != nil {
		return err
	}
	b.files[name] = entry{kind: kindFile, perm: cpio.FileMode(mode.Perm()), data: data}
	return nil
}

// AddDirectory adds a directory entry.
func (b *Builder) AddDirectory(path string) error {
	name, err := cleanPath(path)
	if err != nil {
		return err
	}
	b.files[name] = entry{kind: kindDir, perm: 0o755}
	return nil
}

// AddLink adds a symbolic link at path pointing to target.
func (b *Builder) AddLink(path, target string) error {
	name, err := cleanPath(path)
	if err != nil {
		return err
	}
	b.files[name] = entry{kind: kindLink, perm: 0o777, link: target}
	return nil
}

func cleanPath(path string) (string, error) {
	name := strings.TrimPrefix(path, "/")
	if name == "" {
		return "", fmt.Errorf("initrd: empty path")
	}
	return name, nil
}

// WriteTo serializes the archive.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	archive := cpio.NewWriter(cw)

	paths := make([]string, 0, len(b.files))
	for p := range b.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		ent := b.files[path]
		hdr := &cpio.Header{Name: path}
		var body []byte

		switch ent.kind {
		case kindFile:
			hdr.Mode = cpio.TypeReg | ent.perm
			hdr.Size = int64(len(ent.data))
			body = ent.data
		case kindDir:
			hdr.Mode = cpio.TypeDir | ent.perm
			hdr.Links = 2
		case kindLink:
			hdr.Mode = cpio.TypeSymlink | ent.perm
			hdr.Size = int64(len(ent.link))
			body = []byte(ent.link)
		}

		if err := archive.WriteHeader(hdr); err != nil {
			return cw.n, fmt.Errorf("initrd: write header for %s: %w", path, err)
		}
		if len(body) > 0 {
			if _, err := archive.Write(body); err != nil {
				return cw.n, fmt.Errorf("initrd: write body for %s: %w", path, err)
			}
		}
	}

	if err := archive.Close(); err != nil {
		return cw.n, fmt.Errorf("initrd: close archive: %w", err)
	}
	return cw.n, nil
}

// Bytes serializes the archive into memory.
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
