// Package filelist implements the rsync file-list protocol: the segmented,
// delta-encoded representation of a directory tree that the sender emits
// and the generator/receiver consume, with support for incremental
// (stub-directory) recursion.
package filelist

import (
	"bytes"
	"fmt"

	"github.com/rsync-ng/rsync/internal/fileattr"
)

// Kind discriminates the FileInfo variants.
type Kind int

const (
	KindPlain Kind = iota
	KindDevice
	KindSymlink
)

// FileInfo is the tagged sum described by the data model: a common record
// of path bytes, decoded name and attributes, plus variant-specific fields
// for devices and symlinks.
type FileInfo struct {
	Kind Kind

	// PathBytes is the authoritative, peer-exchanged relative path. It
	// must not begin or end with '/', and equals "." only for the
	// dot-directory.
	PathBytes []byte
	// Name is the best-effort decoded string form, used for local I/O.
	Name string

	Attrs fileattr.RsyncFileAttributes

	// Device fields, valid iff Kind == KindDevice.
	Major, Minor uint32

	// Symlink target, valid iff Kind == KindSymlink.
	LinkTarget string

	// Locatable reports whether this entry resolves to a real local path
	// (false for certain synthetic/placeholder entries).
	Locatable bool
}

// IsDotDir reports whether f is the "." entry representing a transfer root.
func (f *FileInfo) IsDotDir() bool {
	return len(f.PathBytes) == 1 && f.PathBytes[0] == '.'
}

// IsDir reports whether f names a directory.
func (f *FileInfo) IsDir() bool {
	return f.Attrs.Type() == fileattr.TypeDirectory
}

// Validate checks the path-bytes constraints from the data model.
func (f *FileInfo) Validate() error {
	if len(f.PathBytes) == 0 {
		return fmt.Errorf("filelist: empty path bytes")
	}
	if f.PathBytes[0] == '/' {
		return fmt.Errorf("filelist: path bytes must not begin with '/': %q", f.PathBytes)
	}
	if len(f.PathBytes) > 1 && f.PathBytes[len(f.PathBytes)-1] == '/' {
		return fmt.Errorf("filelist: path bytes must not end with '/': %q", f.PathBytes)
	}
	if bytes.Equal(f.PathBytes, []byte(".")) && !f.IsDir() {
		return fmt.Errorf("filelist: '.' path bytes must be a directory")
	}
	return nil
}

// NewPlain constructs a plain (regular file/directory/fifo/socket) entry.
func NewPlain(pathBytes []byte, name string, attrs fileattr.RsyncFileAttributes) *FileInfo {
	return &FileInfo{Kind: KindPlain, PathBytes: pathBytes, Name: name, Attrs: attrs, Locatable: true}
}

// NewDevice constructs a block/char device entry.
func NewDevice(pathBytes []byte, name string, attrs fileattr.RsyncFileAttributes, major, minor uint32) *FileInfo {
	return &FileInfo{Kind: KindDevice, PathBytes: pathBytes, Name: name, Attrs: attrs, Major: major, Minor: minor, Locatable: true}
}

// NewSymlink constructs a symlink entry.
func NewSymlink(pathBytes []byte, name string, attrs fileattr.RsyncFileAttributes, target string) *FileInfo {
	return &FileInfo{Kind: KindSymlink, PathBytes: pathBytes, Name: name, Attrs: attrs, LinkTarget: target, Locatable: true}
}
