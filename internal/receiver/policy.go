// Package receiver implements the receiver role: it resolves the
// destination path policy, ingests the file list the generator/sender
// pair produces, and merges the peer's literal/match token stream into
// files under the destination root.
package receiver

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rsync-ng/rsync/internal/fileattr"
)

// ErrSecurity reports a destination path that would escape the target
// root, or a source/target combination the policy table forbids.
var ErrSecurity = errors.New("receiver: security error")

// Destination is the resolved outcome of the path-resolution policy: a
// root directory and whether each source's relative name should be
// joined under it, or treated as a single literal target path.
type Destination struct {
	Root         string
	JoinRelative bool
}

// ResolveDestination applies the path-resolution policy: the full path is
// either the target as given (single file, single source) or the target
// joined with each entry's relative name (multi-source, or an existing/
// would-be directory target).
func ResolveDestination(backend fileattr.Backend, dest string, numSources int, firstSourceIsDir bool) (Destination, error) {
	multiSource := numSources > 1
	dotSlash := strings.HasSuffix(dest, "/.") || strings.HasSuffix(dest, "/./") || dest == "."

	attrs, exists, err := backend.StatIfExists(dest)
	if err != nil {
		return Destination{}, fmt.Errorf("receiver: stat %s: %w", dest, err)
	}

	if !exists {
		return Destination{Root: dest, JoinRelative: multiSource || dotSlash}, nil
	}

	switch attrs.Type() {
	case fileattr.TypeDirectory:
		return Destination{Root: dest, JoinRelative: true}, nil
	case fileattr.TypeRegular, fileattr.TypeSymlink:
		if multiSource {
			return Destination{}, fmt.Errorf("%w: multiple sources but %s already exists and is not a directory", ErrSecurity, dest)
		}
		if firstSourceIsDir {
			return Destination{}, fmt.Errorf("%w: source is a directory but %s already exists and is not a directory", ErrSecurity, dest)
		}
		return Destination{Root: dest, JoinRelative: false}, nil
	default:
		return Destination{}, fmt.Errorf("%w: %s exists and is neither a directory, file, nor symlink", ErrSecurity, dest)
	}
}

// ResolveLocalPath joins root with rel (already normalized, '/'-separated,
// never absolute) for a JoinRelative destination, or returns root verbatim
// otherwise. It refuses any rel whose cleaned form would escape root.
func ResolveLocalPath(d Destination, rel string) (string, error) {
	if !d.JoinRelative {
		return d.Root, nil
	}
	if rel == "." {
		return d.Root, nil
	}
	clean := path.Clean(rel)
	if strings.HasPrefix(rel, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path %q escapes the target root", ErrSecurity, rel)
	}
	return d.Root + "/" + rel, nil
}
