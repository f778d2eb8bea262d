package filelist

import "bytes"

// Compare implements the custom total order used for both sorting a
// segment's entries and matching the peer's emission order:
//  1. The dot-directory sorts strictly before any other entry.
//  2. Non-directories sort before directories at the same level.
//  3. Otherwise byte-wise unsigned lexicographic, with a directory's path
//     effectively suffixed with '/' for the comparison (so "foo" sorts
//     before "foo.bak", but "foo/" as a directory sorts after plain "foo").
func Compare(a, b *FileInfo) int {
	if a.IsDotDir() && b.IsDotDir() {
		return 0
	}
	if a.IsDotDir() {
		return -1
	}
	if b.IsDotDir() {
		return 1
	}

	aKey := sortKey(a)
	bKey := sortKey(b)
	// Skip the leading path components both keys share, then order a
	// non-directory before a directory at the first level where they differ.
	start := 0
	for i := 0; i < len(aKey) && i < len(bKey) && aKey[i] == bKey[i]; i++ {
		if aKey[i] == '/' {
			start = i + 1
		}
	}
	aDir := bytes.IndexByte(aKey[start:], '/') >= 0
	bDir := bytes.IndexByte(bKey[start:], '/') >= 0
	if aDir != bDir {
		if aDir {
			return 1
		}
		return -1
	}
	return bytes.Compare(aKey[start:], bKey[start:])
}

// sortKey returns the byte string compared for non-dot-dir entries: the
// path bytes, suffixed with '/' when the entry is a directory so that
// directory/file name collisions resolve with non-directories first.
func sortKey(f *FileInfo) []byte {
	if !f.IsDir() {
		return f.PathBytes
	}
	key := make([]byte, len(f.PathBytes)+1)
	copy(key, f.PathBytes)
	key[len(f.PathBytes)] = '/'
	return key
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b *FileInfo) bool {
	return Compare(a, b) < 0
}
