package filelist

import (
	"fmt"
	"sort"
)

// Segment is a contiguous range of file-list indices belonging to one
// directory's children (plus the directory itself for non-initial
// segments).
type Segment struct {
	// Dir is nil only for the initial segment in non-recursive mode.
	Dir *FileInfo
	// DirIndex is the directory's own global index, or -1 for the initial
	// non-recursive segment.
	DirIndex int32

	// entries maps global index -> FileInfo; entries are removed as they
	// complete.
	entries map[int32]*FileInfo
	order   []int32 // sorted index order, fixed at construction
}

// EndIndex returns dirIndex + number of files originally in the segment.
func (s *Segment) EndIndex() int32 {
	return s.DirIndex + int32(len(s.order))
}

// Contains reports whether i falls within this segment's original index
// range (regardless of whether the entry has since been removed).
func (s *Segment) Contains(i int32) bool {
	return i >= s.DirIndex+1 && i <= s.EndIndex()
}

// Get returns the entry at global index i, or nil if it has been removed or
// is out of range.
func (s *Segment) Get(i int32) *FileInfo {
	return s.entries[i]
}

// Remove deletes the entry at global index i, marking it complete.
func (s *Segment) Remove(i int32) {
	delete(s.entries, i)
}

// Entries returns the segment's entries in sorted emission order, skipping
// any already-removed entries.
func (s *Segment) Entries() []*FileInfo {
	out := make([]*FileInfo, 0, len(s.order))
	for _, idx := range s.order {
		if f, ok := s.entries[idx]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Filelist is the ordered collection of segments shared between the
// generator, sender and receiver, per the ownership rules: only one task
// mutates a given index's entry at a time, enforced by protocol sequencing
// rather than locking.
type Filelist struct {
	segments []*Segment
	nextIdx  int32

	// stubDirs holds every non-"." directory discovered during segment
	// construction that has not yet been expanded into its own segment,
	// keyed by global index (recursive mode only).
	stubDirs map[int32]*FileInfo
	stubKeys []int32 // maintained sorted as stubs are added
}

// New returns an empty Filelist.
func New() *Filelist {
	return &Filelist{stubDirs: make(map[int32]*FileInfo)}
}

// NewSegment builds and appends a new segment from unsorted files under dir
// (dir may be nil only for the first, non-recursive-root segment). Files are
// sorted with Compare; byte-equal adjacent paths are pruned as duplicates.
// The comparison is by name only: a directory and a same-named file sort
// next to each other (the file first), so the directory is pruned.
//
// recurse controls whether discovered non-dot directories are queued as
// stubs for later expansion.
func (fl *Filelist) NewSegment(dir *FileInfo, files []*FileInfo, recurse bool) *Segment {
	sort.Slice(files, func(i, j int) bool { return Less(files[i], files[j]) })
	deduped := files[:0:0]
	for i, f := range files {
		if i > 0 && pathEqual(files[i-1], f) {
			continue
		}
		deduped = append(deduped, f)
	}

	dirIndex := int32(-1)
	if dir != nil {
		dirIndex = fl.nextIdx
		fl.nextIdx++
	}

	seg := &Segment{
		Dir:      dir,
		DirIndex: dirIndex,
		entries:  make(map[int32]*FileInfo, len(deduped)),
		order:    make([]int32, 0, len(deduped)),
	}
	for _, f := range deduped {
		idx := fl.nextIdx
		fl.nextIdx++
		seg.entries[idx] = f
		seg.order = append(seg.order, idx)
		if recurse && f.IsDir() && !f.IsDotDir() {
			fl.addStub(idx, f)
		}
	}
	fl.segments = append(fl.segments, seg)
	return seg
}

func pathEqual(a, b *FileInfo) bool {
	if len(a.PathBytes) != len(b.PathBytes) {
		return false
	}
	for i := range a.PathBytes {
		if a.PathBytes[i] != b.PathBytes[i] {
			return false
		}
	}
	return true
}

// GetSegmentWith returns the segment containing global index i, such that i
// is within its original range and has not been removed, or nil.
func (fl *Filelist) GetSegmentWith(i int32) *Segment {
	for _, s := range fl.segments {
		if i == s.DirIndex {
			return s
		}
		if s.Contains(i) {
			if _, ok := s.entries[i]; ok {
				return s
			}
		}
	}
	return nil
}

// DeleteFirstSegment removes the oldest segment, the only mutation allowed
// on fl.segments besides appending via NewSegment.
func (fl *Filelist) DeleteFirstSegment() {
	if len(fl.segments) == 0 {
		return
	}
	fl.segments = fl.segments[1:]
}

func (fl *Filelist) addStub(idx int32, dir *FileInfo) {
	fl.stubDirs[idx] = dir
	// keep stubKeys sorted via insertion; stub counts are small relative to
	// file counts so this is not a hot path.
	pos := sort.Search(len(fl.stubKeys), func(i int) bool { return fl.stubKeys[i] >= idx })
	fl.stubKeys = append(fl.stubKeys, 0)
	copy(fl.stubKeys[pos+1:], fl.stubKeys[pos:])
	fl.stubKeys[pos] = idx
}

// errStubConsumed indicates the requested stub index existed but has
// already been popped/expanded.
var errStubConsumed = fmt.Errorf("filelist: stub directory already consumed")

// errStubOutOfRange indicates the requested stub index was never a stub
// directory at all (outside [firstKey, lastKey] or never queued).
var errStubOutOfRange = fmt.Errorf("filelist: stub directory index out of range")

// GetStubDirectoryOrNull returns the stub directory at global index i, or
// an error distinguishing "already consumed" from "out of range" (the
// source this is modeled on collapses both into the same runtime error;
// here they are deliberately distinct per the design notes).
func (fl *Filelist) GetStubDirectoryOrNull(i int32) (*FileInfo, error) {
	if d, ok := fl.stubDirs[i]; ok {
		return d, nil
	}
	if len(fl.stubKeys) == 0 {
		return nil, errStubOutOfRange
	}
	first, last := fl.stubKeys[0], fl.stubKeys[len(fl.stubKeys)-1]
	if i < first || i > last {
		return nil, errStubOutOfRange
	}
	return nil, errStubConsumed
}

// PopStubDirectory removes and returns the next (lowest-index) stub
// directory awaiting expansion, or nil if none remain.
func (fl *Filelist) PopStubDirectory() (int32, *FileInfo, bool) {
	if len(fl.stubKeys) == 0 {
		return 0, nil, false
	}
	idx := fl.stubKeys[0]
	fl.stubKeys = fl.stubKeys[1:]
	d := fl.stubDirs[idx]
	delete(fl.stubDirs, idx)
	return idx, d, true
}

// ExpandConsume marks the stub directory at index i as consumed without
// necessarily returning it via PopStubDirectory (used by the receiver,
// which learns about stub expansion from the peer's offset index rather
// than by popping its own queue).
func (fl *Filelist) ExpandConsume(i int32) {
	delete(fl.stubDirs, i)
	for k, key := range fl.stubKeys {
		if key == i {
			fl.stubKeys = append(fl.stubKeys[:k], fl.stubKeys[k+1:]...)
			break
		}
	}
}

// HasExpandableStubs reports whether any stub directories remain queued.
func (fl *Filelist) HasExpandableStubs() bool {
	return len(fl.stubKeys) > 0
}

// NextIndex returns the index that will be assigned to the next segment's
// directory or first file.
func (fl *Filelist) NextIndex() int32 {
	return fl.nextIdx
}
