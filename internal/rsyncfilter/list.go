package rsyncfilter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// List is an ordered rule list with optional inheritance from its parent
// (a List made with Child). No code in this module builds such a chain
// while walking a tree; every List it uses is a single top-level list.
type List struct {
	rules         []*Rule
	parent        *List
	inherited     bool // false disables inheritance from parent
	dirMergeNames []string
}

// NewList returns an empty top-level rule list.
func NewList() *List {
	return &List{inherited: true}
}

// Child returns a new List that inherits from l, for use when descending
// into a subdirectory that may carry its own dir-merge file.
func (l *List) Child() *List {
	return &List{parent: l, inherited: true}
}

// Len returns the number of rules in l's own level (not counting parents).
func (l *List) Len() int {
	return len(l.rules)
}

// Add appends a compiled rule.
func (l *List) Add(r *Rule) {
	if r != nil {
		l.rules = append(l.rules, r)
	}
}

// AddLine parses and appends one rule line.
func (l *List) AddLine(line string) error {
	r, err := ParseLine(line)
	if err != nil {
		return err
	}
	l.Add(r)
	return nil
}

// LoadMergeFile reads baseDir/relPath and appends its rules to l, expanding
// any nested merge/dir-merge directives as it goes. autoExclude appends an
// exclude rule for the merge file itself afterward (the "e" modifier).
func (l *List) LoadMergeFile(baseDir, relPath string, autoExclude bool) error {
	full := filepath.Join(baseDir, relPath)
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("rsyncfilter: merge file %s: %w", full, err)
	}
	defer f.Close()
	if err := l.loadFrom(f, baseDir); err != nil {
		return err
	}
	if autoExclude {
		r, err := Parse(KindExclude, relPath)
		if err != nil {
			return err
		}
		l.Add(r)
	}
	return nil
}

func (l *List) loadFrom(r io.Reader, baseDir string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := l.handleLine(sc.Text(), baseDir); err != nil {
			return err
		}
	}
	return sc.Err()
}

// handleLine parses one merge-file line, recognizing merge/dir-merge
// directives (".", "merge", ":", "dir-merge") in addition to plain rules.
// Nested merge directives are resolved eagerly (flattened into l). Of the
// merge modifiers only "e" is interpreted; "n" is ignored, and a Child list
// always inherits from its parent.
func (l *List) handleLine(line, baseDir string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil
	}
	fields := strings.SplitN(trimmed, " ", 2)
	token := fields[0]
	switch {
	case token == ".", token == "merge", strings.HasPrefix(token, "merge,"):
		if len(fields) < 2 {
			return fmt.Errorf("rsyncfilter: merge directive missing file name: %q", line)
		}
		mods := modifiersOf(token)
		return l.LoadMergeFile(baseDir, fields[1], strings.ContainsRune(mods, 'e'))
	case token == ":", token == "dir-merge", strings.HasPrefix(token, "dir-merge,"):
		// A dir-merge directive only records the per-directory merge
		// file name (returned by DirMergeFiles); it does not load a
		// file, here or in any subdirectory.
		if len(fields) < 2 {
			return fmt.Errorf("rsyncfilter: dir-merge directive missing file name: %q", line)
		}
		l.dirMergeNames = append(l.dirMergeNames, fields[1])
		return nil
	default:
		return l.AddLine(trimmed)
	}
}

func modifiersOf(token string) string {
	if i := strings.IndexByte(token, ','); i >= 0 {
		return token[i+1:]
	}
	return ""
}

// DirMergeFiles returns the per-directory merge file names registered via
// ":"/"dir-merge" directives. No code in this module reads these files.
func (l *List) DirMergeFiles() []string {
	return l.dirMergeNames
}

// Evaluate walks local rules then, if inheritance is enabled, the parent
// list, returning the first EXCLUDED/INCLUDED verdict (first-match-wins);
// default NEUTRAL. When kinds is non-empty, only rules of those kinds are
// considered (used by ProtectMatch/HideMatch to scope the evaluation to a
// specific rule family).
func (l *List) Evaluate(path string, isDir bool, kinds ...Kind) Verdict {
	kindSet := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	for cur := l; cur != nil; cur = cur.parentOrNil() {
		for _, r := range cur.rules {
			if len(kindSet) > 0 && !kindSet[r.Kind] {
				continue
			}
			if !r.Matches(path, isDir) {
				continue
			}
			switch r.Kind {
			case KindExclude, KindProtect, KindHide:
				return Excluded
			case KindInclude, KindRisk, KindShow:
				return Included
			}
		}
	}
	return Neutral
}

func (l *List) parentOrNil() *List {
	if !l.inherited {
		return nil
	}
	return l.parent
}

// ExcludeMatch is the convenience entry point used by the generator/sender:
// true means "omit this path from the transfer".
func (l *List) ExcludeMatch(path string, isDir bool) bool {
	return l.Evaluate(path, isDir) == Excluded
}

// ProtectMatch reports whether path is protected from deletion.
func (l *List) ProtectMatch(path string, isDir bool) bool {
	return l.Evaluate(path, isDir, KindProtect) == Excluded
}

// HideMatch reports whether path is hidden from the sender's file list.
func (l *List) HideMatch(path string, isDir bool) bool {
	return l.Evaluate(path, isDir, KindHide, KindShow) == Excluded
}
