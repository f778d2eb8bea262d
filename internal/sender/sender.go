// Package sender implements the sender role: emits the file list for a
// source tree, then for each file the generator requests, computes a
// rolling-checksum match against the generator's block checksums and
// streams the resulting literal/match token sequence.
package sender

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	rsyncroot "github.com/rsync-ng/rsync"
	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsyncfilter"
	"github.com/rsync-ng/rsync/internal/rsynchash"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

// maxLiteralChunk bounds a single literal-data frame, per the protocol's
// 8 KiB literal chunking rule.
const maxLiteralChunk = 8192

// partialFileListSize bounds how many files may be in flight before the
// sender pauses stub expansion.
const partialFileListSize = 512 / 2

// Sender drives the sender role for one source tree.
type Sender struct {
	Conn    *rsyncwire.Conn
	FL      *filelist.Filelist
	Codec   *filelist.Codec
	Backend fileattr.Backend
	Filters *rsyncfilter.List
	Logger  log.Logger
	Seed    uint32
	SrcRoot string
	Recurse bool

	// outCodec carries every index this side writes (file-list EOF,
	// stub-directory offsets, echoed transfer indices): one direction,
	// one codec. reqCodec decodes the generator's inbound index+flags
	// requests, the other direction's independent codec state.
	outCodec        rsyncwire.IndexCodec
	reqCodec        rsyncwire.IndexCodec
	curSegmentIndex int32
	numInTransit    int
}

// New returns a Sender for srcRoot.
func New(conn *rsyncwire.Conn, fl *filelist.Filelist, codec *filelist.Codec, backend fileattr.Backend, filters *rsyncfilter.List, logger log.Logger, seed uint32, srcRoot string, recurse bool) *Sender {
	if filters == nil {
		filters = rsyncfilter.NewList()
	}
	return &Sender{
		Conn: conn, FL: fl, Codec: codec, Backend: backend, Filters: filters,
		Logger: logger, Seed: seed, SrcRoot: srcRoot, Recurse: recurse,
	}
}

// BuildRootEntry stats srcRoot and returns the FileInfo for the root
// segment's sole entry: "." for a directory (the recursive-walk case, with
// children discovered later through ExpandNextStub), or srcRoot's base name
// for a single file, matching how rsync represents a transfer root.
func BuildRootEntry(backend fileattr.Backend, srcRoot string) (*filelist.FileInfo, error) {
	attrs, err := backend.Stat(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("sender: stat %s: %w", srcRoot, err)
	}
	if attrs.Type() == fileattr.TypeDirectory {
		return filelist.NewPlain([]byte("."), ".", attrs), nil
	}
	name := filepath.Base(srcRoot)
	if attrs.Type() == fileattr.TypeSymlink {
		target, err := backend.ReadSymlinkTarget(srcRoot)
		if err != nil {
			return nil, err
		}
		return filelist.NewSymlink([]byte(name), name, attrs, target), nil
	}
	return filelist.NewPlain([]byte(name), name, attrs), nil
}

// SendFileList writes a segment's entries, terminates it, and, in recursive
// mode, writes the EOF index that follows every segment (the root segment
// and each one ExpandNextStub emits).
func (s *Sender) SendFileList(seg *filelist.Segment) error {
	for _, f := range seg.Entries() {
		topDir := f.IsDotDir()
		if err := s.Codec.WriteEntry(s.Conn, f, topDir); err != nil {
			return err
		}
	}
	if err := s.Codec.WriteTerminator(s.Conn); err != nil {
		return err
	}
	if s.Recurse {
		return s.Conn.EncodeIndex(&s.outCodec, rsyncroot.IndexEOF)
	}
	return nil
}

// ExpandNextStub pops the next stub directory (if under the in-flight
// budget), enumerates its filtered children, and emits a new segment for
// it: encode_index(OFFSET - dirIndex) followed by the entries, the
// terminator and, in recursive mode, the EOF index. Returns false if there was nothing to expand or the budget
// was exceeded.
func (s *Sender) ExpandNextStub() (bool, error) {
	if s.numInTransit >= partialFileListSize {
		return false, nil
	}
	dirIdx, dir, ok := s.FL.PopStubDirectory()
	if !ok {
		return false, nil
	}
	s.curSegmentIndex = dirIdx

	abs := filepath.Join(s.SrcRoot, dir.Name)
	entries, err := s.Backend.ReadDir(abs)
	if err != nil {
		return false, fmt.Errorf("sender: reading %s: %w", abs, err)
	}
	var children []*filelist.FileInfo
	for _, e := range entries {
		rel := filepath.Join(dir.Name, e.Name)
		isDir := e.Type == fileattr.TypeDirectory
		if s.Filters.ExcludeMatch(rel, isDir) || s.Filters.HideMatch(rel, isDir) {
			continue
		}
		fi, err := statToFileInfo(s.Backend, abs, rel, e.Name)
		if err != nil {
			continue
		}
		children = append(children, fi)
	}

	seg := s.FL.NewSegment(dir, children, s.Recurse)

	if err := s.Conn.EncodeIndex(&s.outCodec, rsyncroot.IndexOffset-dirIdx); err != nil {
		return false, err
	}
	if err := s.SendFileList(seg); err != nil {
		return false, err
	}
	s.numInTransit += len(seg.Entries())
	return true, nil
}

// Run is the sender main loop: it interleaves stub-directory expansion
// with servicing the generator's requests until the generator signals
// DONE, echoing DONE back once its own queue has drained.
//
// DONE is a phase boundary, not necessarily the end of the session: the
// generator sends a first DONE once its initial file-list itemization is
// queued, then (after any whole-file verification failures on the receiving
// side trigger a regeneration request) a second DONE once those retries are
// also queued. Run only returns once it has echoed a second DONE, so a
// regeneration request sent after the first round-trip can still reach it.
func (s *Sender) Run() error {
	phase := 0
	for {
		if s.Recurse {
			expanded, err := s.ExpandNextStub()
			if err != nil {
				return err
			}
			if expanded {
				continue
			}
		}

		idx, err := s.Conn.DecodeIndex(&s.reqCodec)
		if err != nil {
			return err
		}
		if idx == rsyncroot.IndexDone {
			if err := s.Conn.EncodeIndex(&s.outCodec, rsyncroot.IndexDone); err != nil {
				return err
			}
			phase++
			if phase >= 2 {
				return nil
			}
			continue
		}

		var buf [2]byte
		if err := s.Conn.ReadN(buf[:]); err != nil {
			return err
		}
		flags := uint16(buf[0]) | uint16(buf[1])<<8
		// Each request answers one entry sent earlier, freeing room in
		// the in-flight budget for further stub expansion.
		if s.numInTransit > 0 {
			s.numInTransit--
		}
		if flags&rsyncroot.ITEM_TRANSFER == 0 {
			continue
		}

		seg := s.FL.GetSegmentWith(idx)
		if seg == nil {
			return fmt.Errorf("sender: no segment covers requested index %d", idx)
		}
		f := seg.Get(idx)
		if f == nil {
			return fmt.Errorf("sender: index %d has no entry", idx)
		}
		if err := s.Conn.EncodeIndex(&s.outCodec, idx); err != nil {
			return err
		}
		if err := s.SendFile(idx, f.Name); err != nil {
			return err
		}
	}
}

func statToFileInfo(backend fileattr.Backend, abs, rel, name string) (*filelist.FileInfo, error) {
	attrs, err := backend.Stat(abs + "/" + name)
	if err != nil {
		return nil, err
	}
	path := []byte(rel)
	switch attrs.Type() {
	case fileattr.TypeSymlink:
		target, err := backend.ReadSymlinkTarget(abs + "/" + name)
		if err != nil {
			return nil, err
		}
		return filelist.NewSymlink(path, rel, attrs, target), nil
	default:
		return filelist.NewPlain(path, rel, attrs), nil
	}
}

// SendFile runs the rolling-match algorithm for the peer-requested file at
// idx: read the checksum header, open the source file, find matching
// blocks, and stream the literal/match token sequence followed by the
// whole-file MD5.
func (s *Sender) SendFile(idx int32, relPath string) error {
	sh, err := readSumHead(s.Conn)
	if err != nil {
		return err
	}

	chunks := buildChecksumIndex(s.Conn, sh)
	if err := readChecksumBody(s.Conn, sh, chunks); err != nil {
		return err
	}

	abs := filepath.Join(s.SrcRoot, relPath)
	data, err := os.ReadFile(abs)
	if err != nil {
		return s.sendEmptyOnError(err)
	}

	h := md5.New()
	if err := s.matchAndStream(data, sh, chunks, h); err != nil {
		return err
	}

	if err := s.Conn.WriteInt32(0); err != nil {
		return err
	}
	sum := h.Sum(nil)
	return s.Conn.Write(sum)
}

func (s *Sender) sendEmptyOnError(err error) error {
	s.Logger.Printf("sender: %v", err)
	if werr := s.Conn.WriteInt32(0); werr != nil {
		return werr
	}
	var empty [16]byte
	return s.Conn.Write(empty[:])
}

type checksumEntry struct {
	index  int32
	length int32
	strong []byte
}

func buildChecksumIndex(c *rsyncwire.Conn, sh rsyncroot.SumHead) map[uint32][]checksumEntry {
	return make(map[uint32][]checksumEntry, sh.ChecksumCount)
}

func readChecksumBody(c *rsyncwire.Conn, sh rsyncroot.SumHead, out map[uint32][]checksumEntry) error {
	for i := int32(0); i < sh.ChecksumCount; i++ {
		rolling, err := c.ReadInt32()
		if err != nil {
			return err
		}
		strong := make([]byte, sh.ChecksumLength)
		if err := c.ReadN(strong); err != nil {
			return err
		}
		length := sh.BlockLength
		if i == sh.ChecksumCount-1 && sh.RemainderLength != 0 {
			length = sh.RemainderLength
		}
		key := uint32(rolling)
		out[key] = append(out[key], checksumEntry{index: i, length: length, strong: strong})
	}
	return nil
}

// matchAndStream implements the per-file rolling match described in the
// component design: slide a window over data, matching against chunks,
// emitting literal runs and match tokens as it goes.
func (s *Sender) matchAndStream(data []byte, sh rsyncroot.SumHead, chunks map[uint32][]checksumEntry, whole io.Writer) error {
	n := len(data)
	blockLen := int(sh.BlockLength)
	smallest := int(sh.SmallestChunkSize())
	if blockLen == 0 || smallest == 0 || n == 0 {
		return s.emitLiteral(data, whole)
	}

	pos := 0
	litStart := 0
	winLen := blockLen
	if winLen > n {
		winLen = n
	}
	if winLen < smallest {
		return s.emitLiteral(data, whole)
	}
	rc := rsynchash.NewRollingChecksum(data[pos : pos+winLen])

	for winLen >= smallest && pos+winLen <= n {
		if idx, ok := s.findMatch(data[pos:pos+winLen], rc.Value(), chunks, int32(winLen)); ok {
			if litStart < pos {
				if err := s.emitLiteral(data[litStart:pos], whole); err != nil {
					return err
				}
			}
			if err := s.Conn.WriteInt32(-(idx + 1)); err != nil {
				return err
			}
			whole.Write(data[pos : pos+winLen])
			pos += winLen
			litStart = pos
			if pos >= n {
				break
			}
			winLen = blockLen
			if winLen > n-pos {
				winLen = n - pos
			}
			if winLen < smallest {
				break
			}
			rc = rsynchash.NewRollingChecksum(data[pos : pos+winLen])
			continue
		}
		if pos+winLen >= n {
			break
		}
		rc = rc.Roll(data[pos], data[pos+winLen])
		pos++
	}

	if litStart < n {
		return s.emitLiteral(data[litStart:], whole)
	}
	return nil
}

func (s *Sender) findMatch(window []byte, rolling uint32, chunks map[uint32][]checksumEntry, length int32) (int32, bool) {
	for _, cand := range chunks[rolling] {
		if cand.length != length {
			continue
		}
		strong := rsynchash.StrongChecksum(window, s.Seed, len(cand.strong))
		if bytesEqual(strong, cand.strong) {
			return cand.index, true
		}
	}
	return 0, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Sender) emitLiteral(data []byte, whole io.Writer) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxLiteralChunk {
			n = maxLiteralChunk
		}
		if err := s.Conn.WriteInt32(int32(n)); err != nil {
			return err
		}
		if err := s.Conn.Write(data[:n]); err != nil {
			return err
		}
		whole.Write(data[:n])
		data = data[n:]
	}
	return nil
}

func readSumHead(c *rsyncwire.Conn) (rsyncroot.SumHead, error) {
	vals := make([]int32, 4)
	for i := range vals {
		v, err := c.ReadInt32()
		if err != nil {
			return rsyncroot.SumHead{}, err
		}
		vals[i] = v
	}
	return rsyncroot.SumHead{
		ChecksumCount:   vals[0],
		BlockLength:     vals[1],
		ChecksumLength:  vals[2],
		RemainderLength: vals[3],
	}, nil
}
