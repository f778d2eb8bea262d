// Package generator implements the generator role: the side that owns the
// destination tree, compares it against the incoming file list, and emits
// per-file block-checksums and itemization decisions for the sender to
// compute a delta against.
package generator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsyncfilter"
	"github.com/rsync-ng/rsync/internal/rsynchash"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncwire"

	rsyncroot "github.com/rsync-ng/rsync"
)

// deferredAttr is one queued permission/ownership fixup, applied in LIFO
// order at the TRANSFER -> TEAR_DOWN_1 phase boundary so that content is
// always written before attributes are finalized.
type deferredAttr struct {
	path  string
	attrs fileattr.RsyncFileAttributes
	link  fileattr.LinkOption
}

// Job is handed to the local receiver, in file-list order, for every entry
// whose itemization set the TRANSFER bit. The receiver pairs each Job with
// the index the sender echoes back on the wire once it starts streaming
// that file's tokens.
type Job struct {
	Index int32
	File  *filelist.FileInfo
	Sum   rsyncroot.SumHead
}

// Generator drives the generator role against a shared Filelist, writing
// itemization and checksum data to Conn for the sender to consume.
type Generator struct {
	Conn     *rsyncwire.Conn
	FL       *filelist.Filelist
	Opts     *rsyncopts.Options
	Backend  fileattr.Backend
	Filters  *rsyncfilter.List
	Logger   log.Logger
	Seed     uint32
	DestRoot string

	idxCodec    rsyncwire.IndexCodec
	deferred    []deferredAttr
	pendingJobs []Job
	ioErrors    int
}

// New returns a Generator ready to process segments against destRoot.
func New(conn *rsyncwire.Conn, fl *filelist.Filelist, opts *rsyncopts.Options, backend fileattr.Backend, filters *rsyncfilter.List, logger log.Logger, seed uint32, destRoot string) *Generator {
	if filters == nil {
		filters = rsyncfilter.NewList()
	}
	return &Generator{
		Conn: conn, FL: fl, Opts: opts, Backend: backend, Filters: filters,
		Logger: logger, Seed: seed, DestRoot: destRoot,
	}
}

// GenerateSegment processes every entry of seg: ensuring the target
// directory exists, deleting extraneous local entries when --delete is
// active, and itemizing each file against its local baseline.
func (g *Generator) GenerateSegment(seg *filelist.Segment) error {
	dirRel := "."
	if seg.Dir != nil {
		dirRel = seg.Dir.Name
	}
	dirAbs := filepath.Join(g.DestRoot, dirRel)
	if err := g.Backend.CreateDirectories(dirAbs); err != nil {
		return fmt.Errorf("generator: creating directory %s: %w", dirAbs, err)
	}

	if g.Opts.DeleteMode {
		if err := g.deleteExtraneous(dirAbs, dirRel, seg); err != nil {
			return err
		}
	}

	for _, idx := range segIndices(seg) {
		f := seg.Get(idx)
		if f == nil {
			continue
		}
		if err := g.itemize(idx, f); err != nil {
			return err
		}
	}
	return nil
}

// segIndices returns seg's entry indices in ascending (sorted emission)
// order.
func segIndices(seg *filelist.Segment) []int32 {
	var idxs []int32
	for i := seg.DirIndex + 1; i <= seg.EndIndex(); i++ {
		if seg.Get(i) != nil {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// deleteExtraneous removes local entries under dirAbs that are not present
// in seg's file set and are neither protected nor excluded by the filter
// rules.
func (g *Generator) deleteExtraneous(dirAbs, dirRel string, seg *filelist.Segment) error {
	entries, err := g.Backend.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("generator: reading %s: %w", dirAbs, err)
	}
	present := make(map[string]bool, len(seg.Entries()))
	for _, f := range seg.Entries() {
		present[filepath.Base(f.Name)] = true
	}
	for _, e := range entries {
		if present[e.Name] {
			continue
		}
		rel := filepath.Join(dirRel, e.Name)
		isDir := e.Type == fileattr.TypeDirectory
		if g.Filters.ProtectMatch(rel, isDir) || g.Filters.ExcludeMatch(rel, isDir) {
			continue
		}
		if g.Opts.DeleteExcluded && g.Filters.ExcludeMatch(rel, isDir) {
			continue
		}
		if g.Opts.Verbose > 0 {
			g.Logger.Printf("deleting %s", rel)
		}
		if g.Opts.DryRun {
			continue
		}
		full := filepath.Join(dirAbs, e.Name)
		if err := os.RemoveAll(full); err != nil {
			g.Logger.Printf("generator: delete %s: %v", full, err)
			g.ioErrors++
		}
	}
	return nil
}

// itemize compares f against the local baseline and emits the appropriate
// index + itemize-flags + (optional) checksum-header message.
func (g *Generator) itemize(idx int32, f *filelist.FileInfo) error {
	local := filepath.Join(g.DestRoot, f.Name)

	switch {
	case f.IsDir():
		return g.itemizeDir(idx, f, local)
	case f.Kind == filelist.KindSymlink:
		return g.itemizeSymlink(idx, f, local)
	case f.Kind == filelist.KindDevice:
		return g.sendMessage(rsyncwire.MsgErrorXfer, fmt.Sprintf("%s: device/special files are not supported\n", f.Name))
	default:
		return g.itemizeRegular(idx, f, local)
	}
}

func (g *Generator) itemizeDir(idx int32, f *filelist.FileInfo, local string) error {
	_, exists, err := g.Backend.StatIfExists(local)
	if err != nil {
		return err
	}
	var flags uint16 = rsyncroot.ITEM_LOCAL_CHANGE
	if !exists {
		flags |= rsyncroot.ITEM_IS_NEW
		if !g.Opts.DryRun {
			if err := g.Backend.CreateDirectories(local); err != nil {
				return err
			}
		}
	}
	if err := g.sendItemizeInfo(idx, flags); err != nil {
		return err
	}
	g.queueAttrFixup(local, f.Attrs, exists)
	return nil
}

func (g *Generator) itemizeSymlink(idx int32, f *filelist.FileInfo, local string) error {
	if !g.Opts.PreserveLinks {
		return g.sendItemizeInfo(idx, rsyncroot.ITEM_NO_CHANGE)
	}
	target, statErr := g.Backend.ReadSymlinkTarget(local)
	exists := statErr == nil
	changed := !exists || target != f.LinkTarget
	var flags uint16
	if changed {
		flags |= rsyncroot.ITEM_LOCAL_CHANGE
		if !exists {
			flags |= rsyncroot.ITEM_IS_NEW
		}
		if !g.Opts.DryRun {
			if exists {
				_ = g.Backend.Unlink(local)
			}
			if err := g.Backend.CreateSymbolicLink(local, f.LinkTarget); err != nil {
				return err
			}
		}
	} else {
		flags = rsyncroot.ITEM_NO_CHANGE
	}
	return g.sendItemizeInfo(idx, flags)
}

func (g *Generator) itemizeRegular(idx int32, f *filelist.FileInfo, local string) error {
	cur, exists, err := g.Backend.StatIfExists(local)
	if err != nil {
		return err
	}

	needsTransfer := !exists
	var flags uint16
	if !exists {
		flags |= rsyncroot.ITEM_IS_NEW | rsyncroot.ITEM_TRANSFER
	} else {
		sizeDiffers := cur.Size != f.Attrs.Size
		timeDiffers := cur.LastModified != f.Attrs.LastModified
		if sizeDiffers {
			flags |= rsyncroot.ITEM_REPORT_SIZE
		}
		if timeDiffers {
			flags |= rsyncroot.ITEM_REPORT_TIME
		}
		if sizeDiffers || timeDiffers || g.Opts.IgnoreTimes || g.Opts.AlwaysChecksum {
			needsTransfer = true
			flags |= rsyncroot.ITEM_TRANSFER
		} else {
			flags |= rsyncroot.ITEM_NO_CHANGE
		}
	}
	if g.Opts.PreservePerms && exists && cur.Mode&0777 != f.Attrs.Mode&0777 {
		flags |= rsyncroot.ITEM_REPORT_PERMS
	}

	if err := g.sendItemizeInfo(idx, flags); err != nil {
		return err
	}
	if needsTransfer {
		sh, err := g.sendChecksums(local, exists, cur.Size)
		if err != nil {
			return err
		}
		g.pendingJobs = append(g.pendingJobs, Job{Index: idx, File: f, Sum: sh})
	}
	g.queueAttrFixup(local, f.Attrs, exists)
	return nil
}

// Regenerate re-sends the itemize+checksum request for idx against f's
// current local baseline, asking the peer to retransmit its content: the
// first-failure retry path for a whole-file verification mismatch
// (spec.md §4.8/§7, "first occurrence requests regeneration"). The local
// baseline is unchanged by a failed merge (the temp file is discarded, not
// committed), so this recomputes the same checksum header itemizeRegular
// would have sent, giving the sender another chance to produce a token
// stream that verifies.
func (g *Generator) Regenerate(idx int32, f *filelist.FileInfo) (rsyncroot.SumHead, error) {
	local := filepath.Join(g.DestRoot, f.Name)
	cur, exists, err := g.Backend.StatIfExists(local)
	if err != nil {
		return rsyncroot.SumHead{}, err
	}
	if err := g.sendItemizeInfo(idx, rsyncroot.ITEM_TRANSFER); err != nil {
		return rsyncroot.SumHead{}, err
	}
	return g.sendChecksums(local, exists, cur.Size)
}

// sendItemizeInfo writes the file index followed by its 16-bit itemize
// flags, little-endian.
func (g *Generator) sendItemizeInfo(idx int32, flags uint16) error {
	if err := g.Conn.EncodeIndex(&g.idxCodec, idx); err != nil {
		return err
	}
	return g.Conn.Write([]byte{byte(flags), byte(flags >> 8)})
}

func (g *Generator) sendMessage(tag rsyncwire.MsgTag, text string) error {
	return g.Conn.WriteMsg(tag, []byte(text))
}

// sendChecksums computes the block-checksum header for the local baseline
// (or a zero-length header if it doesn't exist) and streams it to the peer,
// returning the header so the caller can pass it on to the local receiver.
func (g *Generator) sendChecksums(local string, exists bool, size int64) (rsyncroot.SumHead, error) {
	var blockLength, digestLength int64
	if exists && size > 0 {
		blockLength = rsynchash.BlockLengthFor(size)
		digestLength = int64(rsynchash.DigestLengthFor(size, blockLength))
	}
	var chunkCount int64
	var remainder int64
	if blockLength > 0 {
		chunkCount = (size + blockLength - 1) / blockLength
		remainder = size % blockLength
	}

	sh := rsyncroot.SumHead{
		ChecksumCount:   int32(chunkCount),
		BlockLength:     int32(blockLength),
		ChecksumLength:  int32(digestLength),
		RemainderLength: int32(remainder),
	}
	if err := writeSumHead(g.Conn, sh); err != nil {
		return sh, err
	}
	if !exists || blockLength == 0 {
		return sh, nil
	}

	f, err := os.Open(local)
	if err != nil {
		g.ioErrors++
		return sh, nil
	}
	defer f.Close()

	buf := make([]byte, blockLength)
	for i := int64(0); i < chunkCount; i++ {
		n := blockLength
		if i == chunkCount-1 && remainder != 0 {
			n = remainder
		}
		if _, err := f.Read(buf[:n]); err != nil {
			return sh, fmt.Errorf("generator: reading block %d of %s: %w", i, local, err)
		}
		rolling := rsynchash.NewRollingChecksum(buf[:n]).Value()
		if err := g.Conn.WriteInt32(int32(rolling)); err != nil {
			return sh, err
		}
		strong := rsynchash.StrongChecksum(buf[:n], g.Seed, int(digestLength))
		if err := g.Conn.Write(strong); err != nil {
			return sh, err
		}
	}
	return sh, nil
}

func writeSumHead(c *rsyncwire.Conn, sh rsyncroot.SumHead) error {
	for _, v := range []int32{sh.ChecksumCount, sh.BlockLength, sh.ChecksumLength, sh.RemainderLength} {
		if err := c.WriteInt32(v); err != nil {
			return err
		}
	}
	return nil
}

// queueAttrFixup pushes a deferred attribute update unless the entry
// already exists and none of --perms/--times/--owner/--group is set (the
// local entry's attributes are not compared), applying mode/mtime/uid/gid in that order at
// ApplyDeferred time (ownership last, as it may clear setuid bits).
func (g *Generator) queueAttrFixup(local string, want fileattr.RsyncFileAttributes, exists bool) {
	if g.Opts.DryRun {
		return
	}
	if exists && !g.Opts.PreservePerms && !g.Opts.PreserveTimes && !g.Opts.PreserveUID && !g.Opts.PreserveGID {
		return
	}
	g.deferred = append(g.deferred, deferredAttr{path: local, attrs: want, link: fileattr.FollowSymlink})
}

// ApplyDeferred applies every queued attribute fixup in LIFO order (mode,
// mtime, then uid/gid), matching the TRANSFER -> TEAR_DOWN_1 boundary.
func (g *Generator) ApplyDeferred() error {
	for i := len(g.deferred) - 1; i >= 0; i-- {
		d := g.deferred[i]
		if g.Opts.PreservePerms {
			if err := g.Backend.SetFileMode(d.path, d.attrs.Mode, d.link); err != nil {
				g.Logger.Printf("generator: chmod %s: %v", d.path, err)
			}
		}
		if g.Opts.PreserveTimes {
			if err := g.Backend.SetLastModifiedTime(d.path, d.attrs.LastModified, d.link); err != nil {
				g.Logger.Printf("generator: utimes %s: %v", d.path, err)
			}
		}
		if g.Opts.PreserveUID {
			if err := g.Backend.SetOwner(d.path, d.attrs.User, d.link); err != nil {
				g.Logger.Printf("generator: chown %s: %v", d.path, err)
			}
		}
		if g.Opts.PreserveGID {
			if err := g.Backend.SetGroup(d.path, d.attrs.Group, d.link); err != nil {
				g.Logger.Printf("generator: chgrp %s: %v", d.path, err)
			}
		}
	}
	g.deferred = g.deferred[:0]
	return nil
}

// DrainJobs returns every Job queued by GenerateSegment calls since the last
// DrainJobs call, in itemization order, and clears the queue. The
// orchestrator calls this once per segment, after GenerateSegment returns,
// to learn which wire indices the sender will echo back with file content.
func (g *Generator) DrainJobs() []Job {
	out := g.pendingJobs
	g.pendingJobs = nil
	return out
}

// Done tells the peer there are no more file requests coming, the phase
// boundary signal the sender and the local receiver both wait for.
func (g *Generator) Done() error {
	return g.Conn.EncodeIndex(&g.idxCodec, rsyncroot.IndexDone)
}

// IOErrors returns the accumulated per-file I/O error count.
func (g *Generator) IOErrors() int { return g.ioErrors }
