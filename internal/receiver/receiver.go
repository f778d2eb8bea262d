package receiver

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/generator"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

// ErrVerification reports a whole-file checksum or size mismatch.
var ErrVerification = errors.New("receiver: transfer verification failed")

// Receiver drives the receiver role: it reads the sender's index
// confirmations and token streams for jobs the local generator queued,
// merging each into the destination tree.
type Receiver struct {
	Conn     *rsyncwire.Conn
	Backend  fileattr.Backend
	Opts     *rsyncopts.Options
	Logger   log.Logger
	DestRoot string

	// Failed collects the relative names of files that did not survive
	// whole-file verification on their second attempt, for the caller to
	// report.
	Failed []string

	// retried records, by file-list name, which files have already been
	// given their one regeneration attempt: a second verification
	// failure for a name in this set is purged instead of retried again.
	retried map[string]bool
}

// New returns a Receiver rooted at destRoot.
func New(conn *rsyncwire.Conn, backend fileattr.Backend, opts *rsyncopts.Options, logger log.Logger, destRoot string) *Receiver {
	return &Receiver{Conn: conn, Backend: backend, Opts: opts, Logger: logger, DestRoot: destRoot, retried: make(map[string]bool)}
}

// ReceiveJob consumes the token stream the sender is about to write for
// job, given idx (already decoded by the caller off the shared inbound
// index stream, which also carries stub-directory offsets and EOF markers
// the receiver has no part in). A verification failure is not fatal to the
// transfer: the first failure for a given file requests regeneration
// (needsRegen is true; the caller must re-drive generation for job.File at
// job.Index and re-queue the resulting Job for a second attempt) and a
// second failure for the same file is purged (reported via ERROR_XFER and
// recorded in Failed). Either way ReceiveJob itself returns a nil error;
// non-nil err is reserved for protocol/IO failures.
func (r *Receiver) ReceiveJob(idx int32, job generator.Job) (needsRegen bool, err error) {
	if idx != job.Index {
		return false, fmt.Errorf("%w: expected sender to confirm index %d, got %d", rsyncwire.ErrProtocol, job.Index, idx)
	}
	if err := r.merge(job); err != nil {
		if !errors.Is(err, ErrVerification) {
			return false, err
		}
		if !r.retried[job.File.Name] {
			r.retried[job.File.Name] = true
			r.Logger.Printf("receiver: %s failed whole-file verification, requesting regeneration", job.File.Name)
			return true, nil
		}
		r.Failed = append(r.Failed, job.File.Name)
		r.Logger.Printf("receiver: %s failed whole-file verification again, purging", job.File.Name)
		if werr := r.Conn.WriteMsg(rsyncwire.MsgErrorXfer, []byte(fmt.Sprintf("%s failed verification\n", job.File.Name))); werr != nil {
			return false, werr
		}
		return false, nil
	}
	return false, nil
}

// merge implements the receive-side of the delta algorithm: it reads the
// peer's literal/match token stream, reconstructing the file from a mix of
// peer-sent literal bytes and blocks copied from the existing local
// replica, verifying the whole-file MD5 at the end.
func (r *Receiver) merge(job generator.Job) error {
	local := filepath.Join(r.DestRoot, job.File.Name)
	sh := job.Sum

	replica, _ := os.Open(local)
	if replica != nil {
		defer replica.Close()
	}

	if err := r.Backend.CreateDirectories(filepath.Dir(local)); err != nil {
		return fmt.Errorf("creating parent of %s: %w", local, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".rsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	h := md5.New()
	deferred := replica != nil
	var deferredPos int64
	var size int64

	commitUpTo := func(n int64) error {
		if n <= deferredPos {
			return nil
		}
		buf := make([]byte, n-deferredPos)
		if _, err := replica.ReadAt(buf, deferredPos); err != nil {
			return fmt.Errorf("re-reading replica for commit: %w", err)
		}
		if _, err := tmp.Write(buf); err != nil {
			return err
		}
		deferredPos = n
		return nil
	}

	for {
		token, err := r.Conn.ReadInt32()
		if err != nil {
			return err
		}
		if token == 0 {
			break
		}
		if token < 0 {
			blockIdx := int64(-(token + 1))
			if blockIdx < 0 || blockIdx >= int64(sh.ChecksumCount) {
				return fmt.Errorf("%w: block index %d out of range [0,%d)", rsyncwire.ErrProtocol, blockIdx, sh.ChecksumCount)
			}
			length := int64(sh.BlockLength)
			if blockIdx == int64(sh.ChecksumCount)-1 && sh.RemainderLength != 0 {
				length = int64(sh.RemainderLength)
			}
			offset := blockIdx * int64(sh.BlockLength)
			if replica == nil {
				return fmt.Errorf("%w: match token but no local replica to copy from", rsyncwire.ErrProtocol)
			}
			buf := make([]byte, length)
			if _, err := replica.ReadAt(buf, offset); err != nil {
				return fmt.Errorf("reading replica block %d: %w", blockIdx, err)
			}

			if deferred && offset == size {
				h.Write(buf)
				size += length
				continue
			}
			if deferred {
				if err := commitUpTo(size); err != nil {
					return err
				}
				deferred = false
			}
			h.Write(buf)
			if _, err := tmp.Write(buf); err != nil {
				return err
			}
			size += length
			continue
		}

		// Literal run of token bytes from the peer.
		if deferred {
			if err := commitUpTo(size); err != nil {
				return err
			}
			deferred = false
		}
		buf := make([]byte, token)
		if err := r.Conn.ReadN(buf); err != nil {
			return err
		}
		h.Write(buf)
		if _, err := tmp.Write(buf); err != nil {
			return err
		}
		size += int64(token)
	}

	var peerSum [16]byte
	if err := r.Conn.ReadN(peerSum[:]); err != nil {
		return err
	}
	sum := h.Sum(nil)
	if !bytes.Equal(sum, peerSum[:]) || size != job.File.Attrs.Size {
		return ErrVerification
	}

	if deferred {
		// Every match was sequential from offset 0 and there was no
		// literal data. When the replica is also exactly the matched
		// size its content is already correct: keep it in place and
		// discard the temp file. Otherwise copy the matched prefix into
		// the temp file and install that instead.
		if st, err := replica.Stat(); err == nil && st.Size() == size {
			return nil
		}
		if err := commitUpTo(size); err != nil {
			return err
		}
	}

	if err := tmp.Close(); err != nil {
		return err
	}
	if err := r.applyAttrs(tmpPath, job.File.Attrs); err != nil {
		return err
	}
	if _, err := r.Backend.AtomicMove(tmpPath, local); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, local, err)
	}
	committed = true
	return nil
}

func (r *Receiver) applyAttrs(path string, attrs fileattr.RsyncFileAttributes) error {
	if r.Opts.PreservePerms {
		if err := r.Backend.SetFileMode(path, attrs.Mode, fileattr.FollowSymlink); err != nil {
			r.Logger.Printf("receiver: chmod %s: %v", path, err)
		}
	}
	if r.Opts.PreserveTimes {
		if err := r.Backend.SetLastModifiedTime(path, attrs.LastModified, fileattr.FollowSymlink); err != nil {
			r.Logger.Printf("receiver: utimes %s: %v", path, err)
		}
	}
	if r.Opts.PreserveUID {
		if err := r.Backend.SetOwner(path, attrs.User, fileattr.FollowSymlink); err != nil {
			r.Logger.Printf("receiver: chown %s: %v", path, err)
		}
	}
	if r.Opts.PreserveGID {
		if err := r.Backend.SetGroup(path, attrs.Group, fileattr.FollowSymlink); err != nil {
			r.Logger.Printf("receiver: chgrp %s: %v", path, err)
		}
	}
	return nil
}
