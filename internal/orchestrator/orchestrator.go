// Package orchestrator drives one transfer's generator and receiver roles
// against a remote sender sharing a single connection: it ingests the
// incoming file list, dispatches the single inbound index stream (stub
// directory expansions, end-of-list markers and per-file transfer
// confirmations all arrive interleaved on it), and reports the phase
// boundary to the generator and receiver in turn.
//
// Running generator and receiver as two independent goroutines would need
// to demultiplex that single inbound stream between them anyway, since
// stub-directory and transfer-confirmation indices are not distinguishable
// until decoded; a single synchronous loop owning the shared IndexCodec
// avoids that machinery entirely.
package orchestrator

import (
	"fmt"

	rsyncroot "github.com/rsync-ng/rsync"
	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/generator"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/receiver"
	"github.com/rsync-ng/rsync/internal/rsyncfilter"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncstats"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

// Transfer ties the generator and receiver roles to one connection to a
// remote sender, driving them through the ingest/generate/confirm loop
// until the sender signals DONE.
type Transfer struct {
	Conn     *rsyncwire.Conn
	Opts     *rsyncopts.Options
	Backend  fileattr.Backend
	Filters  *rsyncfilter.List
	Logger   log.Logger
	Seed     uint32
	DestRoot string

	FL        *filelist.Filelist
	listCodec *filelist.Codec
	idxCodec  rsyncwire.IndexCodec

	gen *generator.Generator
	rcv *receiver.Receiver

	// pendingJobs holds every Job queued by generateAndQueue, awaiting the
	// sender's echoed confirmation, in itemization (and therefore echo)
	// order: always drained in echo order, one entry per queued job.
	pendingJobs []generator.Job

	// redo holds jobs whose whole-file verification failed once this
	// phase, awaiting a regeneration request once the sender echoes back
	// the phase-boundary DONE; cleared by requeueRedo.
	redo []generator.Job

	// donePhase counts how many phase-boundary DONE sentinels this side
	// has sent (0, 1 after the initial transfer phase, 2 after the
	// regeneration/redo phase). The sender mirrors this count and only
	// terminates its own loop on the second one, so a redo request can
	// still reach it after the first DONE round-trip.
	donePhase int
}

// New returns a Transfer ready to ingest a file list and drive the
// generator/receiver roles against conn.
func New(conn *rsyncwire.Conn, opts *rsyncopts.Options, backend fileattr.Backend, filters *rsyncfilter.List, logger log.Logger, seed uint32, destRoot string) *Transfer {
	if filters == nil {
		filters = rsyncfilter.NewList()
	}
	fl := filelist.New()
	listCodec := filelist.NewCodec(filelist.Options{
		PreserveUID:     opts.PreserveUID,
		PreserveGID:     opts.PreserveGID,
		PreserveLinks:   opts.PreserveLinks,
		PreserveDevices: opts.PreserveDevices,
		Recurse:         opts.Recurse,
	})
	t := &Transfer{
		Conn: conn, Opts: opts, Backend: backend, Filters: filters,
		Logger: logger, Seed: seed, DestRoot: destRoot,
		FL: fl, listCodec: listCodec,
	}
	t.gen = generator.New(conn, fl, opts, backend, filters, logger, seed, destRoot)
	t.rcv = receiver.New(conn, backend, opts, logger, destRoot)
	return t
}

// readSegment reads entries off conn until the terminator, building a
// Filelist segment under dir (nil for the initial root segment).
func (t *Transfer) readSegment(dir *filelist.FileInfo) (*filelist.Segment, error) {
	var files []*filelist.FileInfo
	for {
		f, err := t.listCodec.ReadEntry(t.Conn)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: reading file list entry: %w", err)
		}
		if f == nil {
			break
		}
		files = append(files, f)
	}
	return t.FL.NewSegment(dir, files, t.Opts.Recurse), nil
}

// Run ingests the root file list, generates it, then services the sender's
// interleaved stub-expansion and transfer-confirmation indices until the
// sender echoes DONE. It returns the receiver's verification failures, if
// any; a non-nil error means the transfer aborted before completing.
func (t *Transfer) Run() ([]string, error) {
	rootSeg, err := t.readSegment(nil)
	if err != nil {
		return nil, err
	}
	if t.Opts.Recurse {
		idx, err := t.Conn.DecodeIndex(&t.idxCodec)
		if err != nil {
			return nil, err
		}
		if idx != rsyncroot.IndexEOF {
			return nil, fmt.Errorf("%w: expected EOF after root segment, got %d", rsyncwire.ErrProtocol, idx)
		}
	}

	if err := t.generateAndQueue(rootSeg); err != nil {
		return nil, err
	}

	for {
		idx, err := t.Conn.DecodeIndex(&t.idxCodec)
		if err != nil {
			return nil, err
		}
		switch {
		case idx == rsyncroot.IndexDone:
			if t.FL.HasExpandableStubs() || len(t.pendingJobs) > 0 {
				return nil, fmt.Errorf("%w: DONE received with stubs or jobs still outstanding", rsyncwire.ErrProtocol)
			}
			if t.donePhase >= 2 {
				if err := t.gen.ApplyDeferred(); err != nil {
					return nil, err
				}
				return t.rcv.Failed, nil
			}
			if err := t.requeueRedo(); err != nil {
				return nil, err
			}
			if err := t.gen.Done(); err != nil {
				return nil, fmt.Errorf("orchestrator: signaling done: %w", err)
			}
			t.donePhase++
		case idx <= rsyncroot.IndexOffset:
			dirIdx := rsyncroot.IndexOffset - idx
			dir, err := t.FL.GetStubDirectoryOrNull(dirIdx)
			if err != nil {
				return nil, fmt.Errorf("%w: stub directory %d: %v", rsyncwire.ErrProtocol, dirIdx, err)
			}
			t.FL.ExpandConsume(dirIdx)
			seg, err := t.readSegment(dir)
			if err != nil {
				return nil, err
			}
			if t.Opts.Recurse {
				eofIdx, err := t.Conn.DecodeIndex(&t.idxCodec)
				if err != nil {
					return nil, err
				}
				if eofIdx != rsyncroot.IndexEOF {
					return nil, fmt.Errorf("%w: expected EOF after expanded segment, got %d", rsyncwire.ErrProtocol, eofIdx)
				}
			}
			if err := t.generateAndQueue(seg); err != nil {
				return nil, err
			}
		default:
			job, ok := t.popJob(idx)
			if !ok {
				return nil, fmt.Errorf("%w: transfer confirmation for unexpected index %d", rsyncwire.ErrProtocol, idx)
			}
			needsRegen, err := t.rcv.ReceiveJob(idx, job)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: %s: %w", job.File.Name, err)
			}
			if needsRegen {
				t.redo = append(t.redo, job)
			}
		}
	}
}

// generateAndQueue generates seg and queues any resulting jobs. The sender
// always drains its own stub-directory queue to exhaustion before ever
// blocking to read our next request (see Sender.Run), so the first moment
// our mirrored Filelist has no outstanding stubs to expect, every segment
// that will ever arrive has arrived: that is the correct moment to tell the
// generator there are no more requests coming.
func (t *Transfer) generateAndQueue(seg *filelist.Segment) error {
	if err := t.gen.GenerateSegment(seg); err != nil {
		return fmt.Errorf("orchestrator: generating segment: %w", err)
	}
	t.pendingJobs = append(t.pendingJobs, t.gen.DrainJobs()...)
	if t.donePhase == 0 && !t.FL.HasExpandableStubs() {
		t.donePhase = 1
		if err := t.gen.Done(); err != nil {
			return fmt.Errorf("orchestrator: signaling done: %w", err)
		}
	}
	return nil
}

// requeueRedo re-requests every job queued by a first-attempt verification
// failure since the last call, in failure order, and re-queues the
// resulting Jobs for the sender's second round of confirmations. Called
// once the sender has echoed back the transfer-phase DONE, since only then
// is it guaranteed every originally queued file has already been confirmed
// (the underlying byte stream preserves order, so nothing queued after the
// phase-1 DONE request can have arrived before it).
func (t *Transfer) requeueRedo() error {
	redo := t.redo
	t.redo = nil
	for _, job := range redo {
		sh, err := t.gen.Regenerate(job.Index, job.File)
		if err != nil {
			return fmt.Errorf("orchestrator: regenerating %s: %w", job.File.Name, err)
		}
		t.pendingJobs = append(t.pendingJobs, generator.Job{Index: job.Index, File: job.File, Sum: sh})
	}
	return nil
}

func (t *Transfer) popJob(idx int32) (generator.Job, bool) {
	if len(t.pendingJobs) == 0 || t.pendingJobs[0].Index != idx {
		return generator.Job{}, false
	}
	job := t.pendingJobs[0]
	t.pendingJobs = t.pendingJobs[1:]
	return job, true
}

// IOErrors returns the generator's accumulated per-file I/O error count.
func (t *Transfer) IOErrors() int { return t.gen.IOErrors() }

// Finish sends the end-of-transfer statistics exchange and the final
// goodbye index, matching what a client expects after a successful run.
func (t *Transfer) Finish(stats *rsyncstats.TransferStats) error {
	if stats != nil {
		if err := stats.WriteTo(t.Conn); err != nil {
			return err
		}
	}
	return t.Conn.WriteInt32(-1)
}
