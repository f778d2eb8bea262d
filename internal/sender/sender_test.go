package sender

import (
	"bytes"
	"testing"

	rsyncroot "github.com/rsync-ng/rsync"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsynchash"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

func newTestSender(t *testing.T) (*Sender, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	conn := rsyncwire.NewConn(&buf, &buf)
	return &Sender{Conn: conn, Logger: log.Nop}, &buf
}

func TestMatchAndStreamIdenticalData(t *testing.T) {
	s, _ := newTestSender(t)
	block := bytes.Repeat([]byte{0xAA}, 512)
	sh := rsyncroot.SumHead{ChecksumCount: 1, BlockLength: 512, ChecksumLength: 16, RemainderLength: 0}
	strong := rsynchash.StrongChecksum(block, 0, 16)
	rolling := rsynchash.NewRollingChecksum(block).Value()
	chunks := map[uint32][]checksumEntry{
		rolling: {{index: 0, length: 512, strong: strong}},
	}

	var out bytes.Buffer
	if err := s.matchAndStream(block, sh, chunks, &out); err != nil {
		t.Fatal(err)
	}
	// A literal buffer should contain no frame markers here because we
	// only captured the whole-file hash writer, not the wire traffic; the
	// match path should have called whole.Write(block) exactly once.
	if out.Len() != len(block) {
		t.Fatalf("whole-file writer got %d bytes, want %d", out.Len(), len(block))
	}
}

func TestMatchAndStreamNoChecksums(t *testing.T) {
	s, _ := newTestSender(t)
	data := []byte("hello world")
	sh := rsyncroot.SumHead{}
	var out bytes.Buffer
	if err := s.matchAndStream(data, sh, map[uint32][]checksumEntry{}, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello world" {
		t.Fatalf("out = %q, want %q", out.String(), "hello world")
	}
}

func TestFindMatchRejectsWrongLength(t *testing.T) {
	s, _ := newTestSender(t)
	window := bytes.Repeat([]byte{0x01}, 10)
	strong := rsynchash.StrongChecksum(window, 0, 16)
	chunks := map[uint32][]checksumEntry{
		1: {{index: 0, length: 5, strong: strong}},
	}
	if _, ok := s.findMatch(window, 1, chunks, 10); ok {
		t.Error("findMatch should reject a length mismatch even if present in the map")
	}
}
