package receiver

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	rsyncroot "github.com/rsync-ng/rsync"
	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/generator"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

func newTestReceiver(t *testing.T, destRoot string, wire []byte) *Receiver {
	t.Helper()
	conn := rsyncwire.NewConn(bytes.NewReader(wire), io.Discard)
	return New(conn, fileattr.OSBackend{}, &rsyncopts.Options{PreservePerms: true}, log.Nop, destRoot)
}

func int32le(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func TestMergeIdenticalFileKeepsReplica(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x42}, 4096)
	local := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(local, content, 0644); err != nil {
		t.Fatal(err)
	}

	sum := md5.Sum(content)
	var wire bytes.Buffer
	wire.Write(int32le(-1)) // match block 0
	wire.Write(int32le(0))  // terminator
	wire.Write(sum[:])

	r := newTestReceiver(t, dir, wire.Bytes())
	f := filelist.NewPlain([]byte("file.bin"), "file.bin", fileattr.RsyncFileAttributes{Size: int64(len(content))})
	job := generator.Job{
		Index: 5,
		File:  f,
		Sum: rsyncroot.SumHead{
			ChecksumCount: 1,
			BlockLength:   int32(len(content)),
		},
	}

	if err := r.merge(job); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("file content changed unexpectedly")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestMergeNewFileAllLiteral(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello from the sender")
	sum := md5.Sum(content)

	var wire bytes.Buffer
	wire.Write(int32le(int32(len(content))))
	wire.Write(content)
	wire.Write(int32le(0))
	wire.Write(sum[:])

	r := newTestReceiver(t, dir, wire.Bytes())
	f := filelist.NewPlain([]byte("new.txt"), "new.txt", fileattr.RsyncFileAttributes{Size: int64(len(content)), Mode: 0644})
	job := generator.Job{Index: 1, File: f, Sum: rsyncroot.SumHead{}}

	if err := r.merge(job); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestMergeVerificationFailureReturnsError(t *testing.T) {
	dir := t.TempDir()
	content := []byte("abc")

	var wire bytes.Buffer
	wire.Write(int32le(int32(len(content))))
	wire.Write(content)
	wire.Write(int32le(0))
	var badSum [16]byte // does not match
	wire.Write(badSum[:])

	r := newTestReceiver(t, dir, wire.Bytes())
	f := filelist.NewPlain([]byte("bad.txt"), "bad.txt", fileattr.RsyncFileAttributes{Size: int64(len(content))})
	job := generator.Job{Index: 2, File: f, Sum: rsyncroot.SumHead{}}

	if err := r.merge(job); err == nil {
		t.Fatal("expected a verification error")
	}
}

func TestResolveDestinationNewDirTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	d, err := ResolveDestination(fileattr.OSBackend{}, target, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !d.JoinRelative {
		t.Fatal("multi-source to a nonexistent target should join relative names")
	}
}

func TestResolveDestinationExistingFileRejectsMultiSource(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveDestination(fileattr.OSBackend{}, target, 2, false); err == nil {
		t.Fatal("expected a security error for multi-source into an existing file")
	}
}
