package orchestrator

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
	"github.com/rsync-ng/rsync/internal/sender"
)

// pipeConns returns two Conns, each end of a full-duplex in-memory pipe
// pair, suitable for running a sender and an orchestrator concurrently
// without a real socket.
func pipeConns() (a, b *rsyncwire.Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return rsyncwire.NewConn(ar, aw), rsyncwire.NewConn(br, bw)
}

func TestRunTransfersNewFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := []byte("hello from the source tree")
	if err := os.WriteFile(filepath.Join(srcDir, "greeting.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}

	srcAttrs, err := fileattr.OSBackend{}.Stat(filepath.Join(srcDir, "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	srcFile := filelist.NewPlain([]byte("greeting.txt"), "greeting.txt", srcAttrs)

	senderConn, orchConn := pipeConns()

	senderFL := filelist.New()
	senderSeg := senderFL.NewSegment(nil, []*filelist.FileInfo{srcFile}, false)
	snd := sender.New(senderConn, senderFL, filelist.NewCodec(filelist.Options{}), fileattr.OSBackend{}, nil, log.Nop, 0, srcDir, false)

	done := make(chan error, 1)
	go func() {
		if err := snd.SendFileList(senderSeg); err != nil {
			done <- err
			return
		}
		done <- snd.Run()
	}()

	opts := &rsyncopts.Options{PreservePerms: true, PreserveTimes: true}
	tr := New(orchConn, opts, fileattr.OSBackend{}, nil, log.Nop, 0, dstDir)

	failed, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("unexpected verification failures: %v", failed)
	}

	if err := <-done; err != nil {
		t.Fatalf("sender: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}
