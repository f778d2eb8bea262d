package rsyncclient_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/rsyncclient"
	"github.com/rsync-ng/rsync/rsyncd"
)

type readWriter struct {
	io.Reader
	io.Writer
}

func archiveOpts() *rsyncopts.Options {
	o := rsyncopts.NewOptions(nil)
	o.AmServer = true
	o.Recurse = true
	o.PreserveLinks = true
	o.PreservePerms = true
	o.PreserveTimes = true
	o.PreserveUID = true
	o.PreserveGID = true
	return o
}

// TestClientServerModule exercises the client playing receiver against an
// in-process rsyncd.Server module, the inverse of TestClientServerCommandSender.
func TestClientServerModule(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "hello"), []byte(hello), 0644); err != nil {
		t.Fatal(err)
	}

	mod := rsyncd.Module{Name: "tmp", Path: src}
	server, err := rsyncd.NewServer([]rsyncd.Module{mod}, rsyncd.WithStderr(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	stdinRd, stdinWr := io.Pipe()
	stdoutRd, stdoutWr := io.Pipe()
	conn := server.NewConnection(stdinRd, stdoutWr)

	serverOpts := archiveOpts()
	serverOpts.AmSender = true

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		const negotiate = true
		if err := server.HandleConn(&mod, conn, []string{"."}, serverOpts, negotiate); err != nil {
			t.Error(err)
		}
	}()

	rw := &readWriter{Reader: stdoutRd, Writer: stdinWr}
	client, err := rsyncclient.New([]string{"-av"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Run(t.Context(), rw, []string{dest}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}

// TestClientServerCommandSender mirrors TestClientServerModule with the
// roles reversed and no module (the command-calling convention): the
// client plays sender, the server plays receiver.
func TestClientServerCommandSender(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src") + "/"
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "hello"), []byte(hello), 0644); err != nil {
		t.Fatal(err)
	}

	server, err := rsyncd.NewServer(nil, rsyncd.WithStderr(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	stdinRd, stdinWr := io.Pipe()
	stdoutRd, stdoutWr := io.Pipe()
	conn := server.NewConnection(stdinRd, stdoutWr)

	serverOpts := archiveOpts()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		const negotiate = true
		if err := server.HandleConn(nil, conn, []string{dest}, serverOpts, negotiate); err != nil {
			t.Error(err)
		}
	}()

	rw := &readWriter{Reader: stdoutRd, Writer: stdinWr}
	client, err := rsyncclient.New([]string{"-av"}, rsyncclient.WithSender())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Run(t.Context(), rw, []string{src}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}
