// Package receiver_test exercises maincmd.Main end to end: a real TCP
// daemon connection (runDaemonDial), a self-exec'd remote-shell connection
// (runOverRemoteShell), and the in-process local-to-local path (runLocal).
package receiver_test

import (
	"context"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/renameio/v2"
	"github.com/rsync-ng/rsync/internal/maincmd"
	"github.com/rsync-ng/rsync/internal/rsyncos"
	"github.com/rsync-ng/rsync/rsyncd"
)

func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == "localhost" && os.Args[2] == "rsync" {
		// spawnPeer invoked this test binary the way it would invoke ssh:
		// argv[1] is the remote host, argv[2] the remote program name
		// ("rsync") ssh would otherwise strip off before executing the
		// remote command. Drop both and run the --server convention
		// directly, as if we were that remote rsync invocation.
		os.Args = append(os.Args[:1], os.Args[3:]...)
		if _, err := maincmd.Main(context.Background(), rsyncos.NewEnv(), os.Args); err != nil {
			log.Fatal(err)
		}
		return
	}
	os.Exit(m.Run())
}

func newEnv() *rsyncos.Env {
	env := rsyncos.NewEnv()
	env.DontRestrict = true
	env.Logf = func(format string, v ...interface{}) {}
	return env
}

// startDaemon spins up a rsyncd.Server listening on 127.0.0.1:0 serving
// mods, and returns its address. The listener and serve goroutine are
// cleaned up via t.Cleanup.
func startDaemon(t *testing.T, mods ...rsyncd.Module) string {
	t.Helper()

	srv, err := rsyncd.NewServer(mods, rsyncd.WithStderr(os.Stderr))
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

func TestReceiverDaemon(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	hello := filepath.Join(source, "hello")
	if err := os.WriteFile(hello, []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime, err := time.Parse(time.RFC3339, "2009-11-10T23:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(hello, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello", filepath.Join(source, "hey")); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})

	args := []string{
		"rsync-go",
		"-a",
		"rsync://" + addr + "/interop/",
		dest,
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}

	{
		want := []byte("world")
		got, err := os.ReadFile(filepath.Join(dest, "hello"))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
		}
	}
	{
		got, err := os.Readlink(filepath.Join(dest, "hey"))
		if err != nil {
			t.Fatal(err)
		}
		if want := "hello"; got != want {
			t.Fatalf("unexpected link target: got %q, want %q", got, want)
		}
	}

	// Replace the dest symlink to see if a second run restores it.
	if err := renameio.Symlink("wrong", filepath.Join(dest, "hey")); err != nil {
		t.Fatal(err)
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}
	got, err := os.Readlink(filepath.Join(dest, "hey"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "hello"; got != want {
		t.Fatalf("unexpected link target after second run: got %q, want %q", got, want)
	}
}

// TestReceiverDaemonSubdir exercises a "rsync://host:port/module/sub"
// hostspec: rsyncclient.Client.RunDaemon sends the full "module/sub" path
// as the trailing server arg, the same format rsyncd.HandleDaemonConn
// splits the module name back off with strings.TrimPrefix. The handler
// always syncs the whole module root regardless of the remaining
// within-module path segment, so "sub" still appears in the destination
// tree rather than being used to select a subtree to sync.
func TestReceiverDaemonSubdir(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	sub := filepath.Join(source, "sub")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "hello"), []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})
	args := []string{
		"rsync-go",
		"-a",
		"rsync://" + addr + "/interop/sub/",
		dest,
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "sub", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("world"), got); diff != "" {
		t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
	}
}

func TestReceiverDaemonDelete(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "hello"), []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})
	args := []string{
		"rsync-go",
		"-a",
		"--delete",
		"rsync://" + addr + "/interop/",
		dest,
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}

	extra := filepath.Join(dest, "extrafile")
	if err := os.WriteFile(extra, []byte("deleteme"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(extra); !os.IsNotExist(err) {
		t.Errorf("expected %s to be deleted, but it still exists", extra)
	}
}

func TestReceiverCommand(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "hello"), []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	self, err := exec.LookPath(os.Args[0])
	if err != nil {
		self = os.Args[0]
	}

	args := []string{
		"rsync-go",
		"-a",
		"-e", self,
		"localhost:" + source + "/",
		dest,
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("world"), got); diff != "" {
		t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
	}
}

// TestReceiverSymlinkTraversal passes by default but is useful to simulate
// a symlink race TOCTOU attack by modifying rsyncd/rsyncd.go.
func TestReceiverSymlinkTraversal(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "passwd"), []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "passwd"), []byte("benign"), 0644); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})
	args := []string{
		"rsync-go",
		"-a",
		"rsync://" + addr + "/interop/",
		dest,
	}
	if _, err := maincmd.Main(t.Context(), newEnv(), args); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "passwd"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("benign"), got); diff != "" {
		t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
	}
}
