package maincmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"

	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncos"
	"github.com/rsync-ng/rsync/internal/rsyncstats"
	"github.com/rsync-ng/rsync/rsyncclient"
	"github.com/rsync-ng/rsync/rsyncd"
	"github.com/google/shlex"
)

// defaultDaemonPort is rsync's conventional daemon TCP port, used whenever a
// daemon-style hostspec ("host::module" or "rsync://host/module") doesn't
// name one explicitly.
const defaultDaemonPort = "873"

// clientMain implements rsync/main.c:main's client branch: exactly one
// trailing DEST argument, everything before it a SRC. Listing (a single
// bare SRC with no DEST) is not implemented, matching spec.md's CLI-surface
// trim to the core transfer grammar.
func clientMain(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options, remaining []string) (*rsyncstats.TransferStats, error) {
	if len(remaining) < 2 {
		return nil, fmt.Errorf("rsync error: syntax or usage error (expected at least one SRC and a DEST)")
	}
	dest := remaining[len(remaining)-1]
	sources := remaining[:len(remaining)-1]
	if len(sources) != 1 {
		return nil, fmt.Errorf("rsync error: only a single SRC argument is supported, got %q", sources)
	}
	src := sources[0]

	if osenv.Logf != nil && opts.Verbose > 0 {
		osenv.Logf("dest=%q src=%q", dest, src)
	}

	if hs, ok := parseHostspec(src); ok {
		// Source is remote: we play receiver, the peer plays sender.
		if hs.module && opts.ShellCommand == "" {
			return runDaemonDial(ctx, osenv, opts, hs, dest)
		}
		return runOverRemoteShell(ctx, osenv, opts, hs, dest, false)
	}
	if hs, ok := parseHostspec(dest); ok {
		// Destination is remote: we play sender, the peer plays receiver.
		opts.AmSender = true
		if hs.module && opts.ShellCommand == "" {
			return runDaemonDial(ctx, osenv, opts, hs, src)
		}
		return runOverRemoteShell(ctx, osenv, opts, hs, src, true)
	}

	// Both paths are local: run the whole pipeline in-process over an
	// io.Pipe pair instead of spawning a subprocess or touching the
	// network, playing sender against a server goroutine that plays
	// receiver into dest.
	return runLocal(ctx, osenv, opts, src, dest)
}

// runLocal wires a rsyncd.Server (playing receiver) against a
// rsyncclient.Client (playing sender) over an in-process io.Pipe pair, for
// a same-machine copy. Mirrors the composition rsyncclient_test.go
// exercises against a real TCP/subprocess peer.
func runLocal(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options, src, dest string) (*rsyncstats.TransferStats, error) {
	opts.AmSender = true

	srv, err := rsyncd.NewServer(nil, rsyncd.WithStderr(osenv.Stderr))
	if err != nil {
		return nil, err
	}

	stdinRd, stdinWr := io.Pipe()
	stdoutRd, stdoutWr := io.Pipe()
	serverConn := srv.NewConnection(stdinRd, stdoutWr)

	serverOpts := rsyncopts.NewOptions(osenv)
	if _, err := rsyncopts.ParseArguments(serverOpts, opts.ServerArgs()); err != nil {
		return nil, fmt.Errorf("building local server options: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		const negotiate = true
		errc <- srv.HandleConn(nil, serverConn, []string{dest}, serverOpts, negotiate)
	}()

	client, err := rsyncclient.New(opts.Flags(), rsyncclient.WithSender(), rsyncclient.WithLogger(logAdapter{osenv}))
	if err != nil {
		return nil, err
	}
	rw := &readWriter{r: stdoutRd, w: stdinWr}
	runErr := client.Run(ctx, rw, []string{src})
	if srvErr := <-errc; srvErr != nil && runErr == nil {
		runErr = srvErr
	}
	if runErr != nil {
		return nil, runErr
	}
	return nil, nil
}

// runOverRemoteShell spawns the peer process (a real ssh/rsh subprocess for
// a genuine hostspec), speaks the remote-shell calling convention
// ("--server [--sender] <flags> . <path>"), and drives the transfer over
// the subprocess's stdin/stdout via rsyncclient.
//
// localPath is the argument naming our own side of the transfer (the
// destination when we play receiver, the source when we play sender).
func runOverRemoteShell(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options, remote hostspec, localPath string, amSender bool) (*rsyncstats.TransferStats, error) {
	rc, wc, err := spawnPeer(osenv, opts, remote)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	defer wc.Close()

	clientOpts := []rsyncclient.Option{rsyncclient.WithLogger(logAdapter{osenv})}
	if amSender {
		clientOpts = append(clientOpts, rsyncclient.WithSender())
	}
	client, err := rsyncclient.New(opts.Flags(), clientOpts...)
	if err != nil {
		return nil, err
	}
	rw := &readWriter{r: rc, w: wc}
	if err := client.Run(ctx, rw, []string{localPath}); err != nil {
		return nil, err
	}
	return nil, nil
}

// runDaemonDial connects directly to a TCP rsync daemon, the path a
// daemon-style hostspec ("host::module[/path]" or
// "rsync://host[:port]/module[/path]") takes when no explicit --rsh
// override asks for an rsh/ssh tunnel instead.
func runDaemonDial(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options, remote hostspec, localPath string) (*rsyncstats.TransferStats, error) {
	port := remote.port
	if port == "" {
		port = defaultDaemonPort
	}
	addr := net.JoinHostPort(remote.host, port)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing rsync daemon %s: %w", addr, err)
	}
	defer conn.Close()

	if opts.Verbose > 0 && osenv.Logf != nil {
		osenv.Logf("connected to rsync daemon %s, requesting %q", addr, remote.path)
	}

	clientOpts := []rsyncclient.Option{rsyncclient.WithLogger(logAdapter{osenv})}
	if opts.AmSender {
		clientOpts = append(clientOpts, rsyncclient.WithSender())
	}
	client, err := rsyncclient.New(opts.Flags(), clientOpts...)
	if err != nil {
		return nil, err
	}
	if err := client.RunDaemon(ctx, conn, remote.path, localPath); err != nil {
		return nil, err
	}
	return nil, nil
}

type readWriter struct {
	r io.Reader
	w io.Writer
}

func (rw *readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw *readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

// spawnPeer starts the remote peer process (via the configured rsh/ssh
// command) and returns pipes to its stdout/stdin respectively.
func spawnPeer(osenv *rsyncos.Env, opts *rsyncopts.Options, remote hostspec) (io.ReadCloser, io.WriteCloser, error) {
	shell := opts.ShellCommand
	if shell == "" {
		shell = osenv.RemoteShell()
	}
	parts, err := shlex.Split(shell)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing remote shell command %q: %w", shell, err)
	}
	var argv []string
	argv = append(argv, parts...)
	if remote.user != "" {
		argv = append(argv, "-l", remote.user)
	}
	argv = append(argv, remote.host, "rsync")

	argv = append(argv, opts.ServerArgs()...)
	argv = append(argv, ".", remote.path)

	if opts.Verbose > 0 && osenv.Logf != nil {
		osenv.Logf("spawning peer: %q", argv)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = osenv.Stderr
	wc, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	rc, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			if osenv.Logf != nil {
				osenv.Logf("peer process exited: %v", err)
			}
		}
	}()
	return rc, wc, nil
}

type logAdapter struct {
	osenv *rsyncos.Env
}

func (l logAdapter) Printf(format string, v ...interface{}) {
	if l.osenv.Logf != nil {
		l.osenv.Logf(format, v...)
	}
}
