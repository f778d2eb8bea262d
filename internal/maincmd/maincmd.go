// Package maincmd implements the rsync CLI surface: a daemon mode listening
// on TCP, the remote-shell "--server" calling convention spawned by a peer's
// ssh/rsh invocation, and the client mode that parses a host:path-style
// argument pair and drives either a locally spawned rsh/ssh subprocess, a
// TCP daemon connection, or (for two local paths) an in-process server
// goroutine.
package maincmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rsync-ng/rsync/internal/restrict"
	"github.com/rsync-ng/rsync/internal/rsyncdconfig"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncos"
	"github.com/rsync-ng/rsync/internal/rsyncstats"
	"github.com/rsync-ng/rsync/internal/version"
	"github.com/rsync-ng/rsync/rsyncd"

	// For profiling and debugging.
	_ "net/http/pprof"
)

// maxDaemonConnections bounds the number of rsync sessions the daemon
// serves concurrently; rsync's own daemon defaults to unlimited, but an
// unbounded accept loop is an easy way to run a host out of file
// descriptors, so this implementation picks a finite default instead.
const maxDaemonConnections = 50

func printVersion(osenv *rsyncos.Env) {
	osenv.Logf("%s, pid %d", version.Read(), os.Getpid())
}

func toServerModules(mods []rsyncdconfig.Module) []rsyncd.Module {
	out := make([]rsyncd.Module, len(mods))
	for i, m := range mods {
		out[i] = rsyncd.Module{Name: m.Name, Path: m.Path, ACL: m.ACL, Writable: m.Writable}
	}
	return out
}

// Main dispatches on opts.AmServer/AmDaemon, matching rsync's own
// start_server/start_daemon/start_client calling convention: args[0] is the
// program name (skipped), everything after it is parsed as rsync flags
// followed by the path arguments.
func Main(ctx context.Context, osenv *rsyncos.Env, args []string) (*rsyncstats.TransferStats, error) {
	opts := rsyncopts.NewOptions(osenv)
	remaining, err := rsyncopts.ParseArguments(opts, args[1:])
	if err != nil {
		return nil, err
	}

	if opts.AmDaemon && opts.AmServer {
		return nil, daemonOverRemoteShell(ctx, osenv, opts)
	}
	if opts.AmServer {
		return nil, serverOverRemoteShell(ctx, osenv, opts, remaining)
	}
	if opts.AmDaemon {
		return nil, runDaemon(ctx, osenv, opts)
	}
	return clientMain(ctx, osenv, opts, remaining)
}

// daemonOverRemoteShell handles "--server --daemon .", the calling
// convention a remote peer uses to start us as a daemon over its own
// rsh/ssh session stdin/stdout instead of a TCP listener.
func daemonOverRemoteShell(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options) error {
	cfg, err := rsyncdconfig.FromDefaultFiles()
	if err != nil {
		return err
	}
	srv, err := rsyncd.NewServer(toServerModules(cfg.Modules), rsyncd.WithStderr(osenv.Stderr))
	if err != nil {
		return err
	}
	conn := srv.NewConnection(osenv.Stdin, osenv.Stdout)
	return srv.HandleDaemonConn(ctx, conn, remoteShellAddr{})
}

// serverOverRemoteShell handles "--server [--sender] . <path>...", the
// calling convention used for a direct (non-daemon) remote-shell transfer:
// our own CLI was invoked by the peer's client over an already-established
// rsh/ssh session.
func serverOverRemoteShell(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options, remaining []string) error {
	if len(remaining) < 2 || remaining[0] != "." {
		return fmt.Errorf("invalid args: expected \". <path>...\", got %q", remaining)
	}
	paths := remaining[1:]
	if opts.Verbose > 0 {
		osenv.Logf("paths: %q", paths)
	}

	var roDirs, rwDirs []string
	if opts.AmSender {
		roDirs = append(roDirs, paths...)
	} else {
		for _, path := range paths {
			if err := os.MkdirAll(path, 0755); err != nil {
				return err
			}
		}
		rwDirs = append(rwDirs, paths...)
	}
	if !osenv.DontRestrict {
		if err := restrict.MaybeFileSystem(roDirs, rwDirs); err != nil {
			return err
		}
	}

	srv, err := rsyncd.NewServer(nil, rsyncd.WithStderr(osenv.Stderr))
	if err != nil {
		return err
	}
	conn := srv.NewConnection(osenv.Stdin, osenv.Stdout)
	const negotiate = true
	return srv.HandleConn(nil, conn, paths, opts, negotiate)
}

// runDaemon starts a TCP-listening daemon per the loaded configuration,
// the "$ rsync-go --daemon" calling convention.
func runDaemon(ctx context.Context, osenv *rsyncos.Env, opts *rsyncopts.Options) error {
	cfg, err := rsyncdconfig.FromDefaultFiles()
	if err != nil {
		return err
	}
	if cfg.Listen == "" {
		return fmt.Errorf("no daemon listen address configured")
	}

	printVersion(osenv)
	osenv.Logf("%d rsync modules configured", len(cfg.Modules))
	for _, mod := range cfg.Modules {
		osenv.Logf("rsync module %q with path %s configured", mod.Name, mod.Path)
	}

	srv, err := rsyncd.NewServer(toServerModules(cfg.Modules),
		rsyncd.WithStderr(osenv.Stderr),
		rsyncd.WithMaxConnections(maxDaemonConnections))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	if err := dropPrivileges(osenv); err != nil {
		return err
	}
	osenv.Logf("rsync daemon listening on rsync://%s", ln.Addr())
	return srv.Serve(ctx, ln)
}

// hostspec splits a "[user@]host:path", "[user@]host::module[/path]" or
// "rsync://[user@]host[:port]/module[/path]" argument into its components.
// ok is false for a plain local path. module is set for the daemon-style
// forms (the latter two), which dial the daemon directly instead of
// spawning a remote shell; path then holds "module" or "module/sub/dir" as
// rsyncclient.Client.RunDaemon expects.
type hostspec struct {
	user   string
	host   string
	port   string
	path   string
	module bool
}

const rsyncURLPrefix = "rsync://"

func parseHostspec(arg string) (hostspec, bool) {
	if strings.HasPrefix(arg, rsyncURLPrefix) {
		rest := arg[len(rsyncURLPrefix):]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return hostspec{}, false
		}
		hs := hostspec{path: rest[i+1:], module: true}
		userHost := rest[:i]
		hs.user, hs.host = splitUserHost(userHost)
		if j := strings.IndexByte(hs.host, ':'); j > -1 {
			hs.host, hs.port = hs.host[:j], hs.host[j+1:]
		}
		return hs, true
	}
	if i := strings.Index(arg, "::"); i > -1 {
		hs := hostspec{path: arg[i+2:], module: true}
		hs.user, hs.host = splitUserHost(arg[:i])
		return hs, true
	}
	// A single colon marks a hostspec only when no '/' precedes it, so
	// "./a:b" and "dir/a:b" stay local paths; a Windows-style drive letter
	// ("C:\foo") is parsed as host "C".
	if i := strings.IndexByte(arg, ':'); i > 0 && !strings.ContainsRune(arg[:i], '/') {
		hs := hostspec{path: arg[i+1:]}
		hs.user, hs.host = splitUserHost(arg[:i])
		return hs, true
	}
	return hostspec{}, false
}

func splitUserHost(s string) (user, host string) {
	if i := strings.IndexByte(s, '@'); i > -1 {
		return s[:i], s[i+1:]
	}
	return "", s
}

type remoteShellAddr struct{}

func (remoteShellAddr) Network() string { return "remote-shell" }
func (remoteShellAddr) String() string  { return "<remote-shell>" }
