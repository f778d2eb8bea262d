// Package rsyncd implements an rsync daemon: the "@RSYNCD:" greeting/module
// listing handshake, per-module ACL enforcement, and the sender/receiver
// dispatch for a single accepted connection, wired to the wire-protocol
// core in internal/session, internal/orchestrator and internal/sender.
package rsyncd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/filelist"
	"github.com/rsync-ng/rsync/internal/log"
	"github.com/rsync-ng/rsync/internal/orchestrator"
	"github.com/rsync-ng/rsync/internal/rsyncfilter"
	"github.com/rsync-ng/rsync/internal/rsyncopts"
	"github.com/rsync-ng/rsync/internal/rsyncstats"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
	"github.com/rsync-ng/rsync/internal/sender"
	"github.com/rsync-ng/rsync/internal/session"
	"golang.org/x/sync/semaphore"
)

// Module is one named, path-rooted directory the daemon exposes, with its
// own ACL and writability.
type Module struct {
	Name     string   `toml:"name"`
	Path     string   `toml:"path"`
	ACL      []string `toml:"acl"`
	Writable bool     `toml:"writable"`
}

// Option specifies the server options.
type Option interface {
	applyServer(*Server)
}

type serverOptionFunc func(server *Server)

func (f serverOptionFunc) applyServer(s *Server) {
	f(s)
}

// WithLogger specifies the logger to use for the server. It also sets the
// global logger used by the rsync package.
func WithLogger(logger log.Logger) Option {
	return serverOptionFunc(func(s *Server) {
		s.logger = logger
		log.SetLogger(logger)
	})
}

// WithStderr redirects the default logger's output.
func WithStderr(stderr io.Writer) Option {
	return serverOptionFunc(func(s *Server) {
		s.stderr = stderr
	})
}

// WithMaxConnections bounds the number of daemon connections Serve handles
// concurrently; additional accepted connections block until a slot frees
// up. n <= 0 means unlimited.
func WithMaxConnections(n int) Option {
	return serverOptionFunc(func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	})
}

// NewServer validates modules and returns a Server ready to accept
// connections.
func NewServer(modules []Module, opts ...Option) (*Server, error) {
	for _, mod := range modules {
		if err := validateModule(mod); err != nil {
			return nil, err
		}
	}

	server := &Server{modules: modules}
	for _, opt := range opts {
		opt.applyServer(server)
	}

	if server.stderr == nil {
		server.stderr = os.Stderr
	}
	if server.logger == nil {
		server.logger = log.New(server.stderr)
	}
	return server, nil
}

// Server holds the module table and accepts daemon-protocol connections.
type Server struct {
	stderr io.Writer
	logger log.Logger

	modules []Module

	// sem, when non-nil, bounds the number of connections Serve handles
	// concurrently. See WithMaxConnections.
	sem *semaphore.Weighted
}

func (s *Server) getModule(requestedModule string) (Module, error) {
	for _, mod := range s.modules {
		if mod.Name == requestedModule {
			return mod, nil
		}
	}
	return Module{}, fmt.Errorf("no such module: %s", requestedModule)
}

func (s *Server) moduleInfos() []session.ModuleInfo {
	infos := make([]session.ModuleInfo, len(s.modules))
	for i, mod := range s.modules {
		infos[i] = session.ModuleInfo{Name: mod.Name, Comment: mod.Name}
	}
	return infos
}

func checkACL(acls []string, remoteAddr net.Addr) error {
	if len(acls) == 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return fmt.Errorf("BUG: invalid remote address %q", remoteAddr.String())
	}
	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return fmt.Errorf("BUG: invalid remote host %q", host)
	}
	for _, acl := range acls {
		i := strings.Index(acl, " ")
		if i < 0 {
			return fmt.Errorf("invalid acl: %q (no space found)", acl)
		}
		action, who := acl[:i], acl[i+len(" "):]
		if action != "allow" && action != "deny" {
			return fmt.Errorf("invalid acl: %q (syntax: allow|deny <all|ipnet>)", acl)
		}
		if who != "all" {
			_, ipnet, err := net.ParseCIDR(who)
			if err != nil {
				return fmt.Errorf("invalid acl: %q (syntax: allow|deny <all|ipnet>)", acl)
			}
			if !ipnet.Contains(remoteIP) {
				continue
			}
		}
		switch action {
		case "allow":
			return nil
		case "deny":
			return fmt.Errorf("access denied (acl %q)", acl)
		}
	}
	return nil
}

// HandleDaemonConn runs the "@RSYNCD:" greeting/module-selection handshake
// over conn, then dispatches to HandleConn for the requested module.
func (s *Server) HandleDaemonConn(ctx context.Context, conn io.ReadWriter, remoteAddr net.Addr) (err error) {
	rd := bufio.NewReader(conn)

	if err := session.WriteGreeting(conn); err != nil {
		return err
	}
	if err := session.ReadGreeting(rd); err != nil {
		return err
	}

	requestedModule, err := rd.ReadString('\n')
	if err != nil {
		return err
	}
	requestedModule = strings.TrimSpace(requestedModule)
	if requestedModule == "" || requestedModule == "#list" {
		s.logger.Printf("client %v requested rsync module listing", remoteAddr)
		return session.WriteModuleList(conn, s.moduleInfos())
	}
	s.logger.Printf("client %v requested rsync module %q", remoteAddr, requestedModule)
	module, err := s.getModule(requestedModule)
	if err != nil {
		fmt.Fprintf(conn, "@ERROR: Unknown module %q\n", requestedModule)
		return err
	}
	if err := checkACL(module.ACL, remoteAddr); err != nil {
		fmt.Fprintf(conn, "@ERROR: %v\n", err)
		return err
	}

	if err := session.WriteStatus(conn, "OK"); err != nil {
		return err
	}

	var flags []string
	for {
		flag, err := rd.ReadString('\n')
		if err != nil {
			return err
		}
		flag = strings.TrimSpace(flag)
		if flag == "" {
			break
		}
		flags = append(flags, flag)
	}
	s.logger.Printf("flags: %+v", flags)

	opts := rsyncopts.NewOptions(nil)
	remaining, err := rsyncopts.ParseArguments(opts, flags)
	if err != nil {
		return fmt.Errorf("parsing server args: %w", err)
	}
	if len(remaining) < 2 || remaining[0] != "." {
		return fmt.Errorf("protocol error: malformed arg list %q", remaining)
	}
	paths := remaining[1:]
	for i, p := range paths {
		trimmed := strings.TrimPrefix(p, module.Name)
		if trimmed == "" {
			trimmed = "."
		}
		paths[i] = trimmed
	}

	_ = ctx // FIXME: no cancellation hook on the blocking read/write path yet
	c := &rsyncwire.Conn{Reader: rd, Writer: bufio.NewWriter(conn)}
	return s.HandleConn(&module, c, paths, opts, false)
}

// NewConnection wraps r/w as a raw rsyncwire.Conn for callers (tests, or a
// local in-process client) that drive HandleConn directly.
func (s *Server) NewConnection(r io.Reader, w io.Writer) *rsyncwire.Conn {
	return rsyncwire.NewConn(r, w)
}

// HandleConn runs the version/checksum-seed exchange and dispatches to the
// sender or receiver role depending on opts.AmSender, equivalent to
// rsync/main.c:start_server. raw is the unmultiplexed channel: the seed is
// written on it directly, then every subsequent protocol write is wrapped
// in a MsgData frame (server transmissions are multiplexed; transmissions
// received from the client are not) via a second Conn, proto, layered on
// top of raw's writer. Errors are reported back to the client over raw's
// own MsgError channel, since raw.WriteMsg is what actually frames bytes
// onto the wire.
func (s *Server) HandleConn(module *Module, raw *rsyncwire.Conn, paths []string, opts *rsyncopts.Options, negotiate bool) (err error) {
	seed, err := session.NewChecksumSeed()
	if err != nil {
		return err
	}

	if negotiate {
		if _, err := raw.ReadInt32(); err != nil {
			return err
		}
	}
	if err := raw.WriteInt32(int32(seed)); err != nil {
		return err
	}

	mpx := rsyncwire.NewMultiplexWriter(raw)
	proto := &rsyncwire.Conn{Reader: raw.Reader, Writer: bufio.NewWriter(mpx)}

	if opts.AmSender {
		defer func() {
			if err != nil {
				raw.WriteMsg(rsyncwire.MsgError, fmt.Appendf(nil, "rsyncd [sender]: %v\n", err))
			}
		}()
		return s.handleConnSender(module, proto, paths, opts, seed)
	}

	defer func() {
		if err != nil {
			raw.WriteMsg(rsyncwire.MsgError, fmt.Appendf(nil, "rsyncd [receiver]: %v\n", err))
		}
	}()
	return s.handleConnReceiver(module, proto, paths, opts, seed)
}

// handleConnReceiver is the server-as-receiver path: it drives the
// generator/receiver pair against a remote sender, equivalent to
// rsync/main.c:do_server_recv.
func (s *Server) handleConnReceiver(module *Module, conn *rsyncwire.Conn, paths []string, opts *rsyncopts.Options, seed uint32) error {
	if module == nil {
		if len(paths) != 1 {
			return fmt.Errorf("precisely one destination path required, got %q", paths)
		}
		module = &Module{Name: "implicit", Path: paths[0], Writable: true}
	}
	if !module.Writable {
		return fmt.Errorf("ERROR: module is read only")
	}

	filters, err := rsyncfilter.ReadRules(conn)
	if err != nil {
		return fmt.Errorf("reading filter rules: %w", err)
	}
	s.logger.Printf("filter rules read (entries: %d)", filters.Len())

	tr := orchestrator.New(conn, opts, fileattr.OSBackend{}, filters, s.logger, seed, module.Path)
	failed, err := tr.Run()
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		s.logger.Printf("%d file(s) failed verification: %v", len(failed), failed)
	}
	return tr.Finish(&rsyncstats.TransferStats{})
}

// handleConnSender is the server-as-sender path: it walks module.Path and
// streams it to a remote generator/receiver, equivalent to
// rsync/main.c:do_server_sender.
func (s *Server) handleConnSender(module *Module, conn *rsyncwire.Conn, paths []string, opts *rsyncopts.Options, seed uint32) error {
	if module == nil {
		if len(paths) != 1 {
			return fmt.Errorf("precisely one source path required, got %q", paths)
		}
		module = &Module{Name: "implicit", Path: paths[0]}
	}

	filters, err := rsyncfilter.ReadRules(conn)
	if err != nil {
		return fmt.Errorf("reading filter rules: %w", err)
	}
	s.logger.Printf("filter rules read (entries: %d)", filters.Len())

	backend := fileattr.OSBackend{}
	root, err := sender.BuildRootEntry(backend, module.Path)
	if err != nil {
		return err
	}

	fl := filelist.New()
	codec := filelist.NewCodec(filelist.Options{
		PreserveUID:     opts.PreserveUID,
		PreserveGID:     opts.PreserveGID,
		PreserveLinks:   opts.PreserveLinks,
		PreserveDevices: opts.PreserveDevices,
		Recurse:         opts.Recurse,
	})
	seg := fl.NewSegment(nil, []*filelist.FileInfo{root}, opts.Recurse)

	snd := sender.New(conn, fl, codec, backend, filters, s.logger, seed, module.Path, opts.Recurse)
	if err := snd.SendFileList(seg); err != nil {
		return err
	}
	if err := snd.Run(); err != nil {
		return err
	}

	s.logger.Printf("handleConnSender done")
	return nil
}

// Serve accepts connections on ln until ctx is canceled, handling each on
// its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				conn.Close()
				continue
			}
		}
		remoteAddr := conn.RemoteAddr()
		s.logger.Printf("remote connection from %s", remoteAddr)
		go func() {
			defer conn.Close()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			if err := s.HandleDaemonConn(ctx, conn, remoteAddr); err != nil {
				s.logger.Printf("[%s] handle: %v", remoteAddr, err)
			}
		}()
	}
}

func validateModule(mod Module) error {
	if mod.Name == "" {
		return errors.New("module has no name")
	}
	if mod.Path == "" {
		return fmt.Errorf("module %q has empty path", mod.Name)
	}
	return nil
}
