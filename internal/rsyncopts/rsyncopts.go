// Package rsyncopts implements a deterministic getopt-style parser over a
// configured option set, trimmed to the grammar and option surface the core
// subsystems (session negotiation, generator, sender, receiver) actually
// consult. It follows the table-driven popt(3)-style shape of a full rsync
// CLI parser, without reproducing the full human-facing flag surface (help
// text, compression, bandwidth limiting, ...), which is an external
// front-end concern.
package rsyncopts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rsync-ng/rsync/internal/rsyncos"
)

// argKind is the value shape an option's flag expects.
type argKind int

const (
	argNone argKind = iota
	argString
	argInt
)

// poptOption is one entry of the option table: long name, optional short
// name, the kind of value it takes, and a pointer to the field it sets
// (nil for options handled by a special case in the parse loop).
type poptOption struct {
	long  string
	short string
	kind  argKind
	strp  *string
	intp  *int
	boolp *bool
}

// Options is the trimmed option set: the preserve-*, recursion, deletion,
// checksum-mode, filter and mode flags the core subsystems read, plus the
// handful of fields the session handshake needs (server/sender/daemon mode,
// protocol compat letters).
type Options struct {
	Verbose  int
	DryRun   bool
	Recurse  bool
	XferDirs bool

	PreservePerms    bool
	PreserveTimes    bool
	PreserveUID      bool
	PreserveGID      bool
	PreserveLinks    bool
	PreserveDevices  bool
	PreserveSpecials bool

	IgnoreTimes    bool
	SizeOnly       bool
	AlwaysChecksum bool

	DeleteMode     bool
	DeleteExcluded bool

	ItemizeChanges bool

	AmServer bool
	AmSender bool
	AmDaemon bool

	ShellCommand string

	Filters []string // raw filter rule lines (in "-"/"+"/"P"/... form), in order

	ProtocolVersion int

	remainder []string // non-option arguments (paths)
}

// NewOptions returns an Options with rsync's conventional defaults.
func NewOptions(osenv *rsyncos.Env) *Options {
	return &Options{
		ProtocolVersion: 30,
	}
}

// Flags reconstructs the flag subset of an argv that would parse back into
// an equivalent Options (everything but the server/sender/daemon mode bits,
// --dirs, --rsh, --protocol and the path arguments), for a peer invoked by a caller that only has the
// already-parsed Options on hand, not the original argv strings.
func (o *Options) Flags() []string {
	var args []string
	if o.Recurse {
		args = append(args, "--recursive")
	}
	if o.PreservePerms {
		args = append(args, "--perms")
	}
	if o.PreserveTimes {
		args = append(args, "--times")
	}
	if o.PreserveUID {
		args = append(args, "--owner")
	}
	if o.PreserveGID {
		args = append(args, "--group")
	}
	if o.PreserveLinks {
		args = append(args, "--links")
	}
	if o.PreserveDevices {
		args = append(args, "--devices")
	}
	if o.PreserveSpecials {
		args = append(args, "--specials")
	}
	if o.DryRun {
		args = append(args, "--dry-run")
	}
	if o.DeleteMode {
		args = append(args, "--delete")
	}
	if o.DeleteExcluded {
		args = append(args, "--delete-excluded")
	}
	if o.IgnoreTimes {
		args = append(args, "--ignore-times")
	}
	if o.SizeOnly {
		args = append(args, "--size-only")
	}
	if o.AlwaysChecksum {
		args = append(args, "--checksum")
	}
	if o.ItemizeChanges {
		args = append(args, "--itemize-changes")
	}
	for i := 0; i < o.Verbose; i++ {
		args = append(args, "--verbose")
	}
	for _, f := range o.Filters {
		args = append(args, "--filter", f)
	}
	return args
}

// ServerArgs is Flags prefixed with the role flags a peer's own "--server"
// invocation needs to parse back into an equivalent Options. The peer's
// role is always the opposite of o's: if we are the receiver, the peer
// must be told "--sender" (and vice versa) so exactly one side of the
// transfer ever sends data.
func (o *Options) ServerArgs() []string {
	args := []string{"--server"}
	if !o.AmSender {
		args = append(args, "--sender")
	}
	return append(args, o.Flags()...)
}

// table returns the option table consulted by ParseArguments.
func (o *Options) table() []poptOption {
	return []poptOption{
		{long: "verbose", short: "v", kind: argNone},
		{long: "dry-run", short: "n", kind: argNone, boolp: &o.DryRun},
		{long: "recursive", short: "r", kind: argNone, boolp: &o.Recurse},
		{long: "dirs", short: "d", kind: argNone, boolp: &o.XferDirs},
		{long: "perms", short: "p", kind: argNone, boolp: &o.PreservePerms},
		{long: "times", short: "t", kind: argNone, boolp: &o.PreserveTimes},
		{long: "owner", short: "o", kind: argNone, boolp: &o.PreserveUID},
		{long: "group", short: "g", kind: argNone, boolp: &o.PreserveGID},
		{long: "links", short: "l", kind: argNone, boolp: &o.PreserveLinks},
		{long: "devices", kind: argNone, boolp: &o.PreserveDevices},
		{long: "specials", kind: argNone, boolp: &o.PreserveSpecials},
		{long: "ignore-times", short: "I", kind: argNone, boolp: &o.IgnoreTimes},
		{long: "size-only", kind: argNone, boolp: &o.SizeOnly},
		{long: "checksum", short: "c", kind: argNone, boolp: &o.AlwaysChecksum},
		{long: "delete", kind: argNone, boolp: &o.DeleteMode},
		{long: "delete-excluded", kind: argNone, boolp: &o.DeleteExcluded},
		{long: "itemize-changes", short: "i", kind: argNone, boolp: &o.ItemizeChanges},
		{long: "server", kind: argNone, boolp: &o.AmServer},
		{long: "sender", kind: argNone, boolp: &o.AmSender},
		{long: "daemon", kind: argNone, boolp: &o.AmDaemon},
		{long: "exclude", kind: argString},
		{long: "include", kind: argString},
		{long: "filter", short: "f", kind: argString},
		{long: "rsh", short: "e", kind: argString, strp: &o.ShellCommand},
		{long: "protocol", kind: argInt, intp: &o.ProtocolVersion},
		{long: "archive", short: "a", kind: argNone},
	}
}

// ParseArguments parses args (not including argv[0]) against the option
// table, filling o and returning the remaining non-option (path) arguments.
//
// Grammar: "--" and bare "-" terminate option parsing; "--name=value" and
// "--name value" are equivalent; short options cluster ("-abc"); an option
// expecting a value may take the remainder of the cluster or the next
// argument. Every option consulted here is optional; the parser fails on an
// unrecognized flag, a missing value, or a non-integer value for an integer
// option such as --protocol.
func ParseArguments(o *Options, args []string) ([]string, error) {
	table := o.table()
	byLong := make(map[string]*poptOption, len(table))
	byShort := make(map[string]*poptOption, len(table))
	for i := range table {
		e := &table[i]
		byLong[e.long] = e
		if e.short != "" {
			byShort[e.short] = e
		}
	}

	var remainder []string
	i := 0
	optionsDone := false
	for i < len(args) {
		arg := args[i]
		switch {
		case optionsDone || arg == "-":
			remainder = append(remainder, arg)
			i++
		case arg == "--":
			optionsDone = true
			i++
		case strings.HasPrefix(arg, "--"):
			name := arg[2:]
			var inlineValue string
			haveInline := false
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				inlineValue = name[eq+1:]
				name = name[:eq]
				haveInline = true
			}
			e, ok := byLong[name]
			if !ok {
				return nil, fmt.Errorf("rsyncopts: unknown option --%s", name)
			}
			if e.long == "archive" {
				applyArchive(o)
				i++
				continue
			}
			if e.long == "verbose" {
				o.Verbose++
				i++
				continue
			}
			if e.long == "exclude" || e.long == "include" || e.long == "filter" {
				val, n, err := takeValue(args, i, haveInline, inlineValue)
				if err != nil {
					return nil, err
				}
				o.Filters = append(o.Filters, filterPrefix(e.long)+val)
				i = n
				continue
			}
			n, err := applyValue(e, args, i, haveInline, inlineValue)
			if err != nil {
				return nil, err
			}
			i = n
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			n, err := parseShortCluster(o, byShort, args, i)
			if err != nil {
				return nil, err
			}
			i = n
		default:
			remainder = append(remainder, arg)
			i++
		}
	}
	o.remainder = remainder
	return remainder, nil
}

func applyArchive(o *Options) {
	o.Recurse, o.PreserveLinks, o.PreservePerms = true, true, true
	o.PreserveTimes, o.PreserveUID, o.PreserveGID = true, true, true
	o.PreserveDevices, o.PreserveSpecials = true, true
}

func filterPrefix(long string) string {
	switch long {
	case "exclude":
		return "- "
	case "include":
		return "+ "
	default:
		return ""
	}
}

// takeValue resolves an option's value from an inline "=value" or the next
// argument, returning the next index to resume parsing from.
func takeValue(args []string, i int, haveInline bool, inline string) (string, int, error) {
	if haveInline {
		return inline, i + 1, nil
	}
	if i+1 >= len(args) {
		return "", 0, fmt.Errorf("rsyncopts: option %s requires a value", args[i])
	}
	return args[i+1], i + 2, nil
}

func applyValue(e *poptOption, args []string, i int, haveInline bool, inline string) (int, error) {
	switch e.kind {
	case argNone:
		if e.boolp != nil {
			*e.boolp = true
		}
		return i + 1, nil
	case argString, argInt:
		val, n, err := takeValue(args, i, haveInline, inline)
		if err != nil {
			return 0, err
		}
		if e.strp != nil {
			*e.strp = val
		}
		if e.intp != nil {
			iv, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("rsyncopts: option --%s expects an integer, got %q", e.long, val)
			}
			*e.intp = iv
		}
		return n, nil
	default:
		return 0, fmt.Errorf("rsyncopts: unhandled option kind for --%s", e.long)
	}
}

// parseShortCluster handles a "-abc" cluster, where any option needing a
// value consumes the remainder of the cluster or the next argument.
func parseShortCluster(o *Options, byShort map[string]*poptOption, args []string, i int) (int, error) {
	cluster := args[i][1:]
	for pos := 0; pos < len(cluster); pos++ {
		ch := string(cluster[pos])
		e, ok := byShort[ch]
		if !ok {
			return 0, fmt.Errorf("rsyncopts: unknown option -%s", ch)
		}
		if e.long == "archive" {
			applyArchive(o)
			continue
		}
		if e.long == "verbose" {
			o.Verbose++
			continue
		}
		if e.kind == argNone {
			if e.boolp != nil {
				*e.boolp = true
			}
			continue
		}
		// Value-taking short option: remainder of cluster, else next arg.
		val, next := cluster[pos+1:], i+1
		if val == "" {
			if i+1 >= len(args) {
				return 0, fmt.Errorf("rsyncopts: option -%s requires a value", ch)
			}
			val, next = args[i+1], i+2
		}
		if e.long == "filter" {
			o.Filters = append(o.Filters, val)
		} else if e.strp != nil {
			*e.strp = val
		}
		return next, nil
	}
	return i + 1, nil
}

// CompatLetters are the flags extracted from a "-e.XXX" shell-escape
// argument during session negotiation.
type CompatLetters struct {
	IncRecurse   bool
	SymlinkTimes bool
	SymlinkIconv bool
	SafeFileList bool
}

// ParseCompatLetters parses arg, which must start with "-e.": letters i/L/s/f
// enable incremental-recurse/symlink-times/symlink-iconv/safe-file-list
// respectively.
func ParseCompatLetters(arg string) (CompatLetters, error) {
	const prefix = "-e."
	if !strings.HasPrefix(arg, prefix) {
		return CompatLetters{}, fmt.Errorf("rsyncopts: compat-letters argument %q missing -e. prefix", arg)
	}
	var c CompatLetters
	for _, r := range arg[len(prefix):] {
		switch r {
		case 'i':
			c.IncRecurse = true
		case 'L':
			c.SymlinkTimes = true
		case 's':
			c.SymlinkIconv = true
		case 'f':
			c.SafeFileList = true
		}
	}
	return c, nil
}
