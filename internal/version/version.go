// Package version holds the version string reported by --version and sent
// in daemon MOTD/help output.
package version

// Version is this implementation's self-reported version.
const Version = "rsync-go 1.0.0 (protocol 30)"

// Read returns Version. It exists as a function, not a bare constant
// reference, so callers can be swapped for a build-info-derived value later
// without changing call sites.
func Read() string {
	return Version
}
