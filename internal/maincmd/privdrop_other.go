//go:build !linux || nonamespacing

package maincmd

import "github.com/rsync-ng/rsync/internal/rsyncos"

// dropPrivileges is a no-op outside Linux (or when namespacing support is
// compiled out): there is no portable setgid/setuid-then-verify sequence to
// fall back to, so a daemon started as root on these builds keeps root.
func dropPrivileges(osenv *rsyncos.Env) error {
	return nil
}
