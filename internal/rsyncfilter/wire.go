package rsyncfilter

import (
	"fmt"

	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

// WriteRules sends l's top-level rules as a zero-terminated sequence of
// length-prefixed lines: each rule re-serialized to its "<kind prefix>
// <pattern>" textual form, a 4-byte little-endian length followed by the
// bytes, then a final zero-length entry. A nil or empty list still sends
// the terminator, matching the always-present (possibly empty) exclusion
// list a sender reads before starting a transfer.
func WriteRules(conn *rsyncwire.Conn, l *List) error {
	if l != nil {
		for _, r := range l.rules {
			line := r.String()
			if err := conn.WriteInt32(int32(len(line))); err != nil {
				return err
			}
			if err := conn.Write([]byte(line)); err != nil {
				return err
			}
		}
	}
	return conn.WriteInt32(0)
}

// ReadRules reads a rule sequence written by WriteRules into a fresh List.
func ReadRules(conn *rsyncwire.Conn) (*List, error) {
	l := NewList()
	for {
		n, err := conn.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return l, nil
		}
		if n < 0 || n > 1<<16 {
			return nil, fmt.Errorf("%w: implausible filter rule length %d", rsyncwire.ErrProtocol, n)
		}
		buf := make([]byte, n)
		if err := conn.ReadN(buf); err != nil {
			return nil, err
		}
		if err := l.AddLine(string(buf)); err != nil {
			return nil, fmt.Errorf("%w: %v", rsyncwire.ErrProtocol, err)
		}
	}
}
