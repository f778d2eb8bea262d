package rsyncwire

import "errors"

// ErrChannelEOF is the transport-level error for a premature close of the
// duplex channel. It terminates the session.
var ErrChannelEOF = errors.New("rsyncwire: channel closed (EOF)")

// ErrProtocol signals a peer protocol violation: bad version, bad flags, an
// invalid index, malformed arguments, or undecodable text. The session
// aborts.
var ErrProtocol = errors.New("rsyncwire: protocol error")
