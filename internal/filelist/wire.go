package filelist

import (
	"fmt"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

// Per-entry xflags, duplicated from the root rsync package's constants here
// under local names for readability; kept numerically identical.
const (
	flagTopDir         = 0x01
	flagSameMode       = 0x02
	flagExtendedFlags  = 0x04
	flagSameRdevMajor  = 0x08
	flagSameUID        = 0x10
	flagSameGID        = 0x20
	flagSameName       = 0x40
	flagLongName       = 0x80
	flagSameTime       = 0x80 << 8
	flagUserNameFollow = 0x100
	flagGroupNameFollow = 0x200
	flagIOErrorEndlist  = 0x2000
)

// Options controls which optional fields a codec reads/writes, mirroring
// the preserve-* settings negotiated at handshake time.
type Options struct {
	PreserveUID     bool
	PreserveGID     bool
	PreserveLinks   bool
	PreserveDevices bool
	Recurse         bool // enables USER_NAME_FOLLOWS/GROUP_NAME_FOLLOWS
}

// Codec encodes/decodes file-list entries, maintaining the encoder/decoder
// state (previous path bytes for prefix/suffix caching, previous uid/gid/
// mtime/mode for SAME_* reuse) that must mirror between sender and
// receiver.
type Codec struct {
	opts Options

	prevName []byte
	havePrev bool

	prevMode   uint32
	haveMode   bool
	prevMTime  int64
	haveMTime  bool
	prevUID    int
	haveUID    bool
	prevGID    int
	haveGID    bool
	prevMajor  uint32
	haveMajor  bool
}

// NewCodec returns a Codec with fresh per-direction cache state.
func NewCodec(opts Options) *Codec {
	return &Codec{opts: opts}
}

// WriteEntry writes one file-list entry, topDir marking whether it is a
// top-level transfer argument (XMIT_TOP_DIR).
func (c *Codec) WriteEntry(conn *rsyncwire.Conn, f *FileInfo, topDir bool) error {
	var flags uint16
	if topDir {
		flags |= flagTopDir
	}

	prefixLen := 0
	if c.havePrev {
		prefixLen = commonPrefixLen(c.prevName, f.PathBytes)
		if prefixLen > 255 {
			prefixLen = 255
		}
		if prefixLen > 0 {
			flags |= flagSameName
		}
	}
	suffix := f.PathBytes[prefixLen:]
	longName := len(suffix) > 255
	if longName {
		flags |= flagLongName
	}

	sameMode := c.haveMode && c.prevMode == f.Attrs.Mode
	if sameMode {
		flags |= flagSameMode
	}
	sameTime := c.haveMTime && c.prevMTime == f.Attrs.LastModified
	if sameTime {
		flags |= flagSameTime
	}
	sameUID := c.haveUID && c.prevUID == f.Attrs.User.ID
	if sameUID {
		flags |= flagSameUID
	}
	sameGID := c.haveGID && c.prevGID == f.Attrs.Group.ID
	if sameGID {
		flags |= flagSameGID
	}
	sameMajor := c.haveMajor && f.Kind == KindDevice && c.prevMajor == f.Major
	if sameMajor {
		flags |= flagSameRdevMajor
	}
	userNameFollows := !sameUID && c.opts.Recurse && f.Attrs.User.Name != ""
	if userNameFollows {
		flags |= flagUserNameFollow
	}
	groupNameFollows := !sameGID && c.opts.Recurse && f.Attrs.Group.Name != ""
	if groupNameFollows {
		flags |= flagGroupNameFollow
	}

	if flags&0xFF00 != 0 {
		flags |= flagExtendedFlags
	}

	// A zero flags byte is the list terminator, so an entry whose flags
	// would all be zero gets LONG_NAME set (its suffix length then goes as
	// a varint) and its first byte is never zero.
	if flags == 0 {
		flags = flagLongName
		longName = true
	}

	// Flags byte(s): low byte first, then the high byte when
	// EXTENDED_FLAGS is set.
	if err := conn.WriteByte(byte(flags)); err != nil {
		return err
	}
	if flags&flagExtendedFlags != 0 {
		if err := conn.WriteByte(byte(flags >> 8)); err != nil {
			return err
		}
	}

	if flags&flagSameName != 0 {
		if err := conn.WriteByte(byte(prefixLen)); err != nil {
			return err
		}
	}
	if longName {
		if err := writeVarint(conn, int64(len(suffix))); err != nil {
			return err
		}
	} else {
		if err := conn.WriteByte(byte(len(suffix))); err != nil {
			return err
		}
	}
	if err := conn.Write(suffix); err != nil {
		return err
	}

	if err := writeVarint(conn, f.Attrs.Size); err != nil {
		return err
	}
	if !sameTime {
		if err := writeVarint(conn, f.Attrs.LastModified); err != nil {
			return err
		}
	}
	if !sameMode {
		if err := conn.WriteInt32(int32(f.Attrs.Mode)); err != nil {
			return err
		}
	}

	if !sameUID {
		if err := writeVarint(conn, int64(f.Attrs.User.ID)); err != nil {
			return err
		}
		if userNameFollows {
			if err := writeNameBytes(conn, f.Attrs.User.Name); err != nil {
				return err
			}
		}
	}
	if !sameGID {
		if err := writeVarint(conn, int64(f.Attrs.Group.ID)); err != nil {
			return err
		}
		if groupNameFollows {
			if err := writeNameBytes(conn, f.Attrs.Group.Name); err != nil {
				return err
			}
		}
	}

	if c.opts.PreserveDevices && f.Kind == KindDevice {
		if !sameMajor {
			if err := writeVarint(conn, int64(f.Major)); err != nil {
				return err
			}
		}
		if err := writeVarint(conn, int64(f.Minor)); err != nil {
			return err
		}
	}

	if c.opts.PreserveLinks && f.Kind == KindSymlink {
		if err := writeNameBytes(conn, f.LinkTarget); err != nil {
			return err
		}
	}

	c.prevName = append([]byte(nil), f.PathBytes...)
	c.havePrev = true
	c.prevMode, c.haveMode = f.Attrs.Mode, true
	c.prevMTime, c.haveMTime = f.Attrs.LastModified, true
	c.prevUID, c.haveUID = f.Attrs.User.ID, true
	c.prevGID, c.haveGID = f.Attrs.Group.ID, true
	if f.Kind == KindDevice {
		c.prevMajor, c.haveMajor = f.Major, true
	}
	return nil
}

// WriteTerminator writes the zero flags byte ending a segment.
func (c *Codec) WriteTerminator(conn *rsyncwire.Conn) error {
	return conn.WriteByte(0)
}

// ReadEntry reads one file-list entry, or returns (nil, nil) if the
// terminator (zero flags byte) was read instead.
func (c *Codec) ReadEntry(conn *rsyncwire.Conn) (*FileInfo, error) {
	b0, err := conn.ReadByte()
	if err != nil {
		return nil, err
	}
	if b0 == 0 {
		return nil, nil
	}
	flags := uint16(b0)
	if flags&flagExtendedFlags != 0 {
		hi, err := conn.ReadByte()
		if err != nil {
			return nil, err
		}
		flags |= uint16(hi) << 8
	}

	prefixLen := 0
	if flags&flagSameName != 0 {
		pl, err := conn.ReadByte()
		if err != nil {
			return nil, err
		}
		prefixLen = int(pl)
	}
	var suffixLen int64
	if flags&flagLongName != 0 {
		suffixLen, err = readVarint(conn)
		if err != nil {
			return nil, err
		}
	} else {
		b, err := conn.ReadByte()
		if err != nil {
			return nil, err
		}
		suffixLen = int64(b)
	}
	suffix := make([]byte, suffixLen)
	if err := conn.ReadN(suffix); err != nil {
		return nil, err
	}
	pathBytes := make([]byte, 0, prefixLen+len(suffix))
	if prefixLen > 0 {
		if prefixLen > len(c.prevName) {
			return nil, fmt.Errorf("filelist: prefix length %d exceeds cached name length %d", prefixLen, len(c.prevName))
		}
		pathBytes = append(pathBytes, c.prevName[:prefixLen]...)
	}
	pathBytes = append(pathBytes, suffix...)

	size, err := readVarint(conn)
	if err != nil {
		return nil, err
	}
	mtime := c.prevMTime
	if flags&flagSameTime == 0 {
		mtime, err = readVarint(conn)
		if err != nil {
			return nil, err
		}
	}
	mode := c.prevMode
	if flags&flagSameMode == 0 {
		m, err := conn.ReadInt32()
		if err != nil {
			return nil, err
		}
		mode = uint32(m)
	}

	uid := c.prevUID
	var uidName string
	if flags&flagSameUID == 0 {
		u, err := readVarint(conn)
		if err != nil {
			return nil, err
		}
		uid = int(u)
		if c.opts.Recurse && flags&flagUserNameFollow != 0 {
			uidName, err = readNameBytes(conn)
			if err != nil {
				return nil, err
			}
		}
	}
	gid := c.prevGID
	var gidName string
	if flags&flagSameGID == 0 {
		g, err := readVarint(conn)
		if err != nil {
			return nil, err
		}
		gid = int(g)
		if c.opts.Recurse && flags&flagGroupNameFollow != 0 {
			gidName, err = readNameBytes(conn)
			if err != nil {
				return nil, err
			}
		}
	}

	attrs := fileattr.RsyncFileAttributes{
		Mode:         mode,
		Size:         size,
		LastModified: mtime,
		User:         fileattr.User{ID: uid, Name: uidName},
		Group:        fileattr.Group{ID: gid, Name: gidName},
	}
	fi := &FileInfo{
		Kind:      KindPlain,
		PathBytes: pathBytes,
		Name:      string(pathBytes),
		Attrs:     attrs,
		Locatable: true,
	}

	typ := attrs.Type()
	if c.opts.PreserveDevices && (typ == fileattr.TypeBlockDev || typ == fileattr.TypeCharDev) {
		major := c.prevMajor
		if flags&flagSameRdevMajor == 0 {
			mj, err := readVarint(conn)
			if err != nil {
				return nil, err
			}
			major = uint32(mj)
		}
		minor, err := readVarint(conn)
		if err != nil {
			return nil, err
		}
		fi.Kind = KindDevice
		fi.Major = major
		fi.Minor = uint32(minor)
		c.prevMajor = major
	}

	if c.opts.PreserveLinks && typ == fileattr.TypeSymlink {
		target, err := readNameBytes(conn)
		if err != nil {
			return nil, err
		}
		fi.Kind = KindSymlink
		fi.LinkTarget = target
	}

	c.prevName = pathBytes
	c.havePrev = true
	c.prevMode, c.haveMode = mode, true
	c.prevMTime, c.haveMTime = mtime, true
	c.prevUID, c.haveUID = uid, true
	c.prevGID, c.haveGID = gid, true
	return fi, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeNameBytes(conn *rsyncwire.Conn, s string) error {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	if err := conn.WriteByte(byte(len(b))); err != nil {
		return err
	}
	return conn.Write(b)
}

func readNameBytes(conn *rsyncwire.Conn) (string, error) {
	n, err := conn.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := conn.ReadN(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeVarint writes v as a minimal-width little-endian varint: one length
// byte (number of following bytes) then that many little-endian bytes. Used
// for size/mtime/uid/gid/major/minor fields. Every field, size and mtime
// included, is written in the fewest bytes that hold its value; no caller
// pads a field to a minimum width.
func writeVarint(conn *rsyncwire.Conn, v int64) error {
	uv := uint64(v)
	var buf [8]byte
	n := 0
	for {
		buf[n] = byte(uv)
		n++
		uv >>= 8
		if uv == 0 {
			break
		}
	}
	if err := conn.WriteByte(byte(n)); err != nil {
		return err
	}
	return conn.Write(buf[:n])
}

func readVarint(conn *rsyncwire.Conn) (int64, error) {
	n, err := conn.ReadByte()
	if err != nil {
		return 0, err
	}
	if n > 8 {
		return 0, fmt.Errorf("filelist: varint width %d exceeds 8 bytes", n)
	}
	buf := make([]byte, n)
	if err := conn.ReadN(buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := int(n) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return int64(v), nil
}
