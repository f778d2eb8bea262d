//go:build linux || darwin

package fileattr

import (
	"io/fs"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// LinkOption controls whether an operation follows a symlink or affects the
// link itself, matching the "must not follow" requirement for symlink
// metadata operations.
type LinkOption int

const (
	FollowSymlink LinkOption = iota
	NoFollowSymlink
)

// DirEntry is one entry from a directory stream iterator.
type DirEntry struct {
	Name string
	Type FileType
}

// Backend is the pluggable file-attribute back-end: stat/chmod/chown/utimes/
// symlink/atomic-rename primitives chosen per filesystem for best
// performance. All path arguments are local filesystem paths already
// resolved relative to some root.
type Backend interface {
	Stat(path string) (RsyncFileAttributes, error)
	StatIfExists(path string) (RsyncFileAttributes, bool, error)

	SetFileMode(path string, mode uint32, link LinkOption) error
	SetLastModifiedTime(path string, seconds int64, link LinkOption) error
	SetOwner(path string, u User, link LinkOption) error
	SetGroup(path string, g Group, link LinkOption) error

	Unlink(path string) error
	ReadSymlinkTarget(path string) (string, error)
	CreateSymbolicLink(link, target string) error
	CreateDirectories(path string) error
	AtomicMove(src, dst string) (bool, error)

	ReadDir(path string) ([]DirEntry, error)
}

// OSBackend implements Backend against the real local filesystem.
type OSBackend struct{}

var _ Backend = OSBackend{}

func (OSBackend) Stat(path string) (RsyncFileAttributes, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return RsyncFileAttributes{}, err
	}
	return attrsFromLstat(fi)
}

func (b OSBackend) StatIfExists(path string) (RsyncFileAttributes, bool, error) {
	a, err := b.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RsyncFileAttributes{}, false, nil
		}
		return RsyncFileAttributes{}, false, err
	}
	return a, true, nil
}

func attrsFromLstat(fi fs.FileInfo) (RsyncFileAttributes, error) {
	stt, ok := fi.Sys().(*syscallStatT)
	if !ok {
		return FromFileMode(fi.Mode(), fi.Size(), fi.ModTime().Unix(), NobodyUser, NobodyGroup), nil
	}
	u := User{ID: int(stt.Uid), Name: ""}
	g := Group{ID: int(stt.Gid), Name: ""}
	return FromFileMode(fi.Mode(), fi.Size(), fi.ModTime().Unix(), u, g), nil
}

// DeviceNumbers extracts the major/minor device numbers for a block/char
// device path, used by the generator/receiver when transmitting device
// entries.
func DeviceNumbers(path string) (major, minor uint32, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, 0, err
	}
	stt, ok := fi.Sys().(*syscallStatT)
	if !ok {
		return 0, 0, nil
	}
	rdev := stt.Rdev
	return uint32(unix.Major(uint64(rdev))), uint32(unix.Minor(uint64(rdev))), nil
}

func (OSBackend) SetFileMode(path string, mode uint32, link LinkOption) error {
	if link == NoFollowSymlink {
		// Go's os.Chmod always follows symlinks on Unix; there is no
		// portable Lchmod, so symlink mode changes are skipped (symlink
		// permissions are not meaningful on Linux).
		return nil
	}
	return os.Chmod(path, RsyncFileAttributes{Mode: mode}.ToFileMode())
}

func (OSBackend) SetLastModifiedTime(path string, seconds int64, link LinkOption) error {
	if link == NoFollowSymlink {
		return unix.Lutimes(path, []unix.Timeval{
			unix.NsecToTimeval(time.Now().UnixNano()),
			unix.NsecToTimeval(time.Unix(seconds, 0).UnixNano()),
		})
	}
	t := time.Unix(seconds, 0)
	return os.Chtimes(path, t, t)
}

func (OSBackend) SetOwner(path string, u User, link LinkOption) error {
	return chown(path, u.ID, -1, link)
}

func (OSBackend) SetGroup(path string, g Group, link LinkOption) error {
	return chown(path, -1, g.ID, link)
}

func chown(path string, uid, gid int, link LinkOption) error {
	if link == NoFollowSymlink {
		return os.Lchown(path, uid, gid)
	}
	return os.Chown(path, uid, gid)
}

func (OSBackend) Unlink(path string) error {
	return os.Remove(path)
}

func (OSBackend) ReadSymlinkTarget(path string) (string, error) {
	return os.Readlink(path)
}

func (OSBackend) CreateSymbolicLink(link, target string) error {
	return renameio.Symlink(target, link)
}

func (OSBackend) CreateDirectories(path string) error {
	return os.MkdirAll(path, 0777)
}

func (OSBackend) AtomicMove(src, dst string) (bool, error) {
	if err := os.Rename(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (OSBackend) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var typ FileType
		if err == nil {
			a := FromFileMode(info.Mode(), 0, 0, User{}, Group{})
			typ = a.Type()
		}
		out = append(out, DirEntry{Name: e.Name(), Type: typ})
	}
	return out, nil
}
