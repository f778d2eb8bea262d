package filelist

import (
	"bytes"
	"testing"

	"github.com/rsync-ng/rsync/internal/fileattr"
	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

func TestEntryRoundTrip(t *testing.T) {
	files := []*FileInfo{
		NewPlain([]byte("alpha"), "alpha", fileattr.RsyncFileAttributes{
			Mode: 0100644, Size: 1234, LastModified: 1700000000,
			User: fileattr.User{ID: 1000}, Group: fileattr.Group{ID: 1000},
		}),
		NewPlain([]byte("alphabet"), "alphabet", fileattr.RsyncFileAttributes{
			Mode: 0100644, Size: 1234, LastModified: 1700000000,
			User: fileattr.User{ID: 1000}, Group: fileattr.Group{ID: 1000},
		}),
		NewSymlink([]byte("link"), "link", fileattr.RsyncFileAttributes{
			Mode: 0120777, LastModified: 1700000000,
			User: fileattr.User{ID: 0}, Group: fileattr.Group{ID: 0},
		}, "target/path"),
	}

	var buf bytes.Buffer
	conn := rsyncwire.NewConn(&buf, &buf)
	wc := NewCodec(Options{PreserveUID: true, PreserveGID: true, PreserveLinks: true})
	for _, f := range files {
		if err := wc.WriteEntry(conn, f, false); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	if err := wc.WriteTerminator(conn); err != nil {
		t.Fatal(err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatal(err)
	}

	rc := NewCodec(Options{PreserveUID: true, PreserveGID: true, PreserveLinks: true})
	for i, want := range files {
		got, err := rc.ReadEntry(conn)
		if err != nil {
			t.Fatalf("ReadEntry(%d): %v", i, err)
		}
		if got == nil {
			t.Fatalf("ReadEntry(%d) = nil, want entry", i)
		}
		if string(got.PathBytes) != string(want.PathBytes) {
			t.Errorf("entry %d: path = %q, want %q", i, got.PathBytes, want.PathBytes)
		}
		if got.Attrs.Size != want.Attrs.Size || got.Attrs.LastModified != want.Attrs.LastModified {
			t.Errorf("entry %d: attrs = %+v, want %+v", i, got.Attrs, want.Attrs)
		}
		if got.Kind == KindSymlink && got.LinkTarget != want.LinkTarget {
			t.Errorf("entry %d: link target = %q, want %q", i, got.LinkTarget, want.LinkTarget)
		}
	}
	term, err := rc.ReadEntry(conn)
	if err != nil {
		t.Fatal(err)
	}
	if term != nil {
		t.Fatalf("expected terminator, got entry %+v", term)
	}
}

func TestCompareDotDirFirst(t *testing.T) {
	dot := NewPlain([]byte("."), ".", fileattr.RsyncFileAttributes{Mode: 0040755})
	other := NewPlain([]byte("a"), "a", fileattr.RsyncFileAttributes{Mode: 0100644})
	if !Less(dot, other) {
		t.Error("dot-dir should sort before other entries")
	}
}

func TestCompareFileBeforeDirSameName(t *testing.T) {
	file := NewPlain([]byte("foo"), "foo", fileattr.RsyncFileAttributes{Mode: 0100644})
	dir := NewPlain([]byte("foo"), "foo", fileattr.RsyncFileAttributes{Mode: 0040755})
	if !Less(file, dir) {
		t.Error("file should sort before directory of the same name")
	}
}
