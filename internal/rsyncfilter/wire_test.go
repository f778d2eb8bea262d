package rsyncfilter

import (
	"bytes"
	"testing"

	"github.com/rsync-ng/rsync/internal/rsyncwire"
)

func TestWriteReadRulesRoundTrip(t *testing.T) {
	l := NewList()
	for _, line := range []string{"- *.log", "+ /keep.txt", "P /important"} {
		if err := l.AddLine(line); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	conn := rsyncwire.NewConn(&buf, &buf)
	if err := WriteRules(conn, l); err != nil {
		t.Fatal(err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadRules(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.rules) != len(l.rules) {
		t.Fatalf("got %d rules, want %d", len(got.rules), len(l.rules))
	}
	for i, r := range got.rules {
		if r.String() != l.rules[i].String() {
			t.Errorf("rule %d: got %q, want %q", i, r.String(), l.rules[i].String())
		}
	}
}

func TestWriteRulesEmptyList(t *testing.T) {
	var buf bytes.Buffer
	conn := rsyncwire.NewConn(&buf, &buf)
	if err := WriteRules(conn, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRules(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(got.rules))
	}
}
