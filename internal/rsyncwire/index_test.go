package rsyncwire

import (
	"bytes"
	"testing"
)

func TestIndexRoundTrip(t *testing.T) {
	values := []int32{
		IndexDone, 0, 1, 2, 253, 254, 255, 256, 1000, 65535, 65536,
		1 << 20, 1<<31 - 1,
		-2, -3, -100, -1000, -(1 << 20),
	}
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)
	enc := &IndexCodec{}
	for _, v := range values {
		if err := c.EncodeIndex(enc, v); err != nil {
			t.Fatalf("EncodeIndex(%d): %v", v, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	dec := &IndexCodec{}
	for _, want := range values {
		got, err := c.DecodeIndex(dec)
		if err != nil {
			t.Fatalf("DecodeIndex: %v", err)
		}
		if got != want {
			t.Errorf("DecodeIndex() = %d, want %d", got, want)
		}
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)
	payload := []byte("hello error")
	if err := c.WriteMsg(MsgError, payload); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	tag, n, err := c.ReadMsgHeader()
	if err != nil {
		t.Fatal(err)
	}
	if tag != MsgError {
		t.Fatalf("tag = %v, want MsgError", tag)
	}
	got, err := c.ReadMsgPayload(n)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}
