package rsynctext

import "testing"

func TestUTF8RoundTrip(t *testing.T) {
	c := UTF8()
	for _, s := range []string{"a/b/c", "foo.bar", "line\r\n", "weird\x00name"} {
		enc := c.Encode(s)
		dec, err := c.Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if dec != s {
			t.Errorf("round trip: got %q, want %q", dec, s)
		}
	}
}

func TestNewRejectsNonRoundTripping(t *testing.T) {
	_, err := New(
		func(s string) []byte {
			b := []byte(s)
			for i := range b {
				if b[i] == '/' {
					b[i] = '_'
				}
			}
			return b
		},
		func(b []byte) (string, error) { return string(b), nil },
	)
	if err == nil {
		t.Fatal("expected error for a codec that mangles '/'")
	}
}
