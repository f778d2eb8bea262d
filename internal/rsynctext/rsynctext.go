// Package rsynctext implements the strict text codec the session and
// file-list protocols use for path names and status lines: a configurable
// character set that must round-trip the ASCII bytes the protocol treats as
// structurally significant (slash, dot, NUL, CR, LF).
package rsynctext

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotRoundTripping is returned by New when a candidate codec fails to
// round-trip the required structural bytes.
var ErrNotRoundTripping = errors.New("rsynctext: codec does not round-trip required ASCII bytes")

// requiredBytes are the structurally significant ASCII bytes every codec
// must preserve exactly.
var requiredBytes = []byte{'/', '.', 0x00, '\r', '\n'}

// Codec encodes/decodes path and status-line bytes on the wire. The zero
// value is not valid; use New.
type Codec struct {
	encode func(s string) []byte
	decode func(b []byte) (string, error)
}

// New constructs a Codec from an encode/decode pair and rejects it unless it
// round-trips every required structural byte.
func New(encode func(s string) []byte, decode func(b []byte) (string, error)) (*Codec, error) {
	c := &Codec{encode: encode, decode: decode}
	for _, b := range requiredBytes {
		in := string([]byte{b})
		enc := c.encode(in)
		out, err := c.decode(enc)
		if err != nil || out != in {
			return nil, fmt.Errorf("%w: byte 0x%02x", ErrNotRoundTripping, b)
		}
	}
	return c, nil
}

// UTF8 is the default codec: Go strings are UTF-8 already, so encode/decode
// are near-identities modulo validity checking.
func UTF8() *Codec {
	c, err := New(
		func(s string) []byte { return []byte(s) },
		func(b []byte) (string, error) {
			if !utf8.Valid(b) {
				return "", fmt.Errorf("%w: invalid UTF-8", errDecode)
			}
			return string(b), nil
		},
	)
	if err != nil {
		// UTF-8 always round-trips these bytes; a failure here would be a
		// bug in this package, not a runtime condition callers can recover
		// from.
		panic(err)
	}
	return c
}

var errDecode = errors.New("rsynctext: decode error")

// Encode encodes s to wire bytes.
func (c *Codec) Encode(s string) []byte {
	return c.encode(s)
}

// Decode decodes wire bytes to a string, or returns an error (wrapping
// errDecode) for undecodable input.
func (c *Codec) Decode(b []byte) (string, error) {
	return c.decode(b)
}
