package rsyncwire

import "fmt"

// IndexCodec encodes/decodes file-list indices using a variable-width delta
// scheme, keyed off the previous positive and previous negative value seen
// on this direction of the channel. One IndexCodec must be used per
// direction: the sender's encoder and the receiver's decoder each keep their
// own prevPositive/prevNegative state, and those two states evolve in
// lockstep as long as both sides see the same sequence of values.
//
// Wire shape:
//   - 0x00 alone encodes DONE (-1).
//   - 0xFF introduces a negative-domain value: the following byte is the
//     lead byte of a delta, computed exactly as below but measured against
//     prevNegative and subtracted rather than added (negative indices count
//     down from prevNegative).
//   - A lead byte in [1, 0xFD] is a delta from the running previous value.
//   - 0xFE introduces an extended form: the following byte's high bit
//     selects between a 15-bit big-endian delta (high bit clear) and a
//     4-byte big-endian absolute value (high bit set, low 7 bits plus 3
//     more bytes).
type IndexCodec struct {
	prevPositive int32
	prevNegative int32
}

const (
	idxDoneByte = 0x00
	idxNegIntro = 0xFF
	idxExtIntro = 0xFE
)

// IndexDone and IndexEOF are the DONE and EOF sentinel indices, numerically
// identical to the root rsync package's constants of the same names.
const (
	IndexDone int32 = -1
	IndexEOF  int32 = -2
)

// EncodeIndex writes i.
func (c *Conn) EncodeIndex(ic *IndexCodec, i int32) error {
	if i == IndexDone {
		return c.WriteByte(idxDoneByte)
	}
	if i < 0 {
		return c.encodeNegative(ic, i)
	}
	return c.encodePositive(ic, i)
}

// encodeNegative writes the 0xFF marker followed by the delta between
// prevNegative and i, using the same lead-byte chain as the positive case.
// Negative indices count down, so the delta is prevNegative - i rather than
// i - prevPositive.
func (c *Conn) encodeNegative(ic *IndexCodec, i int32) error {
	delta := ic.prevNegative - i
	ic.prevNegative = i
	if err := c.WriteByte(idxNegIntro); err != nil {
		return err
	}
	return c.writeDelta(delta)
}

func (c *Conn) encodePositive(ic *IndexCodec, i int32) error {
	delta := i - ic.prevPositive
	ic.prevPositive = i
	return c.writeDelta(delta)
}

// writeDelta writes delta using the shared lead-byte/extended-form chain
// described in the IndexCodec doc comment.
func (c *Conn) writeDelta(delta int32) error {
	if delta > 0 && delta < idxExtIntro {
		return c.WriteByte(byte(delta))
	}
	if err := c.WriteByte(idxExtIntro); err != nil {
		return err
	}
	if delta >= 0 && delta < 1<<15 {
		var buf [2]byte
		buf[0] = byte(delta >> 8) // high bit always clear: delta < 1<<15
		buf[1] = byte(delta)
		return c.Write(buf[:])
	}
	return c.writeExtendedDelta(uint32(delta))
}

// writeExtendedDelta writes the 4-byte big-endian absolute form used when a
// delta doesn't fit in 15 bits: a flag byte with the high bit set (low 7
// bits hold the top 7 bits of v) followed by 3 more bytes completing a
// 32-bit big-endian value.
func (c *Conn) writeExtendedDelta(v uint32) error {
	flag := byte(0x80 | ((v >> 24) & 0x7F))
	buf := [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
	if err := c.WriteByte(flag); err != nil {
		return err
	}
	return c.Write(buf[:])
}

// DecodeIndex reads one index value, mirroring EncodeIndex's scheme.
func (c *Conn) DecodeIndex(ic *IndexCodec) (int32, error) {
	lead, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	if lead == idxDoneByte {
		return IndexDone, nil
	}

	negative := lead == idxNegIntro
	if negative {
		if lead, err = c.ReadByte(); err != nil {
			return 0, err
		}
	}
	delta, err := c.readDelta(lead)
	if err != nil {
		return 0, err
	}
	if negative {
		i := ic.prevNegative - delta
		ic.prevNegative = i
		return i, nil
	}
	i := ic.prevPositive + delta
	ic.prevPositive = i
	return i, nil
}

// readDelta reads the delta that follows a lead byte already consumed by
// the caller, handling the 0xFE extended-form escape.
func (c *Conn) readDelta(lead byte) (int32, error) {
	if lead != idxExtIntro {
		return int32(lead), nil
	}
	next, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	if next&0x80 != 0 {
		v, err := c.readExtendedTail(next)
		if err != nil {
			return 0, err
		}
		return int32(v), nil
	}
	lo, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	return int32(next)<<8 | int32(lo), nil
}

// readExtendedTail reassembles a big-endian 32-bit value from a flag byte
// (whose low 7 bits are the top 7 bits of the value) and 3 following bytes.
func (c *Conn) readExtendedTail(flag byte) (uint32, error) {
	var buf [3]byte
	if err := c.ReadN(buf[:]); err != nil {
		return 0, err
	}
	v := uint32(flag&0x7F)<<24 | uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	return v, nil
}

// validateIndex is a defensive check used by callers that decode an index
// expected to address a real file-list entry (i.e. not DONE/EOF/a stub
// offset).
func validateIndex(i int32) error {
	if i == IndexDone || i == IndexEOF {
		return fmt.Errorf("%w: index %d is a sentinel, not an entry index", ErrProtocol, i)
	}
	return nil
}
