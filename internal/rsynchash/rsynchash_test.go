package rsynchash

import "testing"

func TestRollingChecksumMatchesRecompute(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog!!")
	window := 8
	r := NewRollingChecksum(data[:window])
	for i := 0; i+window < len(data); i++ {
		want := NewRollingChecksum(data[i+1 : i+1+window]).Value()
		r = r.Roll(data[i], data[i+window])
		if got := r.Value(); got != want {
			t.Fatalf("at i=%d: rolled value = %d, want %d", i, got, want)
		}
	}
}

func TestBlockLengthFor(t *testing.T) {
	cases := []struct {
		size int64
		want int64
	}{
		{0, 0},
		{1, 512},
		{1000, 512},
		{512 * 512, 512},
		{2048 * 2048, 2048},
	}
	for _, c := range cases {
		if got := BlockLengthFor(c.size); got != c.want {
			t.Errorf("BlockLengthFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestDigestLengthClamped(t *testing.T) {
	for _, size := range []int64{1, 512, 1 << 20, 1 << 30, 1 << 40} {
		bl := BlockLengthFor(size)
		dl := DigestLengthFor(size, bl)
		if dl < 2 || dl > 16 {
			t.Errorf("DigestLengthFor(%d, %d) = %d, out of [2,16]", size, bl, dl)
		}
	}
}

func TestPow2SquareRoot(t *testing.T) {
	if got := Pow2SquareRoot(0); got != 0 {
		t.Errorf("Pow2SquareRoot(0) = %d, want 0", got)
	}
	if got := Pow2SquareRoot(64); got != 8 {
		t.Errorf("Pow2SquareRoot(64) = %d, want 8", got)
	}
	if got := Pow2SquareRoot(100); got != 8 {
		t.Errorf("Pow2SquareRoot(100) = %d, want 8 (largest pow2 <= 10)", got)
	}
}
