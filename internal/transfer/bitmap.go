package transfer

import (
	"fmt"
	"math/bits"
)

// Bitmap tracks per-chunk completion as a compact bitset.
type Bitmap struct {
	length int
	words  []byte
}

// NewBitmap allocates a bitmap for n chunks.
func NewBitmap(n int) *Bitmap {
	if n < 0 {
		n = 0
	}
	return &Bitmap{length: n, words: make([]byte, (n+7)/8)}
}

// BitmapFromBytes restores a bitmap from its wire form.
func BitmapFromBytes(data []byte, n int) (*Bitmap, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid bitmap length %d", n)
	}
	if len(data) != (n+7)/8 {
		return nil, fmt.Errorf("bitmap size mismatch: %d bytes for %d bits", len(data), n)
	}
	words := make([]byte, len(data))
	copy(words, data)
	return &Bitmap{length: n, words: words}, nil
}

// Len returns the number of chunks tracked.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.length
}

// Set marks chunk i complete. Out-of-range indexes are ignored.
func (b *Bitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.length {
		return
	}
	b.words[i/8] |= 1 << uint(i%8)
}

// Get reports whether chunk i is complete.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.length {
		return false
	}
	return b.words[i/8]&(1<<uint(i%8)) != 0
}

// Count returns how many chunks are complete.
func (b *Bitmap) Count() int {
	if b == nil {
		return 0
	}
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount8(w)
	}
	return total
}

// Full reports whether every chunk is complete.
func (b *Bitmap) Full() bool {
	return b != nil && b.Count() == b.length
}

// Bytes returns a copy of the wire form.
func (b *Bitmap) Bytes() []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b.words))
	copy(out, b.words)
	return out
}
