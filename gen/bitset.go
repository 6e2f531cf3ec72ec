// Package gen holds the small fixed-capacity generic containers used by the
// dispatch core.
package gen

import "math/bits"

// BitSet is a fixed-size set of bits backed by uint64 words.  The zero bit
// is valid; indexes at or beyond the size are ignored rather than panicking
// since callers are frequently inside interrupt paths.
type BitSet struct {
	words []uint64
	size  uint32
}

type BitIndex uint32

func NewBitSet(size uint32) *BitSet {
	return &BitSet{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (b *BitSet) Size() uint32 {
	return b.size
}

func (b *BitSet) On(bit BitIndex) bool {
	if uint32(bit) >= b.size {
		return false
	}
	return b.words[bit>>6]&(1<<(bit%64)) != 0
}

func (b *BitSet) Set(bit BitIndex) {
	if uint32(bit) >= b.size {
		return
	}
	b.words[bit>>6] |= 1 << (bit % 64)
}

func (b *BitSet) Clear(bit BitIndex) {
	if uint32(bit) >= b.size {
		return
	}
	b.words[bit>>6] &^= 1 << (bit % 64)
}

func (b *BitSet) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Any reports whether at least one bit is set.
func (b *BitSet) Any() bool {
	for _, w := range b.words {
		if w != 0 {
			return true
		}
	}
	return false
}

// ForEachSet calls fn for every set bit in ascending order.
func (b *BitSet) ForEachSet(fn func(bit BitIndex)) {
	for wi, w := range b.words {
		for w != 0 {
			bit := BitIndex(wi*64 + bits.TrailingZeros64(w))
			if uint32(bit) >= b.size {
				return
			}
			fn(bit)
			w &= w - 1
		}
	}
}
