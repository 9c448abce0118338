package swap

import "github.com/bits-and-blooms/bitset"

// bitmap tracks slot occupancy. Bits beyond size are never handed out.
type bitmap struct {
	size int
	bits *bitset.BitSet
}

func newBitmap(size int) bitmap {
	return bitmap{
		size: size,
		bits: bitset.New(uint(size)),
	}
}

func (b *bitmap) test(i int) bool {
	return b.bits.Test(uint(i))
}

// numOnes returns how many bits are set.
func (b *bitmap) numOnes() int {
	return int(b.bits.Count())
}

// scanAndFlip finds the first clear bit, sets it and returns its index. It
// returns -1 if every bit is set.
func (b *bitmap) scanAndFlip() int {
	idx, found := b.bits.NextClear(0)
	if !found || idx >= uint(b.size) {
		return -1
	}

	b.bits.Set(idx)

	return int(idx)
}

func (b *bitmap) reset(i int) {
	b.bits.Clear(uint(i))
}
