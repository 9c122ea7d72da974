package dataflow

import (
	"fmt"
	"math/bits"
	"strings"
)

// BitVector is a fixed-capacity bit set.  All binary operations require
// operands of equal capacity; mixing capacities is a programming error and
// panics.
type BitVector struct {
	n     int
	words []uint64
}

// NewBitVector returns an empty vector holding bits [0, n).
func NewBitVector(n int) *BitVector {
	return &BitVector{n: n, words: make([]uint64, (n+63)/64)}
}

// Cap returns the capacity in bits.
func (v *BitVector) Cap() int { return v.n }

func (v *BitVector) check(i int) {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("bitvector: index %d out of range [0,%d)", i, v.n))
	}
}

// Set sets bit i.
func (v *BitVector) Set(i int) {
	v.check(i)
	v.words[i/64] |= 1 << (i % 64)
}

// Clear clears bit i.
func (v *BitVector) Clear(i int) {
	v.check(i)
	v.words[i/64] &^= 1 << (i % 64)
}

// Has reports whether bit i is set.
func (v *BitVector) Has(i int) bool {
	v.check(i)
	return v.words[i/64]&(1<<(i%64)) != 0
}

func (v *BitVector) sameShape(o *BitVector) {
	if v.n != o.n {
		panic(fmt.Sprintf("bitvector: capacity mismatch %d vs %d", v.n, o.n))
	}
}

// Union sets v to v ∪ o.
func (v *BitVector) Union(o *BitVector) {
	v.sameShape(o)
	for i := range v.words {
		v.words[i] |= o.words[i]
	}
}

// Intersect sets v to v ∩ o.
func (v *BitVector) Intersect(o *BitVector) {
	v.sameShape(o)
	for i := range v.words {
		v.words[i] &= o.words[i]
	}
}

// Diff sets v to v − o.
func (v *BitVector) Diff(o *BitVector) {
	v.sameShape(o)
	for i := range v.words {
		v.words[i] &^= o.words[i]
	}
}

// Copy sets v to o.
func (v *BitVector) Copy(o *BitVector) {
	v.sameShape(o)
	copy(v.words, o.words)
}

// Clone returns an independent copy.
func (v *BitVector) Clone() *BitVector {
	c := NewBitVector(v.n)
	copy(c.words, v.words)
	return c
}

// Equal reports whether two vectors hold the same bits.
func (v *BitVector) Equal(o *BitVector) bool {
	if v.n != o.n {
		return false
	}
	for i := range v.words {
		if v.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Empty reports whether no bit is set.
func (v *BitVector) Empty() bool {
	for _, w := range v.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (v *BitVector) Count() int {
	total := 0
	for _, w := range v.words {
		for ; w != 0; w &= w - 1 {
			total++
		}
	}
	return total
}

// ForEach calls fn for every set bit in ascending order.
func (v *BitVector) ForEach(fn func(i int)) {
	for wi, w := range v.words {
		for w != 0 {
			fn(wi*64 + bits.TrailingZeros64(w))
			w &= w - 1
		}
	}
}

func (v *BitVector) String() string {
	var parts []string
	v.ForEach(func(i int) { parts = append(parts, fmt.Sprintf("%d", i)) })
	return "{" + strings.Join(parts, ",") + "}"
}
