// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bitmaps implements the dense in-memory bitmaps used for
// reachability marking during the space-map rebuild and for writeset
// fusion during snapshot copy.
package bitmaps

import (
	"math/bits"
)

// Bitmap is a fixed-size bit vector packed into 64-bit words, bit i
// of word k covering index k*64+i.
type Bitmap struct {
	words []uint64
	nbits uint64
}

// New returns a cleared bitmap of nbits bits.
func New(nbits uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (nbits+63)/64),
		nbits: nbits,
	}
}

// Len returns the bit count the bitmap was created with.
func (bm *Bitmap) Len() uint64 { return bm.nbits }

// Words returns the number of 64-bit words backing the bitmap.
func (bm *Bitmap) Words() int { return len(bm.words) }

// Test reports bit nr.
func (bm *Bitmap) Test(nr uint64) bool {
	return bm.words[nr/64]>>(nr%64)&1 != 0
}

// Set sets bit nr.
func (bm *Bitmap) Set(nr uint64) {
	bm.words[nr/64] |= 1 << (nr % 64)
}

// TestAndSet sets bit nr and reports whether it was already set.
func (bm *Bitmap) TestAndSet(nr uint64) bool {
	old := bm.Test(nr)
	bm.Set(nr)
	return old
}

// AppendWord stores a raw 64-bit word at word index k.  Bits beyond
// Len are permitted in the final word and ignored by Count.
func (bm *Bitmap) AppendWord(k int, word uint64) {
	bm.words[k] = word
}

// Count returns the number of set bits at indexes below Len.
func (bm *Bitmap) Count() uint64 {
	var n uint64
	for k, w := range bm.words {
		if uint64(k) == bm.nbits/64 {
			w &= 1<<(bm.nbits%64) - 1
		}
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// NextClear returns the lowest clear bit at or after from, or Len if
// every remaining bit is set.
func (bm *Bitmap) NextClear(from uint64) uint64 {
	for nr := from; nr < bm.nbits; nr++ {
		if bm.words[nr/64] == ^uint64(0) && nr%64 == 0 && nr+64 <= bm.nbits {
			nr += 63
			continue
		}
		if !bm.Test(nr) {
			return nr
		}
	}
	return bm.nbits
}

// AnySet reports whether any bit in [lo, hi) is set.  hi is clamped
// to Len.
func (bm *Bitmap) AnySet(lo, hi uint64) bool {
	if hi > bm.nbits {
		hi = bm.nbits
	}
	for nr := lo; nr < hi; {
		if nr%64 == 0 && nr+64 <= hi {
			if bm.words[nr/64] != 0 {
				return true
			}
			nr += 64
			continue
		}
		if bm.Test(nr) {
			return true
		}
		nr++
	}
	return false
}
