// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bitset

import (
	"math/bits"
	"sync/atomic"
)

// Block is a fixed-size run of bits covering identifiers
// [Start, Start+Len). Bits are mutated with atomic and/or so a persistence
// flusher can copy the words without holding the owner's lock.
type Block struct {
	owner string
	start int64
	words []uint64
	count int
	dirty atomic.Bool
}

// NewBlock wraps words as a block of len(words)*64 bits starting at start.
// Storage factories use it when creating or reloading blocks.
func NewBlock(owner string, start int64, words []uint64) *Block {
	b := &Block{
		owner: owner,
		start: start,
		words: words,
	}
	for _, w := range words {
		b.count += bits.OnesCount64(w)
	}
	return b
}

// Owner returns the name of the set that owns this block.
func (b *Block) Owner() string {
	return b.owner
}

// Start returns the first identifier covered by the block.
func (b *Block) Start() int64 {
	return b.start
}

// Len returns the number of bits in the block.
func (b *Block) Len() int {
	return len(b.words) * 64
}

// Count returns the number of set bits.
func (b *Block) Count() int {
	return b.count
}

// Words returns the backing words. Callers must not retain or modify them
// while the block is live.
func (b *Block) Words() []uint64 {
	return b.words
}

// CopyWords copies the current words into dst using atomic loads and returns
// the filled slice.
func (b *Block) CopyWords(dst []uint64) []uint64 {
	if cap(dst) < len(b.words) {
		dst = make([]uint64, len(b.words))
	}
	dst = dst[:len(b.words)]
	for i := range b.words {
		dst[i] = atomic.LoadUint64(&b.words[i])
	}
	return dst
}

// Dirty reports whether the block changed since the last TakeDirty.
func (b *Block) Dirty() bool {
	return b.dirty.Load()
}

// MarkDirty flags the block for the next persistence pass.
func (b *Block) MarkDirty() {
	b.dirty.Store(true)
}

// TakeDirty clears the dirty flag and reports whether it was set.
func (b *Block) TakeDirty() bool {
	return b.dirty.Swap(false)
}

func (b *Block) set(off int) bool {
	mask := uint64(1) << (off & 63)
	if atomic.OrUint64(&b.words[off>>6], mask)&mask != 0 {
		return false
	}
	b.count++
	b.dirty.Store(true)
	return true
}

func (b *Block) clear(off int) bool {
	mask := uint64(1) << (off & 63)
	if atomic.AndUint64(&b.words[off>>6], ^mask)&mask == 0 {
		return false
	}
	b.count--
	b.dirty.Store(true)
	return true
}

func (b *Block) isSet(off int) bool {
	return b.words[off>>6]&(uint64(1)<<(off&63)) != 0
}

// nextSet returns the offset of the first set bit at or after from, or -1.
func (b *Block) nextSet(from int) int {
	if from < 0 {
		from = 0
	}
	i := from >> 6
	if i >= len(b.words) {
		return -1
	}
	w := b.words[i] >> (from & 63)
	if w != 0 {
		return from + bits.TrailingZeros64(w)
	}
	for i++; i < len(b.words); i++ {
		if b.words[i] != 0 {
			return i<<6 + bits.TrailingZeros64(b.words[i])
		}
	}
	return -1
}

// prevSet returns the offset of the last set bit at or before from, or -1.
func (b *Block) prevSet(from int) int {
	if from >= b.Len() {
		from = b.Len() - 1
	}
	if from < 0 {
		return -1
	}
	i := from >> 6
	w := b.words[i] << (63 - (from & 63))
	if w != 0 {
		return from - bits.LeadingZeros64(w)
	}
	for i--; i >= 0; i-- {
		if b.words[i] != 0 {
			return i<<6 + 63 - bits.LeadingZeros64(b.words[i])
		}
	}
	return -1
}

// or merges other into b and returns the number of newly set bits.
func (b *Block) or(other *Block) int {
	added := 0
	for i, w := range other.words {
		if i >= len(b.words) {
			break
		}
		fresh := w &^ b.words[i]
		if fresh == 0 {
			continue
		}
		atomic.OrUint64(&b.words[i], fresh)
		added += bits.OnesCount64(fresh)
	}
	if added > 0 {
		b.count += added
		b.dirty.Store(true)
	}
	return added
}

func (b *Block) clearAll() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
	b.count = 0
	b.dirty.Store(true)
}
