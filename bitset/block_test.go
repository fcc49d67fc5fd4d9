// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlock_NextAndPrevSet(t *testing.T) {
	b := NewBlock("b", 0, make([]uint64, 2))

	assert.Equal(t, -1, b.nextSet(0))
	assert.Equal(t, -1, b.prevSet(127))

	b.set(0)
	b.set(63)
	b.set(64)
	b.set(127)

	assert.Equal(t, 0, b.nextSet(0))
	assert.Equal(t, 63, b.nextSet(1))
	assert.Equal(t, 64, b.nextSet(64))
	assert.Equal(t, 127, b.nextSet(65))
	assert.Equal(t, -1, b.nextSet(128))

	assert.Equal(t, 127, b.prevSet(127))
	assert.Equal(t, 64, b.prevSet(126))
	assert.Equal(t, 63, b.prevSet(63))
	assert.Equal(t, 0, b.prevSet(62))
	assert.Equal(t, 4, b.Count())
}

func TestBlock_DirtyTracking(t *testing.T) {
	b := NewBlock("b", 64, []uint64{1 << 2})
	assert.Equal(t, 1, b.Count())
	assert.False(t, b.Dirty())

	assert.False(t, b.set(2), "bit already set")
	assert.False(t, b.Dirty())

	assert.True(t, b.set(5))
	assert.True(t, b.TakeDirty())
	assert.False(t, b.Dirty())

	assert.True(t, b.clear(5))
	assert.False(t, b.clear(5))
	assert.True(t, b.Dirty())

	words := b.CopyWords(nil)
	assert.Equal(t, []uint64{1 << 2}, words)
}

func TestBlock_Or(t *testing.T) {
	a := NewBlock("a", 0, []uint64{0b0101})
	b := NewBlock("b", 0, []uint64{0b0110})

	assert.Equal(t, 1, a.or(b))
	assert.Equal(t, []uint64{0b0111}, a.Words())
	assert.Equal(t, 3, a.Count())

	a.clearAll()
	assert.Equal(t, 0, a.Count())
	assert.Equal(t, -1, a.nextSet(0))
}
