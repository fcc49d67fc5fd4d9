// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package priority

import (
	"testing"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string) *Queue {
	t.Helper()
	f, err := bitset.NewMemoryFactory(bitset.Config{BlockSize: 128})
	require.NoError(t, err)
	q, err := NewQueue(name, f)
	require.NoError(t, err)
	return q
}

func add(t *testing.T, q *Queue, id int64, l Level) {
	t.Helper()
	_, err := q.Add(id, l)
	require.NoError(t, err)
}

func TestQueue_PeekNextOrdersByLevelThenID(t *testing.T) {
	q := newTestQueue(t, "q")

	add(t, q, 4, 3)
	add(t, q, 2, 7)
	add(t, q, 1, 3)
	add(t, q, 3, 9)

	var order []int64
	for {
		id, _, ok := q.PopNext()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []int64{3, 2, 1, 4}, order)
	assert.True(t, q.IsEmpty())

	_, ok := q.PeekNext()
	assert.False(t, ok)
}

func TestQueue_RemoveScansLevels(t *testing.T) {
	q := newTestQueue(t, "q")
	add(t, q, 10, 2)
	add(t, q, 11, Highest)

	l, ok := q.RemoveAndGetLevel(10)
	require.True(t, ok)
	assert.Equal(t, Level(2), l)

	assert.False(t, q.Remove(10))
	assert.False(t, q.RemoveAt(11, Lowest))
	assert.True(t, q.RemoveAt(11, Highest))
	assert.True(t, q.IsEmpty())
}

func TestQueue_LevelOfAndContains(t *testing.T) {
	q := newTestQueue(t, "q")
	add(t, q, 5, Normal)

	l, ok := q.LevelOf(5)
	require.True(t, ok)
	assert.Equal(t, Normal, l)
	assert.True(t, q.Contains(5))
	assert.False(t, q.Contains(6))
	assert.Equal(t, 1, q.LevelSize(Normal))
}

func TestQueue_Tail(t *testing.T) {
	q := newTestQueue(t, "q")
	_, _, ok := q.Tail()
	assert.False(t, ok)

	add(t, q, 1, 8)
	add(t, q, 50, 8)
	add(t, q, 3, 1)
	add(t, q, 7, 1)

	id, l, ok := q.Tail()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, Level(1), l)
}

func TestQueue_FlattenAndAddAll(t *testing.T) {
	src := newTestQueue(t, "src")
	add(t, src, 300, 1)
	add(t, src, 2, 1)
	add(t, src, 9, 6)

	dst := newTestQueue(t, "dst")
	add(t, dst, 1, 6)
	require.NoError(t, dst.AddAll(src))

	assert.Equal(t, []int64{9, 2, 300}, src.Flatten())
	assert.Equal(t, []int64{1, 9, 2, 300}, dst.Flatten())
	assert.Equal(t, 4, dst.Size())

	l, ok := dst.LevelOf(300)
	require.True(t, ok)
	assert.Equal(t, Level(1), l)
}

func TestQueue_AddAllWithRemap(t *testing.T) {
	src := newTestQueue(t, "src")
	add(t, src, 1, 3)
	add(t, src, 2, Highest)

	dst := newTestQueue(t, "dst")
	require.NoError(t, dst.AddAllWith(src, Level.Increment))

	l, _ := dst.LevelOf(1)
	assert.Equal(t, Level(4), l)
	l, _ = dst.LevelOf(2)
	assert.Equal(t, Highest, l)
}

func TestQueue_Dedupe(t *testing.T) {
	q := newTestQueue(t, "q")
	add(t, q, 5, 2)
	add(t, q, 5, 7)
	add(t, q, 5, 4)
	add(t, q, 6, 2)
	add(t, q, 9, 9)

	assert.Equal(t, 2, q.Dedupe())
	assert.Equal(t, 3, q.Size())
	l, ok := q.LevelOf(5)
	require.True(t, ok)
	assert.Equal(t, Level(7), l)
	assert.Equal(t, 0, q.LevelSize(4))
	assert.Equal(t, []int64{9, 5, 6}, q.Flatten())

	assert.Zero(t, q.Dedupe())
}

func TestQueue_ClearAndString(t *testing.T) {
	q := newTestQueue(t, "q")
	add(t, q, 1, 2)
	add(t, q, 2, 2)
	add(t, q, 3, 5)
	assert.Equal(t, "[5:1 2:2]", q.String())

	q.Clear()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, "[]", q.String())
}

func TestQueue_InvalidLevelPanics(t *testing.T) {
	q := newTestQueue(t, "q")
	assert.Panics(t, func() { _, _ = q.Add(1, Highest+1) })
	assert.Panics(t, func() { _, _ = q.Add(1, -1) })
}

func TestLevel(t *testing.T) {
	cases := []struct {
		desc  string
		level Level
		valid bool
		clamp Level
		inc   Level
	}{
		{desc: "lowest", level: Lowest, valid: true, clamp: Lowest, inc: 1},
		{desc: "one below highest", level: OneBelowHighest, valid: true, clamp: OneBelowHighest, inc: Highest},
		{desc: "highest", level: Highest, valid: true, clamp: Highest, inc: Highest},
		{desc: "negative", level: -3, valid: false, clamp: Lowest, inc: Lowest},
		{desc: "too high", level: 42, valid: false, clamp: Highest, inc: Highest},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.level.Valid())
			assert.Equal(t, tc.clamp, tc.level.Clamp())
			assert.Equal(t, tc.inc, tc.level.Increment())
		})
	}
}
