// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_DeepCopyFollowsRemovals(t *testing.T) {
	tr := newTestTracker(t, "browse")
	require.NoError(t, tr.Register(10, 4))
	require.NoError(t, tr.Register(20, 4))

	snap, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []int64{10, 20}, snap.IDs())

	require.NoError(t, tr.Expire(10))
	assert.False(t, snap.Contains(10))
	assert.True(t, snap.Contains(20))
	assert.Equal(t, 1, snap.Size())
}

func TestSnapshot_ShallowStartsEmpty(t *testing.T) {
	tr := newTestTracker(t, "shallow")
	require.NoError(t, tr.Register(1, 4))

	snap, err := tr.OpenSnapshot(false)
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, NoMessage, snap.NextMessageID())

	require.NoError(t, tr.Register(2, 8))
	assert.Equal(t, []int64{2}, snap.IDs())
	assert.Equal(t, int64(2), snap.NextMessageID())
}

func TestSnapshot_OwnMutatorsAreNoOps(t *testing.T) {
	tr := newTestTracker(t, "noop")
	require.NoError(t, tr.Register(1, 4))

	snap, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, snap.Register(2, 4))
	require.NoError(t, snap.Restore(3))
	require.NoError(t, snap.Allocate(1, 4))
	require.NoError(t, snap.Commit(1))
	require.NoError(t, snap.Expire(1))
	require.NoError(t, snap.RollbackAll())
	ok, err := snap.Rollback(1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []int64{1}, snap.IDs())
	assert.Equal(t, []int64{1}, tr.AtRest())
	assert.Equal(t, 0, snap.InFlight())
	assert.False(t, snap.HasMessagesInFlight())
}

func TestSnapshot_PollDoesNotTouchParent(t *testing.T) {
	tr := newTestTracker(t, "poll")
	require.NoError(t, tr.Register(1, 2))
	require.NoError(t, tr.Register(2, 9))

	snap, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	defer snap.Close()

	id, ok := snap.Poll()
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
	id, ok = snap.Poll()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	_, ok = snap.Poll()
	assert.False(t, ok)

	assert.Equal(t, 2, tr.Pending())
}

func TestSnapshot_CommitAndRollbackReachView(t *testing.T) {
	tr := newTestTracker(t, "acks")
	snap, err := tr.OpenSnapshot(false)
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, tr.Register(1, 4))
	require.NoError(t, tr.Register(2, 4))
	require.NoError(t, tr.Allocate(1, 4))
	require.NoError(t, tr.Allocate(2, 4))
	require.NoError(t, tr.Commit(1))
	_, err = tr.Rollback(2)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, snap.IDs())
}

func TestSnapshot_CloseDeregisters(t *testing.T) {
	tr := newTestTracker(t, "close")
	require.NoError(t, tr.Register(1, 4))

	snap, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID())
	require.Len(t, tr.listeners, 1)

	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())
	assert.Empty(t, tr.listeners)
	assert.Nil(t, snap.IDs())

	require.NoError(t, tr.Register(2, 4))
	assert.False(t, snap.Contains(2))
}

func TestSnapshot_IndependentViews(t *testing.T) {
	tr := newTestTracker(t, "views")
	require.NoError(t, tr.Register(1, 4))

	a, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.OpenSnapshot(true)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.ID(), b.ID())

	_, ok := a.Poll()
	require.True(t, ok)
	assert.Equal(t, 0, a.Size())
	assert.Equal(t, 1, b.Size())
}
