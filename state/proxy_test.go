// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxy_SplitsAuthority(t *testing.T) {
	g, sib := newSiblings(t, 1)
	authority := newTestTracker(t, "authority")

	p, err := NewProxy(authority, g)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, "authority", p.Name())

	require.NoError(t, p.Register(1, 5))
	require.NoError(t, p.Restore(2))
	assert.Equal(t, 2, authority.Pending())
	assert.Equal(t, 0, sib[0].Size())

	require.NoError(t, sib[0].Register(2, 5))
	assert.Equal(t, int64(2), p.NextMessageID())

	require.NoError(t, p.Allocate(2, 5))
	assert.True(t, authority.IsInFlight(2))
	assert.True(t, sib[0].IsInFlight(2))
	assert.Equal(t, 1, p.InFlight())
	assert.True(t, p.HasMessagesInFlight())

	ok, err := p.Rollback(2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 2}, p.AtRest())

	require.NoError(t, p.Allocate(1, 5))
	require.NoError(t, p.Commit(1))
	assert.False(t, p.HasMessage(1))

	require.NoError(t, p.Expire(2))
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 0, g.Size())
	assert.False(t, p.HasAtRestMessages())
}

func TestProxy_RollbackAllAndSnapshot(t *testing.T) {
	g := NewGroup("queue", nil)
	p, err := NewProxy(newTestTracker(t, "authority"), g)
	require.NoError(t, err)

	require.NoError(t, p.Register(1, 4))
	snap, err := p.OpenSnapshot(true)
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, p.Allocate(1, 4))
	require.NoError(t, p.RollbackAll())
	assert.Equal(t, 1, p.Pending())
	assert.Equal(t, []int64{1}, p.All())
	assert.Equal(t, []int64{1}, snap.IDs())
}

func newProxies(t *testing.T, n int) (*Group, []*Proxy) {
	t.Helper()
	g := NewGroup("consumers", nil)
	proxies := make([]*Proxy, n)
	for i := range proxies {
		p, err := NewProxy(newTestTracker(t, "consumer-"+string(rune('a'+i))), g)
		require.NoError(t, err)
		proxies[i] = p
	}
	return g, proxies
}

func TestProxy_RollbackAllKeepsSiblingWork(t *testing.T) {
	g, ps := newProxies(t, 2)
	a, b := ps[0], ps[1]
	require.NoError(t, g.Register(1, 4))
	require.NoError(t, g.Register(2, 4))

	require.NoError(t, a.Allocate(1, 4))
	require.NoError(t, b.Allocate(2, 4))
	require.NoError(t, b.RollbackAll())

	// Only b's id comes back; a is still working on 1.
	assert.Equal(t, int64(2), a.NextMessageID())
	assert.Equal(t, int64(2), b.NextMessageID())
	assert.Equal(t, 1, a.InFlight())
	assert.True(t, a.Authority().IsInFlight(1))
	assert.True(t, b.Authority().IsInFlight(1))
	assert.Equal(t, []int64{2}, a.AtRest())
	assert.Equal(t, []int64{2}, b.AtRest())

	ok, err := b.Rollback(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, a.Authority().IsInFlight(1))

	ok, err = a.Rollback(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 2}, b.AtRest())
}

func TestProxy_SecondAllocateLoses(t *testing.T) {
	g, ps := newProxies(t, 2)
	require.NoError(t, g.Register(1, 4))

	require.NoError(t, ps[0].Allocate(1, 4))
	assert.ErrorIs(t, ps[1].Allocate(1, 4), ErrAlreadyAllocated)

	// The loser holds nothing, so its rollback leaves the winner's id alone.
	require.NoError(t, ps[1].RollbackAll())
	assert.Equal(t, 1, ps[0].InFlight())
	require.NoError(t, ps[0].Commit(1))
	assert.Equal(t, 0, g.Size())
}

func TestProxy_CloseReturnsHeldIDs(t *testing.T) {
	g, ps := newProxies(t, 2)
	require.NoError(t, g.Register(1, 4))
	require.NoError(t, g.Register(2, 4))
	require.NoError(t, ps[0].Allocate(1, 4))
	require.NoError(t, ps[1].Allocate(2, 4))

	require.NoError(t, ps[0].Close())
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, []int64{1}, ps[1].AtRest())
	assert.True(t, ps[1].Authority().IsInFlight(2))
}

func TestProxy_ConcurrentConsumers(t *testing.T) {
	const total = 300
	g, ps := newProxies(t, 4)
	for id := int64(1); id <= total; id++ {
		require.NoError(t, g.Register(id, 4))
	}

	var (
		mu        sync.Mutex
		committed = make(map[int64]int)
		rolled    = make(map[int64]bool)
		wg        sync.WaitGroup
	)
	for _, p := range ps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id := p.NextMessageID()
				if id == NoMessage {
					return
				}
				err := p.Allocate(id, 4)
				if errors.Is(err, ErrAlreadyAllocated) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				retry := id%7 == 0 && !rolled[id]
				rolled[id] = true
				mu.Unlock()
				if retry {
					_, err := p.Rollback(id)
					assert.NoError(t, err)
					continue
				}

				assert.NoError(t, p.Commit(id))
				mu.Lock()
				committed[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id := int64(1); id <= total; id++ {
		assert.Equal(t, 1, committed[id], "id %d", id)
	}
	assert.Equal(t, 0, g.Size())
}

func TestProxy_CloseLeavesGroup(t *testing.T) {
	g, _ := newSiblings(t, 1)
	p, err := NewProxy(newTestTracker(t, "authority"), g)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, g.Len())
	assert.ErrorIs(t, p.Authority().Register(1, 1), ErrClosed)

	p, err = NewProxy(newTestTracker(t, "other"), g)
	require.NoError(t, err)
	require.NoError(t, p.Delete())
	assert.Equal(t, 1, g.Len())
	assert.Same(t, g, p.Group())
}

func TestNewProxy_NilCollaborators(t *testing.T) {
	_, err := NewProxy(nil, NewGroup("g", nil))
	assert.ErrorIs(t, err, ErrNilCollaborator)

	_, err = NewProxy(newTestTracker(t, "a"), nil)
	assert.ErrorIs(t, err, ErrNilCollaborator)
}
