// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/absmach/fluxtrack/config"
	"github.com/absmach/fluxtrack/state"
	"github.com/absmach/fluxtrack/store"
	"github.com/absmach/fluxtrack/store/memory"
	"github.com/absmach/fluxtrack/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingRecorder struct {
	mu        sync.Mutex
	published map[string]int64
	outcomes  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{published: map[string]int64{}, outcomes: map[string]int{}}
}

func (r *countingRecorder) RecordPublished(sub string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[sub] += n
}

func (r *countingRecorder) RecordDelivery(_, outcome string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordBroadcastError(string) {}

type discardReaper struct{}

func (discardReaper) Offer(int64) {}

func newTestWorkload(t *testing.T, cfg config.WorkloadConfig, rec recorder) (*workload, *subscription.Manager, *memory.MessageStore) {
	t.Helper()
	f, err := bitset.NewMemoryFactory(bitset.Config{BlockSize: 128})
	require.NoError(t, err)
	subs, err := subscription.New(config.Default().Tracker, subscription.Factories{Volatile: f}, discardReaper{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = subs.Close() })

	messages := memory.NewMessageStore()
	return newWorkload(cfg, subs, messages, nil, rec, nil), subs, messages
}

func TestWorkload_Run(t *testing.T) {
	cfg := config.Default().Workload
	cfg.PublishRate = 2000
	cfg.RollbackRatio = 0.2
	cfg.BoundedLimit = 10
	cfg.BrowseInterval = 5 * time.Millisecond
	cfg.ReportInterval = 10 * time.Millisecond

	rec := newCountingRecorder()
	w, subs, _ := newTestWorkload(t, cfg, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Positive(t, w.Published())
	assert.Len(t, subs.Stats(), cfg.Subscriptions+cfg.SharedConsumers+1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Positive(t, rec.published["sub-0"])
	assert.Positive(t, rec.published[sharedGroup])
	assert.Positive(t, rec.published[boundedName])
	assert.Positive(t, rec.outcomes["commit"])
}

func TestWorkload_DeliverReleasesBody(t *testing.T) {
	cfg := config.Default().Workload
	cfg.SharedConsumers = 0
	cfg.BoundedLimit = 0
	cfg.RollbackRatio = 0
	cfg.Subscriptions = 2

	w, subs, messages := newTestWorkload(t, cfg, nil)
	require.NoError(t, w.setup())

	ctx := context.Background()
	targets, refs := w.fanout()
	require.Equal(t, int32(2), refs)

	msg := &store.Message{ID: 1, Priority: 4, PublishedAt: time.Now()}
	require.NoError(t, messages.Put(ctx, msg))
	w.refs.Store(int64(1), newRefCount(refs))
	require.NoError(t, subs.Publish(1, msg.Priority, targets...))

	for _, name := range targets {
		mgr, ok := subs.Get(name)
		require.True(t, ok)
		ok, err := w.deliver(ctx, name, mgr, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, mgr.HasMessage(1))
	}

	_, err := messages.Get(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkload_DeliverExpired(t *testing.T) {
	cfg := config.Default().Workload
	cfg.Subscriptions = 1
	cfg.SharedConsumers = 0
	cfg.BoundedLimit = 0

	w, subs, messages := newTestWorkload(t, cfg, nil)
	require.NoError(t, w.setup())

	ctx := context.Background()
	msg := &store.Message{ID: 9, Priority: 4, Expiry: time.Now().Add(-time.Second)}
	require.NoError(t, messages.Put(ctx, msg))
	w.refs.Store(int64(9), newRefCount(1))
	require.NoError(t, subs.Publish(9, msg.Priority, "sub-0"))

	mgr, _ := subs.Get("sub-0")
	ok, err := w.deliver(ctx, "sub-0", mgr, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mgr.HasMessage(9))

	n, err := messages.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = w.deliver(ctx, "sub-0", mgr, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkload_SharedMembersCommitOnce(t *testing.T) {
	cfg := config.Default().Workload
	cfg.Subscriptions = 0
	cfg.SharedConsumers = 4
	cfg.BoundedLimit = 0
	cfg.RollbackRatio = 0

	rec := newCountingRecorder()
	w, subs, messages := newTestWorkload(t, cfg, rec)
	require.NoError(t, w.setup())

	ctx := context.Background()
	targets, refs := w.fanout()
	require.Equal(t, []string{sharedGroup}, targets)

	const total = 200
	for id := int64(1); id <= total; id++ {
		msg := &store.Message{ID: id, Priority: 4, PublishedAt: time.Now()}
		require.NoError(t, messages.Put(ctx, msg))
		w.refs.Store(id, newRefCount(refs))
		require.NoError(t, subs.Publish(id, msg.Priority, targets...))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, name := range w.members {
		g.Go(func() error { return w.consume(gctx, name, false) })
	}

	assert.Eventually(t, func() bool {
		n, err := messages.Count(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, total, rec.outcomes["commit"])
	for _, name := range w.members {
		mgr, ok := subs.Get(name)
		require.True(t, ok)
		assert.Zero(t, mgr.Size())
	}
}

func TestWorkload_SkipsIDTakenBySibling(t *testing.T) {
	cfg := config.Default().Workload
	cfg.Subscriptions = 0
	cfg.SharedConsumers = 2
	cfg.BoundedLimit = 0

	w, subs, messages := newTestWorkload(t, cfg, nil)
	require.NoError(t, w.setup())

	ctx := context.Background()
	require.NoError(t, messages.Put(ctx, &store.Message{ID: 3, Priority: 4}))
	require.NoError(t, subs.Publish(3, 4, sharedGroup))

	a, _ := subs.Get(w.members[0])
	b, _ := subs.Get(w.members[1])
	require.Equal(t, int64(3), a.NextMessageID())
	require.Equal(t, int64(3), b.NextMessageID())

	require.NoError(t, a.Allocate(3, 4))
	err := b.Allocate(3, 4)
	require.ErrorIs(t, err, state.ErrAlreadyAllocated)

	ok, err := w.failed("allocate", 3, err)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, b.HasMessagesInFlight())
}
