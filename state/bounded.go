// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/fluxtrack/priority"
)

var _ Manager = (*Bounded)(nil)

// Bounded is a tracker whose at-rest set never exceeds a limit. Overflow is
// evicted from the tail, the largest id of the lowest occupied level, and
// handed to a Reaper once the tracker lock is released.
type Bounded struct {
	*Tracker
	limit   int
	reaper  Reaper
	evicted atomic.Uint64
}

// NewBounded wraps t. Any excess already at rest is evicted immediately.
func NewBounded(t *Tracker, limit int, r Reaper) (*Bounded, error) {
	if t == nil || r == nil {
		return nil, fmt.Errorf("%w: bounded tracker needs a tracker and a reaper", ErrNilCollaborator)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	b := &Bounded{Tracker: t, limit: limit, reaper: r}

	t.mu.Lock()
	evicted := b.evictLocked()
	t.mu.Unlock()
	b.reap(evicted)

	return b, nil
}

// Limit returns the maximum at-rest size.
func (b *Bounded) Limit() int {
	return b.limit
}

// Evicted returns the number of ids evicted so far.
func (b *Bounded) Evicted() uint64 {
	return b.evicted.Load()
}

func (b *Bounded) evictLocked() []int64 {
	t := b.Tracker
	if t.closed {
		return nil
	}
	var evicted []int64
	for t.atRest.Size() > b.limit {
		id, l, ok := t.atRest.Tail()
		if !ok {
			break
		}
		t.atRest.RemoveAt(id, l)
		t.notifyRemove(id)
		evicted = append(evicted, id)
	}
	if n := len(evicted); n > 0 {
		t.metrics.RecordEvict(n)
		t.logger.Debug("evicted messages",
			slog.String("tracker", t.name),
			slog.Int("count", n),
			slog.Int("limit", b.limit))
	}
	return evicted
}

func (b *Bounded) reap(ids []int64) {
	for _, id := range ids {
		b.reaper.Offer(id)
	}
	b.evicted.Add(uint64(len(ids)))
}

// Register makes id available and evicts any overflow.
func (b *Bounded) Register(id int64, p priority.Level) error {
	t := b.Tracker
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	_, err := t.registerLocked(id, p)
	evicted := b.evictLocked()
	t.mu.Unlock()

	b.reap(evicted)
	return err
}

// Restore registers id at the default level.
func (b *Bounded) Restore(id int64) error {
	return b.Register(id, b.defaultPriority)
}

// Rollback returns id to rest and evicts any overflow.
func (b *Bounded) Rollback(id int64) (bool, error) {
	t := b.Tracker
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, ErrClosed
	}
	ok, err := t.rollbackLocked(id)
	evicted := b.evictLocked()
	t.mu.Unlock()

	b.reap(evicted)
	return ok, err
}

// RollbackAll returns every in-flight id to rest and evicts any overflow.
func (b *Bounded) RollbackAll() error {
	t := b.Tracker
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	err := t.rollbackAllLocked()
	evicted := b.evictLocked()
	t.mu.Unlock()

	b.reap(evicted)
	return err
}
