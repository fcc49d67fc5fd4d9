// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/absmach/fluxtrack/priority"
)

var _ Manager = (*Tracker)(nil)

// Tracker holds the at-rest and in-flight queues of one subscription. Every
// operation, including listener notification, runs under a single lock.
type Tracker struct {
	name     string
	atRest   *priority.Queue
	inFlight *priority.Queue
	// stage holds re-levelled ids during RollbackAll under a non-maintain
	// policy.
	stage     *priority.Queue
	views     bitset.Factory
	listeners []Listener

	defaultPriority priority.Level
	policy          RollbackPolicy
	logger          *slog.Logger
	metrics         *Metrics

	closed bool
	mu     sync.Mutex
}

// New creates a tracker. Persisted blocks are reloaded from the factories and
// any ids left in flight by a previous run are returned to rest.
func New(name string, opts Options) (*Tracker, error) {
	if opts.AtRest == nil {
		return nil, fmt.Errorf("%w: at-rest factory", ErrNilCollaborator)
	}
	if opts.InFlight == nil {
		opts.InFlight = opts.AtRest
	}
	defaultPriority := priority.OneBelowHighest
	if opts.DefaultPriority != nil {
		defaultPriority = *opts.DefaultPriority
	}
	if !defaultPriority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, defaultPriority)
	}
	if opts.RollbackPolicy == "" {
		opts.RollbackPolicy = RollbackMaintain
	}
	if err := opts.RollbackPolicy.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	views, err := bitset.NewMemoryFactory(bitset.Config{BlockSize: opts.AtRest.BlockSize()})
	if err != nil {
		return nil, err
	}

	atRest, err := priority.NewQueue(name+"/rest", opts.AtRest)
	if err != nil {
		return nil, fmt.Errorf("failed to open at-rest queue of %s: %w", name, err)
	}
	inFlight, err := priority.NewQueue(name+"/inflight", opts.InFlight)
	if err != nil {
		_ = atRest.Close()
		return nil, fmt.Errorf("failed to open in-flight queue of %s: %w", name, err)
	}

	t := &Tracker{
		name:            name,
		atRest:          atRest,
		inFlight:        inFlight,
		views:           views,
		defaultPriority: defaultPriority,
		policy:          opts.RollbackPolicy,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}

	if t.policy != RollbackMaintain {
		t.stage, err = priority.NewQueue(name+"/stage", views)
		if err != nil {
			_ = t.closeQueues()
			return nil, err
		}
	}

	if err := t.recover(); err != nil {
		_ = t.closeQueues()
		return nil, fmt.Errorf("failed to recover in-flight messages of %s: %w", name, err)
	}

	return t, nil
}

// recover returns ids persisted in flight to rest. Blocks are flushed
// independently of the tracker lock, so a crash can leave an id persisted at
// two levels or in both sets; the at-rest copy and the highest level win.
func (t *Tracker) recover() error {
	if dups := t.atRest.Dedupe() + t.inFlight.Dedupe(); dups > 0 {
		t.logger.Warn("dropped duplicate persisted ids",
			slog.String("tracker", t.name),
			slog.Int("count", dups))
	}
	if t.inFlight.IsEmpty() {
		return nil
	}

	var stale []Entry
	t.inFlight.Ascend(func(id int64, l priority.Level) bool {
		if !t.atRest.Contains(id) {
			stale = append(stale, Entry{ID: id, Level: l})
		}
		return true
	})
	for _, e := range stale {
		if _, err := t.atRest.Add(e.ID, e.Level); err != nil {
			return err
		}
	}
	n := t.inFlight.Size()
	t.inFlight.Clear()
	t.logger.Info("returned in-flight messages to rest",
		slog.String("tracker", t.name),
		slog.Int("count", n),
		slog.Int("restored", len(stale)))
	return nil
}

// Name returns the tracker name.
func (t *Tracker) Name() string {
	return t.name
}

// DefaultPriority returns the level used by Restore.
func (t *Tracker) DefaultPriority() priority.Level {
	return t.defaultPriority
}

// Metrics returns the tracker's counters.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// AddListener registers l for membership notifications.
func (t *Tracker) AddListener(l Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.listeners = append(t.listeners, l)
	return nil
}

// RemoveListener deregisters l and reports whether it was registered.
func (t *Tracker) RemoveListener(l Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeListenerLocked(l)
}

func (t *Tracker) removeListenerLocked(l Listener) bool {
	for i, cur := range t.listeners {
		if cur == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Tracker) notifyAdd(id int64, p priority.Level) {
	for _, l := range t.listeners {
		l.Add(id, p)
	}
}

func (t *Tracker) notifyRemove(id int64) {
	for _, l := range t.listeners {
		l.Remove(id)
	}
}

// Register makes id available for delivery at level p.
func (t *Tracker) Register(id int64, p priority.Level) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	_, err := t.registerLocked(id, p)
	return err
}

func (t *Tracker) registerLocked(id int64, p priority.Level) (bool, error) {
	if t.atRest.Contains(id) || t.inFlight.Contains(id) {
		return false, nil
	}
	if _, err := t.atRest.Add(id, p); err != nil {
		return false, fmt.Errorf("failed to register %d on %s: %w", id, t.name, err)
	}
	t.notifyAdd(id, p)
	t.metrics.RecordRegister()
	t.logger.Debug("registered",
		slog.String("tracker", t.name),
		slog.Int64("id", id),
		slog.Int("priority", int(p)))
	return true, nil
}

// Restore registers id at the default level, used for recovered messages
// whose priority is unknown.
func (t *Tracker) Restore(id int64) error {
	return t.Register(id, t.defaultPriority)
}

// Allocate moves id in flight at level p. An id that is not at rest is still
// placed in flight, replacing any stale in-flight copy.
func (t *Tracker) Allocate(id int64, p priority.Level) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	lvl, atRest := t.atRest.LevelOf(id)
	if atRest {
		t.atRest.RemoveAt(id, lvl)
	} else {
		t.inFlight.Remove(id)
	}
	if _, err := t.inFlight.Add(id, p); err != nil {
		if atRest {
			_, _ = t.atRest.Add(id, lvl)
		}
		return fmt.Errorf("failed to allocate %d on %s: %w", id, t.name, err)
	}
	t.metrics.RecordAllocate()
	t.logger.Debug("allocated",
		slog.String("tracker", t.name),
		slog.Int64("id", id))
	return nil
}

// Claim moves id in flight only if it is currently at rest, and reports
// whether it did.
func (t *Tracker) Claim(id int64, p priority.Level) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	lvl, ok := t.atRest.LevelOf(id)
	if !ok {
		return false, nil
	}
	t.atRest.RemoveAt(id, lvl)
	if _, err := t.inFlight.Add(id, p); err != nil {
		_, _ = t.atRest.Add(id, lvl)
		return false, fmt.Errorf("failed to claim %d on %s: %w", id, t.name, err)
	}
	t.metrics.RecordAllocate()
	return true, nil
}

// Commit removes id from the in-flight set.
func (t *Tracker) Commit(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.inFlight.Remove(id) {
		t.notifyRemove(id)
		t.metrics.RecordCommit()
		t.logger.Debug("committed",
			slog.String("tracker", t.name),
			slog.Int64("id", id))
	}
	return nil
}

// Rollback returns id from flight to rest at the level chosen by the
// rollback policy.
func (t *Tracker) Rollback(id int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	return t.rollbackLocked(id)
}

func (t *Tracker) rollbackLocked(id int64) (bool, error) {
	lvl, ok := t.inFlight.LevelOf(id)
	if !ok {
		return false, nil
	}
	target := t.policy.Apply(lvl)
	if _, err := t.atRest.Add(id, target); err != nil {
		return false, fmt.Errorf("failed to roll back %d on %s: %w", id, t.name, err)
	}
	t.inFlight.RemoveAt(id, lvl)
	t.notifyAdd(id, target)
	t.metrics.RecordRollback(1)
	t.logger.Debug("rolled back",
		slog.String("tracker", t.name),
		slog.Int64("id", id),
		slog.Int("priority", int(target)))
	return true, nil
}

// RollbackAll returns every in-flight id to rest. Listeners receive one bulk
// add before the in-flight set is cleared.
func (t *Tracker) RollbackAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	return t.rollbackAllLocked()
}

func (t *Tracker) rollbackAllLocked() error {
	if t.inFlight.IsEmpty() {
		return nil
	}
	n := t.inFlight.Size()

	stage := t.inFlight
	if t.stage != nil {
		stage = t.stage
		defer stage.Clear()
		if err := stage.AddAllWith(t.inFlight, t.policy.Apply); err != nil {
			return fmt.Errorf("failed to stage in-flight messages of %s: %w", t.name, err)
		}
	}

	if err := t.atRest.AddAll(stage); err != nil {
		t.settlePartialRollback()
		return fmt.Errorf("failed to roll back in-flight messages of %s: %w", t.name, err)
	}
	for _, l := range t.listeners {
		l.AddAll(stage)
	}
	t.inFlight.Clear()

	t.metrics.RecordRollback(n)
	t.logger.Info("rolled back in-flight messages",
		slog.String("tracker", t.name),
		slog.Int("count", n))
	return nil
}

// settlePartialRollback drops the in-flight copy of every id a failed bulk
// rollback already placed at rest.
func (t *Tracker) settlePartialRollback() {
	var moved []Entry
	t.inFlight.Ascend(func(id int64, l priority.Level) bool {
		if t.atRest.Contains(id) {
			moved = append(moved, Entry{ID: id, Level: l})
		}
		return true
	})
	for _, e := range moved {
		t.inFlight.RemoveAt(e.ID, e.Level)
		if lvl, ok := t.atRest.LevelOf(e.ID); ok {
			t.notifyAdd(e.ID, lvl)
		}
	}
	t.metrics.RecordRollback(len(moved))
}

// Expire removes id from both sets.
func (t *Tracker) Expire(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	rest := t.atRest.Remove(id)
	flight := t.inFlight.Remove(id)
	if rest || flight {
		t.notifyRemove(id)
		t.metrics.RecordExpire()
	}
	return nil
}

// NextMessageID returns the next deliverable id without removing it.
func (t *Tracker) NextMessageID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return NoMessage
	}
	id, ok := t.atRest.PeekNext()
	if !ok {
		return NoMessage
	}
	return id
}

// Size returns the number of resident ids, at rest or in flight.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	return t.atRest.Size() + t.inFlight.Size()
}

// Pending returns the number of ids at rest.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	return t.atRest.Size()
}

// InFlight returns the number of ids in flight.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	return t.inFlight.Size()
}

func (t *Tracker) HasMessagesInFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed && !t.inFlight.IsEmpty()
}

func (t *Tracker) HasAtRestMessages() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed && !t.atRest.IsEmpty()
}

// HasMessage reports whether id is at rest or in flight.
func (t *Tracker) HasMessage(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	return t.atRest.Contains(id) || t.inFlight.Contains(id)
}

// AtRestContains reports whether id is at rest.
func (t *Tracker) AtRestContains(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed && t.atRest.Contains(id)
}

// IsInFlight reports whether id is in flight.
func (t *Tracker) IsInFlight(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed && t.inFlight.Contains(id)
}

// AtRest returns the at-rest ids in delivery order.
func (t *Tracker) AtRest() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	return t.atRest.Flatten()
}

// All returns the at-rest ids in delivery order followed by the in-flight ids.
func (t *Tracker) All() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	return append(t.atRest.Flatten(), t.inFlight.Flatten()...)
}

// InFlightEntries returns the in-flight ids with their levels.
func (t *Tracker) InFlightEntries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	entries := make([]Entry, 0, t.inFlight.Size())
	t.inFlight.Ascend(func(id int64, l priority.Level) bool {
		entries = append(entries, Entry{ID: id, Level: l})
		return true
	})
	return entries
}

// OpenSnapshot returns a browsing view of the at-rest set. With deepCopy the
// view starts with the current at-rest ids; otherwise it starts empty and
// only reflects later changes.
func (t *Tracker) OpenSnapshot(deepCopy bool) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	s, err := newSnapshot(t, t.views)
	if err != nil {
		return nil, err
	}
	if deepCopy {
		if err := s.view.AddAll(t.atRest); err != nil {
			_ = s.view.Delete()
			return nil, fmt.Errorf("failed to copy %s into snapshot: %w", t.name, err)
		}
	}
	t.listeners = append(t.listeners, s)
	return s, nil
}

func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("%s At Rest:%s InFlight:%s", t.name, t.atRest, t.inFlight)
}

func (t *Tracker) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.closed = true
	t.listeners = nil
	return true
}

func (t *Tracker) closeQueues() error {
	var errs []error
	for _, q := range []*priority.Queue{t.atRest, t.inFlight, t.stage} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the in-memory state. Persisted blocks are kept so a durable
// subscription can be reopened.
func (t *Tracker) Close() error {
	if !t.markClosed() {
		return nil
	}
	if err := t.closeQueues(); err != nil {
		t.logger.Warn("failed to close tracker storage",
			slog.String("tracker", t.name),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Delete releases the tracker and removes its persisted blocks. The tracker
// is closed even if removing persisted state fails.
func (t *Tracker) Delete() error {
	if !t.markClosed() {
		return nil
	}
	var errs []error
	for _, q := range []*priority.Queue{t.atRest, t.inFlight, t.stage} {
		if q == nil {
			continue
		}
		if err := q.Delete(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("failed to delete tracker storage",
			slog.String("tracker", t.name),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
