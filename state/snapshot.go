// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"log/slog"
	"sync"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/absmach/fluxtrack/priority"
	"github.com/google/uuid"
)

var (
	_ Manager  = (*Snapshot)(nil)
	_ Listener = (*Snapshot)(nil)
)

// Snapshot is a live browsing view of a tracker's at-rest set. Its contents
// change only through the parent's listener notifications; its own mutating
// methods are no-ops.
//
// Lock order is parent tracker, then snapshot.
type Snapshot struct {
	id     string
	parent *Tracker
	view   *priority.Queue
	closed bool
	mu     sync.Mutex
}

func newSnapshot(parent *Tracker, f bitset.Factory) (*Snapshot, error) {
	id := uuid.NewString()
	view, err := priority.NewQueue(parent.name+"/snapshot/"+id, f)
	if err != nil {
		return nil, err
	}
	return &Snapshot{id: id, parent: parent, view: view}, nil
}

// ID returns the snapshot's unique id.
func (s *Snapshot) ID() string {
	return s.id
}

func (s *Snapshot) Name() string {
	return s.view.Name()
}

// Add implements Listener.
func (s *Snapshot) Add(id int64, p priority.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.put(id, p)
	}
}

// put holds id at p only, moving it if the parent re-levelled it.
func (s *Snapshot) put(id int64, p priority.Level) {
	if lvl, ok := s.view.LevelOf(id); ok {
		if lvl == p {
			return
		}
		s.view.RemoveAt(id, lvl)
	}
	if _, err := s.view.Add(id, p); err != nil {
		s.parent.logger.Warn("snapshot dropped add",
			slog.String("snapshot", s.id),
			slog.Int64("id", id),
			slog.String("error", err.Error()))
	}
}

// AddAll implements Listener.
func (s *Snapshot) AddAll(src *priority.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.view.IsEmpty() {
		if err := s.view.AddAll(src); err != nil {
			s.parent.logger.Warn("snapshot dropped bulk add",
				slog.String("snapshot", s.id),
				slog.String("error", err.Error()))
		}
		return
	}
	src.Ascend(func(id int64, p priority.Level) bool {
		s.put(id, p)
		return true
	})
}

// Remove implements Listener.
func (s *Snapshot) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.view.Remove(id)
	}
}

// Poll removes and returns the next id of the view in delivery order. The
// parent is not affected.
func (s *Snapshot) Poll() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false
	}
	id, _, ok := s.view.PopNext()
	return id, ok
}

// Contains reports whether id is in the view.
func (s *Snapshot) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.closed && s.view.Contains(id)
}

// IDs returns the view contents in delivery order.
func (s *Snapshot) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.view.Flatten()
}

func (s *Snapshot) Register(int64, priority.Level) error { return nil }
func (s *Snapshot) Restore(int64) error                  { return nil }
func (s *Snapshot) Allocate(int64, priority.Level) error { return nil }
func (s *Snapshot) Commit(int64) error                   { return nil }
func (s *Snapshot) Rollback(int64) (bool, error)         { return false, nil }
func (s *Snapshot) RollbackAll() error                   { return nil }
func (s *Snapshot) Expire(int64) error                   { return nil }

func (s *Snapshot) NextMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NoMessage
	}
	id, ok := s.view.PeekNext()
	if !ok {
		return NoMessage
	}
	return id
}

func (s *Snapshot) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	return s.view.Size()
}

func (s *Snapshot) Pending() int {
	return s.Size()
}

func (s *Snapshot) InFlight() int {
	return 0
}

func (s *Snapshot) HasMessagesInFlight() bool {
	return false
}

func (s *Snapshot) HasAtRestMessages() bool {
	return s.Size() > 0
}

func (s *Snapshot) HasMessage(id int64) bool {
	return s.Contains(id)
}

func (s *Snapshot) AtRest() []int64 {
	return s.IDs()
}

func (s *Snapshot) All() []int64 {
	return s.IDs()
}

// Close deregisters the view from its parent and releases it.
func (s *Snapshot) Close() error {
	s.parent.RemoveListener(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.view.Delete()
}

// Delete is Close; a view owns no persisted state.
func (s *Snapshot) Delete() error {
	return s.Close()
}
