// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"log/slog"
	"sync"

	"github.com/absmach/fluxtrack/priority"
)

// Member is a tracker that can take part in a Group.
type Member interface {
	Name() string
	Register(id int64, p priority.Level) error
	Claim(id int64, p priority.Level) (bool, error)
	Commit(id int64) error
	Rollback(id int64) (bool, error)
	RollbackAll() error
	Expire(id int64) error
	Size() int
	Pending() int
	InFlight() int
	HasMessagesInFlight() bool
	HasAtRestMessages() bool
	InFlightEntries() []Entry
}

var (
	_ Member = (*Tracker)(nil)
	_ Member = (*Bounded)(nil)
)

// Group coordinates sibling trackers that observe the same backlog so that an
// id taken by one consumer is not offered by another.
//
// Broadcasts run one at a time and visit members under each member's own
// lock, so a registration or allocation is never observed half applied by
// another broadcast. They are not transactional: the first failure stops the
// broadcast and is returned as a *BroadcastError, and members already updated
// stay updated. Reconcile repairs such divergence.
type Group struct {
	name    string
	members []Member
	logger  *slog.Logger
	mu      sync.RWMutex
	// opMu serializes broadcasts; it is taken before mu and any member lock.
	opMu sync.Mutex
}

// NewGroup creates an empty group.
func NewGroup(name string, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{name: name, logger: logger}
}

func (g *Group) Name() string {
	return g.name
}

// Add joins m to the group. Adding a member twice is a no-op.
func (g *Group) Add(m Member) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, cur := range g.members {
		if cur == m {
			return
		}
	}
	g.members = append(g.members, m)
}

// Remove takes m out of the group and reports whether it was a member.
func (g *Group) Remove(m Member) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, cur := range g.members {
		if cur == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

// Members returns a copy of the member list.
func (g *Group) Members() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Member, len(g.members))
	copy(out, g.members)
	return out
}

// Len returns the number of members.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.members)
}

func (g *Group) fail(op string, id int64, m Member, applied int, err error) error {
	g.logger.Warn("group broadcast failed",
		slog.String("group", g.name),
		slog.String("op", op),
		slog.Int64("id", id),
		slog.String("member", m.Name()),
		slog.Int("applied", applied),
		slog.String("error", err.Error()))
	return &BroadcastError{Op: op, ID: id, Member: m.Name(), Applied: applied, Err: err}
}

// Register makes id available at level p on every member.
func (g *Group) Register(id int64, p priority.Level) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	for i, m := range g.Members() {
		if err := m.Register(id, p); err != nil {
			return g.fail("register", id, m, i, err)
		}
	}
	return nil
}

// Allocate moves id in flight on every member holding it at rest. It returns
// ErrAlreadyAllocated when no member held id at rest.
func (g *Group) Allocate(id int64, p priority.Level) error {
	return g.AllocateFor(nil, id, p)
}

// AllocateFor moves id in flight for owner and then on every other member
// holding it at rest. When owner no longer holds id at rest the broadcast is
// skipped and ErrAlreadyAllocated is returned, so two consumers racing for
// the same id cannot both take it. A nil owner claims on behalf of the group.
func (g *Group) AllocateFor(owner Member, id int64, p priority.Level) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	applied, claimed := 0, false
	if owner != nil {
		ok, err := owner.Claim(id, p)
		if err != nil {
			return g.fail("allocate", id, owner, applied, err)
		}
		if !ok {
			return ErrAlreadyAllocated
		}
		applied, claimed = 1, true
	}
	for _, m := range g.Members() {
		if m == owner {
			continue
		}
		ok, err := m.Claim(id, p)
		if err != nil {
			return g.fail("allocate", id, m, applied, err)
		}
		applied++
		claimed = claimed || ok
	}
	if !claimed {
		return ErrAlreadyAllocated
	}
	return nil
}

// Commit removes id from flight on every member.
func (g *Group) Commit(id int64) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	for i, m := range g.Members() {
		if err := m.Commit(id); err != nil {
			return g.fail("commit", id, m, i, err)
		}
	}
	return nil
}

// Rollback returns id to rest on every member holding it in flight and
// reports whether any member did.
func (g *Group) Rollback(id int64) (bool, error) {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	found := false
	for i, m := range g.Members() {
		ok, err := m.Rollback(id)
		if err != nil {
			return found, g.fail("rollback", id, m, i, err)
		}
		found = found || ok
	}
	return found, nil
}

// RollbackAll returns every member's in-flight ids to rest, including ids
// other consumers are still processing. Use it only to reset an idle group;
// a single consumer gives up its own ids through Proxy.RollbackAll.
func (g *Group) RollbackAll() error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	for i, m := range g.Members() {
		if err := m.RollbackAll(); err != nil {
			return g.fail("rollback all", NoMessage, m, i, err)
		}
	}
	return nil
}

// Expire removes id from every member.
func (g *Group) Expire(id int64) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	for i, m := range g.Members() {
		if err := m.Expire(id); err != nil {
			return g.fail("expire", id, m, i, err)
		}
	}
	return nil
}

// Size sums the members' sizes.
func (g *Group) Size() int {
	n := 0
	for _, m := range g.Members() {
		n += m.Size()
	}
	return n
}

// Pending sums the members' at-rest counts.
func (g *Group) Pending() int {
	n := 0
	for _, m := range g.Members() {
		n += m.Pending()
	}
	return n
}

// InFlight sums the members' in-flight counts.
func (g *Group) InFlight() int {
	n := 0
	for _, m := range g.Members() {
		n += m.InFlight()
	}
	return n
}

func (g *Group) HasMessagesInFlight() bool {
	for _, m := range g.Members() {
		if m.HasMessagesInFlight() {
			return true
		}
	}
	return false
}

func (g *Group) HasAtRestMessages() bool {
	for _, m := range g.Members() {
		if m.HasAtRestMessages() {
			return true
		}
	}
	return false
}

// Reconcile claims every id that is in flight on some member on each other
// member still holding it at rest, and returns the number of ids claimed. It
// is meant to run after a failed broadcast or periodically.
func (g *Group) Reconcile() (int, error) {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	members := g.Members()
	claimed := 0
	for _, src := range members {
		for _, e := range src.InFlightEntries() {
			for i, dst := range members {
				if dst == src {
					continue
				}
				ok, err := dst.Claim(e.ID, e.Level)
				if err != nil {
					return claimed, g.fail("reconcile", e.ID, dst, i, err)
				}
				if ok {
					claimed++
				}
			}
		}
	}
	if claimed > 0 {
		g.logger.Info("reconciled group members",
			slog.String("group", g.name),
			slog.Int("claimed", claimed))
	}
	return claimed, nil
}
