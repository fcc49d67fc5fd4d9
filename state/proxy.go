// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxtrack/priority"
)

var _ Manager = (*Proxy)(nil)

// Proxy splits a Manager between an authoritative tracker, which receives
// registrations and answers queries, and a group, which receives the
// delivery operations.
//
// The proxy remembers which ids it allocated itself. Rollback and RollbackAll
// only return those ids to the group, so giving up one consumer's work never
// re-offers ids a sibling is still processing.
type Proxy struct {
	authority *Tracker
	group     *Group

	mu   sync.Mutex
	held map[int64]struct{}
}

// NewProxy joins authority to group and returns the combined manager.
func NewProxy(authority *Tracker, group *Group) (*Proxy, error) {
	if authority == nil || group == nil {
		return nil, fmt.Errorf("%w: proxy needs a tracker and a group", ErrNilCollaborator)
	}
	group.Add(authority)
	return &Proxy{authority: authority, group: group, held: make(map[int64]struct{})}, nil
}

// Authority returns the tracker registrations go to.
func (p *Proxy) Authority() *Tracker {
	return p.authority
}

// Group returns the group delivery operations go to.
func (p *Proxy) Group() *Group {
	return p.group
}

func (p *Proxy) Name() string {
	return p.authority.Name()
}

func (p *Proxy) Register(id int64, l priority.Level) error {
	return p.authority.Register(id, l)
}

func (p *Proxy) Restore(id int64) error {
	return p.authority.Restore(id)
}

// Allocate claims id for this proxy's authority and then for its siblings.
// It returns ErrAlreadyAllocated when the id is no longer at rest here.
func (p *Proxy) Allocate(id int64, l priority.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.group.AllocateFor(p.authority, id, l)
	var berr *BroadcastError
	if err == nil || (errors.As(err, &berr) && berr.Applied > 0) {
		p.held[id] = struct{}{}
	}
	return err
}

func (p *Proxy) Commit(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.group.Commit(id)
	p.releaseLocked(id, err)
	return err
}

// Rollback returns id to the group if this proxy allocated it. Ids held by
// other consumers are left alone.
func (p *Proxy) Rollback(id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[id]; !ok {
		return false, nil
	}
	ok, err := p.group.Rollback(id)
	p.releaseLocked(id, err)
	return ok, err
}

// RollbackAll returns every id this proxy allocated to the group.
func (p *Proxy) RollbackAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rollbackHeldLocked()
}

func (p *Proxy) rollbackHeldLocked() error {
	var errs []error
	for id := range p.held {
		_, err := p.group.Rollback(id)
		p.releaseLocked(id, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Proxy) Expire(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.group.Expire(id)
	p.releaseLocked(id, err)
	return err
}

// releaseLocked forgets id unless the operation failed before reaching the
// authority.
func (p *Proxy) releaseLocked(id int64, err error) {
	if err == nil || !p.authority.IsInFlight(id) {
		delete(p.held, id)
	}
}

func (p *Proxy) NextMessageID() int64 {
	return p.authority.NextMessageID()
}

func (p *Proxy) Size() int {
	return p.authority.Size()
}

func (p *Proxy) Pending() int {
	return p.authority.Pending()
}

func (p *Proxy) InFlight() int {
	return p.authority.InFlight()
}

func (p *Proxy) HasMessagesInFlight() bool {
	return p.authority.HasMessagesInFlight()
}

func (p *Proxy) HasAtRestMessages() bool {
	return p.authority.HasAtRestMessages()
}

func (p *Proxy) HasMessage(id int64) bool {
	return p.authority.HasMessage(id)
}

func (p *Proxy) AtRest() []int64 {
	return p.authority.AtRest()
}

func (p *Proxy) All() []int64 {
	return p.authority.All()
}

// OpenSnapshot opens a view of the authority's at-rest set.
func (p *Proxy) OpenSnapshot(deepCopy bool) (*Snapshot, error) {
	return p.authority.OpenSnapshot(deepCopy)
}

// Close returns held ids to the group, leaves it and closes the authority.
func (p *Proxy) Close() error {
	return p.leave(p.authority.Close)
}

// Delete returns held ids to the group, leaves it and deletes the authority.
func (p *Proxy) Delete() error {
	return p.leave(p.authority.Delete)
}

func (p *Proxy) leave(release func() error) error {
	p.mu.Lock()
	err := p.rollbackHeldLocked()
	p.held = make(map[int64]struct{})
	p.mu.Unlock()

	p.group.Remove(p.authority)
	return errors.Join(err, release())
}
