// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package state tracks, per subscription, which message identifiers are
// available for delivery and which are in flight awaiting acknowledgement.
//
// A message moves AtRest -> InFlight on Allocate, leaves on Commit, returns
// to AtRest on Rollback and may be removed from either state by Expire. An
// identifier is never held in both states of one tracker.
package state

import "github.com/absmach/fluxtrack/priority"

// NoMessage is returned by NextMessageID when nothing is at rest.
const NoMessage int64 = -1

// Manager is the delivery state of one subscription.
type Manager interface {
	Name() string

	// Register makes id available at level p. Registering a resident id is a no-op.
	Register(id int64, p priority.Level) error
	// Restore registers id at the configured default level.
	Restore(id int64) error
	// Allocate moves id in flight at level p.
	Allocate(id int64, p priority.Level) error
	// Commit removes an in-flight id. Absent ids are ignored.
	Commit(id int64) error
	// Rollback returns an in-flight id to rest and reports whether it was in flight.
	Rollback(id int64) (bool, error)
	// RollbackAll returns every in-flight id to rest.
	RollbackAll() error
	// Expire removes id from both states. Absent ids are ignored.
	Expire(id int64) error

	// NextMessageID returns the next deliverable id without removing it,
	// or NoMessage.
	NextMessageID() int64
	Size() int
	Pending() int
	InFlight() int
	HasMessagesInFlight() bool
	HasAtRestMessages() bool
	HasMessage(id int64) bool
	// AtRest returns the at-rest ids in delivery order.
	AtRest() []int64
	// All returns the at-rest ids in delivery order followed by the
	// in-flight ids.
	All() []int64

	Close() error
	Delete() error
}

// Entry is an identifier together with the level it is held at.
type Entry struct {
	ID    int64
	Level priority.Level
}

// Listener observes membership changes of a tracker's resident set. Calls
// are made with the tracker lock held and must not call back into it.
type Listener interface {
	Add(id int64, p priority.Level)
	// AddAll receives a queue that is only valid for the duration of the call.
	AddAll(src *priority.Queue)
	Remove(id int64)
}

// Reaper accepts identifiers evicted from a bounded tracker for asynchronous
// deletion of their bodies.
type Reaper interface {
	Offer(id int64)
}
