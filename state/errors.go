// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("tracker closed")
	ErrNilCollaborator = errors.New("nil collaborator")
	ErrInvalidLimit    = errors.New("bounded limit must be positive")
	ErrInvalidPriority = errors.New("invalid default priority")
	ErrInvalidPolicy   = errors.New("invalid rollback policy")

	// ErrAlreadyAllocated is returned by group allocations when the id is no
	// longer at rest, usually because a sibling took it first.
	ErrAlreadyAllocated = errors.New("already allocated")
)

// BroadcastError reports a group operation that failed on one member after
// Applied members had already been updated. Those members are not reverted.
type BroadcastError struct {
	Op      string
	ID      int64
	Member  string
	Applied int
	Err     error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("%s of %d failed on %s after %d members: %v", e.Op, e.ID, e.Member, e.Applied, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}
