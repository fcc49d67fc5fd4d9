// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/absmach/fluxtrack/priority"
)

// RollbackPolicy decides the level a rolled back message returns to.
type RollbackPolicy string

const (
	// RollbackMaintain keeps the level the message was allocated at.
	RollbackMaintain RollbackPolicy = "maintain"
	// RollbackIncrement raises the level by one, capped at priority.Highest.
	RollbackIncrement RollbackPolicy = "increment"
)

// Apply returns the at-rest level for a message rolled back from l.
func (p RollbackPolicy) Apply(l priority.Level) priority.Level {
	if p == RollbackIncrement {
		return l.Increment()
	}
	return l
}

// Validate checks p is a known policy.
func (p RollbackPolicy) Validate() error {
	switch p {
	case RollbackMaintain, RollbackIncrement:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, p)
	}
}

// Options configures a Tracker.
type Options struct {
	// AtRest stores the at-rest bit blocks. Required.
	AtRest bitset.Factory
	// InFlight stores the in-flight bit blocks. Defaults to AtRest.
	InFlight bitset.Factory
	// DefaultPriority is the level used by Restore. Nil selects
	// priority.OneBelowHighest.
	DefaultPriority *priority.Level
	RollbackPolicy  RollbackPolicy
	Logger          *slog.Logger
	// Metrics may be shared between trackers.
	Metrics *Metrics
}

// DefaultOptions returns options storing both sets in f.
func DefaultOptions(f bitset.Factory) Options {
	return Options{
		AtRest:         f,
		InFlight:       f,
		RollbackPolicy: RollbackMaintain,
	}
}
