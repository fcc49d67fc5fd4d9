// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package priority composes one bitset per priority level into a single
// collection ordered by level first and identifier second.
package priority

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/absmach/fluxtrack/bitset"
)

// Queue holds identifiers in per-level sets. Iteration and PeekNext visit the
// highest occupied level first, ascending identifiers within a level.
//
// Queue is not safe for concurrent use.
type Queue struct {
	name     string
	sets     [Levels]*bitset.Set
	occupied uint16
}

// NewQueue creates a queue whose level sets are stored as "{name}/{level}".
func NewQueue(name string, f bitset.Factory) (*Queue, error) {
	q := &Queue{name: name}
	for l := range q.sets {
		s, err := bitset.New(fmt.Sprintf("%s/%d", name, l), f)
		if err != nil {
			for _, prev := range q.sets[:l] {
				_ = prev.Close()
			}
			return nil, err
		}
		q.sets[l] = s
		q.sync(Level(l))
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) sync(l Level) {
	if q.sets[l].IsEmpty() {
		q.occupied &^= 1 << l
	} else {
		q.occupied |= 1 << l
	}
}

func (q *Queue) isOccupied(l Level) bool {
	return q.occupied&(1<<l) != 0
}

// Add inserts id at level l and reports whether it was absent from that level.
func (q *Queue) Add(id int64, l Level) (bool, error) {
	checkLevel(l)
	added, err := q.sets[l].Add(id)
	if err != nil {
		return false, err
	}
	q.occupied |= 1 << l
	return added, nil
}

// Remove deletes id from whichever level holds it, scanning from the highest
// level down and stopping at the first hit.
func (q *Queue) Remove(id int64) bool {
	_, ok := q.RemoveAndGetLevel(id)
	return ok
}

// RemoveAt deletes id from level l only.
func (q *Queue) RemoveAt(id int64, l Level) bool {
	checkLevel(l)
	if !q.isOccupied(l) || !q.sets[l].Remove(id) {
		return false
	}
	q.sync(l)
	return true
}

// RemoveAndGetLevel deletes id and returns the level it was held at.
func (q *Queue) RemoveAndGetLevel(id int64) (Level, bool) {
	for l := Highest; l >= Lowest; l-- {
		if q.isOccupied(l) && q.sets[l].Remove(id) {
			q.sync(l)
			return l, true
		}
	}
	return 0, false
}

// Contains reports whether id is held at any level.
func (q *Queue) Contains(id int64) bool {
	_, ok := q.LevelOf(id)
	return ok
}

// LevelOf returns the level holding id.
func (q *Queue) LevelOf(id int64) (Level, bool) {
	for l := Highest; l >= Lowest; l-- {
		if q.isOccupied(l) && q.sets[l].Contains(id) {
			return l, true
		}
	}
	return 0, false
}

// PeekNext returns the lowest identifier of the highest occupied level.
func (q *Queue) PeekNext() (int64, bool) {
	if q.occupied == 0 {
		return 0, false
	}
	return q.sets[bits.Len16(q.occupied)-1].Lowest()
}

// PopNext removes and returns the identifier PeekNext would return.
func (q *Queue) PopNext() (int64, Level, bool) {
	if q.occupied == 0 {
		return 0, 0, false
	}
	l := Level(bits.Len16(q.occupied) - 1)
	id, ok := q.sets[l].RemoveLowest()
	q.sync(l)
	return id, l, ok
}

// Tail returns the largest identifier of the lowest occupied level, the entry
// delivered last.
func (q *Queue) Tail() (int64, Level, bool) {
	if q.occupied == 0 {
		return 0, 0, false
	}
	l := Level(bits.TrailingZeros16(q.occupied))
	id, ok := q.sets[l].Highest()
	return id, l, ok
}

// Size returns the number of identifiers across all levels.
func (q *Queue) Size() int {
	n := 0
	for _, s := range q.sets {
		n += s.Size()
	}
	return n
}

// LevelSize returns the number of identifiers held at l.
func (q *Queue) LevelSize(l Level) int {
	checkLevel(l)
	return q.sets[l].Size()
}

// IsEmpty reports whether no level holds an identifier.
func (q *Queue) IsEmpty() bool {
	return q.occupied == 0
}

// Ascend calls fn in delivery order until fn returns false. The queue must
// not be modified during the walk.
func (q *Queue) Ascend(fn func(id int64, l Level) bool) {
	for l := Highest; l >= Lowest; l-- {
		if !q.isOccupied(l) {
			continue
		}
		stop := false
		q.sets[l].Ascend(func(id int64) bool {
			if !fn(id, l) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// Flatten returns every identifier in delivery order.
func (q *Queue) Flatten() []int64 {
	ids := make([]int64, 0, q.Size())
	q.Ascend(func(id int64, _ Level) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// AddAll imports every identifier of src at the level src holds it.
func (q *Queue) AddAll(src *Queue) error {
	return q.AddAllWith(src, nil)
}

// AddAllWith imports src, placing each source level at remap(level). A nil
// remap keeps levels unchanged.
func (q *Queue) AddAllWith(src *Queue, remap func(Level) Level) error {
	if src == nil {
		return nil
	}
	for l := Highest; l >= Lowest; l-- {
		if !src.isOccupied(l) {
			continue
		}
		dst := l
		if remap != nil {
			dst = remap(l)
			checkLevel(dst)
		}
		if err := q.sets[dst].Union(src.sets[l]); err != nil {
			return err
		}
		q.sync(dst)
	}
	return nil
}

// Dedupe keeps each identifier only at the highest level holding it and
// returns the number of copies removed.
func (q *Queue) Dedupe() int {
	removed := 0
	for l := Highest; l > Lowest; l-- {
		if !q.isOccupied(l) {
			continue
		}
		for lower := l - 1; lower >= Lowest; lower-- {
			if !q.isOccupied(lower) {
				continue
			}
			var dups []int64
			q.sets[l].Ascend(func(id int64) bool {
				if q.sets[lower].Contains(id) {
					dups = append(dups, id)
				}
				return true
			})
			for _, id := range dups {
				q.sets[lower].Remove(id)
			}
			removed += len(dups)
			q.sync(lower)
		}
	}
	return removed
}

// Clear empties every level.
func (q *Queue) Clear() {
	for _, s := range q.sets {
		s.Clear()
	}
	q.occupied = 0
}

// Close detaches the level sets, keeping any persisted state.
func (q *Queue) Close() error {
	var errs []error
	for _, s := range q.sets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.occupied = 0
	return errors.Join(errs...)
}

// Delete empties every level and purges persisted state.
func (q *Queue) Delete() error {
	var errs []error
	for _, s := range q.sets {
		if err := s.Delete(); err != nil {
			errs = append(errs, err)
		}
	}
	q.occupied = 0
	return errors.Join(errs...)
}

// String lists the occupied levels and their sizes.
func (q *Queue) String() string {
	var b strings.Builder
	b.WriteByte('[')
	first := true
	for l := Highest; l >= Lowest; l-- {
		if !q.isOccupied(l) {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%d:%d", l, q.sets[l].Size())
	}
	b.WriteByte(']')
	return b.String()
}
