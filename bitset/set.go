// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bitset provides a dense ordered set of non-negative message
// identifiers built from fixed-size bit blocks.
//
// Identifiers map to (block, offset) pairs; blocks are allocated lazily from
// a Factory and released as soon as they empty, so memory is bounded by the
// span of resident identifiers rather than by their count.
package bitset

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 16

// node orders blocks by their start identifier in the block index.
type node struct {
	start int64
	block *Block
}

func (n node) Less(than btree.Item) bool {
	return n.start < than.(node).start
}

// Set is an ordered set of identifiers. It is not safe for concurrent use;
// callers serialise access.
type Set struct {
	owner   string
	factory Factory
	size    int64
	index   *btree.BTree
	count   int
}

// New creates a set and reloads any blocks the factory persisted for owner.
func New(owner string, factory Factory) (*Set, error) {
	if factory == nil {
		return nil, errors.New("bitset: nil factory")
	}
	s := &Set{
		owner:   owner,
		factory: factory,
		size:    int64(factory.BlockSize()),
		index:   btree.New(btreeDegree),
	}

	blocks, err := factory.Load(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks for %s: %w", owner, err)
	}
	for _, b := range blocks {
		if b.Count() == 0 || int64(b.Len()) != s.size {
			factory.Release(b)
			continue
		}
		s.index.ReplaceOrInsert(node{start: b.start, block: b})
		s.count += b.Count()
	}
	return s, nil
}

// Owner returns the name the set's blocks are stored under.
func (s *Set) Owner() string {
	return s.owner
}

// BlockSize returns the number of identifiers per block.
func (s *Set) BlockSize() int {
	return int(s.size)
}

func checkID(id int64) {
	if id < 0 {
		panic(fmt.Sprintf("bitset: negative identifier %d", id))
	}
}

func (s *Set) blockStart(id int64) int64 {
	return id - id%s.size
}

func (s *Set) locate(id int64) *Block {
	item := s.index.Get(node{start: s.blockStart(id)})
	if item == nil {
		return nil
	}
	return item.(node).block
}

// Add inserts id and reports whether it was absent.
func (s *Set) Add(id int64) (bool, error) {
	checkID(id)
	b := s.locate(id)
	if b == nil {
		start := s.blockStart(id)
		var err error
		b, err = s.factory.Acquire(s.owner, start)
		if err != nil {
			return false, fmt.Errorf("failed to acquire block %d for %s: %w", start, s.owner, err)
		}
		s.index.ReplaceOrInsert(node{start: start, block: b})
	}
	if !b.set(int(id - b.start)) {
		return false, nil
	}
	s.count++
	return true, nil
}

// Remove deletes id and reports whether it was present.
func (s *Set) Remove(id int64) bool {
	checkID(id)
	b := s.locate(id)
	if b == nil || !b.clear(int(id-b.start)) {
		return false
	}
	s.count--
	if b.count == 0 {
		s.drop(b)
	}
	return true
}

func (s *Set) drop(b *Block) {
	s.index.Delete(node{start: b.start})
	s.factory.Release(b)
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id int64) bool {
	checkID(id)
	b := s.locate(id)
	return b != nil && b.isSet(int(id-b.start))
}

// Lowest returns the smallest identifier without removing it.
func (s *Set) Lowest() (int64, bool) {
	item := s.index.Min()
	if item == nil {
		return 0, false
	}
	b := item.(node).block
	off := b.nextSet(0)
	if off < 0 {
		return 0, false
	}
	return b.start + int64(off), true
}

// RemoveLowest removes and returns the smallest identifier.
func (s *Set) RemoveLowest() (int64, bool) {
	id, ok := s.Lowest()
	if !ok {
		return 0, false
	}
	s.Remove(id)
	return id, true
}

// Highest returns the largest identifier without removing it.
func (s *Set) Highest() (int64, bool) {
	item := s.index.Max()
	if item == nil {
		return 0, false
	}
	b := item.(node).block
	off := b.prevSet(b.Len() - 1)
	if off < 0 {
		return 0, false
	}
	return b.start + int64(off), true
}

// Size returns the number of identifiers in the set.
func (s *Set) Size() int {
	return s.count
}

// IsEmpty reports whether the set holds no identifiers.
func (s *Set) IsEmpty() bool {
	return s.count == 0
}

// Ascend calls fn for every identifier in ascending order until fn returns
// false. The set must not be modified during the walk.
func (s *Set) Ascend(fn func(id int64) bool) {
	s.index.Ascend(func(item btree.Item) bool {
		b := item.(node).block
		for off := b.nextSet(0); off >= 0; off = b.nextSet(off + 1) {
			if !fn(b.start + int64(off)) {
				return false
			}
		}
		return true
	})
}

// Slice returns the identifiers in ascending order.
func (s *Set) Slice() []int64 {
	ids := make([]int64, 0, s.count)
	s.Ascend(func(id int64) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Union adds every identifier of other to s.
func (s *Set) Union(other *Set) error {
	if other == nil || other.count == 0 {
		return nil
	}
	if other.size != s.size {
		var err error
		other.Ascend(func(id int64) bool {
			_, err = s.Add(id)
			return err == nil
		})
		return err
	}

	var err error
	other.index.Ascend(func(item btree.Item) bool {
		src := item.(node).block
		dst := s.locate(src.start)
		if dst == nil {
			dst, err = s.factory.Acquire(s.owner, src.start)
			if err != nil {
				err = fmt.Errorf("failed to acquire block %d for %s: %w", src.start, s.owner, err)
				return false
			}
			s.index.ReplaceOrInsert(node{start: src.start, block: dst})
		}
		s.count += dst.or(src)
		return true
	})
	return err
}

// Clear removes every identifier and releases the blocks.
func (s *Set) Clear() {
	s.index.Ascend(func(item btree.Item) bool {
		s.factory.Release(item.(node).block)
		return true
	})
	s.index.Clear(false)
	s.count = 0
}

// Close detaches every block from the set, leaving persisted state intact.
func (s *Set) Close() error {
	var errs []error
	s.index.Ascend(func(item btree.Item) bool {
		if err := s.factory.Detach(item.(node).block); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	s.index.Clear(false)
	s.count = 0
	return errors.Join(errs...)
}

// Delete releases every block and purges the owner's persisted state.
func (s *Set) Delete() error {
	s.Clear()
	return s.factory.Purge(s.owner)
}

// Iterator walks a set in ascending order. It holds a position rather than a
// copy of the set, so each step reflects the set's current contents.
type Iterator struct {
	set  *Set
	next int64
}

// Iterator returns an iterator positioned before the lowest identifier.
func (s *Set) Iterator() *Iterator {
	return &Iterator{set: s}
}

// Next returns the smallest identifier not below the iterator position.
func (it *Iterator) Next() (int64, bool) {
	var (
		found int64
		ok    bool
	)
	from := it.next
	it.set.index.AscendGreaterOrEqual(node{start: it.set.blockStart(from)}, func(item btree.Item) bool {
		b := item.(node).block
		rel := int(from - b.start)
		if rel < 0 {
			rel = 0
		}
		off := b.nextSet(rel)
		if off < 0 {
			return true
		}
		found, ok = b.start+int64(off), true
		return false
	})
	if ok {
		it.next = found + 1
	}
	return found, ok
}

// Reset moves the iterator back to the start of the set.
func (it *Iterator) Reset() {
	it.next = 0
}
