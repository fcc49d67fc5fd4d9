// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bitset

import (
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxtrack/internal/bufpool"
)

// DefaultBlockSize is the number of identifiers covered by one block.
const DefaultBlockSize = 8192

var (
	ErrFactoryClosed    = errors.New("bitset factory closed")
	ErrInvalidBlockSize = errors.New("block size must be a positive multiple of 64")
)

// Factory creates, recycles and persists the blocks backing a Set.
//
// Acquire and Release are called with the owning set's lock held and must not
// block on I/O. Persistent factories defer writes and deletes to a background
// flusher.
type Factory interface {
	// BlockSize returns the number of bits per block.
	BlockSize() int
	// Acquire returns an empty block for owner starting at start.
	Acquire(owner string, start int64) (*Block, error)
	// Release hands back a block its owner no longer needs. Any persisted
	// copy is removed.
	Release(b *Block)
	// Detach stops tracking a live block, persisting its final state.
	Detach(b *Block) error
	// Load returns the blocks previously persisted for owner.
	Load(owner string) ([]*Block, error)
	// Purge removes every persisted block of owner.
	Purge(owner string) error
	// Close releases the factory's resources.
	Close() error
}

// Config holds block storage parameters.
type Config struct {
	BlockSize int `yaml:"block_size"`
}

// DefaultConfig returns the default block parameters.
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize}
}

// Validate checks that the block size is usable.
func (c Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize%64 != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, c.BlockSize)
	}
	return nil
}

var _ Factory = (*MemoryFactory)(nil)

// MemoryFactory keeps blocks on the heap and recycles their words.
type MemoryFactory struct {
	size   int
	closed bool
	mu     sync.RWMutex
}

// NewMemoryFactory creates a heap-backed factory.
func NewMemoryFactory(cfg Config) (*MemoryFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryFactory{size: cfg.BlockSize}, nil
}

// BlockSize returns the number of bits per block.
func (f *MemoryFactory) BlockSize() int {
	return f.size
}

// Acquire returns an empty block backed by pooled words.
func (f *MemoryFactory) Acquire(owner string, start int64) (*Block, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrFactoryClosed
	}
	return NewBlock(owner, start, bufpool.GetWords(f.size/64)), nil
}

// Release returns the block's words to the pool.
func (f *MemoryFactory) Release(b *Block) {
	words := b.words
	b.words = nil
	b.count = 0
	bufpool.PutWords(words)
}

// Detach behaves like Release; nothing is persisted.
func (f *MemoryFactory) Detach(b *Block) error {
	f.Release(b)
	return nil
}

// Load returns no blocks.
func (f *MemoryFactory) Load(string) ([]*Block, error) {
	return nil, nil
}

// Purge is a no-op.
func (f *MemoryFactory) Purge(string) error {
	return nil
}

// Close stops the factory from handing out new blocks.
func (f *MemoryFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
