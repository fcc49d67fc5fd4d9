// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a bitset.Factory that persists bit blocks in
// BadgerDB so durable subscriptions survive restarts.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "bitset/"

var _ bitset.Factory = (*Factory)(nil)

// Config holds the persistent factory settings.
type Config struct {
	Dir           string        // BadgerDB directory, used by Open
	BlockSize     int           // bits per block
	SyncWrites    bool          // fsync every flush
	FlushInterval time.Duration // how often dirty blocks are written
	GCInterval    time.Duration // value log GC period; 0 leaves GC of a shared DB to its owner
	Compression   Compression
}

// DefaultConfig returns the default persistent factory settings.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		BlockSize:     bitset.DefaultBlockSize,
		FlushInterval: time.Second,
		GCInterval:    5 * time.Minute,
		Compression:   CompressionS2,
	}
}

// Factory keeps live blocks in memory and writes them to BadgerDB from a
// background flusher. Releases are queued as deletes and applied before the
// writes of the same flush, so a key released and re-acquired in one interval
// ends with the newer block's contents.
type Factory struct {
	db      *badger.DB
	ownsDB  bool
	cfg     Config
	logger  *slog.Logger
	live    map[*bitset.Block]struct{}
	deletes [][]byte
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}
	mu      sync.Mutex
}

// Open opens a BadgerDB at cfg.Dir and returns a factory that owns it.
func Open(cfg Config, logger *slog.Logger) (*Factory, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitset store: %w", err)
	}

	f, err := newFactory(db, true, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return f, nil
}

// New returns a factory on a DB owned by the caller. Close does not close db.
func New(db *badger.DB, cfg Config, logger *slog.Logger) (*Factory, error) {
	return newFactory(db, false, cfg, logger)
}

func newFactory(db *badger.DB, owns bool, cfg Config, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := (bitset.Config{BlockSize: cfg.BlockSize}).Validate(); err != nil {
		return nil, err
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.GCInterval <= 0 && owns {
		cfg.GCInterval = 5 * time.Minute
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if _, err := encodeWords(nil, cfg.Compression); err != nil {
		return nil, err
	}

	f := &Factory{
		db:     db,
		ownsDB: owns,
		cfg:    cfg,
		logger: logger,
		live:   make(map[*bitset.Block]struct{}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Keys are bitset/{len(owner)}:{owner}/{start}. The length keeps one owner's
// prefix from matching another owner that extends its name.
func blockKey(owner string, start int64) []byte {
	return fmt.Appendf(ownerPrefix(owner), "%016x", start)
}

func ownerPrefix(owner string) []byte {
	return fmt.Appendf(nil, "%s%d:%s/", keyPrefix, len(owner), owner)
}

// BlockSize returns the number of bits per block.
func (f *Factory) BlockSize() int {
	return f.cfg.BlockSize
}

// Acquire returns an empty in-memory block; it is written on the next flush
// after it first changes.
func (f *Factory) Acquire(owner string, start int64) (*bitset.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, bitset.ErrFactoryClosed
	}
	b := bitset.NewBlock(owner, start, make([]uint64, f.cfg.BlockSize/64))
	f.live[b] = struct{}{}
	return b, nil
}

// Release forgets b and queues deletion of its persisted record.
func (f *Factory) Release(b *bitset.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.live, b)
	f.deletes = append(f.deletes, blockKey(b.Owner(), b.Start()))
}

// Detach forgets b after writing it if it has unflushed changes.
func (f *Factory) Detach(b *bitset.Block) error {
	f.mu.Lock()
	delete(f.live, b)
	dirty := b.TakeDirty()
	f.mu.Unlock()

	if !dirty {
		return nil
	}
	data, err := encodeWords(b.CopyWords(nil), f.cfg.Compression)
	if err != nil {
		return err
	}
	err = f.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(b.Owner(), b.Start()), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist block %d of %s: %w", b.Start(), b.Owner(), err)
	}
	return nil
}

// Load reads every persisted block of owner and tracks them as live.
func (f *Factory) Load(owner string) ([]*bitset.Block, error) {
	if err := f.Flush(); err != nil {
		return nil, err
	}

	prefix := ownerPrefix(owner)
	words := f.cfg.BlockSize / 64
	var blocks []*bitset.Block

	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			start, err := strconv.ParseInt(strings.TrimPrefix(key, string(prefix)), 16, 64)
			if err != nil {
				return fmt.Errorf("invalid block key %q: %w", key, err)
			}

			var decoded []uint64
			err = item.Value(func(val []byte) error {
				var err error
				decoded, err = decodeWords(val, words)
				return err
			})
			if err != nil {
				f.logger.Warn("skipping unreadable bit block",
					slog.String("owner", owner),
					slog.Int64("start", start),
					slog.String("error", err.Error()))
				continue
			}
			blocks = append(blocks, bitset.NewBlock(owner, start, decoded))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	for _, b := range blocks {
		f.live[b] = struct{}{}
	}
	f.mu.Unlock()

	return blocks, nil
}

// Purge deletes every persisted block of owner.
func (f *Factory) Purge(owner string) error {
	if err := f.Flush(); err != nil {
		return err
	}

	prefix := ownerPrefix(owner)
	return f.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

type pendingWrite struct {
	block *bitset.Block
	key   []byte
	words []uint64
}

// Flush applies queued deletes and writes every dirty block.
func (f *Factory) Flush() error {
	f.mu.Lock()
	deletes := f.deletes
	f.deletes = nil
	var writes []pendingWrite
	for b := range f.live {
		if b.TakeDirty() {
			writes = append(writes, pendingWrite{
				block: b,
				key:   blockKey(b.Owner(), b.Start()),
				words: b.CopyWords(nil),
			})
		}
	}
	f.mu.Unlock()

	if len(deletes) == 0 && len(writes) == 0 {
		return nil
	}

	err := f.write(deletes, writes)
	if err != nil {
		f.mu.Lock()
		f.deletes = append(deletes, f.deletes...)
		f.mu.Unlock()
		for _, w := range writes {
			w.block.MarkDirty()
		}
	}
	return err
}

func (f *Factory) write(deletes [][]byte, writes []pendingWrite) error {
	wb := f.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range deletes {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to queue block delete: %w", err)
		}
	}
	for _, w := range writes {
		data, err := encodeWords(w.words, f.cfg.Compression)
		if err != nil {
			return err
		}
		if err := wb.Set(w.key, data); err != nil {
			return fmt.Errorf("failed to queue block write: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush bit blocks: %w", err)
	}
	return nil
}

// run periodically flushes dirty blocks and, when GCInterval is set, runs
// value log garbage collection.
func (f *Factory) run() {
	defer close(f.done)

	flush := time.NewTicker(f.cfg.FlushInterval)
	defer flush.Stop()

	var gcC <-chan time.Time
	if f.cfg.GCInterval > 0 {
		gc := time.NewTicker(f.cfg.GCInterval)
		defer gc.Stop()
		gcC = gc.C
	}

	for {
		select {
		case <-flush.C:
			if err := f.Flush(); err != nil {
				f.logger.Error("bit block flush failed", slog.String("error", err.Error()))
			}
		case <-gcC:
			// ErrNoRewrite just means nothing was reclaimable.
			if err := f.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				f.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		case <-f.stopCh:
			return
		}
	}
}

// Close stops the flusher, writes outstanding changes and, if the factory
// opened the DB, closes it.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.stopCh)
	<-f.done

	err := f.Flush()
	if f.ownsDB {
		if cerr := f.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
