// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements store.MessageStore on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxtrack/store"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "msg/"

var _ store.MessageStore = (*MessageStore)(nil)

// MessageStore keeps JSON encoded messages under msg/{id as 16 hex digits}.
type MessageStore struct {
	db     *badger.DB
	ownsDB bool
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
}

// Open opens a BadgerDB at cfg.Dir owned by the store.
func Open(cfg Config) (*MessageStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	return &MessageStore{db: db, ownsDB: true}, nil
}

// New creates a store on a DB owned by the caller.
func New(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefix, id))
}

// Put stores msg.
func (m *MessageStore) Put(_ context.Context, msg *store.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.ID), data)
	})
}

// Get retrieves a message by id.
func (m *MessageStore) Get(_ context.Context, id int64) (*store.Message, error) {
	var msg *store.Message

	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			msg = &store.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Delete removes a message.
func (m *MessageStore) Delete(_ context.Context, id int64) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(id))
	})
}

// Count returns the number of stored messages.
func (m *MessageStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the DB if the store opened it.
func (m *MessageStore) Close() error {
	if !m.ownsDB {
		return nil
	}
	return m.db.Close()
}
