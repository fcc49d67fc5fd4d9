// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/fluxtrack/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of store.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	data map[int64]*store.Message
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data: make(map[int64]*store.Message),
	}
}

// Put stores a copy of msg.
func (s *MessageStore) Put(_ context.Context, msg *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[msg.ID] = store.CopyMessage(msg)
	return nil
}

// Get retrieves a message by id.
func (s *MessageStore) Get(_ context.Context, id int64) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CopyMessage(msg), nil
}

// Delete removes a message.
func (s *MessageStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// Count returns the number of stored messages.
func (s *MessageStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data), nil
}

// Close is a no-op.
func (s *MessageStore) Close() error {
	return nil
}
