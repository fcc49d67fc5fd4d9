// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store defines the message body storage used alongside the delivery
// trackers, which only ever handle identifiers.
package store

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/absmach/fluxtrack/priority"
)

var ErrNotFound = errors.New("message not found")

// Message is a stored message body.
type Message struct {
	ID          int64             `json:"id"`
	Priority    priority.Level    `json:"priority"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Properties  map[string]string `json:"properties,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	Expiry      time.Time         `json:"expiry,omitempty"`
}

// Expired reports whether the message has an expiry at or before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && !now.Before(m.Expiry)
}

// MessageStore persists message bodies by identifier.
type MessageStore interface {
	// Put stores msg, replacing any message with the same ID.
	Put(ctx context.Context, msg *Message) error

	// Get returns the message or ErrNotFound.
	Get(ctx context.Context, id int64) (*Message, error)

	// Delete removes the message. Deleting a missing message is not an error.
	Delete(ctx context.Context, id int64) error

	// Count returns the number of stored messages.
	Count(ctx context.Context) (int, error)

	Close() error
}

// CopyMessage returns a deep copy of msg.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if msg.Payload != nil {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	if msg.Properties != nil {
		cp.Properties = maps.Clone(msg.Properties)
	}
	return &cp
}
