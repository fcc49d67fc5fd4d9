// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxtrack/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	defer s.Close()

	msg := &store.Message{ID: 7, Priority: 4, Topic: "a/b", Payload: []byte("hello")}
	require.NoError(t, s.Put(ctx, msg))

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// Stored copies are isolated from caller mutation.
	msg.Payload[0] = 'j'
	got.Topic = "changed"
	again, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), again.Payload)
	assert.Equal(t, "a/b", again.Topic)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, 7))
	require.NoError(t, s.Delete(ctx, 7))
	_, err = s.Get(ctx, 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
