// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the byte buffers used to encode persisted bit
// blocks and the word slices backing in-memory bit blocks.
package bufpool

import (
	"bytes"
	"sync"
)

const (
	maxPooledCap   = 64 * 1024
	maxPooledWords = 64 * 1024
)

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// words holds one pool per slice length, so a block never receives words of
// a different size than it asked for.
var words sync.Map // map[int]*sync.Pool

func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// GetWords returns a zeroed slice of n words.
func GetWords(n int) []uint64 {
	p, ok := words.Load(n)
	if !ok {
		return make([]uint64, n)
	}
	w, ok := p.(*sync.Pool).Get().(*[]uint64)
	if !ok || w == nil {
		return make([]uint64, n)
	}
	s := *w
	clear(s)
	return s
}

// PutWords makes w available to later GetWords calls of the same length.
func PutWords(w []uint64) {
	n := len(w)
	if n == 0 || n > maxPooledWords {
		return
	}
	p, _ := words.LoadOrStore(n, &sync.Pool{})
	p.(*sync.Pool).Put(&w)
}
