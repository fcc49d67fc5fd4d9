// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import "sync/atomic"

// Metrics counts tracker state transitions.
type Metrics struct {
	Registered uint64 // Messages made available
	Allocated  uint64 // Messages handed to a consumer
	Committed  uint64 // Acknowledged messages
	RolledBack uint64 // Messages returned for redelivery
	Expired    uint64 // Messages removed by expiry
	Evicted    uint64 // Messages dropped by a bounded tracker
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordRegister() {
	atomic.AddUint64(&m.Registered, 1)
}

func (m *Metrics) RecordAllocate() {
	atomic.AddUint64(&m.Allocated, 1)
}

func (m *Metrics) RecordCommit() {
	atomic.AddUint64(&m.Committed, 1)
}

// RecordRollback records n messages returned to rest.
func (m *Metrics) RecordRollback(n int) {
	atomic.AddUint64(&m.RolledBack, uint64(n))
}

func (m *Metrics) RecordExpire() {
	atomic.AddUint64(&m.Expired, 1)
}

// RecordEvict records n evicted messages.
func (m *Metrics) RecordEvict(n int) {
	atomic.AddUint64(&m.Evicted, uint64(n))
}

// Snapshot returns a copy of current metrics.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Registered: atomic.LoadUint64(&m.Registered),
		Allocated:  atomic.LoadUint64(&m.Allocated),
		Committed:  atomic.LoadUint64(&m.Committed),
		RolledBack: atomic.LoadUint64(&m.RolledBack),
		Expired:    atomic.LoadUint64(&m.Expired),
		Evicted:    atomic.LoadUint64(&m.Evicted),
	}
}

// Reset resets all metrics to zero.
func (m *Metrics) Reset() {
	atomic.StoreUint64(&m.Registered, 0)
	atomic.StoreUint64(&m.Allocated, 0)
	atomic.StoreUint64(&m.Committed, 0)
	atomic.StoreUint64(&m.RolledBack, 0)
	atomic.StoreUint64(&m.Expired, 0)
	atomic.StoreUint64(&m.Evicted, 0)
}
