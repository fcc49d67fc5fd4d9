// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxtrack/reaper"
	"github.com/absmach/fluxtrack/state"
	"github.com/absmach/fluxtrack/subscription"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxtrack"

// SubscriptionSource reports per-subscription state.
type SubscriptionSource interface {
	Stats() []subscription.Stats
	Metrics() *state.Metrics
}

// ReaperSource reports reaper activity.
type ReaperSource interface {
	Stats() reaper.Stats
}

// Metrics holds the OpenTelemetry instruments of the tracker service.
type Metrics struct {
	meter        metric.Meter
	registration metric.Registration

	// Workload
	published       metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	broadcastErrors metric.Int64Counter

	// Observed
	pending     metric.Int64ObservableGauge
	inFlight    metric.Int64ObservableGauge
	transitions metric.Int64ObservableCounter
	reaped      metric.Int64ObservableCounter
	reaperQueue metric.Int64ObservableGauge
}

// NewMetrics creates the instruments on mp and registers a callback reading
// subs and r at collection time. r may be nil.
func NewMetrics(mp metric.MeterProvider, subs SubscriptionSource, r ReaperSource) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter(meterName)}

	var err error

	m.published, err = m.meter.Int64Counter(
		"fluxtrack.messages.published",
		metric.WithDescription("Message ids published to subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.deliveryLatency, err = m.meter.Float64Histogram(
		"fluxtrack.delivery.duration",
		metric.WithDescription("Time from allocation to commit or rollback"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery histogram: %w", err)
	}

	m.broadcastErrors, err = m.meter.Int64Counter(
		"fluxtrack.group.broadcast.errors",
		metric.WithDescription("Shared group operations that did not reach every member"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast error counter: %w", err)
	}

	m.pending, err = m.meter.Int64ObservableGauge(
		"fluxtrack.subscription.pending",
		metric.WithDescription("Messages at rest per subscription"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	m.inFlight, err = m.meter.Int64ObservableGauge(
		"fluxtrack.subscription.inflight",
		metric.WithDescription("Messages in flight per subscription"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	m.transitions, err = m.meter.Int64ObservableCounter(
		"fluxtrack.tracker.transitions",
		metric.WithDescription("Tracker state transitions by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.reaped, err = m.meter.Int64ObservableCounter(
		"fluxtrack.reaper.messages",
		metric.WithDescription("Evicted message bodies by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper counter: %w", err)
	}

	m.reaperQueue, err = m.meter.Int64ObservableGauge(
		"fluxtrack.reaper.queued",
		metric.WithDescription("Evicted ids waiting for a reaper worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper queue gauge: %w", err)
	}

	m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range subs.Stats() {
			attrs := metric.WithAttributes(
				attribute.String("subscription", s.Name),
				attribute.String("group", s.Group),
				attribute.Bool("durable", s.Durable),
				attribute.Bool("bounded", s.Bounded),
			)
			o.ObserveInt64(m.pending, int64(s.Pending), attrs)
			o.ObserveInt64(m.inFlight, int64(s.InFlight), attrs)
		}

		snap := subs.Metrics().Snapshot()
		for op, v := range map[string]uint64{
			"register": snap.Registered,
			"allocate": snap.Allocated,
			"commit":   snap.Committed,
			"rollback": snap.RolledBack,
			"expire":   snap.Expired,
			"evict":    snap.Evicted,
		} {
			o.ObserveInt64(m.transitions, int64(v), metric.WithAttributes(attribute.String("operation", op)))
		}

		if r != nil {
			rs := r.Stats()
			for outcome, v := range map[string]uint64{
				"deleted": rs.Deleted,
				"failed":  rs.Failed,
				"dropped": rs.Dropped,
			} {
				o.ObserveInt64(m.reaped, int64(v), metric.WithAttributes(attribute.String("outcome", outcome)))
			}
			o.ObserveInt64(m.reaperQueue, int64(rs.Queued),
				metric.WithAttributes(attribute.String("breaker", rs.Breaker)))
		}
		return nil
	}, m.pending, m.inFlight, m.transitions, m.reaped, m.reaperQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to register callback: %w", err)
	}

	return m, nil
}

// RecordPublished counts n ids published to subscription.
func (m *Metrics) RecordPublished(subscription string, n int64) {
	m.published.Add(context.Background(), n,
		metric.WithAttributes(attribute.String("subscription", subscription)))
}

// RecordDelivery records how long a delivery was in flight.
func (m *Metrics) RecordDelivery(subscription, outcome string, durationMs float64) {
	m.deliveryLatency.Record(context.Background(), durationMs,
		metric.WithAttributes(
			attribute.String("subscription", subscription),
			attribute.String("outcome", outcome),
		))
}

func (m *Metrics) RecordBroadcastError(op string) {
	m.broadcastErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("operation", op)))
}

// Close unregisters the collection callback.
func (m *Metrics) Close() error {
	return m.registration.Unregister()
}
