// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxtrack/config"
	"github.com/absmach/fluxtrack/priority"
	"github.com/absmach/fluxtrack/reaper"
	"github.com/absmach/fluxtrack/state"
	"github.com/absmach/fluxtrack/store"
	"github.com/absmach/fluxtrack/subscription"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	sharedGroup  = "workers"
	boundedName  = "latest"
	pollInterval = 10 * time.Millisecond
)

type recorder interface {
	RecordPublished(subscription string, n int64)
	RecordDelivery(subscription, outcome string, durationMs float64)
	RecordBroadcastError(op string)
}

type noopRecorder struct{}

func (noopRecorder) RecordPublished(string, int64)          {}
func (noopRecorder) RecordDelivery(string, string, float64) {}
func (noopRecorder) RecordBroadcastError(string)            {}

type reaperStats interface {
	Stats() reaper.Stats
}

// workload publishes synthetic messages to a set of subscriptions and
// consumes them, committing most deliveries and rolling back the rest.
type workload struct {
	cfg      config.WorkloadConfig
	subs     *subscription.Manager
	messages store.MessageStore
	reaper   reaperStats
	rec      recorder
	logger   *slog.Logger

	exclusive []string
	members   []string
	bounded   bool
	payload   []byte

	nextID    atomic.Int64
	published atomic.Uint64
	// Remaining deliveries of fan-out messages. The body is deleted when
	// the count reaches zero.
	refs sync.Map
}

func newWorkload(cfg config.WorkloadConfig, subs *subscription.Manager, messages store.MessageStore, rs reaperStats, rec recorder, logger *slog.Logger) *workload {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(rand.IntN(256))
	}
	w := &workload{
		cfg:      cfg,
		subs:     subs,
		messages: messages,
		reaper:   rs,
		rec:      rec,
		logger:   logger,
		payload:  payload,
	}
	w.nextID.Store(time.Now().UnixMicro())
	return w
}

// Published returns the number of messages published so far.
func (w *workload) Published() uint64 {
	return w.published.Load()
}

func (w *workload) setup() error {
	for i := 0; i < w.cfg.Subscriptions; i++ {
		name := fmt.Sprintf("sub-%d", i)
		if _, err := w.subs.Subscribe(name, subscription.Options{Durable: w.cfg.Durable}); err != nil {
			return err
		}
		w.exclusive = append(w.exclusive, name)
	}
	for i := 0; i < w.cfg.SharedConsumers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		opts := subscription.Options{Durable: w.cfg.Durable, Group: sharedGroup}
		if _, err := w.subs.Subscribe(name, opts); err != nil {
			return err
		}
		w.members = append(w.members, name)
	}
	if w.cfg.BoundedLimit > 0 {
		opts := subscription.Options{Durable: w.cfg.Durable, Limit: w.cfg.BoundedLimit}
		if _, err := w.subs.Subscribe(boundedName, opts); err != nil {
			return err
		}
		w.bounded = true
	}
	return nil
}

// fanout returns the publish targets of fan-out messages and the number of
// deliveries each needs.
func (w *workload) fanout() ([]string, int32) {
	targets := append([]string(nil), w.exclusive...)
	if len(w.members) > 0 {
		targets = append(targets, sharedGroup)
	}
	return targets, int32(len(targets))
}

// Run drives the workload until ctx is done.
func (w *workload) Run(ctx context.Context) error {
	if err := w.setup(); err != nil {
		return fmt.Errorf("failed to set up subscriptions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.publish(ctx) })
	for _, name := range w.exclusive {
		g.Go(func() error { return w.consume(ctx, name, false) })
	}
	// Group members compete for the shared backlog; the group hands each
	// message to whichever member allocates it first.
	for _, name := range w.members {
		g.Go(func() error { return w.consume(ctx, name, false) })
	}
	if w.bounded {
		g.Go(func() error { return w.consume(ctx, boundedName, true) })
	}
	if w.cfg.BrowseInterval > 0 {
		g.Go(func() error { return w.browse(ctx) })
	}
	if w.cfg.ReportInterval > 0 {
		g.Go(func() error { return w.report(ctx) })
	}
	g.Go(func() error { return w.subs.RunReconciler(ctx) })

	return g.Wait()
}

func (w *workload) publish(ctx context.Context) error {
	limit := rate.Inf
	burst := 1
	if w.cfg.PublishRate > 0 {
		limit = rate.Limit(w.cfg.PublishRate)
		burst = max(1, int(w.cfg.PublishRate))
	}
	limiter := rate.NewLimiter(limit, burst)
	targets, refs := w.fanout()
	if refs == 0 && !w.bounded {
		return nil
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		id := w.nextID.Add(1)
		now := time.Now()
		msg := &store.Message{
			ID:          id,
			Priority:    priority.Level(rand.IntN(priority.Levels)),
			Topic:       "workload",
			Payload:     w.payload,
			PublishedAt: now,
		}
		if w.cfg.MessageTTL > 0 {
			msg.Expiry = now.Add(w.cfg.MessageTTL)
		}

		// Bounded-only messages alternate with fan-out ones, so evicted
		// bodies are never needed by another subscription.
		to, n := targets, refs
		if w.bounded && (id%2 == 0 || n == 0) {
			to, n = []string{boundedName}, 0
		}

		if err := w.messages.Put(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to store message %d: %w", id, err)
		}
		if n > 0 {
			w.refs.Store(id, newRefCount(n))
		}
		if err := w.subs.Publish(id, msg.Priority, to...); err != nil {
			w.logger.Warn("publish failed", slog.Int64("id", id), slog.String("error", err.Error()))
		}
		for _, name := range to {
			w.rec.RecordPublished(name, 1)
		}
		w.published.Add(1)
	}
}

// consume delivers messages of the named subscription until ctx is done.
func (w *workload) consume(ctx context.Context, name string, owned bool) error {
	mgr, ok := w.subs.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", subscription.ErrNotFound, name)
	}

	for {
		ok, err := w.deliver(ctx, name, mgr, owned)
		if err != nil {
			return err
		}
		if ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// deliver handles the next message of mgr and reports whether there was one.
// owned messages belong to mgr alone and are deleted on commit.
func (w *workload) deliver(ctx context.Context, name string, mgr state.Manager, owned bool) (bool, error) {
	id := mgr.NextMessageID()
	if id == state.NoMessage {
		return false, nil
	}

	msg, err := w.messages.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.expire(mgr, id)
		return true, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read message %d: %w", id, err)
	}

	if msg.Expired(time.Now()) {
		w.expire(mgr, id)
		w.release(ctx, id, owned)
		return true, nil
	}

	start := time.Now()
	if err := mgr.Allocate(id, msg.Priority); err != nil {
		return w.failed("allocate", id, err)
	}

	if w.cfg.RollbackRatio > 0 && rand.Float64() < w.cfg.RollbackRatio {
		if _, err := mgr.Rollback(id); err != nil {
			return w.failed("rollback", id, err)
		}
		w.rec.RecordDelivery(name, "rollback", msSince(start))
		return true, nil
	}

	if err := mgr.Commit(id); err != nil {
		return w.failed("commit", id, err)
	}
	w.rec.RecordDelivery(name, "commit", msSince(start))
	w.release(ctx, id, owned)
	return true, nil
}

func (w *workload) expire(mgr state.Manager, id int64) {
	if err := mgr.Expire(id); err != nil {
		w.logger.Warn("expire failed", slog.Int64("id", id), slog.String("error", err.Error()))
	}
}

// failed records a delivery error. An id a sibling allocated first is
// skipped, partial group broadcasts are left to the reconciler and a closed
// tracker ends the loop.
func (w *workload) failed(op string, id int64, err error) (bool, error) {
	if errors.Is(err, state.ErrAlreadyAllocated) {
		return true, nil
	}
	var be *state.BroadcastError
	if errors.As(err, &be) {
		w.rec.RecordBroadcastError(op)
		return true, nil
	}
	if errors.Is(err, state.ErrClosed) {
		return false, nil
	}
	return false, fmt.Errorf("failed to %s %d: %w", op, id, err)
}

// release drops one delivery reference of id and deletes the body once no
// subscription needs it.
func (w *workload) release(ctx context.Context, id int64, owned bool) {
	if !owned {
		v, ok := w.refs.Load(id)
		if !ok {
			return
		}
		if v.(*atomic.Int32).Add(-1) > 0 {
			return
		}
		w.refs.Delete(id)
	}
	if err := w.messages.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("failed to delete message", slog.Int64("id", id), slog.String("error", err.Error()))
	}
}

func (w *workload) names() []string {
	names := append(append([]string(nil), w.exclusive...), w.members...)
	if w.bounded {
		names = append(names, boundedName)
	}
	return names
}

func (w *workload) browse(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, name := range w.names() {
			snap, err := w.subs.Browse(name, true)
			if err != nil {
				w.logger.Warn("browse failed", slog.String("subscription", name), slog.String("error", err.Error()))
				continue
			}
			w.logger.Debug("browsed",
				slog.String("subscription", name),
				slog.Int("pending", snap.Pending()),
				slog.Int64("next", snap.NextMessageID()))
			_ = snap.Close()
		}
	}
}

func (w *workload) report(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, s := range w.subs.Stats() {
			w.logger.Info("subscription",
				slog.String("name", s.Name),
				slog.String("group", s.Group),
				slog.Int("pending", s.Pending),
				slog.Int("inflight", s.InFlight))
		}
		m := w.subs.Metrics().Snapshot()
		w.logger.Info("tracker",
			slog.Uint64("published", w.published.Load()),
			slog.Uint64("registered", m.Registered),
			slog.Uint64("committed", m.Committed),
			slog.Uint64("rolled_back", m.RolledBack),
			slog.Uint64("expired", m.Expired),
			slog.Uint64("evicted", m.Evicted))
		if w.reaper != nil {
			rs := w.reaper.Stats()
			w.logger.Info("reaper",
				slog.Uint64("deleted", rs.Deleted),
				slog.Uint64("failed", rs.Failed),
				slog.Int("queued", rs.Queued),
				slog.String("breaker", rs.Breaker))
		}
	}
}

func newRefCount(n int32) *atomic.Int32 {
	c := new(atomic.Int32)
	c.Store(n)
	return c
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
