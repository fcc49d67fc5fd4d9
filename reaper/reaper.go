// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reaper deletes the bodies of messages evicted from bounded
// subscriptions, off the delivery path.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxtrack/config"
	"github.com/absmach/fluxtrack/state"
	"github.com/absmach/fluxtrack/store"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/absmach/fluxtrack/reaper"

var _ state.Reaper = (*Reaper)(nil)

// Stats is a point-in-time view of reaper activity.
type Stats struct {
	Offered uint64 // Ids accepted into the queue
	Deleted uint64 // Bodies deleted or already gone
	Failed  uint64 // Ids given up on after retries
	Dropped uint64 // Ids offered after Close
	Queued  int    // Ids waiting for a worker
	Breaker string // Circuit breaker state
}

// Reaper is a worker pool deleting message bodies from a store. Deletions are
// rate limited, retried with exponential backoff and guarded by a circuit
// breaker so a failing store is not hammered.
type Reaper struct {
	cfg     config.ReaperConfig
	store   store.MessageStore
	jobs    chan int64
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	offered atomic.Uint64
	deleted atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	closed bool
	mu     sync.RWMutex
}

// New starts a reaper deleting from st.
func New(cfg config.ReaperConfig, st store.MessageStore, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 1
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Reaper{
		cfg:     cfg,
		store:   st,
		jobs:    make(chan int64, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reaper",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("reaper circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	logger.Info("reaper started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Float64("rate", cfg.Rate))

	return r, nil
}

// Offer queues id for deletion, blocking while the queue is full. Ids offered
// after Close are dropped.
func (r *Reaper) Offer(id int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("reaper closed, eviction dropped", slog.Int64("id", id))
		return
	}
	select {
	case r.jobs <- id:
		r.offered.Add(1)
	case <-r.ctx.Done():
		r.dropped.Add(1)
	}
}

func (r *Reaper) worker() {
	defer r.wg.Done()

	for id := range r.jobs {
		r.process(id)
	}
}

// process deletes one body with retries.
func (r *Reaper) process(id int64) {
	ctx, span := r.tracer.Start(r.ctx, "reaper.delete",
		trace.WithAttributes(attribute.Int64("message.id", id)))
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		r.fail(span, id, 0, err)
		return
	}

	delay := r.cfg.Retry.InitialInterval
	for attempt := 1; ; attempt++ {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			err := r.store.Delete(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		})
		if err == nil {
			r.deleted.Add(1)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return
		}
		if attempt >= r.cfg.Retry.MaxAttempts {
			r.fail(span, id, attempt, err)
			return
		}

		r.logger.Debug("message delete failed, retrying",
			slog.Int64("id", id),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.fail(span, id, attempt, ctx.Err())
			return
		}
		delay = r.nextDelay(delay)
	}
}

func (r *Reaper) nextDelay(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * r.cfg.Retry.Multiplier)
	if r.cfg.Retry.MaxInterval > 0 && next > r.cfg.Retry.MaxInterval {
		next = r.cfg.Retry.MaxInterval
	}
	return next
}

func (r *Reaper) fail(span trace.Span, id int64, attempts int, err error) {
	r.failed.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("message delete failed",
		slog.Int64("id", id),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()))
}

// Stats returns the current counters.
func (r *Reaper) Stats() Stats {
	return Stats{
		Offered: r.offered.Load(),
		Deleted: r.deleted.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
		Queued:  len(r.jobs),
		Breaker: r.breaker.State().String(),
	}
}

// Close stops accepting ids and waits for queued deletions up to the
// shutdown timeout, then abandons the rest.
func (r *Reaper) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.logger.Info("shutting down reaper")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := r.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
		r.cancel()
		r.logger.Info("reaper stopped gracefully")
		return nil
	case <-time.After(timeout):
		r.cancel()
		<-done
		r.logger.Warn("reaper shutdown timeout, some deletions abandoned",
			slog.Uint64("failed", r.failed.Load()))
		return fmt.Errorf("reaper shutdown timed out after %s", timeout)
	}
}
