// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription binds named subscriptions to delivery trackers and
// routes published message ids to them. Topic matching is left to callers,
// which name the subscriptions a message goes to.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxtrack/bitset"
	"github.com/absmach/fluxtrack/config"
	"github.com/absmach/fluxtrack/priority"
	"github.com/absmach/fluxtrack/state"
	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("subscription manager closed")
	ErrNotFound       = errors.New("subscription not found")
	ErrBoundedShared  = errors.New("a shared subscription cannot be bounded")
	ErrOptionMismatch = errors.New("subscription exists with different options")
	ErrNoReaper       = errors.New("bounded subscriptions need a reaper")
)

// Options describe a subscription.
type Options struct {
	Durable bool   // state survives Unsubscribe and restarts
	Group   string // shared group name, empty for an exclusive subscription
	Limit   int    // maximum at-rest backlog, 0 for unbounded
}

// Factories supply bit block storage. Durable falls back to Volatile when nil.
type Factories struct {
	Durable  bitset.Factory
	Volatile bitset.Factory
}

// Stats is a per-subscription summary.
type Stats struct {
	Name     string
	Group    string
	Durable  bool
	Bounded  bool
	Size     int
	Pending  int
	InFlight int
}

type subscription struct {
	name    string
	opts    Options
	tracker *state.Tracker
	manager state.Manager
}

// Manager owns the trackers of all subscriptions.
type Manager struct {
	cfg       config.TrackerConfig
	factories Factories
	reaper    state.Reaper
	metrics   *state.Metrics
	logger    *slog.Logger

	subs   map[string]*subscription
	groups map[string]*state.Group
	closed bool
	mu     sync.RWMutex
}

// New creates a manager. r may be nil when no bounded subscriptions are used.
func New(cfg config.TrackerConfig, f Factories, r state.Reaper, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if f.Volatile == nil {
		return nil, fmt.Errorf("%w: volatile factory", state.ErrNilCollaborator)
	}
	if f.Durable == nil {
		f.Durable = f.Volatile
	}
	if err := state.RollbackPolicy(cfg.RollbackPolicy).Validate(); err != nil {
		return nil, err
	}
	if !priority.Level(cfg.DefaultPriority).Valid() {
		return nil, fmt.Errorf("%w: %d", state.ErrInvalidPriority, cfg.DefaultPriority)
	}

	return &Manager{
		cfg:       cfg,
		factories: f,
		reaper:    r,
		metrics:   state.NewMetrics(),
		logger:    logger,
		subs:      make(map[string]*subscription),
		groups:    make(map[string]*state.Group),
	}, nil
}

// Metrics returns the counters shared by every tracker of the manager.
func (m *Manager) Metrics() *state.Metrics {
	return m.metrics
}

// Subscribe binds name to a tracker and returns it. Subscribing to an
// existing name with the same options returns the existing tracker.
func (m *Manager) Subscribe(name string, opts Options) (state.Manager, error) {
	if opts.Limit > 0 && opts.Group != "" {
		return nil, ErrBoundedShared
	}
	if opts.Limit > 0 && m.reaper == nil {
		return nil, ErrNoReaper
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if sub, ok := m.subs[name]; ok {
		if sub.opts != opts {
			return nil, fmt.Errorf("%w: %s", ErrOptionMismatch, name)
		}
		return sub.manager, nil
	}

	factory, trackerName := m.factories.Volatile, name+"/"+uuid.NewString()
	if opts.Durable {
		factory, trackerName = m.factories.Durable, name
	}

	defaultPriority := priority.Level(m.cfg.DefaultPriority)
	t, err := state.New(trackerName, state.Options{
		AtRest:          factory,
		InFlight:        factory,
		DefaultPriority: &defaultPriority,
		RollbackPolicy:  state.RollbackPolicy(m.cfg.RollbackPolicy),
		Logger:          m.logger,
		Metrics:         m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker for %s: %w", name, err)
	}

	var mgr state.Manager = t
	switch {
	case opts.Limit > 0:
		b, err := state.NewBounded(t, opts.Limit, m.reaper)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		mgr = b
	case opts.Group != "":
		g, ok := m.groups[opts.Group]
		if !ok {
			g = state.NewGroup(opts.Group, m.logger)
			m.groups[opts.Group] = g
		}
		p, err := state.NewProxy(t, g)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		mgr = p
	}

	m.subs[name] = &subscription{name: name, opts: opts, tracker: t, manager: mgr}
	m.logger.Info("subscription created",
		slog.String("subscription", name),
		slog.String("group", opts.Group),
		slog.Bool("durable", opts.Durable),
		slog.Int("limit", opts.Limit))

	return mgr, nil
}

// Get returns the tracker bound to name.
func (m *Manager) Get(name string) (state.Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[name]
	if !ok {
		return nil, false
	}
	return sub.manager, true
}

// Group returns the shared group with the given name.
func (m *Manager) Group(name string) (*state.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[name]
	return g, ok
}

type registrar interface {
	Register(id int64, p priority.Level) error
}

// targets resolves subscription and group names to what Publish registers
// with. A group is returned whole so its members are registered in one
// broadcast.
func (m *Manager) targets(names []string) ([]registrar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	var (
		out  []registrar
		errs []error
	)
	for _, name := range names {
		if sub, ok := m.subs[name]; ok {
			out = append(out, sub.manager)
			continue
		}
		if g, ok := m.groups[name]; ok {
			out = append(out, g)
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	return out, errors.Join(errs...)
}

// Publish registers id at level l with each named subscription. A group name
// registers id with every member of the group, so the members share it.
func (m *Manager) Publish(id int64, l priority.Level, names ...string) error {
	targets, err := m.targets(names)
	if targets == nil && err != nil {
		return err
	}
	errs := []error{err}
	for _, t := range targets {
		if rerr := t.Register(id, l); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	return errors.Join(errs...)
}

// Expire removes id from every subscription.
func (m *Manager) Expire(id int64) error {
	m.mu.RLock()
	managers := make([]state.Manager, 0, len(m.subs))
	for _, sub := range m.subs {
		managers = append(managers, sub.manager)
	}
	m.mu.RUnlock()

	var errs []error
	for _, mgr := range managers {
		if err := mgr.Expire(id); err != nil && !errors.Is(err, state.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Browse opens a snapshot of the named subscription's at-rest messages.
func (m *Manager) Browse(name string, deepCopy bool) (*state.Snapshot, error) {
	m.mu.RLock()
	sub, ok := m.subs[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return sub.tracker.OpenSnapshot(deepCopy)
}

// Unsubscribe removes name. Durable state is kept for a later Subscribe;
// other state is deleted.
func (m *Manager) Unsubscribe(name string) error {
	m.mu.Lock()
	sub, ok := m.subs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.subs, name)
	if g, ok := m.groups[sub.opts.Group]; ok {
		g.Remove(sub.tracker)
		if g.Len() == 0 {
			delete(m.groups, sub.opts.Group)
		}
	}
	m.mu.Unlock()

	m.logger.Info("subscription removed",
		slog.String("subscription", name),
		slog.Bool("durable", sub.opts.Durable))
	return release(sub)
}

func release(sub *subscription) error {
	if sub.opts.Durable {
		return sub.manager.Close()
	}
	return sub.manager.Delete()
}

// Stats returns a summary of every subscription, ordered by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, Stats{
			Name:     sub.name,
			Group:    sub.opts.Group,
			Durable:  sub.opts.Durable,
			Bounded:  sub.opts.Limit > 0,
			Size:     sub.tracker.Size(),
			Pending:  sub.tracker.Pending(),
			InFlight: sub.tracker.InFlight(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconcile runs a consistency sweep over every shared group and returns the
// number of ids claimed.
func (m *Manager) Reconcile() (int, error) {
	m.mu.RLock()
	groups := make([]*state.Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()

	total := 0
	var errs []error
	for _, g := range groups {
		n, err := g.Reconcile()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// RunReconciler calls Reconcile every configured interval until ctx is done.
// It returns immediately when the interval is zero.
func (m *Manager) RunReconciler(ctx context.Context) error {
	if m.cfg.ReconcileInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Reconcile(); err != nil {
				m.logger.Warn("group reconcile failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases every subscription.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.groups = make(map[string]*state.Group)
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := release(sub); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}
