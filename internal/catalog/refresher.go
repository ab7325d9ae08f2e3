package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source loads catalog rows from the relational store.
type Source interface {
	ListActiveSensors(ctx context.Context) ([]Sensor, error)
	ListActivePolicies(ctx context.Context) ([]AlertPolicy, error)
	ListActiveRules(ctx context.Context) ([]Rule, error)
}

// Listener is called with every newly published snapshot.
type Listener func(snap *Snapshot)

// Refresher reloads the catalog on two independent timers (sensors and policies on
// one, rules on the other) and publishes the result through a Store. A failed reload
// keeps the previous snapshot.
type Refresher struct {
	source        Source
	store         *Store
	interval      time.Duration
	rulesInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex // serializes load-and-swap
	listeners []Listener

	// While Run is active, ReloadNow hands its work to the Run goroutine so the source
	// is only used from one goroutine.
	running atomic.Bool
	reloads chan chan error
}

// NewRefresher creates a refresher. interval drives sensor and policy reloads,
// rulesInterval drives rule reloads.
func NewRefresher(source Source, store *Store, interval, rulesInterval time.Duration) *Refresher {
	return &Refresher{
		source:        source,
		store:         store,
		interval:      interval,
		rulesInterval: rulesInterval,
		now:           time.Now,
		reloads:       make(chan chan error),
	}
}

// OnUpdate registers a listener. Register listeners before Run.
func (r *Refresher) OnUpdate(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Refresh reloads sensors and policies.
func (r *Refresher) Refresh(ctx context.Context) error {
	sensors, err := r.source.ListActiveSensors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sensors: %w", err)
	}
	policies, err := r.source.ListActivePolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	fresh := NewSnapshot(sensors, policies, nil, r.now())

	r.mu.Lock()
	next := r.store.Load().WithCatalog(fresh)
	r.store.Swap(next)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	slog.Info("Catalog refreshed",
		"sensors", len(next.Sensors),
		"policies", len(next.PoliciesByID),
	)
	notify(listeners, next)
	return nil
}

// RefreshRules reloads the rule catalog.
func (r *Refresher) RefreshRules(ctx context.Context) error {
	rules, err := r.source.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	r.mu.Lock()
	next := r.store.Load().WithRules(rules, r.now())
	r.store.Swap(next)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	slog.Info("Rule catalog refreshed", "rules", len(rules))
	notify(listeners, next)
	return nil
}

// ReloadNow reloads everything immediately. It is used when a catalog change
// notification arrives between ticks. Once Run has started, the reload runs on the Run
// goroutine and ReloadNow waits for its result.
func (r *Refresher) ReloadNow(ctx context.Context) error {
	if !r.running.Load() {
		return r.reloadAll(ctx)
	}
	done := make(chan error, 1)
	select {
	case r.reloads <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) reloadAll(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	return r.RefreshRules(ctx)
}

// Start runs Run on a new goroutine. ReloadNow calls made after Start returns are
// handed to that goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	go r.Run(ctx)
}

// Run refreshes on both timers until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	rulesTicker := time.NewTicker(r.rulesInterval)
	defer rulesTicker.Stop()

	r.running.Store(true)
	defer r.running.Store(false)

	slog.Info("Starting catalog refresher",
		"interval", r.interval,
		"rules_interval", r.rulesInterval,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Catalog refresher stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Catalog refresh failed, keeping previous snapshot", "error", err)
			}
		case <-rulesTicker.C:
			if err := r.RefreshRules(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Rule refresh failed, keeping previous rules", "error", err)
			}
		case done := <-r.reloads:
			err := r.reloadAll(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("Requested catalog reload failed, keeping previous snapshot", "error", err)
			}
			done <- err
		}
	}
}

func notify(listeners []Listener, snap *Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
