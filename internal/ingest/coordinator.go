// Package ingest drives the two ingestion sources. Each source runs as an
// independent state machine with its own worker pool, pending queue, cursor
// and retry budget; a throttled source suspends without blocking the other.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/legnlp/crecpipe/internal/fetch"
	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/store"
)

// State is the phase of a source's ingestion machine.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateWriting
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateWriting:
		return "writing"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Unit is one fetch unit: a package id for the modern source, a session
// number for the historical one.
type Unit struct {
	ID       string
	Attempts int
}

// UnitStats counts what one processed unit produced.
type UnitStats struct {
	Saved     int
	Skipped   int
	Malformed int
}

// Stats aggregates a source's run.
type Stats struct {
	Units     int
	Saved     int
	Skipped   int
	Malformed int
	Requeued  int
	Failed    int
}

// Source is one ingestion source driven by the coordinator.
type Source interface {
	Kind() model.SourceKind
	// Seed lists pending units in deterministic order, excluding units the
	// store has already marked done.
	Seed(ctx context.Context) ([]Unit, error)
	// Process runs fetch→normalize→write for one unit, reporting phase
	// transitions through m. Granule-level defects are counted and skipped;
	// only unit-level failures return an error.
	Process(ctx context.Context, unit Unit, m *Machine) (UnitStats, error)
}

// Machine tracks the current state of one source for logging and status.
type Machine struct {
	kind   model.SourceKind
	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

// To transitions the machine to a new state.
func (m *Machine) To(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("state transition", "source", m.kind, "from", prev.String(), "to", s.String())
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Coordinator owns the worker pools and resume state for all sources.
type Coordinator struct {
	store      *store.Store
	workers    int
	coolDown   time.Duration
	maxRetries int
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	machines map[model.SourceKind]*Machine
}

// New creates a Coordinator.
func New(st *store.Store, ing model.IngestConfig, rl model.RateLimitConfig) *Coordinator {
	workers := ing.Workers
	if workers < 1 {
		workers = 1
	}
	retries := ing.RetryAttempts
	if retries < 1 {
		retries = 1
	}
	return &Coordinator{
		store:      st,
		workers:    workers,
		coolDown:   rl.CoolDown,
		maxRetries: retries,
		logger:     slog.Default(),
		now:        time.Now,
		sleep:      sleepCtx,
		machines:   make(map[model.SourceKind]*Machine),
	}
}

// SetClock overrides the coordinator's clock and sleeper. Tests only.
func (c *Coordinator) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	c.now = now
	c.sleep = sleep
}

// StateOf returns the current state of a source's machine.
func (c *Coordinator) StateOf(kind model.SourceKind) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.machines[kind]; ok {
		return m.State()
	}
	return StateIdle
}

func (c *Coordinator) machine(kind model.SourceKind) *Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.machines[kind]; ok {
		return m
	}
	m := &Machine{kind: kind, logger: c.logger}
	c.machines[kind] = m
	return m
}

// Run drives every source to completion concurrently. Sources never block
// each other; the error returned is the first source-level error observed
// (per-unit failures are not source-level errors).
func (c *Coordinator) Run(ctx context.Context, sources ...Source) (map[model.SourceKind]Stats, error) {
	results := make(map[model.SourceKind]Stats, len(sources))
	var resMu sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			stats, err := c.runSource(ctx, src)
			resMu.Lock()
			results[src.Kind()] = stats
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", src.Kind(), err)
			}
			resMu.Unlock()
		}(src)
	}
	wg.Wait()
	return results, firstErr
}

func (c *Coordinator) runSource(ctx context.Context, src Source) (Stats, error) {
	kind := src.Kind()
	m := c.machine(kind)
	g := newGate(c.now, c.sleep)

	// Seeding may itself hit the remote quota; treat that the same way as a
	// mid-run throttle.
	var units []Unit
	for {
		m.To(StateFetching)
		var err error
		units, err = src.Seed(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, fetch.ErrRateLimited) {
			m.To(StateSuspended)
			c.logger.Warn("source throttled during seeding, cooling down",
				"source", kind, "cool_down", c.coolDown)
			g.suspend(c.coolDown)
			if werr := g.wait(ctx); werr != nil {
				return Stats{}, werr
			}
			continue
		}
		m.To(StateFailed)
		return Stats{}, fmt.Errorf("seed: %w", err)
	}

	if len(units) == 0 {
		m.To(StateIdle)
		c.logger.Info("nothing to ingest", "source", kind)
		return Stats{}, nil
	}
	c.logger.Info("ingestion starting", "source", kind, "units", len(units), "workers", c.workers)

	q := newUnitQueue(units)
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	var stats Stats
	var statsMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, src, m, g, q, &stats, &statsMu)
		}()
	}
	wg.Wait()

	statsMu.Lock()
	defer statsMu.Unlock()
	if stats.Failed > 0 {
		m.To(StateFailed)
	} else {
		m.To(StateIdle)
	}
	c.logger.Info("ingestion finished", "source", kind,
		"units", stats.Units, "saved", stats.Saved, "skipped", stats.Skipped,
		"malformed", stats.Malformed, "requeued", stats.Requeued, "failed", stats.Failed)
	return stats, nil
}

func (c *Coordinator) worker(ctx context.Context, src Source, m *Machine, g *gate, q *unitQueue, stats *Stats, statsMu *sync.Mutex) {
	kind := src.Kind()
	for {
		// The suspension gate is consulted before taking work so no new
		// fetches are issued during a cool-down. No lock is held while
		// waiting; other sources stay fully active.
		if err := g.wait(ctx); err != nil {
			return
		}
		unit, ok := q.next()
		if !ok {
			return
		}

		us, err := src.Process(ctx, unit, m)
		switch {
		case err == nil:
			// Cursor advances only after the unit's store write completed,
			// so a crash loses at most the in-flight unit.
			if err := c.store.MarkUnitDone(kind, unit.ID); err != nil {
				c.logger.Error("mark unit done", "source", kind, "unit", unit.ID, "error", err)
			}
			if err := c.store.SaveCursor(model.FetchCursor{
				Source:      kind,
				Position:    unit.ID,
				LastSuccess: c.now().UTC(),
			}); err != nil {
				c.logger.Error("save cursor", "source", kind, "unit", unit.ID, "error", err)
			}
			statsMu.Lock()
			stats.Units++
			stats.Saved += us.Saved
			stats.Skipped += us.Skipped
			stats.Malformed += us.Malformed
			statsMu.Unlock()
			q.done()

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			q.done()
			return

		case errors.Is(err, fetch.ErrRateLimited):
			m.To(StateSuspended)
			c.logger.Warn("source throttled, suspending",
				"source", kind, "unit", unit.ID, "cool_down", c.coolDown)
			g.suspend(c.coolDown)
			// The unit was not completed; it goes back at its original
			// priority and is retried after the cool-down.
			q.requeue(unit, false)

		default:
			unit.Attempts++
			if unit.Attempts >= c.maxRetries {
				c.logger.Error("unit exhausted retries, surfacing for inspection",
					"source", kind, "unit", unit.ID, "error", err)
				if rerr := c.store.RecordUnitFailure(kind, unit.ID, err); rerr != nil {
					c.logger.Error("record unit failure", "unit", unit.ID, "error", rerr)
				}
				statsMu.Lock()
				stats.Failed++
				statsMu.Unlock()
				q.done()
			} else {
				c.logger.Warn("unit failed, requeueing at low priority",
					"source", kind, "unit", unit.ID, "attempt", unit.Attempts, "error", err)
				statsMu.Lock()
				stats.Requeued++
				statsMu.Unlock()
				q.requeue(unit, true)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
