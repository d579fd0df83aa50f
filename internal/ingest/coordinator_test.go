package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legnlp/crecpipe/internal/fetch"
	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSource scripts per-unit outcomes for coordinator tests.
type stubSource struct {
	kind    model.SourceKind
	units   []Unit
	mu      sync.Mutex
	results map[string][]error // consumed front to back per unit
	seen    []string
}

func (s *stubSource) Kind() model.SourceKind { return s.kind }

func (s *stubSource) Seed(ctx context.Context) ([]Unit, error) {
	return append([]Unit(nil), s.units...), nil
}

func (s *stubSource) Process(ctx context.Context, u Unit, m *Machine) (UnitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, u.ID)
	if errs := s.results[u.ID]; len(errs) > 0 {
		err := errs[0]
		s.results[u.ID] = errs[1:]
		if err != nil {
			return UnitStats{}, err
		}
	}
	return UnitStats{Saved: 1}, nil
}

func (s *stubSource) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func newTestCoordinator(t *testing.T, st *store.Store, workers int) *Coordinator {
	t.Helper()
	c := New(st, model.IngestConfig{Workers: workers, RetryAttempts: 3},
		model.RateLimitConfig{CoolDown: 45 * time.Minute})
	c.logger = testLogger()
	return c
}

func TestCoordinator_ProcessesAllUnitsAndAdvancesCursor(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 2)

	src := &stubSource{
		kind:  model.SourceHistorical,
		units: []Unit{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
	stats, err := c.Run(context.Background(), src)
	require.NoError(t, err)

	s := stats[model.SourceHistorical]
	assert.Equal(t, 3, s.Units)
	assert.Equal(t, 3, s.Saved)
	assert.Zero(t, s.Failed)
	assert.Equal(t, StateIdle, c.StateOf(model.SourceHistorical))

	for _, id := range []string{"a", "b", "c"} {
		done, err := st.IsUnitDone(model.SourceHistorical, id)
		require.NoError(t, err)
		assert.True(t, done, id)
	}
	cur, ok, err := st.LoadCursor(model.SourceHistorical)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []string{"a", "b", "c"}, cur.Position)
}

func TestCoordinator_TransientFailureRequeuesAtLowPriority(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 1)

	src := &stubSource{
		kind:  model.SourceHistorical,
		units: []Unit{{ID: "flaky"}, {ID: "steady"}},
		results: map[string][]error{
			"flaky": {errors.New("transient failure"), nil},
		},
	}
	stats, err := c.Run(context.Background(), src)
	require.NoError(t, err)

	s := stats[model.SourceHistorical]
	assert.Equal(t, 2, s.Units)
	assert.Equal(t, 1, s.Requeued)
	assert.Zero(t, s.Failed)
	// The fresh unit ran before the requeued retry.
	assert.Equal(t, []string{"flaky", "steady", "flaky"}, src.order())
}

func TestCoordinator_ExhaustedRetriesSurfaceUnit(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 1)

	broken := errors.New("corrupt unit")
	src := &stubSource{
		kind:  model.SourceHistorical,
		units: []Unit{{ID: "bad"}},
		results: map[string][]error{
			"bad": {broken, broken, broken},
		},
	}
	stats, err := c.Run(context.Background(), src)
	require.NoError(t, err)

	s := stats[model.SourceHistorical]
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Requeued)
	assert.Equal(t, StateFailed, c.StateOf(model.SourceHistorical))

	done, err := st.IsUnitDone(model.SourceHistorical, "bad")
	require.NoError(t, err)
	assert.False(t, done)

	failed, err := st.FailedUnits()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Unit)
	assert.Contains(t, failed[0].LastErr, "corrupt unit")
}

func TestCoordinator_RateLimitSuspendsAndResumes(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 2)

	// Fake clock: every sleep advances time by the requested amount, so the
	// 45 minute cool-down elapses instantly in test time.
	var mu sync.Mutex
	now := time.Date(2023, 5, 17, 12, 0, 0, 0, time.UTC)
	var slept atomic.Int64
	c.SetClock(
		func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
			slept.Add(d.Nanoseconds())
			return ctx.Err()
		},
	)

	src := &stubSource{
		kind:  model.SourceModern,
		units: []Unit{{ID: "u1"}, {ID: "u2"}},
		results: map[string][]error{
			"u1": {fmt.Errorf("granules: %w", fetch.ErrRateLimited), nil},
		},
	}
	stats, err := c.Run(context.Background(), src)
	require.NoError(t, err)

	s := stats[model.SourceModern]
	assert.Equal(t, 2, s.Units)
	assert.Zero(t, s.Failed)
	assert.Equal(t, StateIdle, c.StateOf(model.SourceModern))
	// The cool-down was actually waited out (in fake time).
	assert.GreaterOrEqual(t, slept.Load(), (45 * time.Minute).Nanoseconds())
	// The throttled unit was retried, not dropped.
	done, err := st.IsUnitDone(model.SourceModern, "u1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCoordinator_SourcesRunIndependently(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 1)

	hist := &stubSource{kind: model.SourceHistorical, units: []Unit{{ID: "h1"}}}
	modern := &stubSource{kind: model.SourceModern, units: []Unit{{ID: "m1"}}}

	stats, err := c.Run(context.Background(), hist, modern)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.SourceHistorical].Units)
	assert.Equal(t, 1, stats[model.SourceModern].Units)
}

func TestCoordinator_CancellationStopsWorkers(t *testing.T) {
	st := openTestStore(t)
	c := newTestCoordinator(t, st, 2)

	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}

	donech := make(chan struct{})
	go func() {
		_, _ = c.Run(ctx, src)
		close(donech)
	}()

	<-src.entered
	cancel()
	close(src.release)

	select {
	case <-donech:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop after cancellation")
	}
}

// blockingSource parks the first Process call until released.
type blockingSource struct {
	entered  chan struct{}
	release  chan struct{}
	enterOne sync.Once
}

func (s *blockingSource) Kind() model.SourceKind { return model.SourceModern }

func (s *blockingSource) Seed(ctx context.Context) ([]Unit, error) {
	return []Unit{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}}, nil
}

func (s *blockingSource) Process(ctx context.Context, u Unit, m *Machine) (UnitStats, error) {
	s.enterOne.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return UnitStats{}, err
	}
	return UnitStats{Saved: 1}, nil
}
