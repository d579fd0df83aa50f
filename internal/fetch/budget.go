package fetch

import (
	"errors"
	"sync"
	"time"

	"github.com/legnlp/crecpipe/internal/model"
)

// ErrBudgetExhausted is returned by Reserve when issuing another request
// would exceed the rolling-window ceiling. No network call has been made.
var ErrBudgetExhausted = errors.New("request budget exhausted")

// BudgetPersister saves budget state so a restarted process inherits the
// live window instead of resetting the quota.
type BudgetPersister interface {
	SaveBudget(model.RateBudget) error
	LoadBudget() (model.RateBudget, bool, error)
}

// Budget is the process-wide counter of requests issued in the current
// rolling window. It is shared by all fetch workers and mutated only under
// its own lock; workers must never cache a private copy of the remaining
// quota.
type Budget struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	used    int
	start   time.Time
	now     func() time.Time
	persist BudgetPersister
}

// NewBudget creates a budget allowing limit requests per rolling window.
// If persist is non-nil, previously saved state is restored.
func NewBudget(limit int, window time.Duration, persist BudgetPersister) *Budget {
	b := &Budget{
		limit:   limit,
		window:  window,
		now:     time.Now,
		persist: persist,
	}
	if persist != nil {
		if saved, ok, err := persist.LoadBudget(); err == nil && ok {
			b.start = saved.WindowStart
			b.used = saved.Used
		}
	}
	return b
}

// SetClock overrides the budget's clock. Tests only.
func (b *Budget) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Reserve consumes one request slot, rolling the window over first if it
// has elapsed. It returns ErrBudgetExhausted without consuming anything
// when the ceiling is reached. Callers reserve before every attempt that
// will reach the network, regardless of the attempt's outcome.
func (b *Budget) Reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	if b.used >= b.limit {
		return ErrBudgetExhausted
	}
	b.used++
	b.save()
	return nil
}

// Exhaust zeroes the remaining budget until d from now. Called when the
// remote source signals a throttle: the local counter is wrong, trust the
// remote, and treat the window as expiring when the cool-down does so a
// resumed source starts with a fresh quota.
func (b *Budget) Exhaust(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used = b.limit
	b.start = b.now().Add(d - b.window)
	b.save()
}

// Remaining returns the number of requests left in the current window.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	return b.limit - b.used
}

// roll resets the counter when the window has elapsed. Caller holds the lock.
func (b *Budget) roll() {
	now := b.now()
	if b.start.IsZero() || now.Sub(b.start) >= b.window {
		b.start = now
		b.used = 0
	}
}

// save persists current state. Caller holds the lock. Persistence failures
// are swallowed: the in-memory counter remains authoritative for this run.
func (b *Budget) save() {
	if b.persist == nil {
		return
	}
	_ = b.persist.SaveBudget(model.RateBudget{
		WindowStart: b.start,
		Used:        b.used,
	})
}
