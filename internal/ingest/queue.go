package ingest

import (
	"context"
	"sync"
	"time"
)

// unitQueue is the shared pending queue for one source's worker pool.
// Requeued failures go to a low-priority lane so fresh units drain first.
// next blocks while the queue is empty but units are still in flight, since
// an in-flight unit may requeue itself.
type unitQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	normal   []Unit
	low      []Unit
	inflight int
	closed   bool
}

func newUnitQueue(units []Unit) *unitQueue {
	q := &unitQueue{normal: append([]Unit(nil), units...)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// next takes the next pending unit. ok=false means the queue is drained (or
// closed) and the worker should exit. Every taken unit must be balanced by
// exactly one done or requeue call.
func (q *unitQueue) next() (Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.normal) == 0 && len(q.low) == 0 && q.inflight > 0 {
		q.cond.Wait()
	}
	if q.closed {
		return Unit{}, false
	}
	if len(q.normal) > 0 {
		u := q.normal[0]
		q.normal = q.normal[1:]
		q.inflight++
		return u, true
	}
	if len(q.low) > 0 {
		u := q.low[0]
		q.low = q.low[1:]
		q.inflight++
		return u, true
	}
	return Unit{}, false
}

// done marks a taken unit as finished.
func (q *unitQueue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// requeue returns a taken unit to the queue, optionally at low priority.
func (q *unitQueue) requeue(u Unit, low bool) {
	q.mu.Lock()
	if low {
		q.low = append(q.low, u)
	} else {
		q.normal = append(q.normal, u)
	}
	q.inflight--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// close unblocks all waiters; used on cancellation.
func (q *unitQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// gate is the suspend/resume point shared by one source's workers. Waiting
// holds no locks; suspend extends the resume deadline monotonically.
type gate struct {
	mu       sync.Mutex
	resumeAt time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func newGate(now func() time.Time, sleep func(context.Context, time.Duration) error) *gate {
	return &gate{now: now, sleep: sleep}
}

func (g *gate) suspend(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	if until.After(g.resumeAt) {
		g.resumeAt = until
	}
}

func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		d := g.resumeAt.Sub(g.now())
		g.mu.Unlock()
		if d <= 0 {
			return nil
		}
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
}
