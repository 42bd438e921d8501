package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/queryid"
)

// Query is one execution of a prepared plan. It may span several engines,
// one per shard; killing the query stops all of them.
type Query struct {
	ID      string
	Plan    *plan.Plan
	Timeout time.Duration
	Started time.Time

	killed atomic.Bool
	mu     sync.Mutex
	wakers []*executor.Waker
}

// NewQuery starts the clock for p. The returned context carries the query id.
// A zero timeout means no timeout.
func NewQuery(ctx context.Context, p *plan.Plan, timeout time.Duration) (context.Context, *Query) {
	id, ok := queryid.FromContext(ctx)
	if !ok {
		ctx, id = queryid.NewContext(ctx)
	}
	return ctx, &Query{ID: id, Plan: p, Timeout: timeout, Started: time.Now()}
}

// Kill marks the query as killed. Engines notice between batches; an engine
// blocked on a waiting block is woken up.
func (q *Query) Kill() {
	if !q.killed.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.wakers {
		w.Wake()
	}
}

func (q *Query) Killed() bool { return q.killed.Load() }

func (q *Query) Elapsed() time.Duration { return time.Since(q.Started) }

// Deadline reports when the query times out.
func (q *Query) Deadline() (time.Time, bool) {
	if q.Timeout <= 0 {
		return time.Time{}, false
	}
	return q.Started.Add(q.Timeout), true
}

func (q *Query) expired() bool {
	d, ok := q.Deadline()
	return ok && !time.Now().Before(d)
}

// check is run between batches.
func (q *Query) check() error {
	if q.Killed() {
		return qerrors.Killedf("query %s killed", q.ID)
	}
	if q.expired() {
		return qerrors.Timeoutf("query %s timed out after %s", q.ID, q.Timeout)
	}
	return nil
}

func (q *Query) newWaker() *executor.Waker {
	w := executor.NewWaker()
	q.mu.Lock()
	q.wakers = append(q.wakers, w)
	q.mu.Unlock()
	return w
}
