// Package engine drives the block graph of a prepared plan on behalf of a
// query: it instantiates the blocks, checks kill and timeout between
// batches, and yields on WAITING until the query's waker fires.
package engine

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/logging"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
	"github.com/hanpama/planexec/internal/storage"
)

// Options configure the runtime of one engine.
type Options struct {
	// Evaluator defaults to a fresh evaluator with default options.
	Evaluator *expr.Evaluator
	Remote    executor.RemoteSource
	Pool      *ants.Pool
	BatchSize int
	Seed      int64
	Shard     string
}

// Result is the outcome of a query run to completion on one engine.
type Result struct {
	QueryID string         `json:"queryId"`
	Shard   string         `json:"shard,omitempty"`
	Rows    []any          `json:"rows"`
	Stats   executor.Stats `json:"stats"`
	// FullCount is set when the plan asked for it.
	FullCount *int64        `json:"fullCount,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Engine is one physical instance of a plan. It is driven from a single
// goroutine.
type Engine struct {
	q         *Query
	rt        *executor.Runtime
	root      executor.Block
	rootID    plan.NodeID
	out       rows.RegisterID
	shard     string
	fullCount bool

	started bool
	begin   time.Time
	done    bool
	err     error
	rows    int
}

// New builds the blocks of q's plan against snap. The plan must be prepared
// and rooted at a Return node.
func New(q *Query, snap storage.Snapshot, opts Options) (*Engine, error) {
	root := q.Plan.Root()
	if root == nil {
		return nil, qerrors.MalformedPlanf("plan has no root")
	}
	ret, ok := root.Operation().(*plan.Return)
	if !ok {
		return nil, qerrors.MalformedPlanf("plan root %d is %s, want %s", root.ID(), root.Kind(), plan.KindReturn)
	}
	ev := opts.Evaluator
	if ev == nil {
		var err error
		if ev, err = expr.New(expr.Options{}); err != nil {
			return nil, err
		}
	}
	rt := &executor.Runtime{
		Snapshot:  snap,
		Evaluator: ev,
		Remote:    opts.Remote,
		Pool:      opts.Pool,
		Waker:     q.newWaker(),
		Seed:      opts.Seed,
		BatchSize: opts.BatchSize,
	}
	block, err := executor.Build(q.Plan, rt)
	if err != nil {
		return nil, err
	}
	out, ok := root.RegisterOf(ret.InVariable)
	if !ok {
		return nil, qerrors.MalformedPlanf("return variable of node %d has no register", root.ID())
	}
	return &Engine{
		q:         q,
		rt:        rt,
		root:      block,
		rootID:    root.ID(),
		out:       out,
		shard:     opts.Shard,
		fullCount: wantsFullCount(q.Plan),
	}, nil
}

func wantsFullCount(p *plan.Plan) bool {
	for _, n := range p.Nodes() {
		if l, ok := n.Operation().(*plan.Limit); ok && l.FullCount && n.Depth() == 0 {
			return true
		}
	}
	return false
}

func (e *Engine) Query() *Query { return e.q }

// Stats returns the counters collected so far.
func (e *Engine) Stats() executor.Stats { return e.rt.Stats }

func (e *Engine) batchSize() int {
	if e.rt.BatchSize > 0 {
		return e.rt.BatchSize
	}
	return executor.DefaultBatchSize
}

func (e *Engine) start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true
	e.begin = time.Now()
	eventbus.Publish(ctx, events.QueryStart{QueryID: e.q.ID, Nodes: e.q.Plan.Len(), Shard: e.shard})
	logging.FromContext(ctx).Debug("query started", "shard", e.shard, "nodes", e.q.Plan.Len())
}

func (e *Engine) finish(ctx context.Context, err error) {
	e.done = true
	e.err = err
	d := time.Since(e.begin)
	eventbus.Publish(ctx, events.QueryFinish{
		QueryID:  e.q.ID,
		Shard:    e.shard,
		Rows:     e.rows,
		Scanned:  e.rt.Stats.Scanned,
		Filtered: e.rt.Stats.Filtered,
		Waits:    e.rt.Stats.Waits,
		Err:      err,
		Duration: d,
	})
	log := logging.FromContext(ctx).With("shard", e.shard, "rows", e.rows, "duration", d)
	switch {
	case err == nil:
		log.Debug("query finished")
	case qerrors.IsKilled(err):
		log.Warn("query killed", "timeout", qerrors.IsTimeout(err), "error", err)
	default:
		log.Debug("query failed", "error", err)
	}
}

// fail records err as the terminal state of the engine. A kill caused by the
// deadline becomes a timeout.
func (e *Engine) fail(ctx context.Context, err error) error {
	if qerrors.IsKilled(err) && !qerrors.IsTimeout(err) && e.q.expired() {
		err = qerrors.Timeoutf("query %s timed out after %s", e.q.ID, e.q.Timeout)
	}
	e.start(ctx)
	e.finish(ctx, err)
	return err
}

func (e *Engine) step(ctx context.Context, st executor.State) {
	switch st {
	case executor.Waiting:
		eventbus.Publish(ctx, events.BlockWaiting{QueryID: e.q.ID, Shard: e.shard, NodeID: int(e.rootID)})
		logging.FromContext(ctx).Debug("query waiting", "shard", e.shard)
	case executor.Done:
		e.finish(ctx, nil)
	}
}

// GetSome returns up to atMost result values. Waiting means the caller
// should come back once the query's waker fired.
func (e *Engine) GetSome(ctx context.Context, atMost int) (executor.State, []any, error) {
	if e.err != nil {
		return executor.HasMore, nil, e.err
	}
	if e.done {
		return executor.Done, nil, nil
	}
	if err := e.q.check(); err != nil {
		return executor.HasMore, nil, e.fail(ctx, err)
	}
	e.start(ctx)
	st, b, err := e.root.ProduceRows(ctx, atMost)
	if err != nil {
		return executor.HasMore, nil, e.fail(ctx, err)
	}
	var vals []any
	if b.Len() > 0 {
		vals = b.Column(e.out)
	}
	e.rows += len(vals)
	e.step(ctx, st)
	return st, vals, nil
}

// SkipSome discards up to atMost result values and returns how many.
func (e *Engine) SkipSome(ctx context.Context, atMost int) (executor.State, int, error) {
	if e.err != nil {
		return executor.HasMore, 0, e.err
	}
	if e.done {
		return executor.Done, 0, nil
	}
	if err := e.q.check(); err != nil {
		return executor.HasMore, 0, e.fail(ctx, err)
	}
	e.start(ctx)
	st, n, err := e.root.SkipRows(ctx, atMost)
	if err != nil {
		return executor.HasMore, n, e.fail(ctx, err)
	}
	e.step(ctx, st)
	return st, n, nil
}

// Execute drives the engine to completion.
func (e *Engine) Execute(ctx context.Context) (*Result, error) {
	if d, ok := e.q.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d)
		defer cancel()
	}
	res := &Result{QueryID: e.q.ID, Shard: e.shard, Rows: []any{}}
	for {
		st, vals, err := e.GetSome(ctx, e.batchSize())
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals...)
		switch st {
		case executor.Done:
			res.Stats = e.rt.Stats
			res.Duration = time.Since(e.begin)
			if e.fullCount {
				fc := e.rt.Stats.FullCount
				res.FullCount = &fc
			}
			return res, nil
		case executor.Waiting:
			if err := e.rt.Waker.Wait(ctx); err != nil {
				return nil, e.fail(ctx, err)
			}
		}
	}
}
