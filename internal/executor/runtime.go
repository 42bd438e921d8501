package executor

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/storage"
)

// DefaultBatchSize is used when Runtime.BatchSize is zero.
const DefaultBatchSize = 1000

// Runtime is the host surface one query's blocks run against. The blocks of
// a query are driven from a single goroutine, so Stats needs no locking.
type Runtime struct {
	Snapshot  storage.Snapshot
	Evaluator *expr.Evaluator
	Remote    RemoteSource
	// Pool runs remote fetches. Without a pool every fetch gets its own
	// goroutine.
	Pool  *ants.Pool
	Waker *Waker
	Stats Stats
	// Seed fixes the order of random enumerations.
	Seed int64
	// BatchSize is the atMost used when a subquery drains its nested plan.
	BatchSize int
}

func (r *Runtime) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return DefaultBatchSize
}

func (r *Runtime) wake() {
	if r.Waker != nil {
		r.Waker.Wake()
	}
}

func (r *Runtime) submit(fn func()) error {
	if r.Pool == nil {
		go fn()
		return nil
	}
	if err := r.Pool.Submit(fn); err != nil {
		return qerrors.RuntimeDataf("submit remote fetch: %v", err)
	}
	return nil
}

// RemoteSource serves the values a Remote node streams from another engine.
//
// Contract
//   - FetchPage returns up to req.AtMost values starting at req.Offset, in a
//     stable order, and sets Done once no values follow.
//   - FetchPage runs on a worker goroutine, never on the goroutine driving the
//     query. Implementations must be safe for concurrent use.
//   - Errors are fatal to the query. Implementations should respect ctx.
type RemoteSource interface {
	FetchPage(ctx context.Context, req RemoteRequest) (RemoteResponse, error)
}

type RemoteRequest struct {
	Endpoint string
	Offset   int
	AtMost   int
}

type RemoteResponse struct {
	Values []any
	Done   bool
}

// fetch is one in-flight page request. resp and err are written before done
// is set.
type fetch struct {
	resp RemoteResponse
	err  error
	done chan struct{}
}

func (r *Runtime) startFetch(ctx context.Context, req RemoteRequest) (*fetch, error) {
	if r.Remote == nil {
		return nil, qerrors.NotFoundf("no remote source configured for endpoint %q", req.Endpoint)
	}
	f := &fetch{done: make(chan struct{})}
	src := r.Remote
	err := r.submit(func() {
		eventbus.Publish(ctx, events.RemoteFetchStart{Endpoint: req.Endpoint, Offset: req.Offset, AtMost: req.AtMost})
		start := time.Now()
		f.resp, f.err = src.FetchPage(ctx, req)
		eventbus.Publish(ctx, events.RemoteFetchFinish{
			Endpoint: req.Endpoint,
			Offset:   req.Offset,
			Values:   len(f.resp.Values),
			Code:     qerrors.GRPCCode(f.err),
			Err:      f.err,
			Duration: time.Since(start),
		})
		close(f.done)
		r.wake()
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fetch) ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
