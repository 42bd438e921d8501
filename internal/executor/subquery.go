package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/rows"
)

// subqueryExecutor runs a nested plan to completion once per input row and
// binds the collected values to one output register. It serves both Subquery
// nodes, whose nested plan hangs off the node, and SubqueryEnd nodes, whose
// inner blocks were spliced between the matching SubqueryStart and the end.
type subqueryExecutor struct {
	rt    *Runtime
	inner Block
	// collect is the register of the collected variable in inner's rows.
	collect    rows.RegisterID
	hasCollect bool
	out        rows.RegisterID
	constant   bool

	cached    []any
	hasCached bool

	current      InputRow
	upstreamDone bool
	draining     bool
	values       []any
}

func (*subqueryExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, InputSizeRestrictsOutputSize: true}
}

// drain pulls inner until it is done, resuming an earlier drain that stopped
// at Waiting.
func (e *subqueryExecutor) drain(ctx context.Context) (State, error) {
	for {
		st, b, err := e.inner.ProduceRows(ctx, e.rt.batchSize())
		if err != nil {
			return st, err
		}
		if e.hasCollect && b.Len() > 0 {
			e.values = append(e.values, b.Column(e.collect)...)
		}
		switch st {
		case Waiting:
			return Waiting, nil
		case Done:
			return Done, nil
		}
	}
}

func (e *subqueryExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	for !out.Full() {
		if !e.draining {
			if e.upstreamDone {
				return Done, nil
			}
			st, row, err := in.Next(ctx, out.Remaining())
			if err != nil || !row.IsValid() {
				return st, err
			}
			e.current = row
			e.upstreamDone = st == Done
			if e.hasCached {
				i := out.Append(row)
				out.Set(i, e.out, e.cached)
				continue
			}
			if err := e.inner.InitializeCursor(row); err != nil {
				return HasMore, err
			}
			e.values = []any{}
			e.draining = true
		}
		st, err := e.drain(ctx)
		if err != nil {
			return st, err
		}
		if st == Waiting {
			return Waiting, nil
		}
		i := out.Append(e.current)
		out.Set(i, e.out, e.values)
		if e.constant {
			e.cached, e.hasCached = e.values, true
		}
		e.current, e.values, e.draining = InputRow{}, nil, false
	}
	if e.upstreamDone && !e.draining {
		return Done, nil
	}
	return HasMore, nil
}

func (e *subqueryExecutor) Reset(InputRow) error {
	e.current, e.values = InputRow{}, nil
	e.draining, e.upstreamDone = false, false
	return nil
}
