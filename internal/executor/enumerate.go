package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/rows"
	"github.com/hanpama/planexec/internal/storage"
)

// enumerateCollectionExecutor emits every document of a collection once per
// input row.
type enumerateCollectionExecutor struct {
	rt    *Runtime
	infos *Infos
	op    *plan.EnumerateCollection
	coll  storage.Collection
	it    storage.DocumentIterator

	out    rows.RegisterID
	docID  rows.RegisterID
	colPtr rows.RegisterID
	late   bool
	hasCol bool

	filter *expr.Program
	binds  binder

	opened       bool
	current      InputRow
	upstreamDone bool
}

func newEnumerateCollection(n *plan.Node, infos *Infos, rt *Runtime, op *plan.EnumerateCollection) (*enumerateCollectionExecutor, error) {
	e := &enumerateCollectionExecutor{rt: rt, infos: infos, op: op, late: op.LateMaterialized()}
	coll, err := rt.Snapshot.Collection(op.Collection)
	if err != nil {
		return nil, err
	}
	e.coll = coll
	if op.Index != nil {
		e.it, err = coll.IndexIterator(op.Index.Name, op.Index.Covering)
		if err != nil {
			return nil, err
		}
	} else {
		e.it = coll.Iterator(op.Random, rt.Seed)
	}

	if e.late {
		if e.docID, err = registerOf(n, op.OutNmDocID); err != nil {
			return nil, err
		}
		if op.OutNmColPtr != nil {
			if e.colPtr, err = registerOf(n, op.OutNmColPtr); err != nil {
				return nil, err
			}
			e.hasCol = true
		}
	} else if e.out, err = registerOf(n, op.OutVariable); err != nil {
		return nil, err
	}

	if op.Filter != nil {
		var extra []string
		if op.OutVariable != nil {
			extra = append(extra, op.OutVariable.Name)
		}
		if e.filter, err = rt.Evaluator.Compile(op.Filter, extra...); err != nil {
			return nil, err
		}
		if e.binds, err = newBinder(n, op.Filter.Variables, op.OutVariable); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (*enumerateCollectionExecutor) Properties() Properties {
	return Properties{PreservesOrder: true}
}

// open waits for a satellite collection once, before the first document.
func (e *enumerateCollectionExecutor) open(ctx context.Context) error {
	if e.opened {
		return nil
	}
	if err := e.rt.Snapshot.WaitForSync(ctx, e.op.Collection); err != nil {
		return err
	}
	e.opened = true
	return nil
}

// advance moves to the next input row. It reports false, with the state to
// return, when there is none.
func (e *enumerateCollectionExecutor) advance(ctx context.Context, in *Fetcher, atMost int) (State, bool, error) {
	if e.current.IsValid() {
		return HasMore, true, nil
	}
	if e.upstreamDone {
		return Done, false, nil
	}
	st, row, err := in.Next(ctx, atMost)
	if err != nil || !row.IsValid() {
		return st, false, err
	}
	e.current = row
	e.upstreamDone = st == Done
	e.it.Reset()
	return HasMore, true, nil
}

func (e *enumerateCollectionExecutor) emit(ctx context.Context, out *OutputRows) storage.Visit {
	return func(id storage.LocalDocumentID, doc storage.Document) error {
		e.rt.Stats.Scanned++
		if e.filter != nil {
			vars := e.binds.bind(e.current)
			if e.op.OutVariable != nil {
				vars[e.op.OutVariable.Name] = doc
			}
			ok, err := e.filter.Eval(ctx, vars)
			if err != nil {
				return err
			}
			if !rows.ToBoolean(ok) {
				e.rt.Stats.Filtered++
				return nil
			}
		}
		i := out.Append(e.current)
		if e.late {
			out.Set(i, e.docID, int64(id))
			if e.hasCol {
				out.Set(i, e.colPtr, e.coll.Name())
			}
		} else {
			out.Set(i, e.out, doc)
		}
		return nil
	}
}

func (e *enumerateCollectionExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	if err := e.open(ctx); err != nil {
		return HasMore, err
	}
	visit := e.emit(ctx, out)
	for !out.Full() {
		st, ok, err := e.advance(ctx, in, out.Remaining())
		if err != nil || !ok {
			return st, err
		}
		more, err := e.it.Next(ctx, out.Remaining(), visit)
		if err != nil {
			return HasMore, err
		}
		if !more {
			e.current = InputRow{}
			if e.upstreamDone {
				return Done, nil
			}
		}
	}
	return HasMore, nil
}

// Skip counts documents without reading them. A pushed filter needs the
// documents, so filtered enumerations fall back to producing.
func (e *enumerateCollectionExecutor) Skip(ctx context.Context, in *Fetcher, atMost int) (State, int, error) {
	if e.filter != nil {
		out := newOutputRows(e.infos, atMost, 0)
		st, err := e.Produce(ctx, in, out)
		return st, out.Len(), err
	}
	if err := e.open(ctx); err != nil {
		return HasMore, 0, err
	}
	skipped := 0
	for skipped < atMost {
		st, ok, err := e.advance(ctx, in, atMost-skipped)
		if err != nil || !ok {
			return st, skipped, err
		}
		n, err := e.it.Skip(ctx, atMost-skipped)
		e.rt.Stats.Scanned += int64(n)
		skipped += n
		if err != nil {
			return HasMore, skipped, err
		}
		if skipped < atMost {
			// the iterator ran dry for this input row
			e.current = InputRow{}
			if e.upstreamDone {
				return Done, skipped, nil
			}
		}
	}
	return HasMore, skipped, nil
}

func (e *enumerateCollectionExecutor) Reset(InputRow) error {
	e.current = InputRow{}
	e.upstreamDone = false
	e.it.Reset()
	return nil
}

// enumerateListExecutor emits one row per element of an array. Anything but
// an array yields no rows.
type enumerateListExecutor struct {
	in, out rows.RegisterID

	current      InputRow
	list         []any
	pos          int
	upstreamDone bool
}

func (*enumerateListExecutor) Properties() Properties {
	return Properties{PreservesOrder: true}
}

func (e *enumerateListExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	for !out.Full() {
		if !e.current.IsValid() {
			if e.upstreamDone {
				return Done, nil
			}
			st, row, err := in.Next(ctx, out.Remaining())
			if err != nil || !row.IsValid() {
				return st, err
			}
			e.current = row
			e.upstreamDone = st == Done
			e.list, _ = row.Get(e.in).([]any)
			e.pos = 0
		}
		for e.pos < len(e.list) && !out.Full() {
			i := out.Append(e.current)
			out.Set(i, e.out, e.list[e.pos])
			e.pos++
		}
		if e.pos >= len(e.list) {
			e.current = InputRow{}
			e.list = nil
			if e.upstreamDone {
				return Done, nil
			}
		}
	}
	return HasMore, nil
}

func (e *enumerateListExecutor) Reset(InputRow) error {
	e.current, e.list, e.pos, e.upstreamDone = InputRow{}, nil, 0, false
	return nil
}
