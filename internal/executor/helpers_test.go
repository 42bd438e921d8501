package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/rows"
	"github.com/hanpama/planexec/internal/storage"
)

// usersStore holds n users named user001.. with ages 1..n.
func usersStore(n int) *storage.MemoryStore {
	s := storage.NewMemoryStore()
	docs := make([]storage.Document, n)
	for i := range docs {
		docs[i] = storage.Document{"name": fmt.Sprintf("user%03d", i+1), "age": int64(i + 1)}
	}
	s.AddCollection("users", docs...)
	return s
}

func newRuntime(t *testing.T, snap storage.Snapshot) *Runtime {
	t.Helper()
	ev, err := expr.New(expr.Options{})
	require.NoError(t, err)
	return &Runtime{Snapshot: snap, Evaluator: ev, Waker: NewWaker()}
}

func mustBuild(t *testing.T, p *plan.Plan, rt *Runtime) Block {
	t.Helper()
	require.NoError(t, plan.Prepare(p))
	root, err := Build(p, rt)
	require.NoError(t, err)
	return root
}

func regOf(t *testing.T, n *plan.Node, v *plan.Variable) rows.RegisterID {
	t.Helper()
	reg, ok := n.RegisterOf(v)
	require.True(t, ok, "variable %s has no register at node %d", v.Name, n.ID())
	return reg
}

// drain pulls root until Done, waiting on the runtime's waker whenever the
// root answers Waiting. It returns the batches in order and the number of
// produce calls.
func drain(t *testing.T, rt *Runtime, root Block, atMost int) ([]*rows.Batch, int) {
	t.Helper()
	ctx := context.Background()
	var out []*rows.Batch
	for calls := 1; ; calls++ {
		require.Less(t, calls, 10000, "root never finished")
		st, b, err := root.ProduceRows(ctx, atMost)
		require.NoError(t, err)
		require.LessOrEqual(t, b.Len(), atMost)
		if b.Len() > 0 {
			out = append(out, b)
		}
		switch st {
		case Done:
			return out, calls
		case Waiting:
			require.Zero(t, b.Len(), "waiting with rows")
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			require.NoError(t, rt.Waker.Wait(wctx))
			cancel()
		}
	}
}

func column(batches []*rows.Batch, reg rows.RegisterID) []any {
	var out []any
	for _, b := range batches {
		out = append(out, b.Column(reg)...)
	}
	return out
}

func field(vals []any, name string) []any {
	if len(vals) == 0 {
		return nil
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.(storage.Document)[name]
	}
	return out
}

func intRange(from, to int64) []any {
	var out []any
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// scenario is
//
//	Singleton -> EnumerateCollection(users, doc) -> Calculation(cond = doc.age >= 18)
//	  -> Filter(cond) -> Limit -> Return(doc)
type scenario struct {
	p         *plan.Plan
	doc, cond *plan.Variable
	ret       *plan.Node
}

func buildScenario(offset, limit int64, fullCount bool) *scenario {
	p := plan.New()
	s := &scenario{p: p}
	s.doc = p.Variables().Create("doc")
	s.cond = p.Variables().Create("cond")
	single := p.NewNode(&plan.Singleton{})
	enum := p.NewNode(&plan.EnumerateCollection{Collection: "users", OutVariable: s.doc}, single)
	calc := p.NewNode(&plan.Calculation{
		OutVariable: s.cond,
		Expression:  &plan.Expression{Text: "doc.age >= 18", Variables: []*plan.Variable{s.doc}},
	}, enum)
	filter := p.NewNode(&plan.Filter{InVariable: s.cond}, calc)
	lim := p.NewNode(&plan.Limit{Offset: offset, Limit: limit, FullCount: fullCount}, filter)
	s.ret = p.NewNode(&plan.Return{InVariable: s.doc}, lim)
	p.SetRoot(s.ret)
	return s
}

type step struct {
	st   State
	vals []any
	err  error
}

// scriptedBlock replays one step per ProduceRows call, writing the step's
// values into register 0.
type scriptedBlock struct {
	steps []step
	calls int
	inits int
	infos Infos
}

func newScripted(steps ...step) *scriptedBlock {
	return &scriptedBlock{steps: steps, infos: Infos{NrOutputRegs: 1}}
}

func (s *scriptedBlock) ProduceRows(_ context.Context, _ int) (State, *rows.Batch, error) {
	s.calls++
	if len(s.steps) == 0 {
		return Done, rows.NewBatch(0, 1), nil
	}
	cur := s.steps[0]
	s.steps = s.steps[1:]
	b := rows.NewBatch(len(cur.vals), 1)
	for _, v := range cur.vals {
		b.Set(b.Append(), 0, v)
	}
	return cur.st, b, cur.err
}

func (s *scriptedBlock) SkipRows(ctx context.Context, atMost int) (State, int, error) {
	st, b, err := s.ProduceRows(ctx, atMost)
	return st, b.Len(), err
}

func (s *scriptedBlock) InitializeCursor(InputRow) error {
	s.inits++
	return nil
}

func (s *scriptedBlock) Infos() *Infos { return &s.infos }
