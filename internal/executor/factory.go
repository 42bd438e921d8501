package executor

import (
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
)

// New creates the block for n. upstream is the block n fetches its input rows
// from; inner is the nested root for Subquery and SubqueryEnd nodes.
func New(n *plan.Node, rt *Runtime, upstream, inner Block) (Block, error) {
	infos, err := NewInfos(n)
	if err != nil {
		return nil, err
	}
	f := &factory{n: n, rt: rt, infos: infos, upstream: upstream, inner: inner}
	if err := n.Operation().Accept(f); err != nil {
		return nil, err
	}
	return f.block, nil
}

type factory struct {
	n        *plan.Node
	rt       *Runtime
	infos    *Infos
	upstream Block
	inner    Block
	block    Block
}

func (f *factory) needUpstream() error {
	if f.upstream == nil {
		return qerrors.MalformedPlanf("node %d (%s) has no input block", f.n.ID(), f.n.Kind())
	}
	return nil
}

func (f *factory) needSnapshot() error {
	if f.rt.Snapshot == nil || !f.rt.Snapshot.Active() {
		return qerrors.RuntimeDataf("node %d (%s) needs an active snapshot", f.n.ID(), f.n.Kind())
	}
	return nil
}

func (f *factory) VisitSingleton(*plan.Singleton) error {
	f.block = NewBlock(f.infos, &rootExecutor{}, nil)
	return nil
}

func (f *factory) VisitSubqueryStart(*plan.SubqueryStart) error {
	f.block = NewBlock(f.infos, &rootExecutor{}, nil)
	return nil
}

func (f *factory) VisitEnumerateCollection(op *plan.EnumerateCollection) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	if err := f.needSnapshot(); err != nil {
		return err
	}
	e, err := newEnumerateCollection(f.n, f.infos, f.rt, op)
	if err != nil {
		return err
	}
	f.block = NewBlock(f.infos, e, f.upstream)
	return nil
}

func (f *factory) VisitEnumerateList(op *plan.EnumerateList) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	in, err := registerOf(f.n, op.InVariable)
	if err != nil {
		return err
	}
	out, err := registerOf(f.n, op.OutVariable)
	if err != nil {
		return err
	}
	f.block = NewBlock(f.infos, &enumerateListExecutor{in: in, out: out}, f.upstream)
	return nil
}

func (f *factory) VisitFilter(op *plan.Filter) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	cond, err := registerOf(f.n, op.InVariable)
	if err != nil {
		return err
	}
	f.block = NewBlock(f.infos, &filterExecutor{rt: f.rt, cond: cond}, f.upstream)
	return nil
}

func (f *factory) VisitLimit(op *plan.Limit) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	if op.Offset < 0 || op.Limit < 0 {
		return qerrors.MalformedPlanf("node %d: negative offset or limit", f.n.ID())
	}
	if op.FullCount && f.n.Depth() > 0 {
		return qerrors.PolicyViolationf("node %d: fullCount inside a subquery", f.n.ID())
	}
	e := &limitExecutor{rt: f.rt, offset: op.Offset, limit: op.Limit, fullCount: op.FullCount}
	f.block = NewBlock(f.infos, e, f.upstream)
	return nil
}

func (f *factory) VisitCalculation(op *plan.Calculation) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	if op.Expression == nil {
		return qerrors.MalformedPlanf("node %d: calculation without expression", f.n.ID())
	}
	out, err := registerOf(f.n, op.OutVariable)
	if err != nil {
		return err
	}
	if op.Expression.Shape() == plan.ShapeReference {
		in, err := registerOf(f.n, op.Expression.Reference())
		if err != nil {
			return err
		}
		f.block = NewBlock(f.infos, &referenceExecutor{in: in, out: out}, f.upstream)
		return nil
	}

	if f.rt.Evaluator == nil {
		return qerrors.PolicyViolationf("node %d: no expression evaluator", f.n.ID())
	}
	prg, err := f.rt.Evaluator.Compile(op.Expression)
	if err != nil {
		return err
	}
	binds, err := newBinder(f.n, op.Expression.Variables, nil)
	if err != nil {
		return err
	}
	if op.Expression.Shape() == plan.ShapeScript {
		e := &scriptExecutor{prg: prg, binds: binds, out: out, scripts: f.rt.Evaluator.ScriptContexts()}
		f.block = NewBlock(f.infos, e, f.upstream)
		return nil
	}
	f.block = NewBlock(f.infos, &conditionExecutor{prg: prg, binds: binds, out: out}, f.upstream)
	return nil
}

func (f *factory) VisitSubquery(op *plan.Subquery) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	root := f.n.Plan().Node(op.Subquery)
	if root == nil {
		return qerrors.MalformedPlanf("node %d: subquery root %d not found", f.n.ID(), op.Subquery)
	}
	ret, ok := root.Operation().(*plan.Return)
	if !ok {
		return qerrors.MalformedPlanf("node %d: subquery root %d is a %s", f.n.ID(), root.ID(), root.Kind())
	}
	e, err := f.subquery(root, ret.InVariable, op.OutVariable)
	if err != nil {
		return err
	}
	e.constant = f.n.IsConstSubquery()
	f.block = NewBlock(f.infos, e, f.upstream)
	return nil
}

func (f *factory) VisitSubqueryEnd(op *plan.SubqueryEnd) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	last := f.n.FirstDependency()
	if last == nil || f.n.MatchingSubqueryStart() == nil {
		return qerrors.MalformedPlanf("node %d: subquery end without start", f.n.ID())
	}
	e, err := f.subquery(last, op.InVariable, op.OutVariable)
	if err != nil {
		return err
	}
	f.block = NewBlock(f.infos, e, f.upstream)
	return nil
}

// subquery builds the executor collecting v as seen from the inner node last.
func (f *factory) subquery(last *plan.Node, v, out *plan.Variable) (*subqueryExecutor, error) {
	if f.inner == nil {
		return nil, qerrors.MalformedPlanf("node %d (%s) has no nested block", f.n.ID(), f.n.Kind())
	}
	outReg, err := registerOf(f.n, out)
	if err != nil {
		return nil, err
	}
	e := &subqueryExecutor{rt: f.rt, inner: f.inner, out: outReg}
	if v != nil {
		if e.collect, err = registerOf(last, v); err != nil {
			return nil, err
		}
		e.hasCollect = true
	}
	return e, nil
}

func (f *factory) VisitMaterialize(op *plan.Materialize) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	if err := f.needSnapshot(); err != nil {
		return err
	}
	e := &materializeExecutor{rt: f.rt, multi: op.Multi()}
	var err error
	if e.docID, err = registerOf(f.n, op.InNmDocID); err != nil {
		return err
	}
	if e.out, err = registerOf(f.n, op.OutVariable); err != nil {
		return err
	}
	if e.multi {
		if e.colPtr, err = registerOf(f.n, op.InNmColPtr); err != nil {
			return err
		}
	} else if e.single, err = f.rt.Snapshot.Collection(op.Collection); err != nil {
		return err
	}
	f.block = NewBlock(f.infos, e, f.upstream)
	return nil
}

func (f *factory) VisitRemote(op *plan.Remote) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	out, err := registerOf(f.n, op.OutVariable)
	if err != nil {
		return err
	}
	f.block = NewBlock(f.infos, &remoteExecutor{rt: f.rt, endpoint: op.Endpoint, out: out}, f.upstream)
	return nil
}

func (f *factory) VisitReturn(*plan.Return) error {
	if err := f.needUpstream(); err != nil {
		return err
	}
	f.block = NewBlock(f.infos, returnExecutor{}, f.upstream)
	return nil
}

func (f *factory) VisitNoResults(*plan.NoResults) error {
	f.block = NewBlock(f.infos, noResultsExecutor{}, f.upstream)
	return nil
}
