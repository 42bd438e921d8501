package plan

import (
	"github.com/hanpama/planexec/internal/qerrors"
)

// CostEstimate is the optimizer-facing estimate of a node: how many rows it
// produces and how expensive producing them is, including all dependencies.
type CostEstimate struct {
	EstimatedCost    float64
	EstimatedNrItems int64
}

// EmptyCost is returned when no transaction is available to read counts from.
func EmptyCost() CostEstimate { return CostEstimate{} }

const (
	// randomScanPenalty and perNodeFee are fixed heuristics.
	randomScanPenalty = 1.005
	perNodeFee        = 1.0

	// defaultListLength is assumed for arrays of unknown length.
	defaultListLength = 100
)

// Cost returns the memoized estimate, computing it on first use.
func (n *Node) Cost() (CostEstimate, error) {
	if n.cost != nil {
		return *n.cost, nil
	}
	est, err := n.estimateCost()
	if err != nil {
		return CostEstimate{}, err
	}
	n.cost = &est
	return est, nil
}

// HasCachedCost reports whether an estimate is memoized.
func (n *Node) HasCachedCost() bool { return n.cost != nil }

// InvalidateCost drops the memoized estimate of n, its dependencies and, for
// subquery nodes, the nested plan.
func (n *Node) InvalidateCost() {
	n.cost = nil
	for _, id := range n.deps {
		if dep := n.plan.nodes[id]; dep != nil {
			dep.InvalidateCost()
		}
	}
	if sq, ok := n.op.(*Subquery); ok {
		if sub := n.plan.nodes[sq.Subquery]; sub != nil {
			sub.InvalidateCost()
		}
	}
}

func (n *Node) estimateCost() (CostEstimate, error) {
	n.plan.costEvaluations++
	var base CostEstimate
	if dep := n.FirstDependency(); dep != nil {
		var err error
		if base, err = dep.Cost(); err != nil {
			return CostEstimate{}, err
		}
	} else if n.Kind() != KindSingleton {
		return CostEstimate{}, qerrors.MalformedPlanf("node %d (%s) has no dependency", n.id, n.Kind())
	}
	e := &costEstimator{node: n, est: base}
	if err := n.op.Accept(e); err != nil {
		return CostEstimate{}, err
	}
	if e.est.EstimatedNrItems < 0 {
		e.est.EstimatedNrItems = 0
	}
	if e.est.EstimatedCost < 0 {
		e.est.EstimatedCost = 0
	}
	return e.est, nil
}

// costEstimator applies one node's local term to the estimate of its
// dependency.
type costEstimator struct {
	node *Node
	est  CostEstimate
}

func (e *costEstimator) passThrough() {
	e.est.EstimatedCost += float64(e.est.EstimatedNrItems)
}

func (e *costEstimator) VisitSingleton(*Singleton) error {
	e.est = CostEstimate{EstimatedNrItems: 1, EstimatedCost: 1.0}
	return nil
}

func (e *costEstimator) VisitEnumerateCollection(op *EnumerateCollection) error {
	trx := e.node.plan.trx
	if trx == nil || !trx.Active() {
		e.est = EmptyCost()
		return nil
	}
	count, err := trx.Count(op.Collection)
	if err != nil {
		return err
	}
	e.est.EstimatedNrItems *= count
	penalty := 1.0
	if op.Random {
		penalty = randomScanPenalty
	}
	e.est.EstimatedCost += float64(e.est.EstimatedNrItems)*penalty + perNodeFee
	return nil
}

func (e *costEstimator) VisitEnumerateList(op *EnumerateList) error {
	length := int64(defaultListLength)
	if setter := e.node.plan.setterOf(e.node, op.InVariable); setter != nil {
		if calc, ok := setter.op.(*Calculation); ok {
			if n, ok := calc.Expression.ConstantArrayLength(); ok {
				length = int64(n)
			}
		}
	}
	e.est.EstimatedNrItems *= length
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitFilter(*Filter) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitLimit(op *Limit) error {
	items := e.est.EstimatedNrItems - op.Offset
	if items < 0 {
		items = 0
	}
	if items > op.Limit {
		items = op.Limit
	}
	e.est.EstimatedNrItems = items
	e.est.EstimatedCost += float64(items)
	return nil
}

func (e *costEstimator) VisitCalculation(*Calculation) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitSubquery(op *Subquery) error {
	sub := e.node.plan.nodes[op.Subquery]
	if sub == nil {
		return qerrors.MalformedPlanf("node %d: subquery root %d missing", e.node.id, op.Subquery)
	}
	inner, err := sub.Cost()
	if err != nil {
		return err
	}
	e.est.EstimatedCost += float64(e.est.EstimatedNrItems) * inner.EstimatedCost
	return nil
}

func (e *costEstimator) VisitSubqueryStart(*SubqueryStart) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitSubqueryEnd(*SubqueryEnd) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitMaterialize(*Materialize) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitRemote(*Remote) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitReturn(*Return) error {
	e.passThrough()
	return nil
}

func (e *costEstimator) VisitNoResults(*NoResults) error {
	e.est = CostEstimate{EstimatedNrItems: 0, EstimatedCost: 0.5}
	return nil
}

// setterOf finds the node below from that sets v, following first
// dependencies.
func (p *Plan) setterOf(from *Node, v *Variable) *Node {
	if v == nil {
		return nil
	}
	for cur := from.FirstDependency(); cur != nil; cur = cur.FirstDependency() {
		for _, s := range cur.VariablesSetHere() {
			if s.ID == v.ID {
				return cur
			}
		}
	}
	return nil
}
