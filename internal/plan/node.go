package plan

import (
	"slices"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

// NodeID addresses a node in its plan's arena.
type NodeID int

// Node is one operator of a plan. Edges are stored as id lists and resolved
// through the owning plan, so removing a node never leaves a dangling pointer.
type Node struct {
	id   NodeID
	plan *Plan
	op   Operation

	deps    []NodeID
	parents []NodeID

	depth             int
	inSplicedSubquery bool

	varsUsedLater VarSet
	varsValid     VarSet
	varUsageValid bool

	regsToClear  []rows.RegisterID
	registerPlan *RegisterPlan

	cost *CostEstimate
}

func (n *Node) ID() NodeID             { return n.id }
func (n *Node) Plan() *Plan            { return n.plan }
func (n *Node) Kind() Kind             { return n.op.Kind() }
func (n *Node) Operation() Operation   { return n.op }
func (n *Node) Depth() int             { return n.depth }
func (n *Node) HasDependency() bool    { return len(n.deps) > 0 }
func (n *Node) HasParent() bool        { return len(n.parents) > 0 }
func (n *Node) Dependencies() []NodeID { return slices.Clone(n.deps) }
func (n *Node) Parents() []NodeID      { return slices.Clone(n.parents) }

// IsInSplicedSubquery reports whether the node runs between a SubqueryStart
// and its SubqueryEnd.
func (n *Node) IsInSplicedSubquery() bool { return n.inSplicedSubquery }

func (n *Node) SetInSplicedSubquery(v bool) { n.inSplicedSubquery = v }

// FirstDependency returns the first child or nil.
func (n *Node) FirstDependency() *Node {
	if len(n.deps) == 0 {
		return nil
	}
	return n.plan.nodes[n.deps[0]]
}

// FirstParent returns the first parent or nil.
func (n *Node) FirstParent() *Node {
	if len(n.parents) == 0 {
		return nil
	}
	return n.plan.nodes[n.parents[0]]
}

// VarsUsedLater is valid after the liveness pass.
func (n *Node) VarsUsedLater() VarSet { return n.varsUsedLater }

// VarsValid is valid after the liveness pass.
func (n *Node) VarsValid() VarSet { return n.varsValid }

func (n *Node) VarUsageValid() bool { return n.varUsageValid }

// RegisterPlan is the frozen register allocation as of this node, or nil
// before register planning.
func (n *Node) RegisterPlan() *RegisterPlan { return n.registerPlan }

// RegsToClear lists registers the node's executor releases after producing
// output.
func (n *Node) RegsToClear() []rows.RegisterID { return n.regsToClear }

// VariablesSetHere lists the variables the node writes.
func (n *Node) VariablesSetHere() []*Variable { return n.op.VariablesSetHere() }

// VariablesUsedHere lists the variables the node reads. For a subquery node
// that includes every variable its nested plan reads but does not set.
func (n *Node) VariablesUsedHere() []*Variable {
	sq, ok := n.op.(*Subquery)
	if !ok {
		return n.op.VariablesUsedHere()
	}
	sub := n.plan.nodes[sq.Subquery]
	if sub == nil {
		return nil
	}
	c := &outerVarCollector{used: NewVarSet(), set: NewVarSet()}
	sub.Walk(c)
	var out []*Variable
	for _, v := range c.used.Sorted() {
		if !c.set.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

type outerVarCollector struct {
	BaseVisitor
	used, set VarSet
}

func (c *outerVarCollector) After(n *Node) {
	for _, v := range n.VariablesUsedHere() {
		c.used.Add(v)
	}
	for _, v := range n.VariablesSetHere() {
		c.set.Add(v)
	}
}

// AddDependency appends dep as a child and records n as dep's parent. It
// returns false if dep belongs to another plan or already is a dependency.
func (n *Node) AddDependency(dep *Node) bool {
	if dep == nil || dep.plan != n.plan || dep == n || slices.Contains(n.deps, dep.id) {
		return false
	}
	n.deps = append(n.deps, dep.id)
	dep.parents = append(dep.parents, n.id)
	n.plan.invalidateUpwards(n)
	return true
}

// RemoveDependency drops the edge to dep in both directions.
func (n *Node) RemoveDependency(dep *Node) bool {
	if dep == nil {
		return false
	}
	i := slices.Index(n.deps, dep.id)
	if i < 0 {
		return false
	}
	j := slices.Index(dep.parents, n.id)
	if j < 0 {
		return false
	}
	n.deps = slices.Delete(n.deps, i, i+1)
	dep.parents = slices.Delete(dep.parents, j, j+1)
	n.plan.invalidateUpwards(n)
	return true
}

// RemoveDependencies drops every child edge.
func (n *Node) RemoveDependencies() {
	for _, id := range slices.Clone(n.deps) {
		n.RemoveDependency(n.plan.nodes[id])
	}
}

// ReplaceDependency swaps the child old for replacement in place, keeping the
// dependency order.
func (n *Node) ReplaceDependency(old, replacement *Node) bool {
	if old == nil || replacement == nil || replacement.plan != n.plan {
		return false
	}
	i := slices.Index(n.deps, old.id)
	if i < 0 {
		return false
	}
	if old.id != replacement.id && slices.Contains(n.deps, replacement.id) {
		return false
	}
	j := slices.Index(old.parents, n.id)
	if j < 0 {
		return false
	}
	old.parents = slices.Delete(old.parents, j, j+1)
	n.deps[i] = replacement.id
	if !slices.Contains(replacement.parents, n.id) {
		replacement.parents = append(replacement.parents, n.id)
	}
	n.plan.invalidateUpwards(n)
	return true
}

// IsConstSubquery reports whether a subquery node's result can be computed
// once and reused: its nested plan reads no outer variable and every node in
// it is deterministic.
func (n *Node) IsConstSubquery() bool {
	sq, ok := n.op.(*Subquery)
	if !ok {
		return false
	}
	if len(n.VariablesUsedHere()) > 0 {
		return false
	}
	sub := n.plan.nodes[sq.Subquery]
	if sub == nil {
		return false
	}
	d := &determinismChecker{deterministic: true}
	sub.Walk(d)
	return d.deterministic
}

type determinismChecker struct {
	BaseVisitor
	deterministic bool
}

func (d *determinismChecker) Before(n *Node) bool {
	switch op := n.op.(type) {
	case *EnumerateCollection:
		if op.Random {
			d.deterministic = false
		}
	case *Calculation:
		if !op.Expression.IsDeterministic() {
			d.deterministic = false
		}
	case *Remote:
		d.deterministic = false
	}
	return !d.deterministic
}

// MatchingSubqueryStart returns the SubqueryStart paired with a SubqueryEnd.
func (n *Node) MatchingSubqueryStart() *Node {
	if n.Kind() != KindSubqueryEnd {
		return nil
	}
	open := 0
	for cur := n.FirstDependency(); cur != nil; cur = cur.FirstDependency() {
		switch cur.Kind() {
		case KindSubqueryEnd:
			open++
		case KindSubqueryStart:
			if open == 0 {
				return cur
			}
			open--
		}
	}
	return nil
}

// InputNode is the node whose rows this node's executor copies from: the
// first dependency, or for a SubqueryEnd the node feeding its SubqueryStart.
func (n *Node) InputNode() *Node {
	if n.Kind() == KindSubqueryEnd {
		if start := n.MatchingSubqueryStart(); start != nil {
			return start.FirstDependency()
		}
		return nil
	}
	return n.FirstDependency()
}

// NrInputRegisters is the width of the rows the node receives.
func (n *Node) NrInputRegisters() int {
	if in := n.InputNode(); in != nil {
		return in.NrOutputRegisters()
	}
	if n.registerPlan != nil && n.depth > 0 {
		return n.registerPlan.NrRegs[n.depth-1]
	}
	return 0
}

// NrOutputRegisters is the width of the rows the node produces.
func (n *Node) NrOutputRegisters() int {
	if n.registerPlan == nil {
		return 0
	}
	return n.registerPlan.NrRegs[n.depth]
}

// RegsToKeep returns, in ascending order, the input registers whose variables
// are used after this node.
func (n *Node) RegsToKeep() []rows.RegisterID {
	if n.registerPlan == nil {
		return nil
	}
	limit := n.NrInputRegisters()
	var out []rows.RegisterID
	for _, v := range n.varsUsedLater {
		info, ok := n.registerPlan.VarInfo[v.ID]
		if !ok {
			continue
		}
		if int(info.RegisterID) < limit {
			out = append(out, info.RegisterID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CheckRegisters reports a register the node would keep, clear or write
// outside the rows it produces.
func (n *Node) CheckRegisters() error {
	rp := n.registerPlan
	if rp == nil {
		return qerrors.MalformedPlanf("node %d (%s) has no register plan", n.id, n.Kind())
	}
	if n.depth < 0 || n.depth >= len(rp.NrRegs) {
		return qerrors.MalformedPlanf("node %d: register plan does not cover depth %d", n.id, n.depth)
	}
	width := n.NrOutputRegisters()
	for _, r := range n.RegsToKeep() {
		if int(r) >= width {
			return qerrors.MalformedPlanf("node %d: kept register %d outside output width %d", n.id, r, width)
		}
	}
	for _, r := range n.regsToClear {
		if int(r) >= width {
			return qerrors.MalformedPlanf("node %d: cleared register %d outside output width %d", n.id, r, width)
		}
	}
	for _, v := range n.VariablesSetHere() {
		if r, ok := n.RegisterOf(v); ok && int(r) >= width {
			return qerrors.MalformedPlanf("node %d: variable %s in register %d outside output width %d", n.id, v.Name, r, width)
		}
	}
	return nil
}

// RegisterOf returns the register holding v as seen from this node.
func (n *Node) RegisterOf(v *Variable) (rows.RegisterID, bool) {
	if n.registerPlan == nil || v == nil {
		return 0, false
	}
	info, ok := n.registerPlan.VarInfo[v.ID]
	return info.RegisterID, ok
}
