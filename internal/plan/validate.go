package plan

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/planexec/internal/qerrors"
)

// Violation is one structural problem found in a plan.
type Violation struct {
	Node    NodeID `json:"node,omitempty"`
	Message string `json:"message"`
}

// ValidationError lists every violation found by Validate.
type ValidationError []*Violation

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("plan violations found:\n")
	for _, v := range e {
		if v.Node != 0 {
			fmt.Fprintf(&b, "- node %d: %s\n", v.Node, v.Message)
		} else {
			fmt.Fprintf(&b, "- %s\n", v.Message)
		}
	}
	return b.String()
}

func (e ValidationError) asError() error {
	if len(e) == 0 {
		return nil
	}
	return errors.Mark(e, qerrors.ErrMalformedPlan)
}

type validator struct {
	p          *Plan
	violations ValidationError
	state      map[NodeID]int // 1 visiting, 2 done
}

func (v *validator) add(id NodeID, format string, args ...any) {
	v.violations = append(v.violations, &Violation{Node: id, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the graph shape: the root exists, dependency edges are
// acyclic and mirrored by parent edges, every node is reachable from the root,
// every node has the dependency count its kind requires and subquery roots
// are Return nodes.
func (p *Plan) Validate() error {
	v := &validator{p: p, state: make(map[NodeID]int)}
	if p.root == nil {
		v.add(0, "plan has no root")
		return v.violations.asError()
	}
	v.visit(p.root, 0)
	for _, n := range p.Nodes() {
		if v.state[n.id] == 0 {
			v.add(n.id, "%s is not reachable from the root", n.Kind())
		}
		v.checkEdges(n)
	}
	return v.violations.asError()
}

func (v *validator) visit(n *Node, depth int) {
	switch v.state[n.id] {
	case 1:
		v.add(n.id, "dependency cycle through %s", n.Kind())
		return
	case 2:
		return
	}
	v.state[n.id] = 1
	v.checkShape(n)
	for _, id := range n.deps {
		dep := v.p.nodes[id]
		if dep == nil {
			v.add(n.id, "dependency %d does not exist", id)
			continue
		}
		v.visit(dep, depth)
	}
	if sq, ok := n.op.(*Subquery); ok {
		sub := v.p.nodes[sq.Subquery]
		switch {
		case sub == nil:
			v.add(n.id, "subquery root %d does not exist", sq.Subquery)
		case sub.Kind() != KindReturn:
			v.add(n.id, "subquery root %d is %s, want %s", sub.id, sub.Kind(), KindReturn)
			v.visit(sub, depth+1)
		default:
			v.visit(sub, depth+1)
		}
	}
	if l, ok := n.op.(*Limit); ok && l.FullCount && (depth > 0 || n.inSplicedSubquery) {
		v.add(n.id, "fullCount is only allowed at the top level")
	}
	v.state[n.id] = 2
}

func (v *validator) checkShape(n *Node) {
	want := 1
	if n.Kind() == KindSingleton {
		want = 0
	}
	if len(n.deps) != want {
		v.add(n.id, "%s has %d dependencies, want %d", n.Kind(), len(n.deps), want)
	}
	for _, sv := range n.VariablesSetHere() {
		if v.p.vars.Get(sv.ID) != sv {
			v.add(n.id, "variable #%d (%s) is not owned by the plan", sv.ID, sv.Name)
		}
	}
	switch op := n.op.(type) {
	case *EnumerateCollection:
		if op.Collection == "" {
			v.add(n.id, "missing collection")
		}
		if op.OutVariable == nil && op.OutNmDocID == nil {
			v.add(n.id, "missing output variable")
		}
	case *Calculation:
		if op.Expression == nil || op.OutVariable == nil {
			v.add(n.id, "calculation needs an expression and an output variable")
		}
	case *Limit:
		if op.Offset < 0 || op.Limit < 0 {
			v.add(n.id, "negative offset or limit")
		}
	case *Materialize:
		if op.InNmDocID == nil || op.OutVariable == nil {
			v.add(n.id, "materialize needs a document id and an output variable")
		}
		if op.InNmColPtr == nil && op.Collection == "" {
			v.add(n.id, "single-collection materialize needs a collection")
		}
	}
}

func (v *validator) checkEdges(n *Node) {
	for _, id := range n.deps {
		dep := v.p.nodes[id]
		if dep != nil && !containsID(dep.parents, n.id) {
			v.add(n.id, "dependency %d does not list it as parent", id)
		}
	}
	for _, id := range n.parents {
		parent := v.p.nodes[id]
		if parent == nil {
			v.add(n.id, "parent %d does not exist", id)
			continue
		}
		if !containsID(parent.deps, n.id) {
			v.add(n.id, "parent %d does not list it as dependency", id)
		}
	}
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// checkVariablesDefined reports variables read by a node that no node below
// it (or in an enclosing scope) sets. It needs a fresh liveness pass.
func checkVariablesDefined(root *Node) error {
	c := &definedChecker{}
	root.Walk(c)
	return c.violations.asError()
}

type definedChecker struct {
	BaseVisitor
	violations ValidationError
}

func (c *definedChecker) After(n *Node) {
	var available VarSet
	if dep := n.FirstDependency(); dep != nil {
		available = dep.varsValid
	} else {
		// a nested singleton sees what was valid where its subquery runs
		available = n.varsValid
	}
	for _, v := range n.VariablesUsedHere() {
		if !available.Has(v) {
			c.violations = append(c.violations, &Violation{
				Node:    n.id,
				Message: fmt.Sprintf("variable #%d (%s) is used before it is set", v.ID, v.Name),
			})
		}
	}
}

// Prepare validates p and runs the liveness pass and register planning from
// its root. After Prepare the plan is frozen.
func Prepare(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ComputeVarUsage(p.root)
	if err := checkVariablesDefined(p.root); err != nil {
		return err
	}
	return PlanRegisters(p.root)
}

// EnsurePrepared prepares p unless it was decoded together with its register
// plans, in which case only the graph shape is checked.
func EnsurePrepared(p *Plan) error {
	if root := p.root; root != nil && root.registerPlan != nil {
		return p.Validate()
	}
	return Prepare(p)
}
