// Package plan models the logical execution plan: an arena of typed operator
// nodes, the liveness and register-allocation passes that prepare it for
// execution, its cost model, and its serialized interchange format.
//
// A plan is mutable while the planner builds it. Prepare runs the liveness
// pass and register planning once; afterwards the plan is treated as
// read-only and may be shared by any number of concurrently running engines.
package plan

import (
	"maps"
	"slices"

	"github.com/hanpama/planexec/internal/qerrors"
)

// Transaction is the part of the query's transaction handle that cost
// estimation reads: whether the transaction is running and cheap collection
// counts.
type Transaction interface {
	Active() bool
	Count(collection string) (int64, error)
}

// Plan owns its nodes and variables.
type Plan struct {
	nodes  map[NodeID]*Node
	nextID NodeID
	root   *Node
	vars   *VariablePool
	trx    Transaction

	costEvaluations int
}

func New() *Plan {
	return &Plan{
		nodes:  make(map[NodeID]*Node),
		nextID: 1,
		vars:   NewVariablePool(),
	}
}

func (p *Plan) Variables() *VariablePool { return p.vars }

// SetTransaction attaches the transaction used by cost estimation and
// invalidates every cached estimate.
func (p *Plan) SetTransaction(trx Transaction) {
	p.trx = trx
	for _, n := range p.nodes {
		n.cost = nil
	}
}

func (p *Plan) Transaction() Transaction { return p.trx }

// NextID reserves a fresh node id.
func (p *Plan) NextID() NodeID {
	id := p.nextID
	p.nextID++
	return id
}

// NewNode adds a node with a fresh id and wires deps as its dependencies.
func (p *Plan) NewNode(op Operation, deps ...*Node) *Node {
	n := &Node{id: p.NextID(), plan: p, op: op}
	p.nodes[n.id] = n
	for _, d := range deps {
		n.AddDependency(d)
	}
	return n
}

// addNodeWithID registers a node under a fixed id, as done when reading a
// serialized plan or cloning into another plan.
func (p *Plan) addNodeWithID(id NodeID, op Operation) (*Node, error) {
	if _, ok := p.nodes[id]; ok {
		return nil, qerrors.MalformedPlanf("duplicate node id %d", id)
	}
	if id <= 0 {
		return nil, qerrors.MalformedPlanf("invalid node id %d", id)
	}
	n := &Node{id: id, plan: p, op: op}
	p.nodes[id] = n
	if id >= p.nextID {
		p.nextID = id + 1
	}
	return n, nil
}

// Node returns the node with the given id or nil.
func (p *Plan) Node(id NodeID) *Node { return p.nodes[id] }

// Nodes returns all nodes ordered by id.
func (p *Plan) Nodes() []*Node {
	ids := slices.Sorted(maps.Keys(p.nodes))
	out := make([]*Node, len(ids))
	for i, id := range ids {
		out[i] = p.nodes[id]
	}
	return out
}

func (p *Plan) Len() int { return len(p.nodes) }

func (p *Plan) Root() *Node { return p.root }

func (p *Plan) SetRoot(n *Node) { p.root = n }

// RemoveNode unlinks n from its neighbours and drops it from the arena.
func (p *Plan) RemoveNode(n *Node) {
	if n == nil || p.nodes[n.id] != n {
		return
	}
	n.RemoveDependencies()
	for _, pid := range slices.Clone(n.parents) {
		if parent := p.nodes[pid]; parent != nil {
			parent.RemoveDependency(n)
		}
	}
	delete(p.nodes, n.id)
	if p.root == n {
		p.root = nil
	}
}

// invalidateUpwards clears cached estimates of n and every node whose
// estimate depends on it.
func (p *Plan) invalidateUpwards(n *Node) {
	seen := make(map[NodeID]bool)
	var visit func(*Node)
	visit = func(cur *Node) {
		if cur == nil || seen[cur.id] {
			return
		}
		seen[cur.id] = true
		cur.cost = nil
		for _, pid := range cur.parents {
			visit(p.nodes[pid])
		}
		// nested plan roots feed the subquery node that owns them
		for _, owner := range p.nodes {
			if sq, ok := owner.op.(*Subquery); ok && sq.Subquery == cur.id {
				visit(owner)
			}
		}
	}
	visit(n)
}

// SubqueryOwner returns the subquery node whose nested plan is rooted at n.
func (p *Plan) SubqueryOwner(n *Node) *Node {
	for _, owner := range p.nodes {
		if sq, ok := owner.op.(*Subquery); ok && sq.Subquery == n.id {
			return owner
		}
	}
	return nil
}
