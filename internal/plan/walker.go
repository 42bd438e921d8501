package plan

// Visitor receives callbacks during a depth-first plan walk.
//
// Before returns true to abort the whole walk. EnterSubquery returns true to
// descend into the nested plan of a subquery node; LeaveSubquery is called
// after a descent, whether or not the nested walk aborted.
type Visitor interface {
	Before(n *Node) bool
	After(n *Node)
	EnterSubquery(super, sub *Node) bool
	LeaveSubquery(super, sub *Node)
}

// DoneChecker is an optional Visitor extension. Done returning true skips a
// node that was already visited. Walks rely on the plan being acyclic; the
// check exists for debugging visitors.
type DoneChecker interface {
	Done(n *Node) bool
}

// BaseVisitor supplies no-op callbacks that descend into subqueries.
type BaseVisitor struct{}

func (BaseVisitor) Before(*Node) bool             { return false }
func (BaseVisitor) After(*Node)                   {}
func (BaseVisitor) EnterSubquery(_, _ *Node) bool { return true }
func (BaseVisitor) LeaveSubquery(_, _ *Node)      {}

// SeenGuard implements DoneChecker with a seen-set.
type SeenGuard struct {
	seen map[NodeID]bool
}

func (g *SeenGuard) Done(n *Node) bool {
	if g.seen == nil {
		g.seen = make(map[NodeID]bool)
	}
	if g.seen[n.id] {
		return true
	}
	g.seen[n.id] = true
	return false
}

// Walk visits n in the order Before, dependencies, nested plan, After. It
// returns true if the walk was aborted.
func (n *Node) Walk(v Visitor) bool { return n.walk(v, false) }

// WalkSubqueriesFirst is Walk with the nested plan visited before the
// dependencies.
func (n *Node) WalkSubqueriesFirst(v Visitor) bool { return n.walk(v, true) }

func (n *Node) walk(v Visitor, subqueriesFirst bool) bool {
	if dc, ok := v.(DoneChecker); ok && dc.Done(n) {
		return false
	}
	if v.Before(n) {
		return true
	}
	if subqueriesFirst && n.walkSubquery(v, subqueriesFirst) {
		return true
	}
	for _, id := range n.deps {
		if n.plan.nodes[id].walk(v, subqueriesFirst) {
			return true
		}
	}
	if !subqueriesFirst && n.walkSubquery(v, subqueriesFirst) {
		return true
	}
	v.After(n)
	return false
}

func (n *Node) walkSubquery(v Visitor, subqueriesFirst bool) bool {
	sq, ok := n.op.(*Subquery)
	if !ok {
		return false
	}
	sub := n.plan.nodes[sq.Subquery]
	if sub == nil || !v.EnterSubquery(n, sub) {
		return false
	}
	aborted := sub.walk(v, subqueriesFirst)
	v.LeaveSubquery(n, sub)
	return aborted
}
