package plan

// varUsageFinder is the liveness pass. Walking top-down, Before records the
// variables used by ancestors (varsUsedLater); on the way back up, After
// records the variables set by descendants (varsValid).
type varUsageFinder struct {
	BaseVisitor
	usedLater VarSet
	valid     VarSet
	setBy     map[VariableID]*Node
}

func (f *varUsageFinder) Before(n *Node) bool {
	n.varUsageValid = false
	n.varsUsedLater = f.usedLater.Clone()
	for _, v := range n.VariablesUsedHere() {
		f.usedLater.Add(v)
	}
	return false
}

func (f *varUsageFinder) After(n *Node) {
	for _, v := range n.VariablesSetHere() {
		f.valid.Add(v)
		f.setBy[v.ID] = n
	}
	n.varsValid = f.valid.Clone()
	n.varUsageValid = true
}

func (f *varUsageFinder) EnterSubquery(_, sub *Node) bool {
	nested := &varUsageFinder{
		usedLater: NewVarSet(),
		valid:     f.valid.Clone(),
		setBy:     f.setBy,
	}
	sub.Walk(nested)
	return false
}

// ComputeVarUsage runs the liveness pass from root, including nested plans,
// and returns the node setting each variable.
func ComputeVarUsage(root *Node) map[VariableID]*Node {
	f := &varUsageFinder{
		usedLater: NewVarSet(),
		valid:     NewVarSet(),
		setBy:     make(map[VariableID]*Node),
	}
	root.Walk(f)
	return f.setBy
}

// InvalidateVarUsage marks the liveness information of every node reachable
// from root as stale.
func InvalidateVarUsage(root *Node) {
	root.Walk(invalidator{})
}

type invalidator struct{ BaseVisitor }

func (invalidator) Before(n *Node) bool {
	n.varUsageValid = false
	return false
}
