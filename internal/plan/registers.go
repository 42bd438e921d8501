package plan

import (
	"maps"
	"slices"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

// VarInfo locates a variable's register.
type VarInfo struct {
	Depth      int
	RegisterID rows.RegisterID
}

// RegisterPlan is the frozen register allocation as seen by one node. It is
// produced by register planning and never modified afterwards.
type RegisterPlan struct {
	Depth       int
	VarInfo     map[VariableID]VarInfo
	NrRegs      []int
	NrRegsHere  []int
	TotalNrRegs int
}

// VarInfoEntry is one row of VarInfoList.
type VarInfoEntry struct {
	VariableID VariableID
	Depth      int
	RegisterID rows.RegisterID
}

// VarInfoList returns the allocation ordered by variable id.
func (rp *RegisterPlan) VarInfoList() []VarInfoEntry {
	ids := slices.Sorted(maps.Keys(rp.VarInfo))
	out := make([]VarInfoEntry, len(ids))
	for i, id := range ids {
		info := rp.VarInfo[id]
		out[i] = VarInfoEntry{VariableID: id, Depth: info.Depth, RegisterID: info.RegisterID}
	}
	return out
}

// Clone deep-copies the plan.
func (rp *RegisterPlan) Clone() *RegisterPlan {
	if rp == nil {
		return nil
	}
	return &RegisterPlan{
		Depth:       rp.Depth,
		VarInfo:     maps.Clone(rp.VarInfo),
		NrRegs:      slices.Clone(rp.NrRegs),
		NrRegsHere:  slices.Clone(rp.NrRegsHere),
		TotalNrRegs: rp.TotalNrRegs,
	}
}

// registerPlanBuilder allocates registers during one walk. Registers are
// handed out append-only per depth and never reused.
type registerPlanBuilder struct {
	BaseVisitor
	depth       int
	varInfo     map[VariableID]VarInfo
	nrRegs      []int
	nrRegsHere  []int
	totalNrRegs int
	// splices counts the spliced subqueries currently open.
	splices int
	err     error
}

func newRegisterPlanBuilder() *registerPlanBuilder {
	return &registerPlanBuilder{
		varInfo:    make(map[VariableID]VarInfo),
		nrRegs:     []int{0},
		nrRegsHere: []int{0},
	}
}

// nested starts the builder for a subquery's nested plan: outer variables
// stay visible, and locals are allocated at the next depth starting after
// the outer depth's registers.
func (b *registerPlanBuilder) nested() *registerPlanBuilder {
	depth := b.depth + 1
	nrRegs := append(slices.Clone(b.nrRegs[:depth]), b.nrRegs[b.depth])
	nrRegsHere := append(slices.Clone(b.nrRegsHere[:depth]), 0)
	return &registerPlanBuilder{
		depth:       depth,
		varInfo:     maps.Clone(b.varInfo),
		nrRegs:      nrRegs,
		nrRegsHere:  nrRegsHere,
		totalNrRegs: b.nrRegs[b.depth],
	}
}

func (b *registerPlanBuilder) increaseDepth() {
	b.depth++
	b.nrRegs = append(b.nrRegs[:b.depth], b.nrRegs[b.depth-1])
	b.nrRegsHere = append(b.nrRegsHere[:b.depth], 0)
	b.totalNrRegs = b.nrRegs[b.depth]
}

func (b *registerPlanBuilder) decreaseDepth() {
	for id, info := range b.varInfo {
		if info.Depth >= b.depth {
			delete(b.varInfo, id)
		}
	}
	b.nrRegs = b.nrRegs[:b.depth]
	b.nrRegsHere = b.nrRegsHere[:b.depth]
	b.depth--
	b.totalNrRegs = b.nrRegs[b.depth]
}

func (b *registerPlanBuilder) registerVariable(v *Variable) error {
	if _, ok := b.varInfo[v.ID]; ok {
		return qerrors.MalformedPlanf("variable #%d (%s) is set more than once", v.ID, v.Name)
	}
	b.varInfo[v.ID] = VarInfo{Depth: b.depth, RegisterID: rows.RegisterID(b.totalNrRegs)}
	b.totalNrRegs++
	b.nrRegsHere[b.depth]++
	b.nrRegs[b.depth]++
	return nil
}

func (b *registerPlanBuilder) snapshot() *RegisterPlan {
	return &RegisterPlan{
		Depth:       b.depth,
		VarInfo:     maps.Clone(b.varInfo),
		NrRegs:      slices.Clone(b.nrRegs),
		NrRegsHere:  slices.Clone(b.nrRegsHere),
		TotalNrRegs: b.totalNrRegs,
	}
}

func (b *registerPlanBuilder) Before(*Node) bool { return b.err != nil }

func (b *registerPlanBuilder) EnterSubquery(_, sub *Node) bool {
	if b.err != nil {
		return false
	}
	nested := b.nested()
	sub.Walk(nested)
	b.err = nested.err
	return false
}

func (b *registerPlanBuilder) After(n *Node) {
	if b.err != nil {
		return
	}
	b.err = b.plan(n)
}

func (b *registerPlanBuilder) plan(n *Node) error {
	switch n.Kind() {
	case KindSubqueryStart:
		if err := b.checkSplice(n); err != nil {
			return err
		}
		b.splices++
		b.increaseDepth()
	case KindSubqueryEnd:
		if b.splices == 0 {
			return qerrors.MalformedPlanf("node %d: %s without matching start", n.id, n.Kind())
		}
		b.splices--
		b.decreaseDepth()
		if err := b.checkSplice(n); err != nil {
			return err
		}
	default:
		if err := b.checkSplice(n); err != nil {
			return err
		}
	}

	for _, v := range n.VariablesSetHere() {
		if err := b.registerVariable(v); err != nil {
			return qerrors.WrapMalformedPlan(err, "node %d", n.id)
		}
	}
	n.depth = b.depth
	n.registerPlan = b.snapshot()

	regs, err := b.regsToClear(n)
	if err != nil {
		return err
	}
	n.regsToClear = regs
	return nil
}

// checkSplice verifies that the spliced flag agrees with the walk position,
// so that no node allocates at a depth it does not belong to.
func (b *registerPlanBuilder) checkSplice(n *Node) error {
	inside := b.splices > 0
	if n.inSplicedSubquery == inside {
		return nil
	}
	if inside {
		return qerrors.MalformedPlanf("node %d (%s) is inside a spliced subquery but not flagged", n.id, n.Kind())
	}
	return qerrors.MalformedPlanf("node %d (%s) is flagged as spliced but no spliced subquery is open", n.id, n.Kind())
}

// regsToClear lists the registers of variables used by n and never again
// afterwards. Return nodes keep their input for the consumer.
func (b *registerPlanBuilder) regsToClear(n *Node) ([]rows.RegisterID, error) {
	switch n.Kind() {
	case KindReturn, KindSubqueryEnd:
		return nil, nil
	}
	var out []rows.RegisterID
	for _, v := range n.VariablesUsedHere() {
		if n.varsUsedLater.Has(v) {
			continue
		}
		info, ok := b.varInfo[v.ID]
		if !ok {
			return nil, qerrors.MalformedPlanf("missing variable #%d (%s) for node %d (%s) while planning registers",
				v.ID, v.Name, n.id, n.Kind())
		}
		if info.Depth > b.depth {
			continue
		}
		out = append(out, info.RegisterID)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// PlanRegisters allocates registers for every node reachable from root,
// including nested plans. The liveness pass must have run.
func PlanRegisters(root *Node) error {
	b := newRegisterPlanBuilder()
	root.Walk(b)
	if b.err != nil {
		return b.err
	}
	if b.splices != 0 {
		return qerrors.MalformedPlanf("%d spliced subqueries left open", b.splices)
	}
	return nil
}
