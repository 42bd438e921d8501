package plan

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/planexec/internal/qerrors"
)

// Clone copies n into target.
//
// Cloning within the same plan assigns a fresh id and shares variables,
// liveness sets and the register plan with n. Cloning into another plan
// keeps the id, requires withProperties and deep-copies all of them; a
// variable is bound to the target's variable of the same id, which must
// carry the same name. withDependencies clones the dependency subtree as well.
func (n *Node) Clone(target *Plan, withDependencies, withProperties bool) (*Node, error) {
	if target == nil {
		target = n.plan
	}
	if target != n.plan && !withProperties {
		return nil, qerrors.PolicyViolationf("node %d: cloning into another plan requires withProperties", n.id)
	}
	if target == n.plan && withProperties {
		return nil, qerrors.PolicyViolationf("node %d: withProperties only applies to clones into another plan", n.id)
	}

	mapVar := sameVariable
	var varErr error
	if withProperties {
		mapVar = func(v *Variable) *Variable {
			if v == nil {
				return nil
			}
			own, err := target.vars.Register(v.ID, v.Name)
			if err != nil {
				if varErr == nil {
					varErr = errors.Wrapf(err, "clone node %d", n.id)
				}
				return v
			}
			return own
		}
	}

	op := n.op.cloneOp(mapVar)
	if varErr != nil {
		return nil, varErr
	}
	if sq, ok := op.(*Subquery); ok {
		sub := n.plan.nodes[sq.Subquery]
		if sub == nil {
			return nil, qerrors.MalformedPlanf("node %d: subquery root %d missing", n.id, sq.Subquery)
		}
		subClone, err := sub.Clone(target, true, withProperties)
		if err != nil {
			return nil, err
		}
		sq.Subquery = subClone.id
	}

	var c *Node
	if target == n.plan {
		c = target.NewNode(op)
	} else {
		var err error
		if c, err = target.addNodeWithID(n.id, op); err != nil {
			return nil, err
		}
	}

	c.depth = n.depth
	c.inSplicedSubquery = n.inSplicedSubquery
	c.varUsageValid = n.varUsageValid
	if withProperties {
		c.varsUsedLater = remapVarSet(n.varsUsedLater, mapVar)
		c.varsValid = remapVarSet(n.varsValid, mapVar)
		if varErr != nil {
			return nil, varErr
		}
		c.registerPlan = n.registerPlan.Clone()
		c.regsToClear = slices.Clone(n.regsToClear)
	} else {
		c.varsUsedLater = n.varsUsedLater
		c.varsValid = n.varsValid
		c.registerPlan = n.registerPlan
		c.regsToClear = n.regsToClear
	}

	if withDependencies {
		for _, id := range n.deps {
			depClone, err := n.plan.nodes[id].Clone(target, true, withProperties)
			if err != nil {
				return nil, err
			}
			c.AddDependency(depClone)
		}
	}
	return c, nil
}

func remapVarSet(s VarSet, m varMapper) VarSet {
	if s == nil {
		return nil
	}
	out := make(VarSet, len(s))
	for _, v := range s {
		out.Add(m(v))
	}
	return out
}

// ClonePlan deep-copies a whole plan rooted at p's root, keeping node and
// variable ids.
func ClonePlan(p *Plan) (*Plan, error) {
	out := New()
	for _, v := range p.vars.All() {
		if _, err := out.vars.Register(v.ID, v.Name); err != nil {
			return nil, err
		}
	}
	if p.root == nil {
		return out, nil
	}
	root, err := p.root.Clone(out, true, true)
	if err != nil {
		return nil, err
	}
	out.root = root
	out.trx = p.trx
	return out, nil
}
