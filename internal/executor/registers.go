package executor

import (
	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

func registerOf(n *plan.Node, v *plan.Variable) (rows.RegisterID, error) {
	if v == nil {
		return 0, qerrors.MalformedPlanf("node %d (%s): missing variable", n.ID(), n.Kind())
	}
	reg, ok := n.RegisterOf(v)
	if !ok {
		return 0, qerrors.MalformedPlanf("node %d (%s): variable %s has no register", n.ID(), n.Kind(), v.Name)
	}
	return reg, nil
}

type binding struct {
	name string
	reg  rows.RegisterID
}

// binder reads the variables of an expression out of a row.
type binder []binding

// newBinder resolves the registers of vars as seen from n, leaving out skip.
func newBinder(n *plan.Node, vars []*plan.Variable, skip *plan.Variable) (binder, error) {
	var b binder
	for _, v := range vars {
		if skip != nil && v.ID == skip.ID {
			continue
		}
		reg, err := registerOf(n, v)
		if err != nil {
			return nil, err
		}
		b = append(b, binding{name: v.Name, reg: reg})
	}
	return b, nil
}

func (b binder) bind(row InputRow) expr.Bindings {
	out := make(expr.Bindings, len(b)+1)
	for _, x := range b {
		out[x.name] = row.Get(x.reg)
	}
	return out
}

var errPassthroughOnly = qerrors.PolicyViolationf("passthrough executor asked to produce rows")
