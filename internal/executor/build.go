package executor

import (
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
)

// Build instantiates the blocks of a prepared plan and returns the root
// block. The plan is only read, so any number of engines may build from the
// same plan concurrently, each with its own Runtime.
func Build(p *plan.Plan, rt *Runtime) (Block, error) {
	if p.Root() == nil {
		return nil, qerrors.MalformedPlanf("plan has no root")
	}
	b := &builder{rt: rt, blocks: make(map[plan.NodeID]Block)}
	return b.build(p.Root())
}

type builder struct {
	rt     *Runtime
	blocks map[plan.NodeID]Block
}

func (b *builder) dep(n *plan.Node) (Block, error) {
	if d := n.FirstDependency(); d != nil {
		return b.build(d)
	}
	return nil, nil
}

func (b *builder) build(n *plan.Node) (Block, error) {
	if blk, ok := b.blocks[n.ID()]; ok {
		return blk, nil
	}
	var upstream, inner Block
	var err error
	switch op := n.Operation().(type) {
	case *plan.SubqueryStart:
		// rows arrive through InitializeCursor from the matching end
	case *plan.SubqueryEnd:
		start := n.MatchingSubqueryStart()
		if start == nil {
			return nil, qerrors.MalformedPlanf("node %d: subquery end without start", n.ID())
		}
		if upstream, err = b.dep(start); err != nil {
			return nil, err
		}
		if inner, err = b.dep(n); err != nil {
			return nil, err
		}
	case *plan.Subquery:
		if upstream, err = b.dep(n); err != nil {
			return nil, err
		}
		root := n.Plan().Node(op.Subquery)
		if root == nil {
			return nil, qerrors.MalformedPlanf("node %d: subquery root %d not found", n.ID(), op.Subquery)
		}
		if inner, err = b.build(root); err != nil {
			return nil, err
		}
	default:
		if upstream, err = b.dep(n); err != nil {
			return nil, err
		}
	}
	blk, err := New(n, b.rt, upstream, inner)
	if err != nil {
		return nil, err
	}
	b.blocks[n.ID()] = blk
	return blk, nil
}
