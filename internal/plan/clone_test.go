package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/qerrors"
)

func chainKinds(n *Node) []Kind {
	var out []Kind
	for cur := n; cur != nil; cur = cur.FirstDependency() {
		out = append(out, cur.Kind())
	}
	return out
}

func TestCloneWithinPlan(t *testing.T) {
	p := New()
	doc := p.Variables().Create("doc")
	s := p.NewNode(&Singleton{})
	e := p.NewNode(&EnumerateCollection{Collection: "users", OutVariable: doc}, s)
	r := p.NewNode(&Return{InVariable: doc}, e)
	p.SetRoot(r)
	mustPrepare(t, p)

	c, err := r.Clone(nil, true, false)
	require.NoError(t, err)
	require.Equal(t, 6, p.Len())
	require.Equal(t, []Kind{KindReturn, KindEnumerateCollection, KindSingleton}, chainKinds(c))

	seen := map[NodeID]bool{s.ID(): true, e.ID(): true, r.ID(): true}
	for cur := c; cur != nil; cur = cur.FirstDependency() {
		require.False(t, seen[cur.ID()], "id %d reused", cur.ID())
		seen[cur.ID()] = true
		if cur.Kind() == KindSingleton {
			require.Empty(t, cur.Dependencies())
		} else {
			require.Len(t, cur.Dependencies(), 1)
		}
	}

	// without properties the clone shares variables and the register plan
	require.Same(t, doc, c.Operation().(*Return).InVariable)
	require.Same(t, r.RegisterPlan(), c.RegisterPlan())

	// the original is untouched
	require.Equal(t, []NodeID{e.ID()}, r.Dependencies())
	require.Equal(t, []NodeID{r.ID()}, e.Parents())
}

func TestCloneWithoutDependencies(t *testing.T) {
	s := buildScenario(t, 1)
	c, err := s.filter.Clone(nil, false, false)
	require.NoError(t, err)
	require.Empty(t, c.Dependencies())
	require.Same(t, s.cond, c.Operation().(*Filter).InVariable)
}

func TestCloneIntoOtherPlan(t *testing.T) {
	sp := buildSubqueryPlan(t)
	mustPrepare(t, sp.p)

	_, err := sp.r4.Clone(New(), true, false)
	require.Error(t, err)
	require.Equal(t, qerrors.KindPolicyViolation, qerrors.KindOf(err))

	target := New()
	c, err := sp.r4.Clone(target, true, true)
	require.NoError(t, err)
	require.Equal(t, sp.r4.ID(), c.ID())
	require.Equal(t, sp.p.Len(), target.Len())

	for _, orig := range sp.p.Nodes() {
		cloned := target.Node(orig.ID())
		require.NotNil(t, cloned, "node %d", orig.ID())
		require.Equal(t, orig.Kind(), cloned.Kind())
		require.Equal(t, orig.Dependencies(), cloned.Dependencies())
		require.Equal(t, orig.RegisterPlan(), cloned.RegisterPlan())
		require.NotSame(t, orig.RegisterPlan(), cloned.RegisterPlan())
		require.Equal(t, orig.VarsUsedLater().IDs(), cloned.VarsUsedLater().IDs())
	}

	// variables are adopted into the target pool
	names := target.Variables().Get(sp.names.ID)
	require.NotNil(t, names)
	require.NotSame(t, sp.names, names)
	require.Same(t, names, c.Operation().(*Return).InVariable)
}

func TestClonePlan(t *testing.T) {
	s := buildScenario(t, 100)
	mustPrepare(t, s.p)

	c, err := ClonePlan(s.p)
	require.NoError(t, err)
	require.Equal(t, s.p.Root().ID(), c.Root().ID())
	require.Equal(t, s.p.Len(), c.Len())

	want, err := s.p.Root().Cost()
	require.NoError(t, err)
	got, err := c.Root().Cost()
	require.NoError(t, err)
	require.Equal(t, want, got)

	// further nodes in the clone do not collide with copied ids
	n := c.NewNode(&Singleton{})
	require.Nil(t, s.p.Node(n.ID()))
	require.Greater(t, n.ID(), s.ret.ID())
}

func TestCloneRejectsVariableNameConflict(t *testing.T) {
	s := buildScenario(t, 10)
	mustPrepare(t, s.p)

	target := New()
	other := target.Variables().Create("other")
	require.Equal(t, s.doc.ID, other.ID)

	_, err := s.enum.Clone(target, false, true)
	require.Error(t, err)
	require.Equal(t, qerrors.KindMalformedPlan, qerrors.KindOf(err))
	require.Equal(t, "other", target.Variables().Get(other.ID).Name)
	require.Nil(t, target.Node(s.enum.ID()))
}

func TestCloneWithinPlanRejectsProperties(t *testing.T) {
	s := buildScenario(t, 10)
	n := s.p.Len()

	_, err := s.filter.Clone(nil, false, true)
	require.Error(t, err)
	require.Equal(t, qerrors.KindPolicyViolation, qerrors.KindOf(err))

	_, err = s.filter.Clone(s.p, true, true)
	require.Equal(t, qerrors.KindPolicyViolation, qerrors.KindOf(err))
	require.Equal(t, n, s.p.Len())
}
