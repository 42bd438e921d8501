package plan

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/qerrors"
)

func requireViolation(t *testing.T, err error, node NodeID, contains string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, qerrors.KindMalformedPlan, qerrors.KindOf(err))
	var verr ValidationError
	require.True(t, errors.As(err, &verr), "want ValidationError, got %T", err)
	for _, v := range verr {
		if v.Node == node && strings.Contains(v.Message, contains) {
			return
		}
	}
	t.Fatalf("no violation on node %d containing %q in:\n%s", node, contains, verr.Error())
}

func TestValidateAcceptsWellFormedPlans(t *testing.T) {
	require.NoError(t, buildScenario(t, 1).p.Validate())
	require.NoError(t, buildSubqueryPlan(t).p.Validate())
	require.NoError(t, buildSplicedPlan(t).p.Validate())
	require.NoError(t, buildKitchenSinkPlan(t).Validate())
}

func TestValidateNoRoot(t *testing.T) {
	p := New()
	p.NewNode(&Singleton{})
	requireViolation(t, p.Validate(), 0, "no root")
}

func TestValidateCycle(t *testing.T) {
	s := buildScenario(t, 1)
	require.True(t, s.enum.AddDependency(s.limit))
	requireViolation(t, s.p.Validate(), s.limit.ID(), "cycle")
}

func TestValidateUnreachable(t *testing.T) {
	s := buildScenario(t, 1)
	stray := s.p.NewNode(&Singleton{})
	requireViolation(t, s.p.Validate(), stray.ID(), "not reachable")
}

func TestValidateDependencyCount(t *testing.T) {
	s := buildScenario(t, 1)
	require.True(t, s.filter.AddDependency(s.singleton))
	requireViolation(t, s.p.Validate(), s.filter.ID(), "has 2 dependencies")
}

func TestValidateSubqueryRoot(t *testing.T) {
	sp := buildSubqueryPlan(t)
	sp.sq.Operation().(*Subquery).Subquery = sp.c7.ID()
	err := sp.p.Validate()
	requireViolation(t, err, sp.sq.ID(), "want ReturnNode")
	requireViolation(t, err, sp.r8.ID(), "not reachable")
}

func TestValidateFullCount(t *testing.T) {
	sp := buildSubqueryPlan(t)
	sp.l6.Operation().(*Limit).FullCount = true
	requireViolation(t, sp.p.Validate(), sp.l6.ID(), "fullCount")

	s := buildScenario(t, 1)
	s.limit.Operation().(*Limit).FullCount = true
	require.NoError(t, s.p.Validate())
}

func TestValidateForeignVariable(t *testing.T) {
	s := buildScenario(t, 1)
	s.calc.Operation().(*Calculation).OutVariable = NewVariablePool().Create("cond")
	requireViolation(t, s.p.Validate(), s.calc.ID(), "not owned")
}

func TestValidateOperationFields(t *testing.T) {
	s := buildScenario(t, 1)
	s.enum.Operation().(*EnumerateCollection).Collection = ""
	s.limit.Operation().(*Limit).Offset = -1
	err := s.p.Validate()
	requireViolation(t, err, s.enum.ID(), "missing collection")
	requireViolation(t, err, s.limit.ID(), "negative")
}

func TestValidateBrokenEdge(t *testing.T) {
	s := buildScenario(t, 1)
	s.limit.parents = nil
	requireViolation(t, s.p.Validate(), s.ret.ID(), "does not list it as parent")
}

func TestPrepareRejectsUndefinedVariable(t *testing.T) {
	s := buildScenario(t, 1)
	s.filter.Operation().(*Filter).InVariable = s.p.Variables().Create("ghost")
	err := Prepare(s.p)
	requireViolation(t, err, s.filter.ID(), "used before it is set")
}

func TestPrepareRejectsVariableSetTwice(t *testing.T) {
	s := buildScenario(t, 1)
	s.calc.Operation().(*Calculation).OutVariable = s.doc
	s.filter.Operation().(*Filter).InVariable = s.doc
	err := Prepare(s.p)
	require.Error(t, err)
	require.Equal(t, qerrors.KindMalformedPlan, qerrors.KindOf(err))
}

func TestEnsurePrepared(t *testing.T) {
	s := buildScenario(t, 100)
	require.Nil(t, s.ret.RegisterPlan())

	require.NoError(t, EnsurePrepared(s.p))
	rp := s.ret.RegisterPlan()
	require.NotNil(t, rp)

	require.NoError(t, EnsurePrepared(s.p))
	require.Same(t, rp, s.ret.RegisterPlan())
}
