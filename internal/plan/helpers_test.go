package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/qerrors"
)

type fakeTrx struct {
	inactive bool
	counts   map[string]int64
}

func (t *fakeTrx) Active() bool { return !t.inactive }

func (t *fakeTrx) Count(collection string) (int64, error) {
	n, ok := t.counts[collection]
	if !ok {
		return 0, qerrors.NotFoundf("collection %q not found", collection)
	}
	return n, nil
}

// scenario is Singleton -> EnumerateCollection(users) -> Calculation(cond)
// -> Filter(cond) -> Limit(10, 20) -> Return(doc).
type scenario struct {
	p                                         *Plan
	doc, cond                                 *Variable
	singleton, enum, calc, filter, limit, ret *Node
}

func buildScenario(t *testing.T, users int64) *scenario {
	t.Helper()
	p := New()
	s := &scenario{p: p}
	s.doc = p.Variables().Create("doc")
	s.cond = p.Variables().Create("cond")
	s.singleton = p.NewNode(&Singleton{})
	s.enum = p.NewNode(&EnumerateCollection{Collection: "users", OutVariable: s.doc}, s.singleton)
	s.calc = p.NewNode(&Calculation{
		OutVariable: s.cond,
		Expression:  &Expression{Text: "doc.age >= 18", Variables: []*Variable{s.doc}},
	}, s.enum)
	s.filter = p.NewNode(&Filter{InVariable: s.cond}, s.calc)
	s.limit = p.NewNode(&Limit{Offset: 10, Limit: 20}, s.filter)
	s.ret = p.NewNode(&Return{InVariable: s.doc}, s.limit)
	p.SetRoot(s.ret)
	p.SetTransaction(&fakeTrx{counts: map[string]int64{"users": users}})
	return s
}

// subqueryPlan is
//
//	Singleton(1) -> Enumerate(2, doc) -> Subquery(3, names) -> Return(4, names)
//
// with the nested plan
//
//	Singleton(5) -> Limit(6) -> Calculation(7, x = doc.name) -> Return(8, x)
type subqueryPlan struct {
	p                              *Plan
	doc, x, names                  *Variable
	s1, e2, sq, r4, s5, l6, c7, r8 *Node
}

func buildSubqueryPlan(t *testing.T) *subqueryPlan {
	t.Helper()
	p := New()
	sp := &subqueryPlan{p: p}
	sp.doc = p.Variables().Create("doc")
	sp.x = p.Variables().Create("x")
	sp.names = p.Variables().Create("names")

	sp.s1 = p.NewNode(&Singleton{})
	sp.e2 = p.NewNode(&EnumerateCollection{Collection: "users", OutVariable: sp.doc}, sp.s1)
	sq := &Subquery{OutVariable: sp.names}
	sp.sq = p.NewNode(sq, sp.e2)
	sp.r4 = p.NewNode(&Return{InVariable: sp.names}, sp.sq)

	sp.s5 = p.NewNode(&Singleton{})
	sp.l6 = p.NewNode(&Limit{Limit: 3}, sp.s5)
	sp.c7 = p.NewNode(&Calculation{
		OutVariable: sp.x,
		Expression:  &Expression{Text: "doc.name", Variables: []*Variable{sp.doc}},
	}, sp.l6)
	sp.r8 = p.NewNode(&Return{InVariable: sp.x}, sp.c7)
	sq.Subquery = sp.r8.ID()

	p.SetRoot(sp.r4)
	p.SetTransaction(&fakeTrx{counts: map[string]int64{"users": 10}})
	return sp
}

// splicedPlan is
//
//	Singleton(1) -> Enumerate(2, doc) -> SubqueryStart(3) -> Calculation(4, x, spliced)
//	  -> SubqueryEnd(5, x -> names) -> Return(6, names)
type splicedPlan struct {
	p                         *Plan
	doc, x, names             *Variable
	s1, e2, st3, c4, end5, r6 *Node
}

func buildSplicedPlan(t *testing.T) *splicedPlan {
	t.Helper()
	p := New()
	sp := &splicedPlan{p: p}
	sp.doc = p.Variables().Create("doc")
	sp.x = p.Variables().Create("x")
	sp.names = p.Variables().Create("names")
	sp.s1 = p.NewNode(&Singleton{})
	sp.e2 = p.NewNode(&EnumerateCollection{Collection: "users", OutVariable: sp.doc}, sp.s1)
	sp.st3 = p.NewNode(&SubqueryStart{}, sp.e2)
	sp.c4 = p.NewNode(&Calculation{
		OutVariable: sp.x,
		Expression:  &Expression{Text: "doc.name", Variables: []*Variable{sp.doc}},
	}, sp.st3)
	sp.c4.SetInSplicedSubquery(true)
	sp.end5 = p.NewNode(&SubqueryEnd{InVariable: sp.x, OutVariable: sp.names}, sp.c4)
	sp.r6 = p.NewNode(&Return{InVariable: sp.names}, sp.end5)
	p.SetRoot(sp.r6)
	p.SetTransaction(&fakeTrx{counts: map[string]int64{"users": 10}})
	return sp
}

// kitchenSinkPlan exercises the remaining kinds:
//
//	Singleton -> Enumerate(late materialized) -> Materialize -> Calculation(tags)
//	  -> EnumerateList(tag) -> Remote(r) -> NoResults -> Return(tag)
func buildKitchenSinkPlan(t *testing.T) *Plan {
	t.Helper()
	p := New()
	vars := p.Variables()
	did, colPtr, doc := vars.Create("did"), vars.Create("colPtr"), vars.Create("doc")
	tags, tag, r := vars.Create("tags"), vars.Create("tag"), vars.Create("r")

	s := p.NewNode(&Singleton{})
	e := p.NewNode(&EnumerateCollection{
		Collection:  "users",
		OutVariable: doc,
		Random:      true,
		Index:       &IndexHint{Name: "by_age", Fields: []string{"age"}},
		Filter:      &Expression{Text: "doc.age > 3", Variables: []*Variable{doc}},
		OutNmDocID:  did,
		OutNmColPtr: colPtr,
	}, s)
	m := p.NewNode(&Materialize{InNmColPtr: colPtr, InNmDocID: did, OutVariable: doc}, e)
	c := p.NewNode(&Calculation{
		OutVariable: tags,
		Expression:  &Expression{Text: "doc.tags", Variables: []*Variable{doc}, Scripting: true},
	}, m)
	el := p.NewNode(&EnumerateList{InVariable: tags, OutVariable: tag}, c)
	rm := p.NewNode(&Remote{Endpoint: "shard-a", OutVariable: r}, el)
	nr := p.NewNode(&NoResults{}, rm)
	ret := p.NewNode(&Return{InVariable: tag}, nr)
	p.SetRoot(ret)
	return p
}

func mustPrepare(t *testing.T, p *Plan) {
	t.Helper()
	require.NoError(t, Prepare(p))
}
