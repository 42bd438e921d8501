package plan

// Kind is the node type. The numeric values are part of the serialized plan
// format and must not change.
type Kind int

const (
	KindSingleton           Kind = 1
	KindEnumerateCollection Kind = 2
	KindEnumerateList       Kind = 4
	KindFilter              Kind = 5
	KindLimit               Kind = 6
	KindCalculation         Kind = 7
	KindSubquery            Kind = 8
	KindRemote              Kind = 13
	KindReturn              Kind = 18
	KindNoResults           Kind = 19
	KindSubqueryStart       Kind = 28
	KindSubqueryEnd         Kind = 29
	KindMaterialize         Kind = 30
)

var kindNames = map[Kind]string{
	KindSingleton:           "SingletonNode",
	KindEnumerateCollection: "EnumerateCollectionNode",
	KindEnumerateList:       "EnumerateListNode",
	KindFilter:              "FilterNode",
	KindLimit:               "LimitNode",
	KindCalculation:         "CalculationNode",
	KindSubquery:            "SubqueryNode",
	KindRemote:              "RemoteNode",
	KindReturn:              "ReturnNode",
	KindNoResults:           "NoResultsNode",
	KindSubqueryStart:       "SubqueryStartNode",
	KindSubqueryEnd:         "SubqueryEndNode",
	KindMaterialize:         "MaterializeNode",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UnknownNode"
}

// Operation is the kind-specific payload of a node. The set of operations is
// closed: every implementation lives in this file and dispatches through
// OperationVisitor, so a new kind fails to compile until every visitor
// handles it.
type Operation interface {
	Kind() Kind
	Accept(v OperationVisitor) error
	// VariablesUsedHere lists the variables read by the operation itself.
	// Subquery nodes additionally read the outer variables their nested plan
	// uses; see Node.VariablesUsedHere.
	VariablesUsedHere() []*Variable
	VariablesSetHere() []*Variable
	cloneOp(m varMapper) Operation
}

// OperationVisitor has one method per node kind.
type OperationVisitor interface {
	VisitSingleton(*Singleton) error
	VisitEnumerateCollection(*EnumerateCollection) error
	VisitEnumerateList(*EnumerateList) error
	VisitFilter(*Filter) error
	VisitLimit(*Limit) error
	VisitCalculation(*Calculation) error
	VisitSubquery(*Subquery) error
	VisitSubqueryStart(*SubqueryStart) error
	VisitSubqueryEnd(*SubqueryEnd) error
	VisitMaterialize(*Materialize) error
	VisitRemote(*Remote) error
	VisitReturn(*Return) error
	VisitNoResults(*NoResults) error
}

type varMapper func(*Variable) *Variable

func sameVariable(v *Variable) *Variable { return v }

func nonNil(vars ...*Variable) []*Variable {
	out := make([]*Variable, 0, len(vars))
	for _, v := range vars {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Singleton produces exactly one row: empty at the top level, or the row the
// enclosing subquery feeds it.
type Singleton struct{}

func (*Singleton) Kind() Kind                        { return KindSingleton }
func (o *Singleton) Accept(v OperationVisitor) error { return v.VisitSingleton(o) }
func (*Singleton) VariablesUsedHere() []*Variable    { return nil }
func (*Singleton) VariablesSetHere() []*Variable     { return nil }
func (*Singleton) cloneOp(varMapper) Operation       { return &Singleton{} }

// IndexHint selects an index for an enumeration. A covering index yields the
// indexed fields only, so the full document is never fetched.
type IndexHint struct {
	Name     string
	Fields   []string
	Covering bool
}

// EnumerateCollection iterates the documents of a collection once per input row.
type EnumerateCollection struct {
	Collection  string
	OutVariable *Variable
	Random      bool
	Index       *IndexHint
	// Filter is a pushed-down condition evaluated with OutVariable bound to the
	// candidate document.
	Filter *Expression
	// OutNmDocID and OutNmColPtr receive placeholders instead of documents when
	// materialization is deferred to a later Materialize node.
	OutNmDocID  *Variable
	OutNmColPtr *Variable
}

func (*EnumerateCollection) Kind() Kind                        { return KindEnumerateCollection }
func (o *EnumerateCollection) Accept(v OperationVisitor) error { return v.VisitEnumerateCollection(o) }

// LateMaterialized reports whether the node emits placeholders.
func (o *EnumerateCollection) LateMaterialized() bool { return o.OutNmDocID != nil }

func (o *EnumerateCollection) VariablesUsedHere() []*Variable {
	if o.Filter == nil {
		return nil
	}
	var out []*Variable
	for _, v := range o.Filter.Variables {
		if o.OutVariable == nil || v.ID != o.OutVariable.ID {
			out = append(out, v)
		}
	}
	return out
}

func (o *EnumerateCollection) VariablesSetHere() []*Variable {
	if o.LateMaterialized() {
		return nonNil(o.OutNmColPtr, o.OutNmDocID)
	}
	return nonNil(o.OutVariable)
}

func (o *EnumerateCollection) cloneOp(m varMapper) Operation {
	c := *o
	c.OutVariable = m(o.OutVariable)
	c.OutNmDocID = m(o.OutNmDocID)
	c.OutNmColPtr = m(o.OutNmColPtr)
	c.Filter = o.Filter.clone(m)
	if o.Index != nil {
		idx := *o.Index
		idx.Fields = append([]string(nil), o.Index.Fields...)
		c.Index = &idx
	}
	return &c
}

// EnumerateList iterates the array held by InVariable.
type EnumerateList struct {
	InVariable  *Variable
	OutVariable *Variable
}

func (*EnumerateList) Kind() Kind                        { return KindEnumerateList }
func (o *EnumerateList) Accept(v OperationVisitor) error { return v.VisitEnumerateList(o) }
func (o *EnumerateList) VariablesUsedHere() []*Variable  { return nonNil(o.InVariable) }
func (o *EnumerateList) VariablesSetHere() []*Variable   { return nonNil(o.OutVariable) }
func (o *EnumerateList) cloneOp(m varMapper) Operation {
	return &EnumerateList{InVariable: m(o.InVariable), OutVariable: m(o.OutVariable)}
}

// Filter passes rows whose InVariable is truthy.
type Filter struct {
	InVariable *Variable
}

func (*Filter) Kind() Kind                        { return KindFilter }
func (o *Filter) Accept(v OperationVisitor) error { return v.VisitFilter(o) }
func (o *Filter) VariablesUsedHere() []*Variable  { return nonNil(o.InVariable) }
func (*Filter) VariablesSetHere() []*Variable     { return nil }
func (o *Filter) cloneOp(m varMapper) Operation   { return &Filter{InVariable: m(o.InVariable)} }

// Limit skips Offset rows and then passes at most Limit rows. With FullCount
// it keeps counting upstream rows after the limit is reached.
type Limit struct {
	Offset    int64
	Limit     int64
	FullCount bool
}

func (*Limit) Kind() Kind                        { return KindLimit }
func (o *Limit) Accept(v OperationVisitor) error { return v.VisitLimit(o) }
func (*Limit) VariablesUsedHere() []*Variable    { return nil }
func (*Limit) VariablesSetHere() []*Variable     { return nil }
func (o *Limit) cloneOp(varMapper) Operation     { c := *o; return &c }

// Calculation evaluates Expression into OutVariable.
type Calculation struct {
	OutVariable *Variable
	Expression  *Expression
}

func (*Calculation) Kind() Kind                        { return KindCalculation }
func (o *Calculation) Accept(v OperationVisitor) error { return v.VisitCalculation(o) }
func (o *Calculation) VariablesSetHere() []*Variable   { return nonNil(o.OutVariable) }

func (o *Calculation) VariablesUsedHere() []*Variable {
	if o.Expression == nil {
		return nil
	}
	return append([]*Variable(nil), o.Expression.Variables...)
}

func (o *Calculation) cloneOp(m varMapper) Operation {
	return &Calculation{OutVariable: m(o.OutVariable), Expression: o.Expression.clone(m)}
}

// Subquery runs the nested plan rooted at Subquery once per input row and
// binds the collected results to OutVariable. The nested root is a Return
// node whose input variable supplies the collected values.
type Subquery struct {
	Subquery    NodeID
	OutVariable *Variable
}

func (*Subquery) Kind() Kind                        { return KindSubquery }
func (o *Subquery) Accept(v OperationVisitor) error { return v.VisitSubquery(o) }
func (*Subquery) VariablesUsedHere() []*Variable    { return nil }
func (o *Subquery) VariablesSetHere() []*Variable   { return nonNil(o.OutVariable) }
func (o *Subquery) cloneOp(m varMapper) Operation {
	return &Subquery{Subquery: o.Subquery, OutVariable: m(o.OutVariable)}
}

// SubqueryStart opens a spliced subquery. Nodes up to the matching
// SubqueryEnd run at the next depth, once per row entering the start node.
type SubqueryStart struct{}

func (*SubqueryStart) Kind() Kind                        { return KindSubqueryStart }
func (o *SubqueryStart) Accept(v OperationVisitor) error { return v.VisitSubqueryStart(o) }
func (*SubqueryStart) VariablesUsedHere() []*Variable    { return nil }
func (*SubqueryStart) VariablesSetHere() []*Variable     { return nil }
func (*SubqueryStart) cloneOp(varMapper) Operation       { return &SubqueryStart{} }

// SubqueryEnd closes a spliced subquery, collecting InVariable of every inner
// row into an array bound to OutVariable.
type SubqueryEnd struct {
	InVariable  *Variable
	OutVariable *Variable
}

func (*SubqueryEnd) Kind() Kind                        { return KindSubqueryEnd }
func (o *SubqueryEnd) Accept(v OperationVisitor) error { return v.VisitSubqueryEnd(o) }
func (o *SubqueryEnd) VariablesUsedHere() []*Variable  { return nonNil(o.InVariable) }
func (o *SubqueryEnd) VariablesSetHere() []*Variable   { return nonNil(o.OutVariable) }
func (o *SubqueryEnd) cloneOp(m varMapper) Operation {
	return &SubqueryEnd{InVariable: m(o.InVariable), OutVariable: m(o.OutVariable)}
}

// Materialize fetches full documents for placeholders written by an earlier
// late-materialized enumeration. With InNmColPtr nil the collection is the
// constant Collection; otherwise it is read per row.
type Materialize struct {
	Collection  string
	InNmColPtr  *Variable
	InNmDocID   *Variable
	OutVariable *Variable
}

func (*Materialize) Kind() Kind                        { return KindMaterialize }
func (o *Materialize) Accept(v OperationVisitor) error { return v.VisitMaterialize(o) }

// Multi reports whether the collection is read from the row.
func (o *Materialize) Multi() bool { return o.InNmColPtr != nil }

func (o *Materialize) VariablesUsedHere() []*Variable { return nonNil(o.InNmColPtr, o.InNmDocID) }
func (o *Materialize) VariablesSetHere() []*Variable  { return nonNil(o.OutVariable) }
func (o *Materialize) cloneOp(m varMapper) Operation {
	return &Materialize{
		Collection:  o.Collection,
		InNmColPtr:  m(o.InNmColPtr),
		InNmDocID:   m(o.InNmDocID),
		OutVariable: m(o.OutVariable),
	}
}

// Remote streams values produced by another engine, bound to OutVariable
// once per input row. Fetches are asynchronous.
type Remote struct {
	Endpoint    string
	OutVariable *Variable
}

func (*Remote) Kind() Kind                        { return KindRemote }
func (o *Remote) Accept(v OperationVisitor) error { return v.VisitRemote(o) }
func (*Remote) VariablesUsedHere() []*Variable    { return nil }
func (o *Remote) VariablesSetHere() []*Variable   { return nonNil(o.OutVariable) }
func (o *Remote) cloneOp(m varMapper) Operation {
	return &Remote{Endpoint: o.Endpoint, OutVariable: m(o.OutVariable)}
}

// Return marks InVariable as the result of its (sub)query.
type Return struct {
	InVariable *Variable
}

func (*Return) Kind() Kind                        { return KindReturn }
func (o *Return) Accept(v OperationVisitor) error { return v.VisitReturn(o) }
func (o *Return) VariablesUsedHere() []*Variable  { return nonNil(o.InVariable) }
func (*Return) VariablesSetHere() []*Variable     { return nil }
func (o *Return) cloneOp(m varMapper) Operation   { return &Return{InVariable: m(o.InVariable)} }

// NoResults never produces a row.
type NoResults struct{}

func (*NoResults) Kind() Kind                        { return KindNoResults }
func (o *NoResults) Accept(v OperationVisitor) error { return v.VisitNoResults(o) }
func (*NoResults) VariablesUsedHere() []*Variable    { return nil }
func (*NoResults) VariablesSetHere() []*Variable     { return nil }
func (*NoResults) cloneOp(varMapper) Operation       { return &NoResults{} }
