package plan

import (
	_ "embed"
	"math"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

//go:embed plan.schema.json
var planSchemaJSON string

var loadPlanSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(planSchemaJSON))
})

// UnmarshalPlan parses a JSON plan as written by MarshalPlan.
func UnmarshalPlan(data []byte) (*Plan, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, qerrors.WrapMalformedPlan(err, "decode plan")
	}
	return Deserialize(s)
}

// Deserialize rebuilds a plan from its serialized form.
func Deserialize(s *structpb.Struct) (*Plan, error) {
	return FromRecord(s.AsMap())
}

// FromRecord rebuilds a plan from a generic record. Node records carrying
// details restore liveness sets and register plans, so the result can be
// executed without Prepare. Unknown node types and missing required fields
// are fatal.
func FromRecord(rec map[string]any) (*Plan, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	p := New()
	if vars, ok := rec["variables"].([]any); ok {
		for _, raw := range vars {
			d := &decoder{p: p, rec: asRecord(raw)}
			if d.variable(""); d.err != nil {
				return nil, d.err
			}
		}
	}
	nodes, _ := rec["nodes"].([]any)
	last, err := decodeNodes(p, nodes)
	if err != nil {
		return nil, err
	}
	root := last
	if rawRoot, ok := rec["rootNode"]; ok {
		id, ok := asInt(rawRoot)
		if !ok {
			return nil, qerrors.MalformedPlanf("rootNode is not an integer")
		}
		if root = p.Node(NodeID(id)); root == nil {
			return nil, qerrors.MalformedPlanf("root node %d not found", id)
		}
	}
	p.root = root
	return p, nil
}

func validateRecord(rec map[string]any) error {
	schema, err := loadPlanSchema()
	if err != nil {
		return qerrors.WrapMalformedPlan(err, "load plan schema")
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(rec))
	if err != nil {
		return qerrors.WrapMalformedPlan(err, "validate plan")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return qerrors.MalformedPlanf("invalid plan: %s", strings.Join(msgs, "; "))
}

func decodeNodes(p *Plan, list []any) (*Node, error) {
	var last *Node
	for _, raw := range list {
		n, err := decodeNode(p, asRecord(raw))
		if err != nil {
			return nil, err
		}
		last = n
	}
	if last == nil {
		return nil, qerrors.MalformedPlanf("empty node list")
	}
	return last, nil
}

type opDecoder func(d *decoder) Operation

// opDecoders is filled in init: the subquery decoder recurses through
// decodeNode, which reads the map.
var opDecoders map[Kind]opDecoder

func init() {
	opDecoders = map[Kind]opDecoder{
		KindSingleton: func(*decoder) Operation { return &Singleton{} },
		KindEnumerateCollection: func(d *decoder) Operation {
			op := &EnumerateCollection{
				Collection:  d.string("collection"),
				OutVariable: d.optVariable("outVariable"),
				Random:      d.bool("random"),
				Filter:      d.optExpression("filter"),
				OutNmDocID:  d.optVariable("outNmDocId"),
				OutNmColPtr: d.optVariable("outNmColPtr"),
			}
			if hint := d.optObject("indexHint"); hint != nil {
				sub := d.child(hint)
				op.Index = &IndexHint{
					Name:     sub.string("name"),
					Fields:   sub.stringList("fields"),
					Covering: sub.bool("covering"),
				}
			}
			return op
		},
		KindEnumerateList: func(d *decoder) Operation {
			return &EnumerateList{InVariable: d.variable("inVariable"), OutVariable: d.variable("outVariable")}
		},
		KindFilter: func(d *decoder) Operation {
			return &Filter{InVariable: d.variable("inVariable")}
		},
		KindLimit: func(d *decoder) Operation {
			return &Limit{Offset: d.int("offset"), Limit: d.int("limit"), FullCount: d.bool("fullCount")}
		},
		KindCalculation: func(d *decoder) Operation {
			return &Calculation{OutVariable: d.variable("outVariable"), Expression: d.expression("expression")}
		},
		KindSubquery: func(d *decoder) Operation {
			sub := d.object("subquery")
			out := d.variable("outVariable")
			if d.err != nil {
				return nil
			}
			nodes, ok := sub["nodes"].([]any)
			if !ok {
				d.fail("subquery.nodes")
				return nil
			}
			root, err := decodeNodes(d.p, nodes)
			if err != nil {
				d.err = err
				return nil
			}
			return &Subquery{Subquery: root.id, OutVariable: out}
		},
		KindSubqueryStart: func(*decoder) Operation { return &SubqueryStart{} },
		KindSubqueryEnd: func(d *decoder) Operation {
			return &SubqueryEnd{InVariable: d.variable("inVariable"), OutVariable: d.variable("outVariable")}
		},
		KindMaterialize: func(d *decoder) Operation {
			return &Materialize{
				Collection:  d.optString("collection"),
				InNmColPtr:  d.optVariable("inNmColPtr"),
				InNmDocID:   d.variable("inNmDocId"),
				OutVariable: d.variable("outVariable"),
			}
		},
		KindRemote: func(d *decoder) Operation {
			return &Remote{Endpoint: d.string("endpoint"), OutVariable: d.variable("outVariable")}
		},
		KindReturn: func(d *decoder) Operation {
			return &Return{InVariable: d.variable("inVariable")}
		},
		KindNoResults: func(*decoder) Operation { return &NoResults{} },
	}
}

func decodeNode(p *Plan, rec map[string]any) (*Node, error) {
	d := &decoder{p: p, rec: rec}
	id := NodeID(d.int("id"))
	d.node = id
	typeID := Kind(d.int("typeID"))
	typeName := d.string("type")
	if d.err != nil {
		return nil, d.err
	}
	decode, ok := opDecoders[typeID]
	if !ok {
		return nil, qerrors.MalformedPlanf("node %d: unknown node type id %d (%s)", id, typeID, typeName)
	}
	if typeName != typeID.String() {
		return nil, qerrors.MalformedPlanf("node %d: type %q does not match type id %d", id, typeName, typeID)
	}
	op := decode(d)
	if d.err != nil {
		return nil, d.err
	}
	deps := d.intList("dependencies")
	spliced := d.optBool("isInSplicedSubquery")
	if d.err != nil {
		return nil, d.err
	}

	n, err := p.addNodeWithID(id, op)
	if err != nil {
		return nil, err
	}
	n.inSplicedSubquery = spliced
	for _, depID := range deps {
		dep := p.Node(NodeID(depID))
		if dep == nil {
			return nil, qerrors.MalformedPlanf("node %d: dependency %d not emitted before it", id, depID)
		}
		n.AddDependency(dep)
	}
	if err := d.details(n); err != nil {
		return nil, err
	}
	return n, nil
}

// details restores the planning results carried by a detailed record.
func (d *decoder) details(n *Node) error {
	if _, ok := d.rec["varInfoList"]; !ok {
		return nil
	}
	n.depth = int(d.int("depth"))
	rp := &RegisterPlan{
		Depth:       n.depth,
		VarInfo:     make(map[VariableID]VarInfo),
		NrRegs:      toInts(d.intList("nrRegs")),
		NrRegsHere:  toInts(d.intList("nrRegsHere")),
		TotalNrRegs: int(d.int("totalNrRegs")),
	}
	for _, raw := range d.list("varInfoList") {
		e := d.child(asRecord(raw))
		id := e.int("variableId")
		rp.VarInfo[VariableID(id)] = VarInfo{Depth: int(e.int("depth")), RegisterID: rows.RegisterID(e.int("registerId"))}
		if e.err != nil {
			return e.err
		}
	}
	for _, r := range d.intList("regsToClear") {
		n.regsToClear = append(n.regsToClear, rows.RegisterID(r))
	}
	if _, ok := d.rec["varsUsedLater"]; ok {
		n.varsUsedLater = d.varSet("varsUsedLater")
		n.varsValid = d.varSet("varsValid")
		n.varUsageValid = true
	}
	if d.err != nil {
		return d.err
	}
	if n.depth < 0 || n.depth >= len(rp.NrRegs) || len(rp.NrRegs) != len(rp.NrRegsHere) {
		return qerrors.MalformedPlanf("node %d: register plan does not cover depth %d", n.id, n.depth)
	}
	for d, nr := range rp.NrRegs {
		if nr < 0 || (d > 0 && nr < rp.NrRegs[d-1]) {
			return qerrors.MalformedPlanf("node %d: register counts %v shrink at depth %d", n.id, rp.NrRegs, d)
		}
	}
	for id, info := range rp.VarInfo {
		if info.Depth >= len(rp.NrRegs) || int(info.RegisterID) >= rp.NrRegs[info.Depth] {
			return qerrors.MalformedPlanf("node %d: variable #%d register %d outside depth %d", n.id, id, info.RegisterID, info.Depth)
		}
	}
	n.registerPlan = rp
	return nil
}

func toInts(xs []int64) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}

// decoder reads typed fields from a record, remembering the first failure.
type decoder struct {
	p    *Plan
	rec  map[string]any
	node NodeID
	err  error
}

func (d *decoder) child(rec map[string]any) *decoder {
	return &decoder{p: d.p, rec: rec, node: d.node}
}

func (d *decoder) fail(key string) {
	if d.err == nil {
		d.err = qerrors.MalformedPlanf("node %d: missing or invalid required field %q", d.node, key)
	}
}

func (d *decoder) value(key string) (any, bool) {
	if d.err != nil {
		return nil, false
	}
	v, ok := d.rec[key]
	return v, ok
}

func (d *decoder) int(key string) int64 {
	v, ok := d.value(key)
	if !ok {
		d.fail(key)
		return 0
	}
	n, ok := asInt(v)
	if !ok {
		d.fail(key)
	}
	return n
}

func (d *decoder) bool(key string) bool {
	v, ok := d.value(key)
	b, isBool := v.(bool)
	if !ok || !isBool {
		d.fail(key)
	}
	return b
}

func (d *decoder) optBool(key string) bool {
	v, _ := d.value(key)
	b, _ := v.(bool)
	return b
}

func (d *decoder) string(key string) string {
	v, ok := d.value(key)
	s, isString := v.(string)
	if !ok || !isString {
		d.fail(key)
	}
	return s
}

func (d *decoder) optString(key string) string {
	v, _ := d.value(key)
	s, _ := v.(string)
	return s
}

func (d *decoder) list(key string) []any {
	v, ok := d.value(key)
	l, isList := v.([]any)
	if !ok || !isList {
		d.fail(key)
	}
	return l
}

func (d *decoder) intList(key string) []int64 {
	raw := d.list(key)
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, ok := asInt(v)
		if !ok {
			d.fail(key)
			return nil
		}
		out = append(out, n)
	}
	return out
}

func (d *decoder) stringList(key string) []string {
	raw := d.list(key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			d.fail(key)
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (d *decoder) object(key string) map[string]any {
	v, ok := d.value(key)
	m, isMap := v.(map[string]any)
	if !ok || !isMap {
		d.fail(key)
	}
	return m
}

func (d *decoder) optObject(key string) map[string]any {
	v, _ := d.value(key)
	m, _ := v.(map[string]any)
	return m
}

// variable reads a {id, name} record stored under key, or the decoder's own
// record when key is empty, and registers it with the plan.
func (d *decoder) variable(key string) *Variable {
	rec := d.rec
	if key != "" {
		rec = d.object(key)
	}
	if d.err != nil {
		return nil
	}
	sub := d.child(rec)
	id := sub.int("id")
	name := sub.string("name")
	if sub.err != nil {
		d.err = sub.err
		return nil
	}
	v, err := d.p.vars.Register(VariableID(id), name)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *decoder) optVariable(key string) *Variable {
	if d.optObject(key) == nil {
		return nil
	}
	return d.variable(key)
}

func (d *decoder) varSet(key string) VarSet {
	s := NewVarSet()
	for _, raw := range d.list(key) {
		s.Add(d.child(asRecord(raw)).variableOrFail(d))
	}
	return s
}

func (d *decoder) variableOrFail(parent *decoder) *Variable {
	v := d.variable("")
	if d.err != nil && parent.err == nil {
		parent.err = d.err
	}
	return v
}

func (d *decoder) expression(key string) *Expression {
	rec := d.object(key)
	if d.err != nil {
		return nil
	}
	sub := d.child(rec)
	e := &Expression{Text: sub.string("text"), Scripting: sub.optBool("scripting")}
	for _, raw := range sub.list("variables") {
		e.Variables = append(e.Variables, sub.child(asRecord(raw)).variableOrFail(sub))
	}
	if sub.err != nil {
		d.err = sub.err
		return nil
	}
	return e
}

func (d *decoder) optExpression(key string) *Expression {
	if d.optObject(key) == nil {
		return nil
	}
	return d.expression(key)
}

func asRecord(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
