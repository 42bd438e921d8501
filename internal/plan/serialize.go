package plan

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/qerrors"
)

// SerializeFlags selects optional sections of the serialized plan.
type SerializeFlags uint8

const (
	// SerializeDetails adds depth, register plan, regsToClear and liveness sets.
	SerializeDetails SerializeFlags = 1 << iota
	// SerializeEstimates adds estimatedCost and estimatedNrItems.
	SerializeEstimates
	// SerializeParents adds parent ids.
	SerializeParents
)

func (f SerializeFlags) has(flag SerializeFlags) bool { return f&flag != 0 }

// Record renders the plan as a generic record: {nodes, rootNode, variables}
// plus plan-level estimates when requested. Nodes are emitted children first,
// so every dependency id refers to an already emitted node. Nested plans are
// embedded in their subquery node.
func (p *Plan) Record(flags SerializeFlags) (map[string]any, error) {
	if p.root == nil {
		return nil, qerrors.MalformedPlanf("plan has no root")
	}
	nodes, err := nodeRecords(p.root, flags)
	if err != nil {
		return nil, err
	}
	vars := make([]any, 0)
	for _, v := range p.vars.All() {
		vars = append(vars, varRecord(v))
	}
	rec := map[string]any{
		"nodes":     nodes,
		"rootNode":  int64(p.root.id),
		"variables": vars,
	}
	if flags.has(SerializeEstimates) {
		est, err := p.root.Cost()
		if err != nil {
			return nil, err
		}
		rec["estimatedCost"] = est.EstimatedCost
		rec["estimatedNrItems"] = est.EstimatedNrItems
	}
	return rec, nil
}

// Serialize converts the plan into a protobuf Struct.
func (p *Plan) Serialize(flags SerializeFlags) (*structpb.Struct, error) {
	rec, err := p.Record(flags)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(rec)
	if err != nil {
		return nil, qerrors.WrapMalformedPlan(err, "encode plan")
	}
	return s, nil
}

// MarshalPlan renders the serialized plan as JSON.
func MarshalPlan(p *Plan, flags SerializeFlags, pretty bool) ([]byte, error) {
	s, err := p.Serialize(flags)
	if err != nil {
		return nil, err
	}
	opts := protojson.MarshalOptions{}
	if pretty {
		opts.Multiline = true
		opts.Indent = "  "
	}
	return opts.Marshal(s)
}

type recordCollector struct {
	BaseVisitor
	flags   SerializeFlags
	records []any
	err     error
}

func (c *recordCollector) Before(*Node) bool             { return c.err != nil }
func (c *recordCollector) EnterSubquery(_, _ *Node) bool { return false }

func (c *recordCollector) After(n *Node) {
	if c.err != nil {
		return
	}
	rec, err := n.Record(c.flags)
	if err != nil {
		c.err = err
		return
	}
	c.records = append(c.records, rec)
}

func nodeRecords(root *Node, flags SerializeFlags) ([]any, error) {
	c := &recordCollector{flags: flags}
	root.Walk(c)
	return c.records, c.err
}

// Record renders a single node.
func (n *Node) Record(flags SerializeFlags) (map[string]any, error) {
	rec := map[string]any{
		"type":                n.Kind().String(),
		"typeID":              int64(n.Kind()),
		"id":                  int64(n.id),
		"dependencies":        idList(n.deps),
		"isInSplicedSubquery": n.inSplicedSubquery,
	}
	if flags.has(SerializeParents) {
		rec["parents"] = idList(n.parents)
	}
	if flags.has(SerializeDetails) {
		rec["depth"] = int64(n.depth)
		if rp := n.registerPlan; rp != nil {
			infos := make([]any, 0, len(rp.VarInfo))
			for _, e := range rp.VarInfoList() {
				infos = append(infos, map[string]any{
					"variableId": int64(e.VariableID),
					"depth":      int64(e.Depth),
					"registerId": int64(e.RegisterID),
				})
			}
			rec["varInfoList"] = infos
			rec["nrRegs"] = intList(rp.NrRegs)
			rec["nrRegsHere"] = intList(rp.NrRegsHere)
			rec["totalNrRegs"] = int64(rp.TotalNrRegs)
		}
		regs := make([]any, len(n.regsToClear))
		for i, r := range n.regsToClear {
			regs[i] = int64(r)
		}
		rec["regsToClear"] = regs
		if n.varUsageValid {
			rec["varsUsedLater"] = varList(n.varsUsedLater.Sorted())
			rec["varsValid"] = varList(n.varsValid.Sorted())
		}
	}
	if flags.has(SerializeEstimates) {
		est, err := n.Cost()
		if err != nil {
			return nil, err
		}
		rec["estimatedCost"] = est.EstimatedCost
		rec["estimatedNrItems"] = est.EstimatedNrItems
	}
	w := &opWriter{node: n, flags: flags, rec: rec}
	if err := n.op.Accept(w); err != nil {
		return nil, err
	}
	return rec, nil
}

func idList(ids []NodeID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func intList(xs []int) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}

func varRecord(v *Variable) any {
	if v == nil {
		return nil
	}
	return map[string]any{"id": int64(v.ID), "name": v.Name}
}

func varList(vs []*Variable) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = varRecord(v)
	}
	return out
}

func exprRecord(e *Expression) any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"text":      e.Text,
		"variables": varList(e.Variables),
		"scripting": e.Scripting,
	}
}

// opWriter adds the kind-specific fields of a node record.
type opWriter struct {
	node  *Node
	flags SerializeFlags
	rec   map[string]any
}

func (w *opWriter) VisitSingleton(*Singleton) error { return nil }

func (w *opWriter) VisitEnumerateCollection(op *EnumerateCollection) error {
	w.rec["collection"] = op.Collection
	w.rec["outVariable"] = varRecord(op.OutVariable)
	w.rec["random"] = op.Random
	w.rec["filter"] = exprRecord(op.Filter)
	w.rec["outNmDocId"] = varRecord(op.OutNmDocID)
	w.rec["outNmColPtr"] = varRecord(op.OutNmColPtr)
	if op.Index != nil {
		fields := make([]any, len(op.Index.Fields))
		for i, f := range op.Index.Fields {
			fields[i] = f
		}
		w.rec["indexHint"] = map[string]any{
			"name":     op.Index.Name,
			"fields":   fields,
			"covering": op.Index.Covering,
		}
	} else {
		w.rec["indexHint"] = nil
	}
	return nil
}

func (w *opWriter) VisitEnumerateList(op *EnumerateList) error {
	w.rec["inVariable"] = varRecord(op.InVariable)
	w.rec["outVariable"] = varRecord(op.OutVariable)
	return nil
}

func (w *opWriter) VisitFilter(op *Filter) error {
	w.rec["inVariable"] = varRecord(op.InVariable)
	return nil
}

func (w *opWriter) VisitLimit(op *Limit) error {
	w.rec["offset"] = op.Offset
	w.rec["limit"] = op.Limit
	w.rec["fullCount"] = op.FullCount
	return nil
}

func (w *opWriter) VisitCalculation(op *Calculation) error {
	w.rec["outVariable"] = varRecord(op.OutVariable)
	w.rec["expression"] = exprRecord(op.Expression)
	return nil
}

func (w *opWriter) VisitSubquery(op *Subquery) error {
	sub := w.node.plan.nodes[op.Subquery]
	if sub == nil {
		return qerrors.MalformedPlanf("node %d: subquery root %d missing", w.node.id, op.Subquery)
	}
	nodes, err := nodeRecords(sub, w.flags)
	if err != nil {
		return err
	}
	w.rec["subquery"] = map[string]any{"nodes": nodes}
	w.rec["outVariable"] = varRecord(op.OutVariable)
	return nil
}

func (w *opWriter) VisitSubqueryStart(*SubqueryStart) error { return nil }

func (w *opWriter) VisitSubqueryEnd(op *SubqueryEnd) error {
	w.rec["inVariable"] = varRecord(op.InVariable)
	w.rec["outVariable"] = varRecord(op.OutVariable)
	return nil
}

func (w *opWriter) VisitMaterialize(op *Materialize) error {
	w.rec["collection"] = op.Collection
	w.rec["inNmColPtr"] = varRecord(op.InNmColPtr)
	w.rec["inNmDocId"] = varRecord(op.InNmDocID)
	w.rec["outVariable"] = varRecord(op.OutVariable)
	return nil
}

func (w *opWriter) VisitRemote(op *Remote) error {
	w.rec["endpoint"] = op.Endpoint
	w.rec["outVariable"] = varRecord(op.OutVariable)
	return nil
}

func (w *opWriter) VisitReturn(op *Return) error {
	w.rec["inVariable"] = varRecord(op.InVariable)
	return nil
}

func (w *opWriter) VisitNoResults(*NoResults) error { return nil }
