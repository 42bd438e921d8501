package plan

import (
	"cmp"
	"slices"

	"github.com/hanpama/planexec/internal/qerrors"
)

// VariableID is unique within a plan.
type VariableID int

// Variable is a named binding produced by the planner. Nodes reference
// variables; the plan's VariablePool owns them.
type Variable struct {
	ID   VariableID
	Name string
}

// VariablePool owns the variables of one plan.
type VariablePool struct {
	vars   map[VariableID]*Variable
	nextID VariableID
}

func NewVariablePool() *VariablePool {
	return &VariablePool{vars: make(map[VariableID]*Variable)}
}

// Create allocates a fresh variable.
func (p *VariablePool) Create(name string) *Variable {
	v := &Variable{ID: p.nextID, Name: name}
	p.vars[v.ID] = v
	p.nextID++
	return v
}

// Register adds a variable with a fixed id, as read from a serialized plan.
// Registering the same id twice is only legal with the same name.
func (p *VariablePool) Register(id VariableID, name string) (*Variable, error) {
	if v, ok := p.vars[id]; ok {
		if v.Name != name {
			return nil, qerrors.MalformedPlanf("variable #%d registered as %q and %q", id, v.Name, name)
		}
		return v, nil
	}
	v := &Variable{ID: id, Name: name}
	p.vars[id] = v
	if id >= p.nextID {
		p.nextID = id + 1
	}
	return v, nil
}

func (p *VariablePool) Get(id VariableID) *Variable { return p.vars[id] }

// All returns the variables ordered by id.
func (p *VariablePool) All() []*Variable {
	out := make([]*Variable, 0, len(p.vars))
	for _, v := range p.vars {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *Variable) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// VarSet is a set of variables keyed by id. It is a reference type: copies of
// a VarSet value share storage, which is how shallow node clones share their
// liveness sets.
type VarSet map[VariableID]*Variable

func NewVarSet(vars ...*Variable) VarSet {
	s := make(VarSet, len(vars))
	for _, v := range vars {
		s.Add(v)
	}
	return s
}

func (s VarSet) Add(v *Variable) {
	if v != nil {
		s[v.ID] = v
	}
}

func (s VarSet) Has(v *Variable) bool {
	if v == nil {
		return false
	}
	_, ok := s[v.ID]
	return ok
}

func (s VarSet) Clone() VarSet {
	out := make(VarSet, len(s))
	for id, v := range s {
		out[id] = v
	}
	return out
}

// Sorted returns the members ordered by id.
func (s VarSet) Sorted() []*Variable {
	out := make([]*Variable, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *Variable) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// IDs returns the member ids in ascending order.
func (s VarSet) IDs() []VariableID {
	out := make([]VariableID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
