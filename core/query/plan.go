package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relabs-tech/baas/core"
)

// Plan is a compiled query against one table.
//
// Restrict holds the injected fields. Stores apply it to the table before
// anything else, as a derived table, so that conditions, relations and pagination
// only ever see restricted rows.
type Plan struct {
	Table       string
	Restrict    map[string]interface{}
	Conditions  []Condition
	Order       []Order
	Limit       int
	Offset      int
	WithDeleted bool
	Relations   []*RelationPlan
}

// RelationPlan is an eager load of a relation. The table of the nested plan is
// resolved by the store from its relation declarations.
type RelationPlan struct {
	Name string
	Plan *Plan
}

// Build compiles the plan of a request against table
func Build(table string, injected map[string]interface{}, filter *Filter) (*Plan, error) {
	p := &Plan{Table: table, Restrict: map[string]interface{}{}}
	for column, value := range injected {
		if !ValidIdentifier(column) {
			return nil, core.NewError(core.KindInternal, fmt.Sprintf("invalid injected field %q", column))
		}
		p.Restrict[column] = value
	}
	if filter != nil {
		if err := p.Apply(filter); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Apply adds a filter to the plan
func (p *Plan) Apply(f *Filter) error {
	p.Conditions = append(p.Conditions, f.Where...)
	p.Order = append(p.Order, f.OrderBy...)
	if f.Limit > 0 {
		p.Limit = f.Limit
	}
	if f.Offset > 0 {
		p.Offset = f.Offset
	}
	bare, filtered := MergeRelated(f.Related)
	for _, name := range bare {
		p.Relation(name)
	}
	for _, r := range filtered {
		if err := r.Apply(p.Relation(r.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Relation returns the plan of a relation, adding it if needed. A dotted path
// walks nested relations.
func (p *Plan) Relation(path string) *Plan {
	current := p
	for _, name := range strings.Split(path, ".") {
		var next *Plan
		for _, r := range current.Relations {
			if r.Name == name {
				next = r.Plan
				break
			}
		}
		if next == nil {
			next = &Plan{Restrict: map[string]interface{}{}}
			current.Relations = append(current.Relations, &RelationPlan{Name: name, Plan: next})
		}
		current = next
	}
	return current
}

// RestrictColumns returns the restricted columns in a stable order
func (p *Plan) RestrictColumns() []string {
	columns := make([]string, 0, len(p.Restrict))
	for c := range p.Restrict {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}
