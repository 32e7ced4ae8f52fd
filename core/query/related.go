package query

import (
	"strconv"
	"strings"
)

// RelatedSpec is one parsed entry of withRelated. It is either a BareName or a
// NestedFilter.
type RelatedSpec interface {
	RelationName() string
}

// BareName eagerly loads a relation without a filter. Dotted names load nested
// relations, "comments.author" loads the comments and the author of each comment.
type BareName struct {
	Name string
}

// RelationName implements RelatedSpec
func (b BareName) RelationName() string { return b.Name }

// NestedFilter eagerly loads a relation restricted by a filter object in the
// same grammar as the request filter
type NestedFilter struct {
	Name   string
	Filter *Object
}

// RelationName implements RelatedSpec
func (n NestedFilter) RelationName() string { return n.Name }

// Relation is a merged relation filter
type Relation struct {
	Name   string
	Filter *Object
	// Apply compiles the merged filter onto the plan of the related table
	Apply func(p *Plan) error
}

// ParseRelated reads relation specs from a withRelated value. The value is a
// relation name, a comma separated list of names, a list, or an object. Object
// entries with index keys ("0", "1", ...) are read recursively, other entries name
// a relation: a string value is a flag for a bare name, an object value is a
// nested filter.
func ParseRelated(v interface{}) ([]RelatedSpec, error) {
	var specs []RelatedSpec
	switch t := v.(type) {
	case string:
		for _, name := range strings.Split(t, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !validRelation(name) {
				return nil, badRequest("invalid relation %q", name)
			}
			specs = append(specs, BareName{Name: name})
		}
	case []interface{}:
		for _, e := range t {
			more, err := ParseRelated(e)
			if err != nil {
				return nil, err
			}
			specs = append(specs, more...)
		}
	case *Object:
		for _, key := range t.Keys() {
			value, _ := t.Get(key)
			if _, err := strconv.Atoi(key); err == nil {
				more, err := ParseRelated(value)
				if err != nil {
					return nil, err
				}
				specs = append(specs, more...)
				continue
			}
			if !validRelation(key) {
				return nil, badRequest("invalid relation %q", key)
			}
			if filter, ok := value.(*Object); ok {
				specs = append(specs, NestedFilter{Name: key, Filter: filter})
			} else {
				specs = append(specs, BareName{Name: key})
			}
		}
	case nil:
	default:
		return nil, badRequest("invalid withRelated")
	}
	return specs, nil
}

func validRelation(name string) bool {
	for _, segment := range strings.Split(name, ".") {
		if !ValidIdentifier(segment) {
			return false
		}
	}
	return true
}

// MergeRelated partitions relation specs into bare names and filtered
// relations. Bare names are deduplicated. Nested filters for the same relation
// are deep merged with the later spec winning on every leaf while objects are
// merged. Both results keep the order of first appearance.
func MergeRelated(specs []RelatedSpec) (bare []string, filtered []Relation) {
	seen := map[string]bool{}
	index := map[string]int{}
	for _, spec := range specs {
		switch s := spec.(type) {
		case BareName:
			if !seen[s.Name] {
				seen[s.Name] = true
				bare = append(bare, s.Name)
			}
		case NestedFilter:
			if i, ok := index[s.Name]; ok {
				filtered[i].Filter = deepMerge(filtered[i].Filter, s.Filter)
				continue
			}
			index[s.Name] = len(filtered)
			filtered = append(filtered, Relation{Name: s.Name, Filter: deepMerge(nil, s.Filter)})
		}
	}
	for i := range filtered {
		filter := filtered[i].Filter
		filtered[i].Apply = func(p *Plan) error {
			f, err := ParseFilter(filter)
			if err != nil {
				return err
			}
			return p.Apply(f)
		}
	}
	return bare, filtered
}

// deepMerge returns a new object with the entries of src merged into dst
func deepMerge(dst, src *Object) *Object {
	out := NewObject()
	for _, k := range dst.Keys() {
		v, _ := dst.Get(k)
		if o, ok := v.(*Object); ok {
			v = deepMerge(nil, o)
		}
		out.Set(k, v)
	}
	for _, k := range src.Keys() {
		v, _ := src.Get(k)
		if o, ok := v.(*Object); ok {
			if existing, ok := out.values[k].(*Object); ok {
				out.Set(k, deepMerge(existing, o))
				continue
			}
			v = deepMerge(nil, o)
		}
		out.Set(k, v)
	}
	return out
}
