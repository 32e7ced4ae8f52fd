package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relabs-tech/baas/core"
)

// Operator is a comparison operator of a where condition
type Operator string

// the supported operators
const (
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpGt   Operator = "gt"
	OpGte  Operator = "gte"
	OpLt   Operator = "lt"
	OpLte  Operator = "lte"
	OpLike Operator = "like"
	OpIn   Operator = "in"
	OpNull Operator = "null"
)

var operators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true,
	OpLte: true, OpLike: true, OpIn: true, OpNull: true,
}

// Condition is a single where condition. Value is a string, a []string for OpIn
// and a bool for OpNull.
type Condition struct {
	Column string
	Op     Operator
	Value  interface{}
}

// Order is a sort column
type Order struct {
	Column string
	Desc   bool
}

// Filter is the general filter of a request
type Filter struct {
	Where   []Condition
	OrderBy []Order
	Limit   int // 0 means no limit
	Offset  int
	Related []RelatedSpec
}

var identifier = regexp.MustCompile("^[A-Za-z_][A-Za-z0-9_]*$")

// ValidIdentifier returns true if name can be used as a column or relation name
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

func badRequest(format string, args ...interface{}) error {
	return core.NewError(core.KindBadRequest, fmt.Sprintf(format, args...))
}

// ParseFilter reads the filter grammar from a decoded query object:
//
//	where[col]=v             col = v
//	where[col]=v&where[col]=w  col IN (v, w)
//	where[col][op]=v         op is one of eq, ne, gt, gte, lt, lte, like, in, null
//	orderBy=col,-other       ascending col, then descending other
//	limit=n&offset=m
//	withRelated=...          see ParseRelated
//
// Other keys are ignored. A nil object is an empty filter.
func ParseFilter(obj *Object) (*Filter, error) {
	f := &Filter{}
	if obj == nil {
		return f, nil
	}
	if where, ok := obj.Get("where"); ok {
		w, ok := where.(*Object)
		if !ok {
			return nil, badRequest("where must be an object")
		}
		for _, column := range w.Keys() {
			if !ValidIdentifier(column) {
				return nil, badRequest("invalid column %q", column)
			}
			v, _ := w.Get(column)
			conditions, err := parseConditions(column, v)
			if err != nil {
				return nil, err
			}
			f.Where = append(f.Where, conditions...)
		}
	}
	if orderBy, ok := obj.Get("orderBy"); ok {
		for _, s := range stringsOf(orderBy) {
			for _, column := range strings.Split(s, ",") {
				column = strings.TrimSpace(column)
				if column == "" {
					continue
				}
				o := Order{Column: column}
				if strings.HasPrefix(column, "-") {
					o = Order{Column: column[1:], Desc: true}
				}
				if !ValidIdentifier(o.Column) {
					return nil, badRequest("invalid orderBy column %q", o.Column)
				}
				f.OrderBy = append(f.OrderBy, o)
			}
		}
	}
	var err error
	if f.Limit, err = nonNegative(obj, "limit"); err != nil {
		return nil, err
	}
	if f.Offset, err = nonNegative(obj, "offset"); err != nil {
		return nil, err
	}
	if related, ok := obj.Get("withRelated"); ok {
		if f.Related, err = ParseRelated(related); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseConditions(column string, v interface{}) ([]Condition, error) {
	switch t := v.(type) {
	case string:
		return []Condition{{Column: column, Op: OpEq, Value: t}}, nil
	case []interface{}:
		var conditions []Condition
		switch values := stringsOf(t); len(values) {
		case 0:
		case 1:
			conditions = append(conditions, Condition{Column: column, Op: OpEq, Value: values[0]})
		default:
			conditions = append(conditions, Condition{Column: column, Op: OpIn, Value: values})
		}
		for _, e := range t {
			if o, ok := e.(*Object); ok {
				more, err := parseConditions(column, o)
				if err != nil {
					return nil, err
				}
				conditions = append(conditions, more...)
			}
		}
		return conditions, nil
	case *Object:
		var conditions []Condition
		for _, key := range t.Keys() {
			op := Operator(key)
			if !operators[op] {
				return nil, badRequest("invalid operator %q for column %s", key, column)
			}
			raw, _ := t.Get(key)
			c := Condition{Column: column, Op: op}
			switch op {
			case OpIn:
				var values []string
				for _, s := range stringsOf(raw) {
					values = append(values, strings.Split(s, ",")...)
				}
				c.Value = values
			case OpNull:
				s, ok := raw.(string)
				if !ok {
					return nil, badRequest("invalid null condition for column %s", column)
				}
				b, err := strconv.ParseBool(s)
				if err != nil {
					return nil, badRequest("invalid null condition for column %s", column)
				}
				c.Value = b
			default:
				s, ok := raw.(string)
				if !ok {
					return nil, badRequest("invalid %s condition for column %s", op, column)
				}
				c.Value = s
			}
			conditions = append(conditions, c)
		}
		return conditions, nil
	}
	return nil, badRequest("invalid condition for column %s", column)
}

func nonNegative(obj *Object, key string) (int, error) {
	v, ok := obj.Get(key)
	if !ok {
		return 0, nil
	}
	s, _ := v.(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

// stringsOf flattens a string or a list of strings. Nested objects are skipped.
func stringsOf(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
