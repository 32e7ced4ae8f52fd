package descriptor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/baas/core"
)

// RequestContext is what computed fields are evaluated against. It is owned by a
// single request.
type RequestContext struct {
	Module      string
	Class       string
	Model       string
	Credentials core.Credentials
	Query       url.Values
	Header      http.Header
	Body        map[string]interface{}
}

// FieldFunc computes the value of an injected field for a request
type FieldFunc func(ctx context.Context, rc *RequestContext) (interface{}, error)

// Functions are the field functions an embedding program makes available to
// descriptors by name
type Functions map[string]FieldFunc

// FieldSpec is the declaration of an injected field. It is one of
// Constant, Expression or Function.
type FieldSpec interface {
	Evaluate(ctx context.Context, rc *RequestContext) (interface{}, error)
	// Computed returns false for constants
	Computed() bool
}

// Constant is a field whose value is fixed by the descriptor
type Constant struct {
	Value interface{}
}

// Evaluate returns the constant value
func (c Constant) Evaluate(context.Context, *RequestContext) (interface{}, error) {
	return c.Value, nil
}

// Computed implements FieldSpec
func (c Constant) Computed() bool { return false }

// Expression is a field computed by an expression, declared as {"expr": "..."}.
//
// The expression sees these variables:
//
//	auth     verified claims by scheme name, e.g. auth.Token.uid
//	query    first value of every query parameter
//	header   first value of every request header
//	body     the decoded request body, empty for reads
//	module, class, model
//
// plus the uuid() function and the expr builtins.
type Expression struct {
	Source  string
	program *vm.Program
}

// Evaluate runs the expression against the request
func (e *Expression) Evaluate(_ context.Context, rc *RequestContext) (interface{}, error) {
	out, err := expr.Run(e.program, expressionEnv(rc))
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", e.Source, err)
	}
	return out, nil
}

// Computed implements FieldSpec
func (e *Expression) Computed() bool { return true }

// Function is a field computed by a registered FieldFunc, declared as {"func": "name"}
type Function struct {
	Name string
	fn   FieldFunc
}

// Evaluate calls the function
func (f *Function) Evaluate(ctx context.Context, rc *RequestContext) (interface{}, error) {
	v, err := f.fn(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", f.Name, err)
	}
	return v, nil
}

// Computed implements FieldSpec
func (f *Function) Computed() bool { return true }

var expressionOptions = []expr.Option{
	expr.Env(expressionEnv(&RequestContext{})),
	expr.Function("uuid", func(params ...interface{}) (interface{}, error) {
		return uuid.New().String(), nil
	}),
}

func expressionEnv(rc *RequestContext) map[string]interface{} {
	auth := map[string]interface{}{}
	for scheme, claims := range rc.Credentials {
		auth[scheme] = map[string]interface{}(claims)
	}
	query := map[string]interface{}{}
	for k, v := range rc.Query {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	header := map[string]interface{}{}
	for k, v := range rc.Header {
		if len(v) > 0 {
			header[k] = v[0]
		}
	}
	body := map[string]interface{}{}
	for k, v := range rc.Body {
		body[k] = v
	}
	return map[string]interface{}{
		"auth":   auth,
		"query":  query,
		"header": header,
		"body":   body,
		"module": rc.Module,
		"class":  rc.Class,
		"model":  rc.Model,
	}
}

func parseFieldSpec(raw json.RawMessage, functions Functions) (FieldSpec, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]interface{})
	if !ok || len(obj) != 1 {
		return Constant{Value: value}, nil
	}
	if source, ok := obj["expr"].(string); ok {
		program, err := expr.Compile(source, expressionOptions...)
		if err != nil {
			return nil, fmt.Errorf("cannot compile expression %q: %w", source, err)
		}
		return &Expression{Source: source, program: program}, nil
	}
	if name, ok := obj["func"].(string); ok {
		fn, ok := functions[name]
		if !ok {
			return nil, fmt.Errorf("unknown field function %s", name)
		}
		return &Function{Name: name, fn: fn}, nil
	}
	return Constant{Value: value}, nil
}

// InjectedFields evaluates the model's fields for a request. Fields are evaluated
// sequentially in name order. The result constrains every query of the request
// and overrides client supplied values on writes.
//
// A computed field that evaluates to nil, typically a claim missing from a token,
// fails the request as unauthorized. Constants may be null.
func (m *Model) InjectedFields(ctx context.Context, rc *RequestContext) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(m.fieldOrder))
	for _, name := range m.fieldOrder {
		spec := m.Fields[name]
		v, err := spec.Evaluate(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if v == nil && spec.Computed() {
			return nil, core.Unauthorized(fmt.Errorf("field %s evaluates to nil", name))
		}
		fields[name] = normalize(v)
	}
	return fields, nil
}

// normalize turns integral floats into int64 so that injected values compare
// equal to integer columns
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
	case int:
		return int64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return v
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
