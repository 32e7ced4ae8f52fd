package query

import (
	"net/url"
	"strings"
)

// Object is a decoded query object. It remembers the order in which keys first
// appeared in the query string.
type Object struct {
	keys   []string
	values map[string]interface{}
}

// NewObject returns an empty object
func NewObject() *Object {
	return &Object{values: map[string]interface{}{}}
}

// Set sets a value, keeping the position of an existing key
func (o *Object) Set(key string, value interface{}) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value of a key
func (o *Object) Get(key string) (interface{}, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in order of first appearance
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

// Len returns the number of keys
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Map converts the object into plain nested maps
func (o *Object) Map() map[string]interface{} {
	m := make(map[string]interface{}, o.Len())
	for _, k := range o.Keys() {
		m[k] = plain(o.values[k])
	}
	return m
}

func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case *Object:
		return t.Map()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	}
	return v
}

// Parse decodes a raw query string with bracket notation into an object:
//
//	a=1                 {a: "1"}
//	a=1&a=2             {a: ["1", "2"]}
//	a[]=1&a[]=2         {a: ["1", "2"]}
//	a[b][c]=1           {a: {b: {c: "1"}}}
//	a[0]=x&a[1][y]=z    {a: {"0": "x", "1": {y: "z"}}}
//	a=1&a[b]=2          {a: ["1", {b: "2"}]}
//
// Malformed pairs are skipped.
func Parse(rawQuery string) *Object {
	root := NewObject()
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		path := splitKey(key)
		if len(path) == 0 || path[0] == "" {
			continue
		}
		assign(root, path, value)
	}
	return root
}

// ParseValues decodes already parsed values. Key order is not preserved.
func ParseValues(values url.Values) *Object {
	return Parse(values.Encode())
}

// splitKey splits "a[b][]" into ["a", "b", ""]
func splitKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 {
		return []string{key}
	}
	path := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			// trailing garbage becomes part of the last segment, like "a[b]c"
			path[len(path)-1] += rest
			break
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			path[len(path)-1] += rest
			break
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path
}

func assign(obj *Object, path []string, value string) {
	key := path[0]
	existing, exists := obj.Get(key)

	if len(path) == 1 {
		switch t := existing.(type) {
		case nil:
			obj.Set(key, value)
		case []interface{}:
			obj.Set(key, append(t, value))
		default:
			obj.Set(key, []interface{}{t, value})
		}
		return
	}

	if path[1] == "" {
		// append notation
		list, ok := existing.([]interface{})
		if !ok {
			if s, isString := existing.(string); isString {
				list = []interface{}{s}
			} else if exists {
				return
			}
		}
		if len(path) == 2 {
			obj.Set(key, append(list, value))
			return
		}
		child := NewObject()
		assign(child, path[2:], value)
		obj.Set(key, append(list, child))
		return
	}

	var child *Object
	switch t := existing.(type) {
	case *Object:
		child = t
	case string:
		child = NewObject()
		obj.Set(key, []interface{}{t, child})
	case []interface{}:
		if last, isObject := t[len(t)-1].(*Object); isObject {
			child = last
		} else {
			child = NewObject()
			obj.Set(key, append(t, child))
		}
	default:
		child = NewObject()
		obj.Set(key, child)
	}
	assign(child, path[1:], value)
}
