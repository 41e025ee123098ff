// Package tree provides read-only typed views over decoded JSON.
//
// Request handlers never touch raw map[string]any values. They wrap the body
// in a Map, check it against the endpoint's legal keys with Validate, and
// read fields through typed accessors. Every accessor returns ok == false
// when the key is absent or holds a value of a different shape; callers
// decide whether that is an error.
package tree

import (
	"encoding/json"
	"io"
	"math"

	"golang.org/x/exp/slices"

	"github.com/dreamware/testserver/internal/apierr"
)

// Map is a JSON object.
type Map struct {
	m map[string]any
}

// List is a JSON array.
type List struct {
	l []any
}

// NewMap wraps m. A nil m behaves as an empty object.
func NewMap(m map[string]any) Map { return Map{m: m} }

// NewList wraps l.
func NewList(l []any) List { return List{l: l} }

// Parse decodes a single JSON object from r. Numbers are kept as json.Number
// so integer values survive without float rounding. Trailing data after the
// object is an error.
func Parse(r io.Reader) (Map, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Map{}, apierr.ClientWrap(err, "Request body is not valid JSON")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Map{}, apierr.Clientf("Request body is not a JSON object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Map{}, apierr.Clientf("Request body has data after the JSON object")
	}
	return Map{m: m}, nil
}

// Len returns the number of keys.
func (m Map) Len() int { return len(m.m) }

// Keys returns the keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Validate fails with a client error naming the first key, in sorted order,
// that is not in legal.
func (m Map) Validate(legal ...string) error {
	for _, k := range m.Keys() {
		if !slices.Contains(legal, k) {
			return apierr.Clientf("Illegal key: %q", k)
		}
	}
	return nil
}

// Raw returns the underlying value for key.
func (m Map) Raw(key string) (any, bool) {
	v, ok := m.m[key]
	return v, ok
}

func (m Map) GetString(key string) (string, bool) { return asString(m.m[key]) }

func (m Map) GetBool(key string) (bool, bool) { return asBool(m.m[key]) }

func (m Map) GetInt(key string) (int64, bool) { return asInt(m.m[key]) }

func (m Map) GetMap(key string) (Map, bool) { return asMap(m.m[key]) }

func (m Map) GetList(key string) (List, bool) { return asList(m.m[key]) }

// Len returns the number of elements.
func (l List) Len() int { return len(l.l) }

// Raw returns element i, or nil when i is out of range.
func (l List) Raw(i int) any {
	if i < 0 || i >= len(l.l) {
		return nil
	}
	return l.l[i]
}

func (l List) GetString(i int) (string, bool) { return asString(l.Raw(i)) }

func (l List) GetBool(i int) (bool, bool) { return asBool(l.Raw(i)) }

func (l List) GetInt(i int) (int64, bool) { return asInt(l.Raw(i)) }

func (l List) GetMap(i int) (Map, bool) { return asMap(l.Raw(i)) }

func (l List) GetList(i int) (List, bool) { return asList(l.Raw(i)) }

// Strings returns the string elements of l, skipping anything else.
func (l List) Strings() []string {
	out := make([]string, 0, len(l.l))
	for i := range l.l {
		if s, ok := l.GetString(i); ok {
			out = append(out, s)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asMap(v any) (Map, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Map{}, false
	}
	return Map{m: m}, true
}

func asList(v any) (List, bool) {
	l, ok := v.([]any)
	if !ok {
		return List{}, false
	}
	return List{l: l}, true
}
