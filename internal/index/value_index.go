package index

import "fmt"

// valueField is the sentinel field name that indexes the whole value rather
// than one of its object fields.
const valueField = "_value"

// valueIndex maps a field's stringified value to the set of keys holding it.
type valueIndex struct {
	field   string
	byValue map[string]map[string]struct{}
}

func newValueIndex(field string) *valueIndex {
	return &valueIndex{field: field, byValue: make(map[string]map[string]struct{})}
}

// extract returns the field's value for v and whether v carries that field
// at all: a missing field, or a non-object value when the field isn't
// "_value", is not indexed.
func (vi *valueIndex) extract(v any) (string, bool) {
	if vi.field == valueField {
		return stringify(v), true
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	fv, present := obj[vi.field]
	if !present {
		return "", false
	}
	return stringify(fv), true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (vi *valueIndex) remove(key string, oldValue any) {
	s, ok := vi.extract(oldValue)
	if !ok {
		return
	}
	set, exists := vi.byValue[s]
	if !exists {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(vi.byValue, s)
	}
}

func (vi *valueIndex) add(key string, newValue any) {
	s, ok := vi.extract(newValue)
	if !ok {
		return
	}
	set, exists := vi.byValue[s]
	if !exists {
		set = make(map[string]struct{})
		vi.byValue[s] = set
	}
	set[key] = struct{}{}
}

// query returns the keys whose field equals value, in no particular order.
func (vi *valueIndex) query(value string) []string {
	set, ok := vi.byValue[value]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
