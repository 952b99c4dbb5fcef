package message

import (
	"fmt"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/registry"
)

// List is the value of a repeated field. Elements are checked against the
// field's kind on insertion.
type List struct {
	reg   *registry.Registry
	field *registry.FieldSchema
	items []any
}

func newList(reg *registry.Registry, f *registry.FieldSchema) *List {
	return &List{reg: reg, field: f}
}

// Field returns the repeated field this list belongs to.
func (l *List) Field() *registry.FieldSchema { return l.field }

// Len returns the number of elements. A nil List has none.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// Get returns element i.
func (l *List) Get(i int) any { return l.items[i] }

// Append adds v to the end of the list.
func (l *List) Append(v any) error {
	cv, err := coerce(l.reg, l.field, v)
	if err != nil {
		return err
	}
	l.items = append(l.items, cv)
	return nil
}

// AppendMessage appends a default element to a repeated message field.
func (l *List) AppendMessage() (*Message, error) {
	if !l.field.IsMessage() {
		return nil, fieldError(errors.FieldKindMismatch, l.field, fmt.Sprintf("%s elements are not messages", l.field.Kind))
	}
	child := New(l.reg, l.reg.MustMessage(l.field.TypeName))
	l.items = append(l.items, child)
	return child, nil
}

// Set replaces element i.
func (l *List) Set(i int, v any) error {
	if i < 0 || i >= len(l.items) {
		return fieldError(errors.FieldOutOfRange, l.field, fmt.Sprintf("index %d out of range [0,%d)", i, len(l.items)))
	}
	cv, err := coerce(l.reg, l.field, v)
	if err != nil {
		return err
	}
	l.items[i] = cv
	return nil
}

// Truncate drops every element from index n on.
func (l *List) Truncate(n int) {
	if n >= 0 && n < len(l.items) {
		l.items = l.items[:n]
	}
}

func (l *List) clone() *List {
	c := &List{reg: l.reg, field: l.field, items: make([]any, len(l.items))}
	for i, v := range l.items {
		c.items[i] = cloneValue(v)
	}
	return c
}

func asList(v any, ok bool) *List {
	if !ok {
		return nil
	}
	return v.(*List)
}

func listEqual(a, b *List) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !valueEqual(a.items[i], b.items[i]) {
			return false
		}
	}
	return true
}

// Map is the value of a map field. Keys use the Go type of the key kind.
type Map struct {
	reg     *registry.Registry
	field   *registry.FieldSchema
	entries map[any]any
}

func newMap(reg *registry.Registry, f *registry.FieldSchema) *Map {
	return &Map{reg: reg, field: f, entries: make(map[any]any)}
}

// Field returns the map field this value belongs to.
func (mp *Map) Field() *registry.FieldSchema { return mp.field }

// Len returns the number of entries. A nil Map has none.
func (mp *Map) Len() int {
	if mp == nil {
		return 0
	}
	return len(mp.entries)
}

func (mp *Map) key(k any) (any, error) {
	ck, err := coerce(mp.reg, mp.field.Key, k)
	if err != nil {
		return nil, relabel(err, mp.field, "key")
	}
	return ck, nil
}

// Get returns the value stored under k.
func (mp *Map) Get(k any) (any, bool) {
	ck, err := mp.key(k)
	if err != nil {
		return nil, false
	}
	v, ok := mp.entries[ck]
	return v, ok
}

// Set stores value under k.
func (mp *Map) Set(k, value any) error {
	ck, err := mp.key(k)
	if err != nil {
		return err
	}
	cv, err := coerce(mp.reg, mp.field.Value, value)
	if err != nil {
		return relabel(err, mp.field, "value")
	}
	mp.entries[ck] = cv
	return nil
}

// Message returns the message stored under k, creating a default one if
// absent. The map's values must be messages.
func (mp *Map) Message(k any) (*Message, error) {
	if !mp.field.Value.IsMessage() {
		return nil, fieldError(errors.FieldKindMismatch, mp.field, fmt.Sprintf("map values are %s, not messages", mp.field.Value.Kind))
	}
	ck, err := mp.key(k)
	if err != nil {
		return nil, err
	}
	if v, ok := mp.entries[ck]; ok {
		return v.(*Message), nil
	}
	child := New(mp.reg, mp.reg.MustMessage(mp.field.Value.TypeName))
	mp.entries[ck] = child
	return child, nil
}

// Delete removes the entry under k.
func (mp *Map) Delete(k any) {
	if ck, err := mp.key(k); err == nil {
		delete(mp.entries, ck)
	}
}

// Range calls fn for each entry in ascending key order until fn returns
// false.
func (mp *Map) Range(fn func(k, v any) bool) {
	for _, k := range mp.Keys() {
		if !fn(k, mp.entries[k]) {
			return
		}
	}
}

// Keys returns the keys in ascending order.
func (mp *Map) Keys() []any {
	if mp == nil {
		return nil
	}
	keys := make([]any, 0, len(mp.entries))
	for k := range mp.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func (mp *Map) clone() *Map {
	c := newMap(mp.reg, mp.field)
	for k, v := range mp.entries {
		c.entries[k] = cloneValue(v)
	}
	return c
}

func asMap(v any, ok bool) *Map {
	if !ok {
		return nil
	}
	return v.(*Map)
}

func mapEqual(a, b *Map) bool {
	if a.Len() != b.Len() {
		return false
	}
	if a.Len() == 0 {
		return true
	}
	for k, va := range a.entries {
		vb, ok := b.entries[k]
		if !ok || !valueEqual(va, vb) {
			return false
		}
	}
	return true
}

// relabel reports key/value errors against the map field itself.
func relabel(err error, f *registry.FieldSchema, part string) error {
	fe, ok := err.(*errors.FieldAccessError)
	if !ok {
		return err
	}
	return &errors.FieldAccessError{
		Reason:  fe.Reason,
		Message: f.Parent,
		Field:   f.Name,
		Number:  f.Number,
		Detail:  part + ": " + fe.Detail,
	}
}
