// Package message implements dynamic protobuf messages whose shape comes
// entirely from registry schemas. Values are stored by field number and every
// mutation is checked against the schema; a failed mutation leaves the
// message unchanged.
package message

import (
	"fmt"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/registry"
)

// Message is one editable instance of a MessageSchema. A Message owns its
// nested messages and is not safe for concurrent mutation.
type Message struct {
	reg     *registry.Registry
	schema  *registry.MessageSchema
	fields  map[int32]any
	unknown []byte
}

// New builds a default-populated message: scalars hold their zero value,
// enums their default constant, repeated and map fields an empty container.
// Singular message fields and oneof members stay unset.
func New(reg *registry.Registry, schema *registry.MessageSchema) *Message {
	m := Empty(reg, schema)
	for _, f := range schema.Fields {
		switch {
		case f.IsList():
			m.fields[f.Number] = newList(reg, f)
		case f.IsMap():
			m.fields[f.Number] = newMap(reg, f)
		case f.IsMessage(), f.OneofIndex >= 0:
		default:
			m.fields[f.Number] = ZeroValue(reg, f)
		}
	}
	return m
}

// Empty returns a message with no populated fields.
func Empty(reg *registry.Registry, schema *registry.MessageSchema) *Message {
	return &Message{reg: reg, schema: schema, fields: make(map[int32]any)}
}

// Schema returns the message's schema.
func (m *Message) Schema() *registry.MessageSchema { return m.schema }

// Registry returns the registry the schema belongs to.
func (m *Message) Registry() *registry.Registry { return m.reg }

// Len returns the number of populated fields.
func (m *Message) Len() int { return len(m.fields) }

// Unknown returns the raw bytes of fields the schema does not declare.
func (m *Message) Unknown() []byte { return m.unknown }

// SetUnknown replaces the retained unknown bytes.
func (m *Message) SetUnknown(b []byte) { m.unknown = b }

// AppendUnknown appends raw bytes of an undeclared field.
func (m *Message) AppendUnknown(b []byte) { m.unknown = append(m.unknown, b...) }

// FieldByName resolves a field by proto or JSON name.
func (m *Message) FieldByName(name string) (*registry.FieldSchema, error) {
	f := m.schema.FieldByName(name)
	if f == nil {
		return nil, &errors.FieldAccessError{
			Reason:  errors.FieldUnknown,
			Message: m.schema.FullName,
			Field:   name,
		}
	}
	return f, nil
}

func (m *Message) field(num int32) (*registry.FieldSchema, error) {
	f := m.schema.Field(num)
	if f == nil {
		return nil, &errors.FieldAccessError{
			Reason:  errors.FieldUnknown,
			Message: m.schema.FullName,
			Number:  num,
		}
	}
	return f, nil
}

// Get returns the value of a populated field.
func (m *Message) Get(num int32) (any, bool) {
	v, ok := m.fields[num]
	return v, ok
}

// Has reports whether a field is populated. Empty containers count as
// populated.
func (m *Message) Has(num int32) bool {
	_, ok := m.fields[num]
	return ok
}

// Range calls fn for each populated field in field-number order until fn
// returns false.
func (m *Message) Range(fn func(f *registry.FieldSchema, v any) bool) {
	for _, f := range m.schema.FieldsByNumber() {
		v, ok := m.fields[f.Number]
		if !ok {
			continue
		}
		if !fn(f, v) {
			return
		}
	}
}

// WhichOneof returns the active member of a oneof, or nil.
func (m *Message) WhichOneof(o *registry.OneofSchema) *registry.FieldSchema {
	for _, num := range o.Fields {
		if _, ok := m.fields[num]; ok {
			return m.schema.Field(num)
		}
	}
	return nil
}

// clearSiblings drops any other populated member of f's oneof.
func (m *Message) clearSiblings(f *registry.FieldSchema) {
	o := m.schema.Oneof(f)
	if o == nil {
		return
	}
	for _, num := range o.Fields {
		if num != f.Number {
			delete(m.fields, num)
		}
	}
}

func (m *Message) singular(num int32) (*registry.FieldSchema, error) {
	f, err := m.field(num)
	if err != nil {
		return nil, err
	}
	if f.Cardinality != registry.Singular {
		return nil, fieldError(errors.FieldCardinality, f, fmt.Sprintf("%s field is not singular", f.Cardinality))
	}
	return f, nil
}

// SetScalar sets a singular scalar or enum field. Setting a oneof member
// deactivates the others.
func (m *Message) SetScalar(num int32, v any) error {
	f, err := m.singular(num)
	if err != nil {
		return err
	}
	if f.IsMessage() {
		return fieldError(errors.FieldKindMismatch, f, "message field; use ExpandNested or SetMessage")
	}
	cv, err := coerce(m.reg, f, v)
	if err != nil {
		return err
	}
	m.clearSiblings(f)
	m.fields[num] = cv
	return nil
}

// SetMessage stores child in a singular message field. child must be of the
// field's message type and becomes owned by m.
func (m *Message) SetMessage(num int32, child *Message) error {
	f, err := m.singular(num)
	if err != nil {
		return err
	}
	if !f.IsMessage() {
		return fieldError(errors.FieldKindMismatch, f, fmt.Sprintf("%s field cannot hold a message", f.Kind))
	}
	cv, err := coerce(m.reg, f, child)
	if err != nil {
		return err
	}
	m.clearSiblings(f)
	m.fields[num] = cv
	return nil
}

// ExpandNested returns the child held by a singular message field,
// materializing a default child first if the field is unset.
func (m *Message) ExpandNested(num int32) (*Message, error) {
	f, err := m.singular(num)
	if err != nil {
		return nil, err
	}
	if !f.IsMessage() {
		return nil, fieldError(errors.FieldKindMismatch, f, fmt.Sprintf("%s field has no nested message", f.Kind))
	}
	if v, ok := m.fields[num]; ok {
		return v.(*Message), nil
	}
	child := New(m.reg, m.reg.MustMessage(f.TypeName))
	m.clearSiblings(f)
	m.fields[num] = child
	return child, nil
}

// ActivateOneofMember makes num the active member of its oneof, giving it a
// default value. An already active member is left as is.
func (m *Message) ActivateOneofMember(num int32) error {
	f, err := m.field(num)
	if err != nil {
		return err
	}
	if f.OneofIndex < 0 {
		return fieldError(errors.FieldCardinality, f, "field is not a oneof member")
	}
	if _, ok := m.fields[num]; ok {
		return nil
	}
	m.clearSiblings(f)
	if f.IsMessage() {
		m.fields[num] = New(m.reg, m.reg.MustMessage(f.TypeName))
	} else {
		m.fields[num] = ZeroValue(m.reg, f)
	}
	return nil
}

// List returns the list held by a repeated field, creating it if needed.
func (m *Message) List(num int32) (*List, error) {
	f, err := m.field(num)
	if err != nil {
		return nil, err
	}
	if !f.IsList() {
		return nil, fieldError(errors.FieldCardinality, f, fmt.Sprintf("%s field is not repeated", f.Cardinality))
	}
	if v, ok := m.fields[num]; ok {
		return v.(*List), nil
	}
	l := newList(m.reg, f)
	m.fields[num] = l
	return l, nil
}

// Map returns the map held by a map field, creating it if needed.
func (m *Message) Map(num int32) (*Map, error) {
	f, err := m.field(num)
	if err != nil {
		return nil, err
	}
	if !f.IsMap() {
		return nil, fieldError(errors.FieldCardinality, f, fmt.Sprintf("%s field is not a map", f.Cardinality))
	}
	if v, ok := m.fields[num]; ok {
		return v.(*Map), nil
	}
	mp := newMap(m.reg, f)
	m.fields[num] = mp
	return mp, nil
}

// AppendRepeated appends v to a repeated field.
func (m *Message) AppendRepeated(num int32, v any) error {
	l, err := m.List(num)
	if err != nil {
		return err
	}
	return l.Append(v)
}

// AppendMessage appends a default child to a repeated message field and
// returns it.
func (m *Message) AppendMessage(num int32) (*Message, error) {
	l, err := m.List(num)
	if err != nil {
		return nil, err
	}
	return l.AppendMessage()
}

// SetMapEntry stores key -> value in a map field.
func (m *Message) SetMapEntry(num int32, key, value any) error {
	mp, err := m.Map(num)
	if err != nil {
		return err
	}
	return mp.Set(key, value)
}

// MapMessage returns the message stored under key in a map field with message
// values, creating a default one if absent.
func (m *Message) MapMessage(num int32, key any) (*Message, error) {
	mp, err := m.Map(num)
	if err != nil {
		return nil, err
	}
	return mp.Message(key)
}

// Clear unsets a field. Repeated and map fields are reset to empty.
func (m *Message) Clear(num int32) error {
	f, err := m.field(num)
	if err != nil {
		return err
	}
	switch {
	case f.IsList():
		m.fields[num] = newList(m.reg, f)
	case f.IsMap():
		m.fields[num] = newMap(m.reg, f)
	default:
		delete(m.fields, num)
	}
	return nil
}

// Equal reports structural equality: same schema, same populated fields with
// equal values, and identical unknown bytes. Empty and absent containers are
// equal; list order matters, map order does not.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.schema.FullName != b.schema.FullName {
		return false
	}
	if string(a.unknown) != string(b.unknown) {
		return false
	}
	for _, f := range a.schema.Fields {
		va, oka := a.fields[f.Number]
		vb, okb := b.fields[f.Number]
		switch {
		case f.IsList():
			if !listEqual(asList(va, oka), asList(vb, okb)) {
				return false
			}
		case f.IsMap():
			if !mapEqual(asMap(va, oka), asMap(vb, okb)) {
				return false
			}
		default:
			if oka != okb || (oka && !valueEqual(va, vb)) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := Empty(m.reg, m.schema)
	c.unknown = append([]byte(nil), m.unknown...)
	for num, v := range m.fields {
		c.fields[num] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Message:
		return x.Clone()
	case []byte:
		return append([]byte{}, x...)
	case *List:
		return x.clone()
	case *Map:
		return x.clone()
	}
	return v
}
