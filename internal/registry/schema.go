package registry

import (
	"sort"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Cardinality describes how many values a field holds.
type Cardinality int

const (
	Singular Cardinality = iota
	Repeated
	Map
)

// String returns the lower-case cardinality name.
func (c Cardinality) String() string {
	switch c {
	case Singular:
		return "singular"
	case Repeated:
		return "repeated"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// FieldSchema describes one field of a message. Message and enum references
// are held by fully-qualified name and resolved through the owning Registry,
// so cyclic schemas need no pointer cycles.
type FieldSchema struct {
	Number      int32
	Name        string
	JSONName    string
	Kind        protoreflect.Kind
	Cardinality Cardinality

	// TypeName is the fully-qualified message or enum name for message,
	// group and enum kinds. Empty for scalars.
	TypeName string

	// Key and Value are set for map fields only.
	Key   *FieldSchema
	Value *FieldSchema

	// OneofIndex is the index into the parent's Oneofs, or -1.
	OneofIndex int

	Packed       bool
	ValidateUTF8 bool

	// Parent is the fully-qualified name of the containing message.
	Parent string
}

// IsMessage reports whether values of this field are messages.
func (f *FieldSchema) IsMessage() bool {
	return f.Kind == protoreflect.MessageKind || f.Kind == protoreflect.GroupKind
}

// IsList reports whether the field is a repeated (non-map) field.
func (f *FieldSchema) IsList() bool { return f.Cardinality == Repeated }

// IsMap reports whether the field is a map field.
func (f *FieldSchema) IsMap() bool { return f.Cardinality == Map }

// FullName returns Parent.Name.
func (f *FieldSchema) FullName() string { return f.Parent + "." + f.Name }

// OneofSchema is one oneof group of a message.
type OneofSchema struct {
	Name      string
	Index     int
	Fields    []int32
	Synthetic bool // proto3 optional
}

// MessageSchema describes one message type.
type MessageSchema struct {
	FullName string
	Name     string
	Syntax   string
	MapEntry bool

	// Fields in declaration order.
	Fields []*FieldSchema
	Oneofs []*OneofSchema

	byNumber map[int32]*FieldSchema
	byName   map[string]*FieldSchema
	ordered  []*FieldSchema
}

// Field returns the field with the given number, or nil.
func (m *MessageSchema) Field(number int32) *FieldSchema {
	return m.byNumber[number]
}

// FieldByName looks a field up by its proto name or, failing that, its JSON
// name.
func (m *MessageSchema) FieldByName(name string) *FieldSchema {
	return m.byName[name]
}

// FieldsByNumber returns the fields sorted by field number.
func (m *MessageSchema) FieldsByNumber() []*FieldSchema {
	return m.ordered
}

// Oneof returns the oneof containing f, or nil.
func (m *MessageSchema) Oneof(f *FieldSchema) *OneofSchema {
	if f.OneofIndex < 0 || f.OneofIndex >= len(m.Oneofs) {
		return nil
	}
	return m.Oneofs[f.OneofIndex]
}

func (m *MessageSchema) index() {
	m.byNumber = make(map[int32]*FieldSchema, len(m.Fields))
	m.byName = make(map[string]*FieldSchema, 2*len(m.Fields))
	for _, f := range m.Fields {
		m.byNumber[f.Number] = f
		m.byName[f.Name] = f
	}
	for _, f := range m.Fields {
		if _, taken := m.byName[f.JSONName]; !taken {
			m.byName[f.JSONName] = f
		}
	}
	m.ordered = append([]*FieldSchema(nil), m.Fields...)
	sort.Slice(m.ordered, func(i, j int) bool { return m.ordered[i].Number < m.ordered[j].Number })
}

// EnumValue is one named enum constant.
type EnumValue struct {
	Name   string
	Number int32
}

// EnumSchema describes one enum type.
type EnumSchema struct {
	FullName string
	Name     string
	Values   []EnumValue
	Closed   bool

	byNumber map[int32]EnumValue
	byName   map[string]EnumValue
}

// Default returns the value numbered zero, or the first declared value when
// a closed enum has no zero.
func (e *EnumSchema) Default() int32 {
	if _, ok := e.byNumber[0]; ok {
		return 0
	}
	return e.Values[0].Number
}

// ValueByName looks up a constant by name.
func (e *EnumSchema) ValueByName(name string) (EnumValue, bool) {
	v, ok := e.byName[name]
	return v, ok
}

// ValueByNumber looks up the first constant with the given number.
func (e *EnumSchema) ValueByNumber(n int32) (EnumValue, bool) {
	v, ok := e.byNumber[n]
	return v, ok
}

func (e *EnumSchema) index() {
	e.byNumber = make(map[int32]EnumValue, len(e.Values))
	e.byName = make(map[string]EnumValue, len(e.Values))
	for _, v := range e.Values {
		if _, dup := e.byNumber[v.Number]; !dup {
			e.byNumber[v.Number] = v
		}
		e.byName[v.Name] = v
	}
}

// MethodSchema describes one RPC method.
type MethodSchema struct {
	Name            string
	FullName        string
	Service         string
	InputType       string
	OutputType      string
	ClientStreaming bool
	ServerStreaming bool
}

// Unary reports whether the method is a plain request/response method.
func (m *MethodSchema) Unary() bool {
	return !m.ClientStreaming && !m.ServerStreaming
}

// Path returns the HTTP/2 path used on the wire, /pkg.Service/Method.
func (m *MethodSchema) Path() string {
	return "/" + m.Service + "/" + m.Name
}

// StreamType returns Unary, ServerStream, ClientStream or BidiStream.
func (m *MethodSchema) StreamType() string {
	switch {
	case m.ClientStreaming && m.ServerStreaming:
		return "BidiStream"
	case m.ServerStreaming:
		return "ServerStream"
	case m.ClientStreaming:
		return "ClientStream"
	default:
		return "Unary"
	}
}

// ServiceSchema describes one RPC service.
type ServiceSchema struct {
	Name     string
	FullName string
	File     string
	Methods  []*MethodSchema

	byName map[string]*MethodSchema
}

// Method returns the method with the given simple name, or nil.
func (s *ServiceSchema) Method(name string) *MethodSchema {
	return s.byName[name]
}
