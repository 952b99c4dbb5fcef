package registry

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/errors"
)

const (
	syntaxProto2   = "proto2"
	syntaxProto3   = "proto3"
	syntaxEditions = "editions"
)

type pendingMessage struct {
	raw      *descriptorpb.DescriptorProto
	syntax   string
	features []*descriptorpb.FeatureSet // innermost first, file last
	schema   *MessageSchema
}

type pendingEnum struct {
	raw    *descriptorpb.EnumDescriptorProto
	syntax string
	closed bool
	schema *EnumSchema
}

type pendingService struct {
	raw    *descriptorpb.ServiceDescriptorProto
	schema *ServiceSchema
}

// linker performs the two phases of FromRaw: declare every symbol, then
// resolve references and validate structure.
type linker struct {
	reg      *Registry
	messages []*pendingMessage
	enums    []*pendingEnum
	services []*pendingService
}

func (l *linker) add(name string, kind symbolKind, idx int) error {
	if prev, dup := l.reg.index[name]; dup {
		return &errors.DescriptorLinkError{
			Reason: errors.LinkDuplicateType,
			Name:   name,
			Detail: fmt.Sprintf("%s redeclares a %s", kind, prev.kind),
		}
	}
	l.reg.index[name] = symbol{kind: kind, idx: idx}
	return nil
}

func (l *linker) declare(set *descriptorpb.FileDescriptorSet) error {
	for _, fd := range set.GetFile() {
		l.reg.files = append(l.reg.files, fd.GetName())
		syntax := fd.GetSyntax()
		if syntax == "" {
			syntax = syntaxProto2
		}
		features := []*descriptorpb.FeatureSet{fd.GetOptions().GetFeatures()}

		for _, e := range fd.GetEnumType() {
			if err := l.declareEnum(fd.GetPackage(), e, syntax, features); err != nil {
				return err
			}
		}
		for _, m := range fd.GetMessageType() {
			if err := l.declareMessage(fd.GetPackage(), m, syntax, features); err != nil {
				return err
			}
		}
		for _, s := range fd.GetService() {
			full := join(fd.GetPackage(), s.GetName())
			schema := &ServiceSchema{Name: s.GetName(), FullName: full, File: fd.GetName()}
			if err := l.add(full, symService, len(l.reg.services)); err != nil {
				return err
			}
			l.reg.services = append(l.reg.services, schema)
			l.services = append(l.services, &pendingService{raw: s, schema: schema})
		}
	}
	return nil
}

func (l *linker) declareMessage(scope string, m *descriptorpb.DescriptorProto, syntax string, parent []*descriptorpb.FeatureSet) error {
	full := join(scope, m.GetName())
	schema := &MessageSchema{
		FullName: full,
		Name:     m.GetName(),
		Syntax:   syntax,
		MapEntry: m.GetOptions().GetMapEntry(),
	}
	if err := l.add(full, symMessage, len(l.reg.messages)); err != nil {
		return err
	}
	l.reg.messages = append(l.reg.messages, schema)

	features := append([]*descriptorpb.FeatureSet{m.GetOptions().GetFeatures()}, parent...)
	l.messages = append(l.messages, &pendingMessage{raw: m, syntax: syntax, features: features, schema: schema})

	for _, e := range m.GetEnumType() {
		if err := l.declareEnum(full, e, syntax, features); err != nil {
			return err
		}
	}
	for _, nested := range m.GetNestedType() {
		if err := l.declareMessage(full, nested, syntax, features); err != nil {
			return err
		}
	}
	return nil
}

func (l *linker) declareEnum(scope string, e *descriptorpb.EnumDescriptorProto, syntax string, parent []*descriptorpb.FeatureSet) error {
	full := join(scope, e.GetName())
	schema := &EnumSchema{FullName: full, Name: e.GetName()}
	if err := l.add(full, symEnum, len(l.reg.enums)); err != nil {
		return err
	}
	l.reg.enums = append(l.reg.enums, schema)

	closed := syntax == syntaxProto2
	if syntax == syntaxEditions {
		chain := append([]*descriptorpb.FeatureSet{e.GetOptions().GetFeatures()}, parent...)
		closed = enumType(chain) == descriptorpb.FeatureSet_CLOSED
	}
	l.enums = append(l.enums, &pendingEnum{raw: e, syntax: syntax, closed: closed, schema: schema})
	return nil
}

func (l *linker) link() error {
	for _, pe := range l.enums {
		if err := l.linkEnum(pe); err != nil {
			return err
		}
	}
	for _, pm := range l.messages {
		if err := l.linkFields(pm); err != nil {
			return err
		}
	}
	for _, pm := range l.messages {
		if err := l.linkOneofs(pm); err != nil {
			return err
		}
	}
	// Map detection needs every entry message's fields in place.
	for _, pm := range l.messages {
		if err := l.linkMaps(pm); err != nil {
			return err
		}
		pm.schema.index()
	}
	for _, ps := range l.services {
		if err := l.linkService(ps); err != nil {
			return err
		}
	}
	return nil
}

func (l *linker) linkEnum(pe *pendingEnum) error {
	s := pe.schema
	if len(pe.raw.GetValue()) == 0 {
		return invalid(s.FullName, "enum declares no values")
	}
	s.Closed = pe.closed
	for _, v := range pe.raw.GetValue() {
		s.Values = append(s.Values, EnumValue{Name: v.GetName(), Number: v.GetNumber()})
	}
	if pe.syntax == syntaxProto3 && s.Values[0].Number != 0 {
		return invalid(s.FullName, "first value of an open enum must be zero")
	}
	s.index()
	return nil
}

func (l *linker) linkFields(pm *pendingMessage) error {
	msg := pm.schema
	numbers := make(map[int32]string, len(pm.raw.GetField()))
	names := make(map[string]bool, len(pm.raw.GetField()))

	for _, raw := range pm.raw.GetField() {
		f := &FieldSchema{
			Number:     raw.GetNumber(),
			Name:       raw.GetName(),
			JSONName:   raw.GetJsonName(),
			Kind:       protoreflect.Kind(raw.GetType()),
			OneofIndex: -1,
			Parent:     msg.FullName,
		}
		if f.JSONName == "" {
			f.JSONName = jsonCamel(f.Name)
		}
		num := protowire.Number(f.Number)
		if num < protowire.MinValidNumber || num > protowire.MaxValidNumber {
			return invalid(f.FullName(), fmt.Sprintf("field number %d out of range", f.Number))
		}
		if num >= protowire.FirstReservedNumber && num <= protowire.LastReservedNumber {
			return invalid(f.FullName(), fmt.Sprintf("field number %d is reserved", f.Number))
		}
		if prev, dup := numbers[f.Number]; dup {
			return invalid(f.FullName(), fmt.Sprintf("field number %d already used by %s", f.Number, prev))
		}
		if names[f.Name] {
			return invalid(f.FullName(), "duplicate field name")
		}
		numbers[f.Number] = f.Name
		names[f.Name] = true

		if raw.GetLabel() == descriptorpb.FieldDescriptorProto_LABEL_REPEATED {
			f.Cardinality = Repeated
		}
		if raw.OneofIndex != nil {
			f.OneofIndex = int(raw.GetOneofIndex())
		}

		if err := l.resolveType(f, raw); err != nil {
			return err
		}

		chain := append([]*descriptorpb.FeatureSet{raw.GetOptions().GetFeatures()}, pm.features...)
		if pm.syntax == syntaxEditions && f.Kind == protoreflect.MessageKind &&
			!l.reg.messages[l.reg.index[f.TypeName].idx].MapEntry &&
			messageEncoding(chain) == descriptorpb.FeatureSet_DELIMITED {
			f.Kind = protoreflect.GroupKind
		}
		if f.Cardinality == Repeated && packable(f.Kind) {
			switch pm.syntax {
			case syntaxProto3:
				f.Packed = raw.GetOptions() == nil || raw.GetOptions().Packed == nil || raw.GetOptions().GetPacked()
			case syntaxEditions:
				f.Packed = repeatedEncoding(chain) != descriptorpb.FeatureSet_EXPANDED
			default:
				f.Packed = raw.GetOptions().GetPacked()
			}
		}
		if f.Kind == protoreflect.StringKind {
			switch pm.syntax {
			case syntaxProto3:
				f.ValidateUTF8 = true
			case syntaxEditions:
				f.ValidateUTF8 = utf8Validation(chain) != descriptorpb.FeatureSet_NONE
			}
		}
		msg.Fields = append(msg.Fields, f)
	}
	return nil
}

func (l *linker) resolveType(f *FieldSchema, raw *descriptorpb.FieldDescriptorProto) error {
	typeName := raw.GetTypeName()
	switch f.Kind {
	case protoreflect.MessageKind, protoreflect.GroupKind, protoreflect.EnumKind:
	case 0:
		if typeName == "" {
			return invalid(f.FullName(), "field has neither type nor type name")
		}
	default:
		if !f.Kind.IsValid() {
			return invalid(f.FullName(), fmt.Sprintf("unknown field type %d", raw.GetType()))
		}
		return nil
	}

	name := trimDot(typeName)
	sym, ok := l.reg.index[name]
	if !ok {
		return &errors.DescriptorLinkError{
			Reason: errors.LinkUnresolvedType,
			Name:   name,
			Detail: "referenced by field " + f.FullName(),
		}
	}
	switch {
	case f.Kind == 0 && sym.kind == symMessage:
		f.Kind = protoreflect.MessageKind
	case f.Kind == 0 && sym.kind == symEnum:
		f.Kind = protoreflect.EnumKind
	case f.Kind == protoreflect.EnumKind && sym.kind == symEnum:
	case (f.Kind == protoreflect.MessageKind || f.Kind == protoreflect.GroupKind) && sym.kind == symMessage:
	default:
		return invalid(f.FullName(), fmt.Sprintf("%s is a %s", name, sym.kind))
	}
	f.TypeName = name
	return nil
}

func (l *linker) linkOneofs(pm *pendingMessage) error {
	msg := pm.schema
	decls := pm.raw.GetOneofDecl()
	for i, d := range decls {
		msg.Oneofs = append(msg.Oneofs, &OneofSchema{Name: d.GetName(), Index: i})
	}
	for j, f := range msg.Fields {
		if f.OneofIndex < 0 {
			continue
		}
		if f.OneofIndex >= len(decls) {
			return invalid(f.FullName(), fmt.Sprintf("oneof index %d out of range", f.OneofIndex))
		}
		if f.Cardinality != Singular {
			return invalid(f.FullName(), "oneof member cannot be repeated or a map")
		}
		o := msg.Oneofs[f.OneofIndex]
		o.Fields = append(o.Fields, f.Number)
		if pm.raw.GetField()[j].GetProto3Optional() {
			o.Synthetic = true
		}
	}
	for _, o := range msg.Oneofs {
		if len(o.Fields) == 0 {
			return invalid(msg.FullName+"."+o.Name, "oneof has no members")
		}
	}
	return nil
}

func (l *linker) linkMaps(pm *pendingMessage) error {
	for _, f := range pm.schema.Fields {
		if f.Cardinality != Repeated || f.Kind != protoreflect.MessageKind {
			continue
		}
		entry := l.reg.messages[l.reg.index[f.TypeName].idx]
		if !entry.MapEntry {
			continue
		}
		var key, value *FieldSchema
		for _, ef := range entry.Fields {
			switch ef.Number {
			case 1:
				key = ef
			case 2:
				value = ef
			}
		}
		if len(entry.Fields) != 2 || key == nil || value == nil {
			return invalid(entry.FullName, "map entry must have exactly key = 1 and value = 2")
		}
		if key.Cardinality != Singular || value.Cardinality != Singular {
			return invalid(entry.FullName, "map entry fields must be singular")
		}
		if !validMapKey(key.Kind) {
			return invalid(entry.FullName, fmt.Sprintf("%s is not a valid map key kind", key.Kind))
		}
		f.Cardinality = Map
		f.Key = key
		f.Value = value
	}
	return nil
}

func (l *linker) linkService(ps *pendingService) error {
	svc := ps.schema
	svc.byName = make(map[string]*MethodSchema, len(ps.raw.GetMethod()))
	for _, raw := range ps.raw.GetMethod() {
		m := &MethodSchema{
			Name:            raw.GetName(),
			FullName:        svc.FullName + "." + raw.GetName(),
			Service:         svc.FullName,
			ClientStreaming: raw.GetClientStreaming(),
			ServerStreaming: raw.GetServerStreaming(),
		}
		if _, dup := svc.byName[m.Name]; dup {
			return invalid(m.FullName, "duplicate method name")
		}
		var err error
		if m.InputType, err = l.resolveMessageRef(raw.GetInputType(), m.FullName); err != nil {
			return err
		}
		if m.OutputType, err = l.resolveMessageRef(raw.GetOutputType(), m.FullName); err != nil {
			return err
		}
		svc.byName[m.Name] = m
		svc.Methods = append(svc.Methods, m)
	}
	return nil
}

func (l *linker) resolveMessageRef(typeName, owner string) (string, error) {
	name := trimDot(typeName)
	sym, ok := l.reg.index[name]
	if !ok {
		return "", &errors.DescriptorLinkError{
			Reason: errors.LinkUnresolvedType,
			Name:   name,
			Detail: "referenced by method " + owner,
		}
	}
	if sym.kind != symMessage {
		return "", invalid(owner, fmt.Sprintf("%s is a %s, not a message", name, sym.kind))
	}
	return name, nil
}

func invalid(name, detail string) error {
	return &errors.DescriptorLinkError{Reason: errors.LinkInvalidSchema, Name: name, Detail: detail}
}

func packable(k protoreflect.Kind) bool {
	switch k {
	case protoreflect.StringKind, protoreflect.BytesKind, protoreflect.MessageKind, protoreflect.GroupKind:
		return false
	}
	return true
}

func validMapKey(k protoreflect.Kind) bool {
	switch k {
	case protoreflect.BoolKind,
		protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind,
		protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind,
		protoreflect.StringKind:
		return true
	}
	return false
}

// jsonCamel derives the default JSON name: underscores dropped and the
// following letter upper-cased.
func jsonCamel(name string) string {
	var b strings.Builder
	upper := false
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	return b.String()
}

// Edition feature lookups walk the chain from the innermost element outwards
// and fall back to the edition 2023 defaults.

func enumType(chain []*descriptorpb.FeatureSet) descriptorpb.FeatureSet_EnumType {
	for _, fs := range chain {
		if fs != nil && fs.EnumType != nil {
			return fs.GetEnumType()
		}
	}
	return descriptorpb.FeatureSet_OPEN
}

func repeatedEncoding(chain []*descriptorpb.FeatureSet) descriptorpb.FeatureSet_RepeatedFieldEncoding {
	for _, fs := range chain {
		if fs != nil && fs.RepeatedFieldEncoding != nil {
			return fs.GetRepeatedFieldEncoding()
		}
	}
	return descriptorpb.FeatureSet_PACKED
}

func utf8Validation(chain []*descriptorpb.FeatureSet) descriptorpb.FeatureSet_Utf8Validation {
	for _, fs := range chain {
		if fs != nil && fs.Utf8Validation != nil {
			return fs.GetUtf8Validation()
		}
	}
	return descriptorpb.FeatureSet_VERIFY
}

func messageEncoding(chain []*descriptorpb.FeatureSet) descriptorpb.FeatureSet_MessageEncoding {
	for _, fs := range chain {
		if fs != nil && fs.MessageEncoding != nil {
			return fs.GetMessageEncoding()
		}
	}
	return descriptorpb.FeatureSet_LENGTH_PREFIXED
}
