// Package codec converts dynamic messages to and from the protobuf binary
// wire format and an editable JSON text form. Both directions are driven by
// registry schemas only.
package codec

import (
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/message"
	"github.com/shhac/burrow/internal/registry"
)

// maxDepth bounds message nesting while decoding.
const maxDepth = protowire.DefaultRecursionLimit

// Encode serializes m. Fields are written in field-number order and every
// populated field is written, zero values included. Retained unknown bytes
// follow the known fields.
func Encode(m *message.Message) []byte {
	return appendMessage(nil, m)
}

func appendMessage(b []byte, m *message.Message) []byte {
	m.Range(func(f *registry.FieldSchema, v any) bool {
		b = appendField(b, f, v)
		return true
	})
	return append(b, m.Unknown()...)
}

func appendField(b []byte, f *registry.FieldSchema, v any) []byte {
	num := protowire.Number(f.Number)
	switch {
	case f.IsList():
		l := v.(*message.List)
		if l.Len() == 0 {
			return b
		}
		if f.Packed {
			var payload []byte
			for i := 0; i < l.Len(); i++ {
				payload = appendScalar(payload, f.Kind, l.Get(i))
			}
			b = protowire.AppendTag(b, num, protowire.BytesType)
			return protowire.AppendBytes(b, payload)
		}
		for i := 0; i < l.Len(); i++ {
			b = appendValue(b, num, f.Kind, l.Get(i))
		}
		return b
	case f.IsMap():
		mp := v.(*message.Map)
		mp.Range(func(k, val any) bool {
			entry := appendValue(nil, 1, f.Key.Kind, k)
			entry = appendValue(entry, 2, f.Value.Kind, val)
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
			return true
		})
		return b
	}
	return appendValue(b, num, f.Kind, v)
}

func appendValue(b []byte, num protowire.Number, kind protoreflect.Kind, v any) []byte {
	switch kind {
	case protoreflect.MessageKind:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, Encode(v.(*message.Message)))
	case protoreflect.GroupKind:
		b = protowire.AppendTag(b, num, protowire.StartGroupType)
		b = appendMessage(b, v.(*message.Message))
		return protowire.AppendTag(b, num, protowire.EndGroupType)
	}
	b = protowire.AppendTag(b, num, wireType(kind))
	return appendScalar(b, kind, v)
}

func appendScalar(b []byte, kind protoreflect.Kind, v any) []byte {
	switch kind {
	case protoreflect.BoolKind:
		return protowire.AppendVarint(b, protowire.EncodeBool(v.(bool)))
	case protoreflect.EnumKind:
		return protowire.AppendVarint(b, uint64(int64(v.(message.EnumNumber))))
	case protoreflect.Int32Kind:
		return protowire.AppendVarint(b, uint64(int64(v.(int32))))
	case protoreflect.Sint32Kind:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.(int32))))
	case protoreflect.Uint32Kind:
		return protowire.AppendVarint(b, uint64(v.(uint32)))
	case protoreflect.Int64Kind:
		return protowire.AppendVarint(b, uint64(v.(int64)))
	case protoreflect.Sint64Kind:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.(int64)))
	case protoreflect.Uint64Kind:
		return protowire.AppendVarint(b, v.(uint64))
	case protoreflect.Sfixed32Kind:
		return protowire.AppendFixed32(b, uint32(v.(int32)))
	case protoreflect.Fixed32Kind:
		return protowire.AppendFixed32(b, v.(uint32))
	case protoreflect.FloatKind:
		return protowire.AppendFixed32(b, math.Float32bits(v.(float32)))
	case protoreflect.Sfixed64Kind:
		return protowire.AppendFixed64(b, uint64(v.(int64)))
	case protoreflect.Fixed64Kind:
		return protowire.AppendFixed64(b, v.(uint64))
	case protoreflect.DoubleKind:
		return protowire.AppendFixed64(b, math.Float64bits(v.(float64)))
	case protoreflect.StringKind:
		return protowire.AppendString(b, v.(string))
	case protoreflect.BytesKind:
		return protowire.AppendBytes(b, v.([]byte))
	}
	panic(fmt.Sprintf("codec: cannot encode kind %s", kind))
}

func wireType(kind protoreflect.Kind) protowire.Type {
	switch kind {
	case protoreflect.BoolKind, protoreflect.EnumKind,
		protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Uint32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Uint64Kind:
		return protowire.VarintType
	case protoreflect.Sfixed32Kind, protoreflect.Fixed32Kind, protoreflect.FloatKind:
		return protowire.Fixed32Type
	case protoreflect.Sfixed64Kind, protoreflect.Fixed64Kind, protoreflect.DoubleKind:
		return protowire.Fixed64Type
	case protoreflect.GroupKind:
		return protowire.StartGroupType
	}
	return protowire.BytesType
}

func packable(kind protoreflect.Kind) bool {
	return wireType(kind) != protowire.BytesType && kind != protoreflect.GroupKind
}

// Decode parses b as an instance of schema. Empty input yields an empty
// message. Fields the schema does not declare are kept as raw bytes.
func Decode(b []byte, schema *registry.MessageSchema, reg *registry.Registry) (*message.Message, error) {
	m := message.Empty(reg, schema)
	d := &decoder{reg: reg}
	if err := d.decodeMessage(m, b, 0, 0); err != nil {
		return nil, err
	}
	return m, nil
}

type decoder struct {
	reg *registry.Registry
}

func (d *decoder) fail(reason errors.DecodeReason, m *message.Message, f *registry.FieldSchema, offset int, err error) error {
	e := &errors.DecodeError{Reason: reason, Message: m.Schema().FullName, Offset: offset, Err: err}
	if f != nil {
		e.Field = f.Name
	}
	return e
}

// wireFail maps a negative protowire length into a DecodeError.
func (d *decoder) wireFail(n int, m *message.Message, f *registry.FieldSchema, offset int) error {
	err := protowire.ParseError(n)
	reason := errors.DecodeMalformed
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		reason = errors.DecodeUnexpectedEOF
	}
	return d.fail(reason, m, f, offset, err)
}

func (d *decoder) decodeMessage(m *message.Message, b []byte, base, depth int) error {
	if depth > maxDepth {
		return d.fail(errors.DecodeMalformed, m, nil, base, stderrors.New("exceeded maximum nesting depth"))
	}
	schema := m.Schema()
	pos := 0
	for pos < len(b) {
		num, typ, n := protowire.ConsumeTag(b[pos:])
		if n < 0 {
			return d.wireFail(n, m, nil, base+pos)
		}
		f := schema.Field(int32(num))
		if f == nil {
			vn := protowire.ConsumeFieldValue(num, typ, b[pos+n:])
			if vn < 0 {
				return d.wireFail(vn, m, nil, base+pos+n)
			}
			m.AppendUnknown(b[pos : pos+n+vn])
			pos += n + vn
			continue
		}
		vn, err := d.decodeField(m, f, num, typ, b[pos+n:], base+pos+n, depth)
		if err != nil {
			return err
		}
		pos += n + vn
	}
	return nil
}

func (d *decoder) decodeField(m *message.Message, f *registry.FieldSchema, num protowire.Number, typ protowire.Type, b []byte, offset, depth int) (int, error) {
	mismatch := func() error {
		return d.fail(errors.DecodeTypeMismatch, m, f, offset,
			fmt.Errorf("wire type %d cannot carry a %s field", typ, f.Kind))
	}

	switch {
	case f.IsMap():
		if typ != protowire.BytesType {
			return 0, mismatch()
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, d.wireFail(n, m, f, offset)
		}
		undeclared, err := d.decodeMapEntry(m, f, entry, offset+n-len(entry), depth)
		if err != nil {
			return 0, err
		}
		if undeclared {
			m.AppendUnknown(append(protowire.AppendTag(nil, num, typ), b[:n]...))
		}
		return n, nil

	case f.IsList():
		l, err := m.List(f.Number)
		if err != nil {
			return 0, err
		}
		if typ == protowire.BytesType && packable(f.Kind) {
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, d.wireFail(n, m, f, offset)
			}
			start := offset + n - len(payload)
			for pos := 0; pos < len(payload); {
				v, vn, err := d.decodeScalar(m, f, f.Kind, payload[pos:], start+pos)
				if err != nil {
					return 0, err
				}
				if d.undeclaredEnum(f, v) {
					m.AppendUnknown(append(protowire.AppendTag(nil, num, protowire.VarintType), payload[pos:pos+vn]...))
				} else if err := l.Append(v); err != nil {
					return 0, err
				}
				pos += vn
			}
			return n, nil
		}
		if typ != wireType(f.Kind) {
			return 0, mismatch()
		}
		v, n, err := d.decodeValue(m, f, num, b, offset, depth, nil)
		if err != nil {
			return 0, err
		}
		if d.undeclaredEnum(f, v) {
			m.AppendUnknown(append(protowire.AppendTag(nil, num, typ), b[:n]...))
			return n, nil
		}
		return n, l.Append(v)
	}

	if typ != wireType(f.Kind) {
		return 0, mismatch()
	}
	var existing *message.Message
	if f.IsMessage() {
		if v, ok := m.Get(f.Number); ok {
			existing = v.(*message.Message)
		}
	}
	v, n, err := d.decodeValue(m, f, num, b, offset, depth, existing)
	if err != nil {
		return 0, err
	}
	if child, ok := v.(*message.Message); ok {
		return n, m.SetMessage(f.Number, child)
	}
	if d.undeclaredEnum(f, v) {
		m.AppendUnknown(append(protowire.AppendTag(nil, num, typ), b[:n]...))
		return n, nil
	}
	return n, m.SetScalar(f.Number, v)
}

// undeclaredEnum reports a closed-enum number with no declared value. Such
// fields are kept with the unknown bytes.
func (d *decoder) undeclaredEnum(f *registry.FieldSchema, v any) bool {
	if f.Kind != protoreflect.EnumKind {
		return false
	}
	enum := d.reg.MustEnum(f.TypeName)
	if !enum.Closed {
		return false
	}
	_, declared := enum.ValueByNumber(int32(v.(message.EnumNumber)))
	return !declared
}

// decodeValue reads one element. For message kinds the payload is merged
// into into when it is non-nil.
func (d *decoder) decodeValue(m *message.Message, f *registry.FieldSchema, num protowire.Number, b []byte, offset, depth int, into *message.Message) (any, int, error) {
	switch f.Kind {
	case protoreflect.MessageKind:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, d.wireFail(n, m, f, offset)
		}
		child := into
		if child == nil {
			child = message.Empty(d.reg, d.reg.MustMessage(f.TypeName))
		}
		if err := d.decodeMessage(child, payload, offset+n-len(payload), depth+1); err != nil {
			return nil, 0, err
		}
		return child, n, nil
	case protoreflect.GroupKind:
		payload, n := protowire.ConsumeGroup(num, b)
		if n < 0 {
			return nil, 0, d.wireFail(n, m, f, offset)
		}
		child := into
		if child == nil {
			child = message.Empty(d.reg, d.reg.MustMessage(f.TypeName))
		}
		if err := d.decodeMessage(child, payload, offset, depth+1); err != nil {
			return nil, 0, err
		}
		return child, n, nil
	}
	return d.decodeScalar(m, f, f.Kind, b, offset)
}

func (d *decoder) decodeScalar(m *message.Message, f *registry.FieldSchema, kind protoreflect.Kind, b []byte, offset int) (any, int, error) {
	var (
		v any
		n int
	)
	switch wireType(kind) {
	case protowire.VarintType:
		var x uint64
		x, n = protowire.ConsumeVarint(b)
		switch kind {
		case protoreflect.BoolKind:
			v = protowire.DecodeBool(x)
		case protoreflect.EnumKind:
			v = message.EnumNumber(int32(x))
		case protoreflect.Int32Kind:
			v = int32(x)
		case protoreflect.Sint32Kind:
			v = int32(protowire.DecodeZigZag(x & math.MaxUint32))
		case protoreflect.Uint32Kind:
			v = uint32(x)
		case protoreflect.Int64Kind:
			v = int64(x)
		case protoreflect.Sint64Kind:
			v = protowire.DecodeZigZag(x)
		case protoreflect.Uint64Kind:
			v = x
		}
	case protowire.Fixed32Type:
		var x uint32
		x, n = protowire.ConsumeFixed32(b)
		switch kind {
		case protoreflect.Sfixed32Kind:
			v = int32(x)
		case protoreflect.Fixed32Kind:
			v = x
		case protoreflect.FloatKind:
			v = math.Float32frombits(x)
		}
	case protowire.Fixed64Type:
		var x uint64
		x, n = protowire.ConsumeFixed64(b)
		switch kind {
		case protoreflect.Sfixed64Kind:
			v = int64(x)
		case protoreflect.Fixed64Kind:
			v = x
		case protoreflect.DoubleKind:
			v = math.Float64frombits(x)
		}
	default:
		var x []byte
		x, n = protowire.ConsumeBytes(b)
		if n >= 0 {
			switch kind {
			case protoreflect.StringKind:
				if f.ValidateUTF8 && !utf8.Valid(x) {
					return nil, 0, d.fail(errors.DecodeMalformed, m, f, offset, stderrors.New("string is not valid UTF-8"))
				}
				v = string(x)
			default:
				v = append([]byte{}, x...)
			}
		}
	}
	if n < 0 {
		return nil, 0, d.wireFail(n, m, f, offset)
	}
	return v, n, nil
}

// decodeMapEntry stores one entry. It reports true, storing nothing, when
// the value is an undeclared closed-enum number.
func (d *decoder) decodeMapEntry(m *message.Message, f *registry.FieldSchema, b []byte, base, depth int) (bool, error) {
	var key, val any
	for pos := 0; pos < len(b); {
		num, typ, n := protowire.ConsumeTag(b[pos:])
		if n < 0 {
			return false, d.wireFail(n, m, f, base+pos)
		}
		var part *registry.FieldSchema
		switch num {
		case 1:
			part = f.Key
		case 2:
			part = f.Value
		}
		if part == nil {
			vn := protowire.ConsumeFieldValue(num, typ, b[pos+n:])
			if vn < 0 {
				return false, d.wireFail(vn, m, f, base+pos+n)
			}
			pos += n + vn
			continue
		}
		if typ != wireType(part.Kind) {
			return false, d.fail(errors.DecodeTypeMismatch, m, f, base+pos,
				fmt.Errorf("wire type %d cannot carry a map %s of kind %s", typ, part.Name, part.Kind))
		}
		var into *message.Message
		if num == 2 && part.IsMessage() {
			into, _ = val.(*message.Message)
		}
		v, vn, err := d.decodeValue(m, part, num, b[pos+n:], base+pos+n, depth, into)
		if err != nil {
			return false, err
		}
		if num == 1 {
			key = v
		} else {
			val = v
		}
		pos += n + vn
	}
	if key == nil {
		key = message.ZeroValue(d.reg, f.Key)
	}
	if val == nil {
		if f.Value.IsMessage() {
			val = message.Empty(d.reg, d.reg.MustMessage(f.Value.TypeName))
		} else {
			val = message.ZeroValue(d.reg, f.Value)
		}
	}
	if d.undeclaredEnum(f.Value, val) {
		return true, nil
	}
	return false, m.SetMapEntry(f.Number, key, val)
}
