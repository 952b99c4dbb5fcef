package codec

import (
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/message"
	"github.com/shhac/burrow/internal/registry"
)

// UnknownKey is the reserved object key holding base64-encoded unknown
// field bytes.
const UnknownKey = "@unknown"

// BytesKey is the reserved key of the object that stands in for a string
// holding invalid UTF-8: {"@bytes": "<base64>"}.
const BytesKey = "@bytes"

var textOptions = &pretty.Options{Width: 80, Indent: "  "}

// ToText renders m as indented JSON. Keys are proto field names in field
// number order; 64-bit integers are strings, bytes are base64, enums use
// their constant name when one exists.
func ToText(m *message.Message) []byte {
	return pretty.PrettyOptions(appendObject(nil, m), textOptions)
}

// ToCompactText renders m as single-line JSON.
func ToCompactText(m *message.Message) []byte {
	return appendObject(nil, m)
}

func appendObject(b []byte, m *message.Message) []byte {
	b = append(b, '{')
	first := true
	sep := func() {
		if !first {
			b = append(b, ',')
		}
		first = false
	}
	m.Range(func(f *registry.FieldSchema, v any) bool {
		sep()
		b = gjson.AppendJSONString(b, f.Name)
		b = append(b, ':')
		b = appendTextField(b, m.Registry(), f, v)
		return true
	})
	if u := m.Unknown(); len(u) > 0 {
		sep()
		b = gjson.AppendJSONString(b, UnknownKey)
		b = append(b, ':')
		b = gjson.AppendJSONString(b, base64.StdEncoding.EncodeToString(u))
	}
	return append(b, '}')
}

func appendTextField(b []byte, reg *registry.Registry, f *registry.FieldSchema, v any) []byte {
	switch {
	case f.IsList():
		l := v.(*message.List)
		b = append(b, '[')
		for i := 0; i < l.Len(); i++ {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendTextValue(b, reg, f, l.Get(i))
		}
		return append(b, ']')
	case f.IsMap():
		mp := v.(*message.Map)
		b = append(b, '{')
		i := 0
		mp.Range(func(k, val any) bool {
			if i > 0 {
				b = append(b, ',')
			}
			i++
			b = gjson.AppendJSONString(b, mapKeyText(k))
			b = append(b, ':')
			b = appendTextValue(b, reg, f.Value, val)
			return true
		})
		return append(b, '}')
	}
	return appendTextValue(b, reg, f, v)
}

func appendTextValue(b []byte, reg *registry.Registry, f *registry.FieldSchema, v any) []byte {
	switch f.Kind {
	case protoreflect.BoolKind:
		return strconv.AppendBool(b, v.(bool))
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return strconv.AppendInt(b, int64(v.(int32)), 10)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return strconv.AppendUint(b, uint64(v.(uint32)), 10)
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		b = append(b, '"')
		b = strconv.AppendInt(b, v.(int64), 10)
		return append(b, '"')
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		b = append(b, '"')
		b = strconv.AppendUint(b, v.(uint64), 10)
		return append(b, '"')
	case protoreflect.FloatKind:
		return appendFloat(b, float64(v.(float32)), 32)
	case protoreflect.DoubleKind:
		return appendFloat(b, v.(float64), 64)
	case protoreflect.StringKind:
		str := v.(string)
		if utf8.ValidString(str) {
			return gjson.AppendJSONString(b, str)
		}
		b = append(b, '{')
		b = gjson.AppendJSONString(b, BytesKey)
		b = append(b, ':')
		b = gjson.AppendJSONString(b, base64.StdEncoding.EncodeToString([]byte(str)))
		return append(b, '}')
	case protoreflect.BytesKind:
		return gjson.AppendJSONString(b, base64.StdEncoding.EncodeToString(v.([]byte)))
	case protoreflect.EnumKind:
		n := v.(message.EnumNumber)
		if ev, ok := reg.MustEnum(f.TypeName).ValueByNumber(int32(n)); ok {
			return gjson.AppendJSONString(b, ev.Name)
		}
		return strconv.AppendInt(b, int64(n), 10)
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return appendObject(b, v.(*message.Message))
	}
	return append(b, "null"...)
}

func appendFloat(b []byte, x float64, bits int) []byte {
	switch {
	case math.IsNaN(x):
		return append(b, `"NaN"`...)
	case math.IsInf(x, 1):
		return append(b, `"Infinity"`...)
	case math.IsInf(x, -1):
		return append(b, `"-Infinity"`...)
	}
	return strconv.AppendFloat(b, x, 'g', -1, bits)
}

func mapKeyText(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	}
	return fmt.Sprint(k)
}

// FromText parses JSON produced by ToText, or written by hand, into a new
// message of schema. Both proto and JSON field names are accepted; null
// leaves a field unset. Blank input yields an empty message.
func FromText(text []byte, schema *registry.MessageSchema, reg *registry.Registry) (*message.Message, error) {
	src := string(text)
	m := message.Empty(reg, schema)
	if strings.TrimSpace(src) == "" {
		return m, nil
	}
	p := &textParser{src: src, reg: reg}
	if !gjson.Valid(src) {
		return nil, p.syntaxError()
	}
	root := gjson.Parse(src)
	if !root.IsObject() {
		return nil, p.errAt(errors.TextSyntax, "", root.Index, "top level value must be an object")
	}
	if err := p.parseObject(m, root, ""); err != nil {
		return nil, err
	}
	return m, nil
}

type textParser struct {
	src string
	reg *registry.Registry
}

func (p *textParser) errAt(reason errors.TextReason, path string, index int, detail string) error {
	line, col := position(p.src, index)
	return &errors.TextParseError{Reason: reason, Path: path, Line: line, Column: col, Detail: detail}
}

// syntaxError locates the first syntax problem. gjson only reports validity,
// so the offset comes from the standard decoder.
func (p *textParser) syntaxError() error {
	offset := len(p.src)
	detail := "invalid JSON"
	var se *json.SyntaxError
	if err := json.Unmarshal([]byte(p.src), new(json.RawMessage)); stderrors.As(err, &se) {
		offset = int(se.Offset)
		detail = se.Error()
	}
	if offset > 0 {
		offset--
	}
	return p.errAt(errors.TextSyntax, "", offset, detail)
}

// position converts a byte offset into 1-based line and column numbers.
func position(src string, offset int) (int, int) {
	if offset > len(src) {
		offset = len(src)
	}
	if offset < 0 {
		offset = 0
	}
	before := src[:offset]
	line := strings.Count(before, "\n") + 1
	col := offset - strings.LastIndexByte(before, '\n')
	return line, col
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func (p *textParser) parseObject(m *message.Message, obj gjson.Result, path string) error {
	schema := m.Schema()
	seen := make(map[int32]string)
	var err error
	obj.ForEach(func(key, val gjson.Result) bool {
		name := key.String()
		fpath := joinPath(path, name)

		if name == UnknownKey {
			if val.Type != gjson.String {
				err = p.errAt(errors.TextInvalidValue, fpath, val.Index, "expected a base64 string")
				return false
			}
			raw, decErr := base64.StdEncoding.DecodeString(val.Str)
			if decErr != nil {
				err = p.errAt(errors.TextInvalidValue, fpath, val.Index, decErr.Error())
				return false
			}
			m.SetUnknown(raw)
			return true
		}

		f := schema.FieldByName(name)
		if f == nil {
			err = p.errAt(errors.TextUnknownField, fpath, key.Index, fmt.Sprintf("%s has no field %q", schema.FullName, name))
			return false
		}
		if prev, dup := seen[f.Number]; dup {
			err = p.errAt(errors.TextDuplicateField, fpath, key.Index, fmt.Sprintf("field already set as %q", prev))
			return false
		}
		seen[f.Number] = name
		if val.Type == gjson.Null {
			return true
		}
		if o := schema.Oneof(f); o != nil {
			if active := m.WhichOneof(o); active != nil {
				err = p.errAt(errors.TextDuplicateField, fpath, key.Index,
					fmt.Sprintf("oneof %s already set by %s", o.Name, active.Name))
				return false
			}
		}
		err = p.parseField(m, f, val, fpath)
		return err == nil
	})
	return err
}

func (p *textParser) parseField(m *message.Message, f *registry.FieldSchema, val gjson.Result, path string) error {
	switch {
	case f.IsList():
		if !val.IsArray() {
			return p.errAt(errors.TextInvalidValue, path, val.Index, "expected an array")
		}
		l, err := m.List(f.Number)
		if err != nil {
			return err
		}
		i := 0
		var perr error
		val.ForEach(func(_, el gjson.Result) bool {
			epath := fmt.Sprintf("%s[%d]", path, i)
			i++
			v, err := p.value(f, el, epath)
			if err != nil {
				perr = err
				return false
			}
			if err := l.Append(v); err != nil {
				perr = p.errAt(errors.TextInvalidValue, epath, el.Index, err.Error())
				return false
			}
			return true
		})
		return perr

	case f.IsMap():
		if !val.IsObject() {
			return p.errAt(errors.TextInvalidValue, path, val.Index, "expected an object")
		}
		mp, err := m.Map(f.Number)
		if err != nil {
			return err
		}
		var perr error
		val.ForEach(func(key, el gjson.Result) bool {
			epath := fmt.Sprintf("%s[%q]", path, key.String())
			k, err := p.mapKey(f.Key, key, epath)
			if err != nil {
				perr = err
				return false
			}
			if _, dup := mp.Get(k); dup {
				perr = p.errAt(errors.TextDuplicateField, epath, key.Index, "duplicate map key")
				return false
			}
			v, err := p.value(f.Value, el, epath)
			if err != nil {
				perr = err
				return false
			}
			if err := mp.Set(k, v); err != nil {
				perr = p.errAt(errors.TextInvalidValue, epath, el.Index, err.Error())
				return false
			}
			return true
		})
		return perr
	}

	v, err := p.value(f, val, path)
	if err != nil {
		return err
	}
	if child, ok := v.(*message.Message); ok {
		err = m.SetMessage(f.Number, child)
	} else {
		err = m.SetScalar(f.Number, v)
	}
	if err != nil {
		return p.errAt(errors.TextInvalidValue, path, val.Index, err.Error())
	}
	return nil
}

// value parses one element of kind f.Kind into its canonical Go type.
func (p *textParser) value(f *registry.FieldSchema, val gjson.Result, path string) (any, error) {
	invalid := func(format string, args ...any) error {
		return p.errAt(errors.TextInvalidValue, path, val.Index, fmt.Sprintf(format, args...))
	}
	if val.Type == gjson.Null {
		return nil, invalid("null is not allowed here")
	}

	switch f.Kind {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		if !val.IsObject() {
			return nil, invalid("expected an object for %s", f.TypeName)
		}
		child := message.Empty(p.reg, p.reg.MustMessage(f.TypeName))
		if err := p.parseObject(child, val, path); err != nil {
			return nil, err
		}
		return child, nil

	case protoreflect.BoolKind:
		switch val.Type {
		case gjson.True:
			return true, nil
		case gjson.False:
			return false, nil
		}
		return nil, invalid("expected true or false")

	case protoreflect.StringKind:
		if val.IsObject() {
			return p.rawString(val, path)
		}
		if val.Type != gjson.String {
			return nil, invalid("expected a string")
		}
		return val.Str, nil

	case protoreflect.BytesKind:
		if val.Type != gjson.String {
			return nil, invalid("expected a base64 string")
		}
		b, err := base64.StdEncoding.DecodeString(val.Str)
		if err != nil {
			if b, err = base64.URLEncoding.DecodeString(val.Str); err != nil {
				return nil, invalid("invalid base64: %v", err)
			}
		}
		return b, nil

	case protoreflect.EnumKind:
		enum := p.reg.MustEnum(f.TypeName)
		switch val.Type {
		case gjson.String:
			ev, ok := enum.ValueByName(val.Str)
			if !ok {
				return nil, invalid("%q is not a value of %s", val.Str, enum.FullName)
			}
			return message.EnumNumber(ev.Number), nil
		case gjson.Number:
			n, err := strconv.ParseInt(val.Raw, 10, 32)
			if err != nil {
				return nil, invalid("enum number %s: %v", val.Raw, err)
			}
			return message.EnumNumber(n), nil
		}
		return nil, invalid("expected an enum name or number")

	case protoreflect.FloatKind, protoreflect.DoubleKind:
		bits := 64
		if f.Kind == protoreflect.FloatKind {
			bits = 32
		}
		x, err := parseFloat(val, bits)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if bits == 32 {
			return float32(x), nil
		}
		return x, nil
	}

	s, ok := numberText(val)
	if !ok {
		return nil, invalid("expected a number")
	}
	switch f.Kind {
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return int32(n), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return n, nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return uint32(n), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return n, nil
	}
	return nil, invalid("unsupported kind %s", f.Kind)
}

// rawString reads the {"@bytes": "<base64>"} form of a string field.
func (p *textParser) rawString(obj gjson.Result, path string) (any, error) {
	var (
		raw   []byte
		found bool
		err   error
	)
	obj.ForEach(func(key, val gjson.Result) bool {
		if key.String() != BytesKey || found {
			err = p.errAt(errors.TextInvalidValue, path, key.Index, fmt.Sprintf("string object must hold exactly one %q key", BytesKey))
			return false
		}
		found = true
		if val.Type != gjson.String {
			err = p.errAt(errors.TextInvalidValue, path, val.Index, "expected a base64 string")
			return false
		}
		var decErr error
		if raw, decErr = base64.StdEncoding.DecodeString(val.Str); decErr != nil {
			err = p.errAt(errors.TextInvalidValue, path, val.Index, decErr.Error())
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, p.errAt(errors.TextInvalidValue, path, obj.Index, fmt.Sprintf("string object must hold exactly one %q key", BytesKey))
	}
	return string(raw), nil
}

func (p *textParser) mapKey(f *registry.FieldSchema, key gjson.Result, path string) (any, error) {
	s := key.String()
	invalid := func(err error) error {
		return p.errAt(errors.TextInvalidValue, path, key.Index, fmt.Sprintf("map key %q: %v", s, err))
	}
	switch f.Kind {
	case protoreflect.StringKind:
		return s, nil
	case protoreflect.BoolKind:
		b, err := strconv.ParseBool(s)
		if err != nil || (s != "true" && s != "false") {
			return nil, invalid(stderrors.New("expected true or false"))
		}
		return b, nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, invalid(err)
		}
		return int32(n), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, invalid(err)
		}
		return uint32(n), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	}
	return nil, invalid(fmt.Errorf("unsupported key kind %s", f.Kind))
}

// numberText returns the digits of a JSON number or a numeric string.
func numberText(val gjson.Result) (string, bool) {
	switch val.Type {
	case gjson.Number:
		return val.Raw, true
	case gjson.String:
		return strings.TrimSpace(val.Str), true
	}
	return "", false
}

func parseFloat(val gjson.Result, bits int) (float64, error) {
	var s string
	switch val.Type {
	case gjson.Number:
		s = val.Raw
	case gjson.String:
		switch val.Str {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		s = val.Str
	default:
		return 0, stderrors.New("expected a number")
	}
	x, err := strconv.ParseFloat(s, bits)
	if err != nil {
		return 0, err
	}
	return x, nil
}
