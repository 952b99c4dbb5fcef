package message

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/registry"
)

// EnumNumber is the value held by enum fields. Open enums keep numbers with
// no declared name as-is; closed enums reject them.
type EnumNumber int32

// Go types held for each kind:
//
//	bool                       BoolKind
//	int32                      Int32Kind, Sint32Kind, Sfixed32Kind
//	int64                      Int64Kind, Sint64Kind, Sfixed64Kind
//	uint32                     Uint32Kind, Fixed32Kind
//	uint64                     Uint64Kind, Fixed64Kind
//	float32                    FloatKind
//	float64                    DoubleKind
//	string                     StringKind
//	[]byte                     BytesKind
//	EnumNumber                 EnumKind
//	*Message                   MessageKind, GroupKind
//
// Repeated fields hold a *List and map fields a *Map.

// ZeroValue returns the default value of a singular non-message field.
func ZeroValue(reg *registry.Registry, f *registry.FieldSchema) any {
	switch f.Kind {
	case protoreflect.BoolKind:
		return false
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return int32(0)
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return int64(0)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return uint32(0)
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return uint64(0)
	case protoreflect.FloatKind:
		return float32(0)
	case protoreflect.DoubleKind:
		return float64(0)
	case protoreflect.StringKind:
		return ""
	case protoreflect.BytesKind:
		return []byte{}
	case protoreflect.EnumKind:
		return EnumNumber(reg.MustEnum(f.TypeName).Default())
	}
	return nil
}

// coerce checks v against the kind of f and converts the accepted
// conveniences (plain int, float64 for float fields, int32 or a constant name
// for enums) to the canonical Go type.
func coerce(reg *registry.Registry, f *registry.FieldSchema, v any) (any, error) {
	out, err := coerceValue(reg, f, v)
	if err != nil || f.Kind != protoreflect.EnumKind {
		return out, err
	}
	enum := reg.MustEnum(f.TypeName)
	n := out.(EnumNumber)
	if _, declared := enum.ValueByNumber(int32(n)); enum.Closed && !declared {
		return nil, fieldError(errors.FieldOutOfRange, f, fmt.Sprintf("%d is not a value of closed enum %s", n, enum.FullName))
	}
	return out, nil
}

func coerceValue(reg *registry.Registry, f *registry.FieldSchema, v any) (any, error) {
	if v == nil {
		return nil, fieldError(errors.FieldKindMismatch, f, "nil value")
	}
	if n, ok := v.(int); ok {
		return coerceInt(f, int64(n))
	}
	switch f.Kind {
	case protoreflect.BoolKind:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		if n, ok := v.(int32); ok {
			return n, nil
		}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		}
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		if n, ok := v.(uint32); ok {
			return n, nil
		}
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		switch n := v.(type) {
		case uint64:
			return n, nil
		case uint32:
			return uint64(n), nil
		}
	case protoreflect.FloatKind:
		switch n := v.(type) {
		case float32:
			return n, nil
		case float64:
			if !math.IsInf(n, 0) && !math.IsNaN(n) && math.Abs(n) > math.MaxFloat32 {
				return nil, fieldError(errors.FieldOutOfRange, f, fmt.Sprintf("%v overflows float", n))
			}
			return float32(n), nil
		}
	case protoreflect.DoubleKind:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		}
	case protoreflect.StringKind:
		if s, ok := v.(string); ok {
			if f.ValidateUTF8 && !utf8.ValidString(s) {
				return nil, fieldError(errors.FieldInvalidUTF8, f, "string is not valid UTF-8")
			}
			return s, nil
		}
	case protoreflect.BytesKind:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case protoreflect.EnumKind:
		switch n := v.(type) {
		case EnumNumber:
			return n, nil
		case int32:
			return EnumNumber(n), nil
		case string:
			ev, ok := reg.MustEnum(f.TypeName).ValueByName(n)
			if !ok {
				return nil, fieldError(errors.FieldOutOfRange, f, fmt.Sprintf("%q is not a value of %s", n, f.TypeName))
			}
			return EnumNumber(ev.Number), nil
		}
	case protoreflect.MessageKind, protoreflect.GroupKind:
		child, ok := v.(*Message)
		if !ok {
			break
		}
		if child == nil || child.schema.FullName != f.TypeName {
			got := "nil"
			if child != nil {
				got = child.schema.FullName
			}
			return nil, fieldError(errors.FieldTypeMismatch, f, fmt.Sprintf("want %s, got %s", f.TypeName, got))
		}
		return child, nil
	}
	return nil, fieldError(errors.FieldKindMismatch, f, fmt.Sprintf("%T cannot hold a %s value", v, f.Kind))
}

func coerceInt(f *registry.FieldSchema, n int64) (any, error) {
	outOfRange := func() error {
		return fieldError(errors.FieldOutOfRange, f, fmt.Sprintf("%d does not fit %s", n, f.Kind))
	}
	switch f.Kind {
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, outOfRange()
		}
		return int32(n), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return n, nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		if n < 0 || n > math.MaxUint32 {
			return nil, outOfRange()
		}
		return uint32(n), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		if n < 0 {
			return nil, outOfRange()
		}
		return uint64(n), nil
	case protoreflect.EnumKind:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, outOfRange()
		}
		return EnumNumber(n), nil
	}
	return nil, fieldError(errors.FieldKindMismatch, f, fmt.Sprintf("int cannot hold a %s value", f.Kind))
}

func fieldError(reason errors.FieldReason, f *registry.FieldSchema, detail string) error {
	return &errors.FieldAccessError{
		Reason:  reason,
		Message: f.Parent,
		Field:   f.Name,
		Number:  f.Number,
		Detail:  detail,
	}
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case *Message:
		y, ok := b.(*Message)
		return ok && Equal(x, y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case float32:
		y, ok := b.(float32)
		return ok && (x == y || (math.IsNaN(float64(x)) && math.IsNaN(float64(y))))
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	}
	return a == b
}

// compareKeys orders map keys of a single kind.
func compareKeys(a, b any) bool {
	switch x := a.(type) {
	case bool:
		return !x && b.(bool)
	case int32:
		return x < b.(int32)
	case int64:
		return x < b.(int64)
	case uint32:
		return x < b.(uint32)
	case uint64:
		return x < b.(uint64)
	case string:
		return x < b.(string)
	}
	return false
}

func sortKeys(keys []any) {
	sort.Slice(keys, func(i, j int) bool { return compareKeys(keys[i], keys[j]) })
}
