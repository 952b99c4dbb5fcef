package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Sentinel errors for common failure modes.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrReflectionUnavailable = errors.New("reflection not available")
	ErrInvalidDescriptor     = errors.New("invalid descriptor")
	ErrTimeout               = errors.New("operation timed out")
)

// Kinded is implemented by every error in the taxonomy. Kind returns a short
// machine-readable tag such as "rpc.status".
type Kinded interface {
	error
	Kind() string
}

// KindOf returns the kind tag of the first Kinded error in err's chain, or
// "unknown" when there is none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "unknown"
}

// LoadReason classifies descriptor loading failures.
type LoadReason string

const (
	LoadMissingFile      LoadReason = "missing_file"
	LoadParseFailed      LoadReason = "parse_failed"
	LoadImportUnresolved LoadReason = "import_unresolved"
	LoadInvalidSet       LoadReason = "invalid_set"
)

// DescriptorLoadError reports a problem turning configuration into a raw
// descriptor set.
type DescriptorLoadError struct {
	Reason LoadReason
	Path   string
	Err    error
}

func (e *DescriptorLoadError) Kind() string { return "descriptor_load." + string(e.Reason) }

func (e *DescriptorLoadError) Error() string {
	msg := "load descriptors"
	if e.Path != "" {
		msg += " from " + e.Path
	}
	msg += ": " + string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DescriptorLoadError) Unwrap() error { return e.Err }

// LinkReason classifies registry construction failures.
type LinkReason string

const (
	LinkUnresolvedType LinkReason = "unresolved_type"
	LinkUnknownType    LinkReason = "unknown_type"
	LinkDuplicateType  LinkReason = "duplicate_type"
	LinkInvalidSchema  LinkReason = "invalid_schema"
)

// DescriptorLinkError reports a type reference that could not be resolved, a
// duplicate name, or a structurally invalid schema.
type DescriptorLinkError struct {
	Reason LinkReason
	Name   string
	Detail string
}

func (e *DescriptorLinkError) Kind() string { return "descriptor_link." + string(e.Reason) }

func (e *DescriptorLinkError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Reason, e.Name)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Is lets ErrInvalidDescriptor match any link error.
func (e *DescriptorLinkError) Is(target error) bool { return target == ErrInvalidDescriptor }

// FieldReason classifies field access failures.
type FieldReason string

const (
	FieldUnknown      FieldReason = "unknown_field"
	FieldKindMismatch FieldReason = "kind_mismatch"
	FieldCardinality  FieldReason = "cardinality_mismatch"
	FieldOutOfRange   FieldReason = "out_of_range"
	FieldTypeMismatch FieldReason = "message_type_mismatch"
	FieldInvalidUTF8  FieldReason = "invalid_utf8"
)

// FieldAccessError reports a mutation or read that does not fit the schema.
type FieldAccessError struct {
	Reason  FieldReason
	Message string // fully-qualified message name
	Field   string
	Number  int32
	Detail  string
}

func (e *FieldAccessError) Kind() string { return "field_access." + string(e.Reason) }

func (e *FieldAccessError) Error() string {
	field := e.Field
	if field == "" {
		field = fmt.Sprintf("#%d", e.Number)
	}
	msg := fmt.Sprintf("%s.%s: %s", e.Message, field, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// DecodeReason classifies wire decoding failures.
type DecodeReason string

const (
	DecodeTypeMismatch  DecodeReason = "type_mismatch"
	DecodeUnexpectedEOF DecodeReason = "unexpected_eof"
	DecodeMalformed     DecodeReason = "malformed"
)

// DecodeError reports malformed wire bytes.
type DecodeError struct {
	Reason  DecodeReason
	Message string // message being decoded
	Field   string
	Offset  int
	Err     error
}

func (e *DecodeError) Kind() string { return "decode." + string(e.Reason) }

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s at byte %d: %s", e.Message, e.Offset, e.Reason)
	if e.Field != "" {
		msg += " in field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TextReason classifies editable-text parse failures.
type TextReason string

const (
	TextSyntax         TextReason = "syntax"
	TextUnknownField   TextReason = "unknown_field"
	TextInvalidValue   TextReason = "invalid_value"
	TextDuplicateField TextReason = "duplicate_field"
)

// TextParseError reports a problem in the editable text form.
type TextParseError struct {
	Reason TextReason
	Path   string
	Line   int
	Column int
	Detail string
}

func (e *TextParseError) Kind() string { return "text." + string(e.Reason) }

func (e *TextParseError) Error() string {
	msg := string(e.Reason)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d, column %d)", e.Line, e.Column)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// RPCReason classifies invocation failures.
type RPCReason string

const (
	RPCInvalidAddress RPCReason = "invalid_address"
	RPCConnectFailed  RPCReason = "connect_failed"
	RPCStatus         RPCReason = "status"
	RPCDecodeFailed   RPCReason = "decode_failed"
	RPCTimeout        RPCReason = "timeout"
	RPCUnsupported    RPCReason = "unsupported"
)

// RPCError reports a failed unary call. Code and Message are only meaningful
// for RPCStatus.
type RPCError struct {
	Reason  RPCReason
	Method  string
	Address string
	Code    codes.Code
	Message string
	Details string
	Err     error
}

func (e *RPCError) Kind() string { return "rpc." + string(e.Reason) }

func (e *RPCError) Error() string {
	switch e.Reason {
	case RPCStatus:
		return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
	case RPCInvalidAddress:
		msg := fmt.Sprintf("invalid address %q", e.Address)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
	msg := string(e.Reason)
	if e.Method != "" {
		msg = e.Method + ": " + msg
	}
	if e.Address != "" {
		msg += " (" + e.Address + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RPCError) Unwrap() error { return e.Err }

// Is maps connect and timeout failures onto the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrConnectionFailed:
		return e.Reason == RPCConnectFailed
	case ErrTimeout:
		return e.Reason == RPCTimeout
	}
	return false
}
