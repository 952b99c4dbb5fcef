package errors

import (
	"context"
	"errors"
)

// ErrorSeverity indicates the severity of an error for presentation.
type ErrorSeverity int

const (
	SeverityInfo    ErrorSeverity = iota // User should know, not blocking
	SeverityWarning                      // Degraded functionality
	SeverityError                        // Operation failed, can retry
	SeverityFatal                        // Configuration unusable
)

// String returns a lower-case severity label.
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Display wraps an error with presentation metadata so a terminal surface can
// show it without further translation.
type Display struct {
	Err      error
	Kind     string
	Severity ErrorSeverity
	Title    string   // Short user-facing title
	Message  string   // Detailed user-facing message
	Recovery []string // Suggested actions
	Details  string   // Technical details
}

func (d Display) Error() string {
	if d.Err != nil {
		return d.Err.Error()
	}
	return d.Title
}

// Unwrap returns the underlying error.
func (d Display) Unwrap() error {
	return d.Err
}

// Classify converts an error into a Display with severity, title, message and
// recovery suggestions.
func Classify(err error) *Display {
	if err == nil {
		return nil
	}

	var disp *Display
	if errors.As(err, &disp) {
		return disp
	}

	kind := KindOf(err)

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr, kind)
	}

	var loadErr *DescriptorLoadError
	if errors.As(err, &loadErr) {
		d := &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityFatal,
			Title:    "Cannot Load Descriptors",
			Message:  "The configured proto sources could not be read.",
			Details:  err.Error(),
		}
		switch loadErr.Reason {
		case LoadMissingFile:
			d.Recovery = []string{"Check the file paths in the configuration"}
		case LoadImportUnresolved:
			d.Recovery = []string{"Add the directory containing the import to the include paths"}
		case LoadParseFailed:
			d.Recovery = []string{"Fix the syntax error reported in the details"}
		default:
			d.Recovery = []string{"Regenerate the descriptor set"}
		}
		return d
	}

	var linkErr *DescriptorLinkError
	if errors.As(err, &linkErr) {
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityFatal,
			Title:    "Invalid Descriptor",
			Message:  "The descriptor set references types it does not define.",
			Recovery: []string{
				"Include every imported file in the descriptor set",
				"Check for duplicate definitions",
			},
			Details: err.Error(),
		}
	}

	var fieldErr *FieldAccessError
	if errors.As(err, &fieldErr) {
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Invalid Field Value",
			Message:  fieldErr.Error(),
			Recovery: []string{"Correct the field value and try again"},
		}
	}

	var textErr *TextParseError
	if errors.As(err, &textErr) {
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Invalid Request Text",
			Message:  textErr.Error(),
			Recovery: []string{"Edit the request and try again"},
		}
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Malformed Message",
			Message:  "The bytes do not match the message schema.",
			Recovery: []string{"Check that client and server use the same proto definitions"},
			Details:  err.Error(),
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Request Timeout",
			Message:  "The server took too long to respond.",
			Recovery: []string{"Try again", "Increase the timeout setting"},
		}

	case errors.Is(err, context.Canceled):
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityInfo,
			Title:    "Request Cancelled",
			Message:  "The operation was cancelled.",
			Recovery: []string{},
		}

	case errors.Is(err, ErrReflectionUnavailable):
		return &Display{
			Err:      err,
			Kind:     kind,
			Severity: SeverityWarning,
			Title:    "Reflection Not Available",
			Message:  "This server doesn't support gRPC reflection.",
			Recovery: []string{"Configure proto files or a protoset instead"},
			Details:  err.Error(),
		}
	}

	// Default fallback for unknown errors
	return &Display{
		Err:      err,
		Kind:     kind,
		Severity: SeverityError,
		Title:    "Unexpected Error",
		Message:  "An unexpected error occurred.",
		Recovery: []string{"Try again"},
		Details:  err.Error(),
	}
}

func classifyRPC(e *RPCError, kind string) *Display {
	switch e.Reason {
	case RPCInvalidAddress:
		return &Display{
			Err:      e,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Invalid Address",
			Message:  "The address could not be parsed.",
			Recovery: []string{"Use host:port or http(s)://host:port"},
			Details:  e.Error(),
		}
	case RPCConnectFailed:
		return &Display{
			Err:      e,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Connection Failed",
			Message:  "Unable to connect to the server.",
			Recovery: []string{
				"Check that the server is running",
				"Verify the address and port",
				"Check your network connection",
			},
			Details: e.Error(),
		}
	case RPCTimeout:
		return &Display{
			Err:      e,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Request Timeout",
			Message:  "The server took too long to respond.",
			Recovery: []string{"Try again", "Increase the timeout setting"},
			Details:  e.Error(),
		}
	case RPCDecodeFailed:
		return &Display{
			Err:      e,
			Kind:     kind,
			Severity: SeverityError,
			Title:    "Unreadable Response",
			Message:  "The response did not match the method's output type.",
			Recovery: []string{"Check that the proto definitions match the server version"},
			Details:  e.Error(),
		}
	case RPCUnsupported:
		return &Display{
			Err:      e,
			Kind:     kind,
			Severity: SeverityWarning,
			Title:    "Method Not Supported",
			Message:  "Only unary methods can be called.",
			Recovery: []string{"Choose a unary method"},
			Details:  e.Error(),
		}
	}
	d := classifyStatus(e.Code, e.Message)
	d.Err = e
	d.Kind = kind
	d.Details = statusDetails(e)
	return d
}
