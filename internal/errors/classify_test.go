package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/shhac/burrow/internal/errors"
)

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, errors.Classify(nil))
}

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		title    string
		severity errors.ErrorSeverity
	}{
		{"load", &errors.DescriptorLoadError{Reason: errors.LoadParseFailed}, "Cannot Load Descriptors", errors.SeverityFatal},
		{"link", &errors.DescriptorLinkError{Reason: errors.LinkDuplicateType}, "Invalid Descriptor", errors.SeverityFatal},
		{"field", &errors.FieldAccessError{Reason: errors.FieldOutOfRange}, "Invalid Field Value", errors.SeverityError},
		{"text", &errors.TextParseError{Reason: errors.TextSyntax}, "Invalid Request Text", errors.SeverityError},
		{"decode", &errors.DecodeError{Reason: errors.DecodeMalformed}, "Malformed Message", errors.SeverityError},
		{"address", &errors.RPCError{Reason: errors.RPCInvalidAddress}, "Invalid Address", errors.SeverityError},
		{"connect", &errors.RPCError{Reason: errors.RPCConnectFailed}, "Connection Failed", errors.SeverityError},
		{"timeout", &errors.RPCError{Reason: errors.RPCTimeout}, "Request Timeout", errors.SeverityError},
		{"decode failed", &errors.RPCError{Reason: errors.RPCDecodeFailed}, "Unreadable Response", errors.SeverityError},
		{"unsupported", &errors.RPCError{Reason: errors.RPCUnsupported}, "Method Not Supported", errors.SeverityWarning},
		{"deadline", context.DeadlineExceeded, "Request Timeout", errors.SeverityError},
		{"cancel", context.Canceled, "Request Cancelled", errors.SeverityInfo},
		{"reflection", fmt.Errorf("list: %w", errors.ErrReflectionUnavailable), "Reflection Not Available", errors.SeverityWarning},
		{"other", stderrors.New("weird"), "Unexpected Error", errors.SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := errors.Classify(tt.err)
			require.NotNil(t, d)
			assert.Equal(t, tt.title, d.Title)
			assert.Equal(t, tt.severity, d.Severity)
			assert.Equal(t, errors.KindOf(tt.err), d.Kind)
			assert.ErrorIs(t, d, tt.err)
		})
	}
}

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		code  codes.Code
		title string
	}{
		{codes.Unavailable, "Cannot Connect to Server"},
		{codes.Unauthenticated, "Authentication Required"},
		{codes.PermissionDenied, "Access Denied"},
		{codes.InvalidArgument, "Invalid Request"},
		{codes.Unimplemented, "Method Not Available"},
		{codes.NotFound, "Not Found"},
		{codes.DataLoss, "Data Loss"},
		{codes.Unknown, "Unknown Error"},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := &errors.RPCError{Reason: errors.RPCStatus, Method: "/a.B/C", Code: tt.code, Message: "server says no"}
			d := errors.Classify(err)
			assert.Equal(t, tt.title, d.Title)
			assert.Equal(t, "rpc.status", d.Kind)
			assert.Contains(t, d.Details, "server says no")
		})
	}
}

func TestClassify_DisplayPassthrough(t *testing.T) {
	d := &errors.Display{Title: "Already classified"}
	assert.Same(t, d, errors.Classify(fmt.Errorf("wrap: %w", d)))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", errors.SeverityInfo.String())
	assert.Equal(t, "fatal", errors.SeverityFatal.String())
	assert.Equal(t, "unknown", errors.ErrorSeverity(99).String())
}
