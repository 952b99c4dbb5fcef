package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shhac/burrow/internal/errors"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), "unknown"},
		{"load", &errors.DescriptorLoadError{Reason: errors.LoadMissingFile}, "descriptor_load.missing_file"},
		{"link", &errors.DescriptorLinkError{Reason: errors.LinkUnresolvedType, Name: "a.B"}, "descriptor_link.unresolved_type"},
		{"field", &errors.FieldAccessError{Reason: errors.FieldKindMismatch}, "field_access.kind_mismatch"},
		{"decode", &errors.DecodeError{Reason: errors.DecodeUnexpectedEOF}, "decode.unexpected_eof"},
		{"text", &errors.TextParseError{Reason: errors.TextSyntax}, "text.syntax"},
		{"rpc", &errors.RPCError{Reason: errors.RPCStatus}, "rpc.status"},
		{"wrapped", fmt.Errorf("call: %w", &errors.RPCError{Reason: errors.RPCTimeout}), "rpc.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.KindOf(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "unresolved_type: pkg.Missing (referenced by field pkg.A.b)",
		(&errors.DescriptorLinkError{Reason: errors.LinkUnresolvedType, Name: "pkg.Missing", Detail: "referenced by field pkg.A.b"}).Error())

	assert.Equal(t, "pkg.A.#7: unknown_field",
		(&errors.FieldAccessError{Reason: errors.FieldUnknown, Message: "pkg.A", Number: 7}).Error())

	assert.Equal(t, "invalid_value at a.b[2] (line 3, column 9): bad",
		(&errors.TextParseError{Reason: errors.TextInvalidValue, Path: "a.b[2]", Line: 3, Column: 9, Detail: "bad"}).Error())

	assert.Equal(t, "/pkg.Svc/M: InvalidArgument: nope",
		(&errors.RPCError{Reason: errors.RPCStatus, Method: "/pkg.Svc/M", Code: codes.InvalidArgument, Message: "nope"}).Error())

	assert.Contains(t, (&errors.RPCError{Reason: errors.RPCInvalidAddress, Address: ""}).Error(), `invalid address ""`)
}

func TestUnwrapAndSentinels(t *testing.T) {
	cause := stderrors.New("dial refused")
	err := fmt.Errorf("call: %w", &errors.RPCError{Reason: errors.RPCConnectFailed, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
	assert.NotErrorIs(t, err, errors.ErrTimeout)

	timeout := &errors.RPCError{Reason: errors.RPCTimeout, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, timeout, errors.ErrTimeout)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	assert.ErrorIs(t, &errors.DescriptorLinkError{Reason: errors.LinkDuplicateType}, errors.ErrInvalidDescriptor)

	loadCause := stderrors.New("no such file")
	assert.ErrorIs(t, &errors.DescriptorLoadError{Reason: errors.LoadMissingFile, Err: loadCause}, loadCause)
}

// ---------------------------------------------------------------------------
// gRPC status conversion
// ---------------------------------------------------------------------------

func TestFromStatus(t *testing.T) {
	st, err := status.New(codes.InvalidArgument, "name is required").WithDetails(
		&errdetails.BadRequest{FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: "name", Description: "must not be empty"},
		}},
		&errdetails.RequestInfo{RequestId: "req-42"},
	)
	require.NoError(t, err)

	rpcErr := errors.FromStatus("/helloworld.Greeter/SayHello", st.Err())
	assert.Equal(t, errors.RPCStatus, rpcErr.Reason)
	assert.Equal(t, codes.InvalidArgument, rpcErr.Code)
	assert.Equal(t, "name is required", rpcErr.Message)
	assert.Contains(t, rpcErr.Details, "Field Violations:")
	assert.Contains(t, rpcErr.Details, "name: must not be empty")
	assert.Contains(t, rpcErr.Details, "Request ID: req-42")
}

func TestFromStatus_NonStatusError(t *testing.T) {
	rpcErr := errors.FromStatus("/a.B/C", stderrors.New("plain"))
	assert.Equal(t, codes.Unknown, rpcErr.Code)
	assert.Equal(t, "plain", rpcErr.Message)
	assert.Empty(t, rpcErr.Details)
}

func TestFormatStatusDetails_Empty(t *testing.T) {
	assert.Empty(t, errors.FormatStatusDetails(status.New(codes.NotFound, "gone")))
}
