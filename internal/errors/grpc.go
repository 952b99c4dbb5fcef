package errors

import (
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FromStatus converts a gRPC status error into an RPCError carrying the
// status code, message and rendered rich details. Errors that carry no
// status are reported as RPCStatus with codes.Unknown.
func FromStatus(method string, err error) *RPCError {
	st, _ := status.FromError(err)
	return &RPCError{
		Reason:  RPCStatus,
		Method:  method,
		Code:    st.Code(),
		Message: st.Message(),
		Details: FormatStatusDetails(st),
		Err:     err,
	}
}

func statusDetails(e *RPCError) string {
	details := fmt.Sprintf("gRPC: %s - %s", e.Code, e.Message)
	if e.Details != "" {
		details += "\n\n" + e.Details
	}
	return details
}

// classifyStatus returns the presentation for a server-reported status code.
func classifyStatus(code codes.Code, message string) *Display {
	switch code {
	case codes.Unavailable:
		return &Display{
			Severity: SeverityError,
			Title:    "Cannot Connect to Server",
			Message:  "The server is not responding.",
			Recovery: []string{
				"Check that the server is running",
				"Verify the address and port",
				"Check your network connection",
			},
		}

	case codes.DeadlineExceeded:
		return &Display{
			Severity: SeverityError,
			Title:    "Request Timeout",
			Message:  "The server took too long to respond.",
			Recovery: []string{"Try again", "Increase timeout setting"},
		}

	case codes.Unauthenticated:
		return &Display{
			Severity: SeverityError,
			Title:    "Authentication Required",
			Message:  "You need to authenticate to access this service.",
			Recovery: []string{"Pass a bearer token or basic credentials"},
		}

	case codes.PermissionDenied:
		return &Display{
			Severity: SeverityError,
			Title:    "Access Denied",
			Message:  "You don't have permission to call this method.",
			Recovery: []string{"Contact administrator for access"},
		}

	case codes.InvalidArgument:
		return &Display{
			Severity: SeverityError,
			Title:    "Invalid Request",
			Message:  "The request contains invalid data.",
			Recovery: []string{"Check field values", "See details for specifics"},
		}

	case codes.Internal:
		return &Display{
			Severity: SeverityError,
			Title:    "Server Error",
			Message:  "The server encountered an unexpected error.",
			Recovery: []string{"Try again later", "Contact server administrator"},
		}

	case codes.Unimplemented:
		return &Display{
			Severity: SeverityWarning,
			Title:    "Method Not Available",
			Message:  "This method is not implemented on the server.",
			Recovery: []string{"Check method name", "Verify server version"},
		}

	case codes.NotFound:
		return &Display{
			Severity: SeverityError,
			Title:    "Not Found",
			Message:  "The requested resource was not found.",
			Recovery: []string{"Check the request parameters"},
		}

	case codes.AlreadyExists:
		return &Display{
			Severity: SeverityError,
			Title:    "Already Exists",
			Message:  "The resource already exists.",
			Recovery: []string{"Use a different identifier"},
		}

	case codes.ResourceExhausted:
		return &Display{
			Severity: SeverityError,
			Title:    "Resource Exhausted",
			Message:  "The server has insufficient resources.",
			Recovery: []string{"Try again later", "Reduce request size"},
		}

	case codes.FailedPrecondition:
		return &Display{
			Severity: SeverityError,
			Title:    "Failed Precondition",
			Message:  "The operation was rejected due to system state.",
			Recovery: []string{"Check system state", "See details for more info"},
		}

	case codes.Aborted:
		return &Display{
			Severity: SeverityError,
			Title:    "Operation Aborted",
			Message:  "The operation was aborted, typically due to concurrency issues.",
			Recovery: []string{"Try again"},
		}

	case codes.OutOfRange:
		return &Display{
			Severity: SeverityError,
			Title:    "Out of Range",
			Message:  "A value is out of the valid range.",
			Recovery: []string{"Check input values", "See details for specifics"},
		}

	case codes.DataLoss:
		return &Display{
			Severity: SeverityFatal,
			Title:    "Data Loss",
			Message:  "Unrecoverable data loss or corruption.",
			Recovery: []string{"Contact server administrator immediately"},
		}

	case codes.Canceled:
		return &Display{
			Severity: SeverityInfo,
			Title:    "Request Cancelled",
			Message:  "The operation was cancelled.",
			Recovery: []string{},
		}

	case codes.Unknown:
		return &Display{
			Severity: SeverityError,
			Title:    "Unknown Error",
			Message:  message,
			Recovery: []string{"Try again", "Contact server administrator if problem persists"},
		}

	default:
		// Fallback for any other gRPC codes
		return &Display{
			Severity: SeverityError,
			Title:    "Request Failed",
			Message:  message,
			Recovery: []string{"Try again"},
		}
	}
}

// FormatStatusDetails extracts and formats rich error details from a gRPC status.
func FormatStatusDetails(st *status.Status) string {
	details := st.Details()
	if len(details) == 0 {
		return ""
	}

	var sections []string

	for _, detail := range details {
		switch d := detail.(type) {
		case *errdetails.BadRequest:
			if fvs := d.GetFieldViolations(); len(fvs) > 0 {
				var lines []string
				lines = append(lines, "Field Violations:")
				for _, fv := range fvs {
					line := fmt.Sprintf("  %s: %s", fv.GetField(), fv.GetDescription())
					if r := fv.GetReason(); r != "" {
						line += fmt.Sprintf(" (reason: %s)", r)
					}
					lines = append(lines, line)
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.DebugInfo:
			var lines []string
			lines = append(lines, "Debug Info:")
			if d.GetDetail() != "" {
				lines = append(lines, "  "+d.GetDetail())
			}
			for _, entry := range d.GetStackEntries() {
				lines = append(lines, "  "+entry)
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.ErrorInfo:
			var lines []string
			lines = append(lines, fmt.Sprintf("Error Info: %s", d.GetReason()))
			if d.GetDomain() != "" {
				lines = append(lines, fmt.Sprintf("  Domain: %s", d.GetDomain()))
			}
			for k, v := range d.GetMetadata() {
				lines = append(lines, fmt.Sprintf("  %s: %s", k, v))
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.RetryInfo:
			if delay := d.GetRetryDelay(); delay != nil {
				sections = append(sections, fmt.Sprintf("Retry after: %v", delay.AsDuration()))
			}

		case *errdetails.PreconditionFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				var lines []string
				lines = append(lines, "Precondition Failures:")
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  [%s] %s: %s", v.GetType(), v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.QuotaFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				var lines []string
				lines = append(lines, "Quota Failures:")
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  %s: %s", v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.RequestInfo:
			sections = append(sections, fmt.Sprintf("Request ID: %s", d.GetRequestId()))

		case *errdetails.ResourceInfo:
			sections = append(sections, fmt.Sprintf("Resource: %s/%s: %s", d.GetResourceType(), d.GetResourceName(), d.GetDescription()))

		case *errdetails.Help:
			if links := d.GetLinks(); len(links) > 0 {
				var lines []string
				lines = append(lines, "Help:")
				for _, link := range links {
					lines = append(lines, fmt.Sprintf("  %s: %s", link.GetDescription(), link.GetUrl()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		default:
			sections = append(sections, fmt.Sprintf("Detail: %v", detail))
		}
	}

	return strings.Join(sections, "\n\n")
}
