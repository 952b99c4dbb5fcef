package domain

import "time"

// Request is a unary call in editable text form.
type Request struct {
	Address  string // empty means the connection's default address
	Method   string
	Body     string // JSON
	Metadata map[string]string
}

// Response is the outcome of a successful unary call.
type Response struct {
	CallID   string
	Body     string // JSON
	Headers  map[string]string
	Duration time.Duration
}
