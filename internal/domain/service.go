package domain

// Service is a listing view of a service in the loaded descriptors.
type Service struct {
	Name     string
	FullName string // Fully qualified name
	Methods  []Method
}

// Method is a listing view of a method.
type Method struct {
	Name           string
	FullName       string
	Path           string // "/pkg.Service/Method"
	InputType      string // Message type name
	OutputType     string
	IsClientStream bool
	IsServerStream bool
}

// MethodType returns the RPC type (Unary, ServerStream, ClientStream, or BidiStream)
func (m Method) MethodType() string {
	if m.IsClientStream && m.IsServerStream {
		return "BidiStream"
	}
	if m.IsServerStream {
		return "ServerStream"
	}
	if m.IsClientStream {
		return "ClientStream"
	}
	return "Unary"
}

// Callable reports whether the method can be invoked as a unary call.
func (m Method) Callable() bool {
	return !m.IsClientStream && !m.IsServerStream
}
