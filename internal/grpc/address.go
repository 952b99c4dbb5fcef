package grpc

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/shhac/burrow/internal/errors"
)

// Target is a parsed call address.
type Target struct {
	Raw  string // as given by the caller
	Dial string // passed to grpc.NewClient
	TLS  bool   // the scheme requires TLS
}

// ParseAddress validates an address and turns it into a dial target.
// Accepted forms:
//
//	host:port
//	http://host[:port]     plaintext, port defaults to 80
//	https://host[:port]    TLS, port defaults to 443
//	dns:///host:port       passed to the gRPC resolver as is
//	unix:/path/to/socket   passed to the gRPC resolver as is
//
// Failures are reported as an RPCError with reason RPCInvalidAddress.
func ParseAddress(raw string) (Target, error) {
	addr := strings.TrimSpace(raw)
	fail := func(msg string) (Target, error) {
		return Target{}, &errors.RPCError{
			Reason:  errors.RPCInvalidAddress,
			Address: raw,
			Err:     stderrors.New(msg),
		}
	}

	if addr == "" {
		return fail("address is empty")
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return fail("address contains whitespace")
	}

	scheme, rest, hasScheme := strings.Cut(addr, ":")
	switch {
	case hasScheme && (scheme == "http" || scheme == "https") && strings.HasPrefix(rest, "//"):
		u, err := url.Parse(addr)
		if err != nil {
			return fail(err.Error())
		}
		if u.Host == "" || u.Hostname() == "" {
			return fail("missing host")
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return fail("only scheme, host and port are allowed")
		}
		port := u.Port()
		if port == "" {
			port = "80"
			if scheme == "https" {
				port = "443"
			}
		} else if err := checkPort(port); err != nil {
			return fail(err.Error())
		}
		return Target{Raw: raw, Dial: net.JoinHostPort(u.Hostname(), port), TLS: scheme == "https"}, nil

	case hasScheme && scheme == "dns":
		endpoint := strings.TrimPrefix(rest, "//")
		if i := strings.Index(endpoint, "/"); strings.HasPrefix(rest, "//") && i >= 0 {
			endpoint = endpoint[i+1:]
		}
		if endpoint == "" {
			return fail("missing host")
		}
		return Target{Raw: raw, Dial: addr}, nil

	case hasScheme && (scheme == "unix" || scheme == "unix-abstract"):
		if strings.Trim(rest, "/") == "" {
			return fail("missing socket path")
		}
		return Target{Raw: raw, Dial: addr}, nil

	case strings.Contains(addr, "://"):
		return fail(fmt.Sprintf("unsupported scheme %q", scheme))
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fail(err.Error())
	}
	if host == "" {
		return fail("missing host")
	}
	if err := checkPort(port); err != nil {
		return fail(err.Error())
	}
	return Target{Raw: raw, Dial: addr}, nil
}

func checkPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
