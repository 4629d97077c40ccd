package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies a connect-phase failure so negotiators can pick
// the closest protocol reply (SOCKS REP code or HTTP status).
type ErrorKind int

const (
	// KindGeneral is an unclassified connect failure.
	KindGeneral ErrorKind = iota
	// KindRejected means the rule engine refused the target.
	KindRejected
	// KindRefused means the target actively refused the connection.
	KindRefused
	// KindNetworkUnreachable means no route to the target network.
	KindNetworkUnreachable
	// KindHostUnreachable means the target host is unreachable.
	KindHostUnreachable
	// KindResolution means the target name did not resolve.
	KindResolution
	// KindTimeout means the connect phase exceeded its deadline.
	KindTimeout
	// KindTLS means the TLS client handshake failed.
	KindTLS
	// KindUpstream means the upstream proxy was unreachable or
	// rejected the tunnel during its handshake.
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindRefused:
		return "connection refused"
	case KindNetworkUnreachable:
		return "network unreachable"
	case KindHostUnreachable:
		return "host unreachable"
	case KindResolution:
		return "resolution failure"
	case KindTimeout:
		return "timeout"
	case KindTLS:
		return "tls handshake failure"
	case KindUpstream:
		return "upstream failure"
	default:
		return "general failure"
	}
}

// ConnectError is a classified egress connection failure.
type ConnectError struct {
	Kind ErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %v: %v", e.Addr, e.Kind)
	}
	return fmt.Sprintf("connect %v: %v: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// KindOf extracts the error kind from err, or KindGeneral when err is
// not a ConnectError.
func KindOf(err error) ErrorKind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindGeneral
}

// ClassifyDial wraps a dial error with the matching kind by inspecting
// the underlying network error.
func ClassifyDial(addr string, err error) *ConnectError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return &ConnectError{Kind: KindTimeout, Addr: addr, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ConnectError{Kind: KindRefused, Addr: addr, Err: err}
	case errors.Is(err, syscall.ENETUNREACH):
		return &ConnectError{Kind: KindNetworkUnreachable, Addr: addr, Err: err}
	case errors.Is(err, syscall.EHOSTUNREACH):
		return &ConnectError{Kind: KindHostUnreachable, Addr: addr, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectError{Kind: KindResolution, Addr: addr, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Kind: KindTimeout, Addr: addr, Err: err}
	}
	return &ConnectError{Kind: KindGeneral, Addr: addr, Err: err}
}
