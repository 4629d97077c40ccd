// Package freedom dials targets directly over the local network.
package freedom

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/netwayio/netway/tunnel"
)

// Resolver turns a hostname into candidate addresses. The order of
// the returned IPs is the order connection attempts are made in.
type Resolver interface {
	LookupHost(host string) ([]net.IP, error)
}

// Dialer opens direct TCP connections to tunnel targets.
type Dialer struct {
	resolver Resolver
	timeout  time.Duration
}

func NewDialer(resolver Resolver, timeout time.Duration) *Dialer {
	return &Dialer{resolver: resolver, timeout: timeout}
}

// Dial connects to addr. Domain targets are resolved first and each
// candidate IP is tried in resolver order; the error of the last
// attempt is returned when all fail. One deadline spans the whole
// connect phase, so a many-address domain cannot multiply the timeout.
func (d *Dialer) Dial(addr *tunnel.Address) (net.Conn, error) {
	nd := net.Dialer{Deadline: time.Now().Add(d.timeout)}
	if addr.IsIP() {
		conn, err := nd.Dial("tcp", addr.String())
		if err != nil {
			return nil, tunnel.ClassifyDial(addr.String(), err)
		}
		return conn, nil
	}

	ips, err := d.resolver.LookupHost(addr.Host())
	if err != nil {
		return nil, &tunnel.ConnectError{Kind: tunnel.KindResolution, Addr: addr.String(), Err: err}
	}
	if len(ips) == 0 {
		return nil, &tunnel.ConnectError{Kind: tunnel.KindResolution, Addr: addr.String()}
	}

	port := strconv.Itoa(addr.Port())
	var lastErr error
	for _, ip := range ips {
		conn, err := nd.Dial("tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// Budget spent; later candidates would fail instantly.
			break
		}
	}
	return nil, tunnel.ClassifyDial(addr.String(), lastErr)
}
