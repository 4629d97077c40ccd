// Package upstream chains outbound connections through a parent proxy
// speaking SOCKS5 or HTTP CONNECT, optionally over TLS.
package upstream

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/netwayio/netway/tunnel"
)

// Schemes accepted in upstream descriptors. The https scheme is HTTP
// CONNECT wrapped in TLS.
const (
	SchemeSOCKS5 = "socks5"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
)

// Descriptor identifies a parent proxy.
type Descriptor struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Parse reads the "scheme,host,port[,username,password]" form used in
// proxy definitions.
func Parse(s string) (*Descriptor, error) {
	fields := strings.Split(s, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) != 3 && len(fields) != 5 {
		return nil, fmt.Errorf("upstream %q: want scheme,host,port[,username,password]", s)
	}
	d := &Descriptor{Scheme: strings.ToLower(fields[0]), Host: fields[1]}
	switch d.Scheme {
	case SchemeSOCKS5, SchemeHTTP, SchemeHTTPS:
	default:
		return nil, fmt.Errorf("upstream %q: unknown scheme %q", s, fields[0])
	}
	if d.Host == "" {
		return nil, fmt.Errorf("upstream %q: empty host", s)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("upstream %q: invalid port %q", s, fields[2])
	}
	d.Port = port
	if len(fields) == 5 {
		d.Username = fields[3]
		d.Password = fields[4]
	}
	return d, nil
}

// Address returns the parent proxy endpoint as host:port.
func (d *Descriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Dialer opens tunnels through one parent proxy.
type Dialer struct {
	desc    *Descriptor
	timeout time.Duration
	tlsCfg  *tls.Config
}

func NewDialer(desc *Descriptor, timeout time.Duration) *Dialer {
	d := &Dialer{desc: desc, timeout: timeout}
	if desc.Scheme == SchemeHTTPS {
		d.tlsCfg = &tls.Config{ServerName: desc.Host}
	}
	return d
}

// Dial connects to the parent proxy and negotiates a tunnel to target.
// The returned connection carries the target's traffic end to end.
func (d *Dialer) Dial(target *tunnel.Address) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", d.desc.Address(), d.timeout)
	if err != nil {
		return nil, &tunnel.ConnectError{Kind: tunnel.KindUpstream, Addr: target.String(), Err: err}
	}
	if d.tlsCfg != nil {
		tc := tls.Client(conn, d.tlsCfg)
		if err := tc.Handshake(); err != nil {
			conn.Close()
			return nil, &tunnel.ConnectError{Kind: tunnel.KindTLS, Addr: target.String(), Err: err}
		}
		conn = tc
	}

	out, err := d.handshake(conn, target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return out, nil
}

func (d *Dialer) handshake(conn net.Conn, target *tunnel.Address) (net.Conn, error) {
	conn.SetDeadline(time.Now().Add(d.timeout))
	defer conn.SetDeadline(time.Time{})

	switch d.desc.Scheme {
	case SchemeSOCKS5:
		if err := d.socksConnect(conn, target); err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return d.httpConnect(conn, target)
	}
}

func upstreamErr(target *tunnel.Address, format string, args ...interface{}) error {
	return &tunnel.ConnectError{
		Kind: tunnel.KindUpstream,
		Addr: target.String(),
		Err:  fmt.Errorf(format, args...),
	}
}
