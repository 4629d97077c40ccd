package socks

import (
	"fmt"
	"io"
	"net"

	"github.com/netwayio/netway/auth"
	"github.com/netwayio/netway/tunnel"
)

// Negotiator drives the SOCKS5 handshake on an accepted connection up
// to the decoded target address. The final reply is deferred: Succeed
// or Fail is called only after the egress tunnel attempt, so the
// client never sees success before a connected tunnel exists.
type Negotiator struct {
	conn net.Conn
	auth *auth.Provider // nil: no credentials configured
}

func NewNegotiator(conn net.Conn, provider *auth.Provider) *Negotiator {
	return &Negotiator{conn: conn, auth: provider}
}

// Client returns the stream to relay after a successful reply.
func (n *Negotiator) Client() net.Conn { return n.conn }

// Negotiate consumes the greeting (version already sniffed by the
// caller), selects and runs the authentication method, and decodes
// the CONNECT request. Handshake-phase failures are answered on the
// wire here; the returned error then only needs closing the
// connection.
func (n *Negotiator) Negotiate(version byte) (*tunnel.Address, error) {
	if version != Version5 {
		// Malformed preamble: no safe reply channel yet.
		return nil, fmt.Errorf("%w: %#02x", ErrVersion, version)
	}

	b := make([]byte, tunnel.MaxAddrLen)
	if _, err := io.ReadFull(n.conn, b[:1]); err != nil {
		return nil, fmt.Errorf("socks: read NMETHODS: %w", err)
	}
	nmethods := int(b[0])
	if _, err := io.ReadFull(n.conn, b[:nmethods]); err != nil {
		return nil, fmt.Errorf("socks: read methods: %w", err)
	}

	method := n.selectMethod(b[:nmethods])
	if _, err := n.conn.Write([]byte{Version5, method}); err != nil {
		return nil, fmt.Errorf("socks: write method selection: %w", err)
	}
	switch method {
	case MethodNoAcceptable:
		return nil, ErrNoAcceptableMethods
	case MethodUserPass:
		if err := n.verifyUserPass(); err != nil {
			return nil, err
		}
	}

	// VER CMD RSV
	if _, err := io.ReadFull(n.conn, b[:3]); err != nil {
		return nil, fmt.Errorf("socks: read request: %w", err)
	}
	if b[0] != Version5 {
		return nil, fmt.Errorf("%w: %#02x", ErrVersion, b[0])
	}
	cmd := b[1]

	addr := &tunnel.Address{}
	if err := addr.ReadFrom(n.conn); err != nil {
		n.reply(RepAddrNotSupported)
		return nil, fmt.Errorf("socks: %w", err)
	}
	if cmd != CmdConnect {
		n.reply(RepCmdNotSupported)
		return nil, fmt.Errorf("%w: %#02x", ErrCommandNotSupported, cmd)
	}
	return addr, nil
}

// selectMethod picks "no auth" when no credentials are configured and
// username/password when they are, provided the client offered it.
func (n *Negotiator) selectMethod(offered []byte) byte {
	want := MethodNoAuth
	if n.auth != nil {
		want = MethodUserPass
	}
	for _, m := range offered {
		if m == want {
			return want
		}
	}
	return MethodNoAcceptable
}

func (n *Negotiator) verifyUserPass() error {
	b := make([]byte, 256)
	if _, err := io.ReadFull(n.conn, b[:2]); err != nil {
		return fmt.Errorf("socks: read auth header: %w", err)
	}
	if b[0] != userPassVersion {
		return fmt.Errorf("socks: bad auth version %#02x", b[0])
	}
	ulen := int(b[1])
	if _, err := io.ReadFull(n.conn, b[:ulen]); err != nil {
		return fmt.Errorf("socks: read username: %w", err)
	}
	username := string(b[:ulen])
	if _, err := io.ReadFull(n.conn, b[:1]); err != nil {
		return fmt.Errorf("socks: read password length: %w", err)
	}
	plen := int(b[0])
	if _, err := io.ReadFull(n.conn, b[:plen]); err != nil {
		return fmt.Errorf("socks: read password: %w", err)
	}
	password := string(b[:plen])

	source, _, _ := net.SplitHostPort(n.conn.RemoteAddr().String())
	if err := n.auth.Verify(username, password, source); err != nil {
		n.conn.Write([]byte{userPassVersion, authFailed})
		return err
	}
	if _, err := n.conn.Write([]byte{userPassVersion, authSucceeded}); err != nil {
		return fmt.Errorf("socks: write auth status: %w", err)
	}
	return nil
}

// Succeed reports the established tunnel with the locally bound
// egress address.
func (n *Negotiator) Succeed(bound net.Addr) error {
	addr, err := tunnel.FromAddr(bound.String())
	if err != nil {
		return n.reply(RepSucceeded)
	}
	buf := append([]byte{Version5, RepSucceeded, 0x00}, addr.Bytes()...)
	_, err = n.conn.Write(buf)
	return err
}

// Fail answers the CONNECT request with the reply code closest to the
// egress failure and leaves closing to the caller.
func (n *Negotiator) Fail(err error) error {
	return n.reply(repFor(tunnel.KindOf(err)))
}

func (n *Negotiator) reply(rep byte) error {
	_, err := n.conn.Write([]byte{Version5, rep, 0x00, tunnel.TypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func repFor(kind tunnel.ErrorKind) byte {
	switch kind {
	case tunnel.KindRejected:
		return RepNotAllowed
	case tunnel.KindRefused:
		return RepConnectionRefused
	case tunnel.KindNetworkUnreachable:
		return RepNetworkUnreachable
	case tunnel.KindHostUnreachable, tunnel.KindResolution, tunnel.KindTimeout:
		return RepHostUnreachable
	default:
		return RepGeneralFailure
	}
}
